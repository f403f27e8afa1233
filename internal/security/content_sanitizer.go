// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ContentSanitizerService は投稿本文をサニタイズし、
// 保存・配信・画面表示のいずれの経路でもマークアップが
// 実行されないことを保証する。
package security

import (
	"html"

	"github.com/microcosm-cc/bluemonday"
)

// ContentSanitizerService は投稿本文のサニタイズ機能のインターフェースを定義する。
// 投稿の作成時と編集時に使用される。
type ContentSanitizerService interface {
	// Sanitize は投稿本文からすべてのHTMLタグを除去したプレーンテキストを返す。
	// プラットフォームAPIはプレーンテキストを期待するため、
	// 許可リストは空（StrictPolicy）とし、タグはすべて除去される。
	// bluemondayはエスケープ済み実体（&amp;等）を残すため、除去後にアンエスケープする。
	// 空文字列の入力には空文字列を返す。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(content string) string
}

// contentSanitizer はContentSanitizerServiceの実装。
// bluemondayのポリシーを保持し、スレッドセーフにサニタイズ処理を行う。
type contentSanitizer struct {
	policy *bluemonday.Policy
}

// NewContentSanitizer はContentSanitizerServiceの新しいインスタンスを生成する。
// 投稿本文はプレーンテキストとして扱うため、タグを一切許可しない
// StrictPolicyを使用する。script/iframe等の危険なタグはもちろん、
// 装飾目的のタグも配信ペイロードには不要であるためすべて除去する。
func NewContentSanitizer() *contentSanitizer {
	return &contentSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize は投稿本文からHTMLタグを除去したプレーンテキストを返す。
func (s *contentSanitizer) Sanitize(content string) string {
	return html.UnescapeString(s.policy.Sanitize(content))
}

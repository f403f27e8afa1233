// Package publisher は外部プラットフォームへの投稿配信アダプタを提供する。
// プラットフォームごとに1実装を持ち、接続解決・トークン検証・API呼び出し・
// 外部投稿IDへのマッピングを担う。想定内の失敗（未接続、トークン期限切れ、
// API拒否）はエラーとして伝播させず、失敗Outcomeへ畳み込む。
package publisher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/hitoshi/postdeck/internal/model"
	"github.com/hitoshi/postdeck/internal/repository"
)

// Publisher は1プラットフォームへの配信実行インターフェース。
// Publishは想定内の失敗では決してエラーを返さず、失敗Outcomeを返す。
// リソース枯渇やプログラミングエラーのみがpanicとして伝播しうる。
type Publisher interface {
	// Platform はこの実装が担当するプラットフォーム名を返す。
	Platform() string

	// Publish はユーザーの接続を解決し、コンテンツを1回配信する。
	Publish(ctx context.Context, userID, content string, mediaURLs []string) model.PlatformOutcome
}

// Registry はプラットフォーム名からPublisherを引くレジストリ。
// プラットフォームの追加はPublisher実装を1つ追加してここに登録するだけでよく、
// ディスパッチャ側の変更は不要。
type Registry struct {
	publishers map[string]Publisher
}

// NewRegistry は指定されたPublisher群からRegistryを生成する。
func NewRegistry(publishers ...Publisher) *Registry {
	m := make(map[string]Publisher, len(publishers))
	for _, p := range publishers {
		m[p.Platform()] = p
	}
	return &Registry{publishers: m}
}

// Lookup はプラットフォーム名に対応するPublisherを返す。
// 未登録の場合はnilとfalseを返す。
func (r *Registry) Lookup(platform string) (Publisher, bool) {
	p, ok := r.publishers[platform]
	return p, ok
}

// Platforms は登録済みプラットフォーム名の一覧を返す。
func (r *Registry) Platforms() []string {
	names := make([]string, 0, len(r.publishers))
	for name := range r.publishers {
		names = append(names, name)
	}
	return names
}

// successOutcome は配信成功のOutcomeを生成する。
func successOutcome(platform, postID, url string) model.PlatformOutcome {
	return model.PlatformOutcome{
		Platform: platform,
		Success:  true,
		PostID:   postID,
		URL:      url,
	}
}

// failureOutcome は配信失敗のOutcomeを生成する。
func failureOutcome(platform, reason string) model.PlatformOutcome {
	return model.PlatformOutcome{
		Platform: platform,
		Success:  false,
		Error:    reason,
	}
}

// apiCallFailure はHTTP呼び出し失敗の理由文字列を生成する。
// タイムアウトは集約サマリー上で他の失敗と区別できるよう専用の理由にする。
func apiCallFailure(ctx context.Context, err error) string {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return "配信がタイムアウトしました"
	}
	return fmt.Sprintf("API呼び出しに失敗しました: %s", err.Error())
}

// resolveConnection はユーザーの有効な接続を解決し、トークンの鮮度を検証する。
// 未接続・期限切れは理由文字列として返し、呼び出し元が失敗Outcomeに変換する。
// 接続リポジトリ自体の障害も想定内の失敗として理由に畳み込む。
func resolveConnection(ctx context.Context, connRepo repository.PlatformConnectionRepository, userID, platform string) (*model.PlatformConnection, string) {
	conn, err := connRepo.FindConnected(ctx, userID, platform)
	if err != nil {
		return nil, fmt.Sprintf("接続情報の取得に失敗しました: %s", err.Error())
	}
	if conn == nil {
		return nil, fmt.Sprintf("%s が接続されていません", platform)
	}
	if conn.TokenExpired(time.Now()) {
		return nil, fmt.Sprintf("%s のアクセストークンが期限切れです", platform)
	}
	return conn, ""
}

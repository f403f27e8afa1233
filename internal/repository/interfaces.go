// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/postdeck/internal/model"
)

// PostFilter は投稿一覧取得の絞り込み条件。
type PostFilter struct {
	Status   model.PostStatus // 空の場合は全ステータス
	Platform string           // 空の場合は全プラットフォーム
	Search   string           // 本文の部分一致検索。空の場合は無条件
	Page     int              // 1始まり
	Limit    int
}

// PostRepository は投稿データの永続化インターフェース。
type PostRepository interface {
	// FindByID は指定IDの投稿を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Post, error)

	// FindByIDAndUser は指定IDかつ指定ユーザー所有の投稿を取得する。
	// 見つからない場合・所有者が異なる場合はnilを返す。
	FindByIDAndUser(ctx context.Context, id, userID string) (*model.Post, error)

	// ListByUser はユーザーの投稿一覧をscheduled_time降順で取得する。
	// 総件数とページ分の投稿を返す。
	ListByUser(ctx context.Context, userID string, filter PostFilter) ([]*model.Post, int, error)

	// Create は投稿を作成する。
	Create(ctx context.Context, post *model.Post) error

	// Update は投稿の編集可能フィールド（本文、配信先、カテゴリ、予約時刻、メディア）を更新する。
	Update(ctx context.Context, post *model.Post) error

	// Delete は指定IDかつ指定ユーザー所有の投稿を削除する。
	// 削除された場合はtrueを返す。
	Delete(ctx context.Context, id, userID string) (bool, error)

	// ListDueForPublish は配信期限が到来した投稿を取得する。
	// status = 'scheduled' かつ scheduled_time <= now() の投稿を
	// FOR UPDATE SKIP LOCKEDで排他的に取得する。
	ListDueForPublish(ctx context.Context, limit int) ([]*model.Post, error)

	// ApplyPublishResult は配信試行1回分の結果を1トランザクションで反映する。
	// ステータス・サマリー・published_atの更新、platform_post_idsへのマージ、
	// publish_historyへの履歴1件追記を原子的に行い、更新後のスナップショットを返す。
	// platform_post_idsの既存エントリは削除されず、同名キーのみ上書きされる。
	ApplyPublishResult(ctx context.Context, postID string, result *model.PublishResult) (*model.Post, error)

	// MarkFailed は投稿を失敗ステータスに更新する。
	// パイプライン自体が異常終了した投稿の隔離に使用する。
	MarkFailed(ctx context.Context, postID, reason string) error

	// ListHistoryByPostID は投稿の配信履歴をoccurred_at昇順で取得する。
	ListHistoryByPostID(ctx context.Context, postID string) ([]*model.PublishHistoryEntry, error)
}

// PlatformConnectionRepository はプラットフォーム接続データの永続化インターフェース。
// OAuth連携フローが書き込み側であり、配信コアからは読み取りのみを行う。
type PlatformConnectionRepository interface {
	// ListByUserID はユーザーの全接続を取得する。
	ListByUserID(ctx context.Context, userID string) ([]*model.PlatformConnection, error)

	// FindConnected はユーザーの指定プラットフォームの有効な接続を取得する。
	// connected = true の接続が存在しない場合はnilを返す。
	FindConnected(ctx context.Context, userID, platform string) (*model.PlatformConnection, error)

	// ListConnectedPlatforms はユーザーの有効な接続のうち、
	// 指定プラットフォーム集合に含まれるものの名前一覧を返す。
	ListConnectedPlatforms(ctx context.Context, userID string, platforms []string) ([]string, error)
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteExpired は期限切れセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context) (int64, error)
}

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Clock は現在時刻の取得を抽象化する。テストで時刻を固定するために使用する。
type Clock func() time.Time

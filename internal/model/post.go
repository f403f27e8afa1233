// Package model はドメインモデルを定義する。
package model

import "time"

// Post は配信予約された投稿を表す。
// 複数プラットフォームへの横断投稿の単位であり、
// 配信パイプラインとリトライ以外からはステータスを変更しない。
type Post struct {
	ID              string
	UserID          string
	Content         string
	Platforms       []string // 配信先プラットフォーム名（空であってはならない）
	Category        string
	ScheduledTime   time.Time
	Status          PostStatus
	MediaURLs       []string
	PlatformPostIDs map[string]string // プラットフォーム名→外部投稿ID。追記のみで削除されない
	PublishSummary  string            // 直近の配信結果の表示用サマリー
	PublishedAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// PostStatus は投稿の配信ステータスを表す。
// 遷移は scheduled → {published, partial, failed} の一方向のみ。
// partial/failedはリトライによりpublishedへ昇格できるが、scheduledには戻らない。
type PostStatus string

const (
	// PostStatusDraft は下書き状態。配信パイプラインの対象外。
	PostStatusDraft PostStatus = "draft"
	// PostStatusScheduled は配信待ち状態。
	PostStatusScheduled PostStatus = "scheduled"
	// PostStatusPublished は全プラットフォームへの配信に成功した状態。
	PostStatusPublished PostStatus = "published"
	// PostStatusPartial は一部プラットフォームのみ配信に成功した状態。
	PostStatusPartial PostStatus = "partial"
	// PostStatusFailed は全プラットフォームで配信に失敗した状態。
	PostStatusFailed PostStatus = "failed"
)

// TriggerSource は配信を起動した契機を表す。
type TriggerSource string

const (
	// TriggerScheduled はスケジューラのティックによる自動配信。
	TriggerScheduled TriggerSource = "scheduled"
	// TriggerManual はユーザーの「今すぐ配信」リクエストによる配信。
	TriggerManual TriggerSource = "manual"
	// TriggerRetry は失敗プラットフォームへの再配信リクエスト。
	TriggerRetry TriggerSource = "retry"
)

// PlatformOutcome は1プラットフォームへの1回の配信試行の結果を表す。
// 永続化は publish_history のoutcomes列にJSONとして畳み込まれる。
type PlatformOutcome struct {
	Platform string `json:"platform"`
	Success  bool   `json:"success"`
	PostID   string `json:"post_id,omitempty"` // 成功時の外部投稿ID
	URL      string `json:"url,omitempty"`     // 成功時のパーマリンク
	Error    string `json:"error,omitempty"`   // 失敗時の理由
}

// PublishHistoryEntry は配信試行1回分の監査履歴を表す。
// 履歴は追記専用であり、書き換えや切り詰めは行わない。
type PublishHistoryEntry struct {
	ID              string
	PostID          string
	OccurredAt      time.Time
	TriggerSource   TriggerSource
	ResultingStatus PostStatus
	Outcomes        []PlatformOutcome
}

// PublishResult は確定済みの配信試行1回分の書き込み内容を表す。
// PublishRecordライターが1トランザクションで投稿更新と履歴追記に反映する。
type PublishResult struct {
	Status          PostStatus
	Summary         string
	PlatformPostIDs map[string]string // 今回成功した分のみ。既存エントリへはマージされる
	Outcomes        []PlatformOutcome
	TriggerSource   TriggerSource
	OccurredAt      time.Time
}

// KnownPlatforms は対応プラットフォーム名の一覧。
var KnownPlatforms = []string{"twitter", "facebook", "instagram", "linkedin", "tiktok"}

// IsKnownPlatform はプラットフォーム名が対応一覧に含まれるかを返す。
func IsKnownPlatform(name string) bool {
	for _, p := range KnownPlatforms {
		if p == name {
			return true
		}
	}
	return false
}

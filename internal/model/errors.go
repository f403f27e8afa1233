// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, publish, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthorized         = "UNAUTHORIZED"
	ErrCodePostNotFound         = "POST_NOT_FOUND"
	ErrCodeInvalidRequest       = "INVALID_REQUEST"
	ErrCodeInvalidPlatform      = "INVALID_PLATFORM"
	ErrCodeEmptyPlatformList    = "EMPTY_PLATFORM_LIST"
	ErrCodeAlreadyPublished     = "ALREADY_PUBLISHED"
	ErrCodePublishInProgress    = "PUBLISH_IN_PROGRESS"
	ErrCodeNoPlatformsConnected = "NO_PLATFORMS_CONNECTED"
	ErrCodeNoPlatformsToRetry   = "NO_PLATFORMS_TO_RETRY"
	ErrCodePersistenceFailed    = "PERSISTENCE_FAILED"
	ErrCodeInvalidMediaURL      = "INVALID_MEDIA_URL"
)

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewPostNotFoundError は投稿未検出エラーを生成する。
// 投稿が存在しない場合と、存在するが別ユーザーの所有である場合の両方で返す。
func NewPostNotFoundError(postID string) *APIError {
	return &APIError{
		Code:     ErrCodePostNotFound,
		Message:  fmt.Sprintf("指定された投稿が見つかりません: %s", postID),
		Category: "publish",
		Action:   "投稿IDを確認してください。",
	}
}

// NewInvalidRequestError はリクエスト形式エラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "リクエスト内容を確認してください。",
	}
}

// NewInvalidPlatformError は未対応プラットフォーム指定エラーを生成する。
func NewInvalidPlatformError(name string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidPlatform,
		Message:  fmt.Sprintf("未対応のプラットフォームです: %s", name),
		Category: "validation",
		Action:   "twitter、facebook、instagram、linkedin、tiktok のいずれかを指定してください。",
	}
}

// NewEmptyPlatformListError はプラットフォーム未指定エラーを生成する。
func NewEmptyPlatformListError() *APIError {
	return &APIError{
		Code:     ErrCodeEmptyPlatformList,
		Message:  "配信先プラットフォームが指定されていません。",
		Category: "validation",
		Action:   "1つ以上の配信先プラットフォームを指定してください。",
	}
}

// NewAlreadyPublishedError は配信済み投稿への再配信拒否エラーを生成する。
func NewAlreadyPublishedError(postID string) *APIError {
	return &APIError{
		Code:     ErrCodeAlreadyPublished,
		Message:  fmt.Sprintf("投稿は既に配信済みです: %s", postID),
		Category: "publish",
		Action:   "再配信する場合はforceフラグを指定してください。",
	}
}

// NewPublishInProgressError は配信競合エラーを生成する。
// スケジューラと手動配信が同一投稿で競合した場合、敗者側に返す。
func NewPublishInProgressError(postID string) *APIError {
	return &APIError{
		Code:     ErrCodePublishInProgress,
		Message:  fmt.Sprintf("投稿は別の配信処理の実行中です: %s", postID),
		Category: "publish",
		Action:   "配信完了後に投稿のステータスを確認してください。",
	}
}

// NewNoPlatformsConnectedError は接続済みプラットフォーム不在エラーを生成する。
func NewNoPlatformsConnectedError() *APIError {
	return &APIError{
		Code:     ErrCodeNoPlatformsConnected,
		Message:  "接続済みのプラットフォームがありません。",
		Category: "publish",
		Action:   "プラットフォーム連携を行ってから配信してください。",
	}
}

// NewNoPlatformsToRetryError はリトライ対象不在エラーを生成する。
func NewNoPlatformsToRetryError() *APIError {
	return &APIError{
		Code:     ErrCodeNoPlatformsToRetry,
		Message:  "リトライ対象のプラットフォームがありません。",
		Category: "publish",
		Action:   "失敗したプラットフォームがある投稿に対してのみリトライできます。",
	}
}

// NewPersistenceFailedError は配信結果の永続化失敗エラーを生成する。
// 外部プラットフォームへの配信自体は完了している可能性があるため、
// 内部ステータスと外部の実態が乖離しうる重大な失敗クラスとして扱う。
func NewPersistenceFailedError(postID string) *APIError {
	return &APIError{
		Code:     ErrCodePersistenceFailed,
		Message:  fmt.Sprintf("配信結果の保存に失敗しました: %s", postID),
		Category: "system",
		Action:   "投稿の実際の配信状態を確認し、必要に応じてリトライしてください。",
	}
}

// NewInvalidMediaURLError はメディアURL検証エラーを生成する。
func NewInvalidMediaURLError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidMediaURL,
		Message:  fmt.Sprintf("メディアURLが不正です: %s", reason),
		Category: "validation",
		Action:   "公開されているhttps形式のメディアURLを指定してください。",
	}
}

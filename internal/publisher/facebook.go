package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/postdeck/internal/model"
	"github.com/hitoshi/postdeck/internal/repository"
)

// defaultFacebookEndpoint はFacebook Graph APIのベースURL。
const defaultFacebookEndpoint = "https://graph.facebook.com"

// FacebookPublisher はFacebook Graph API（POST /v19.0/me/feed）への配信アダプタ。
type FacebookPublisher struct {
	connRepo   repository.PlatformConnectionRepository
	httpClient *http.Client
	pacer      *Pacer
	logger     *slog.Logger
	endpoint   string // テスト用にエンドポイントを差し替え可能
}

// NewFacebookPublisher はFacebookPublisherの新しいインスタンスを生成する。
func NewFacebookPublisher(connRepo repository.PlatformConnectionRepository, httpClient *http.Client, pacer *Pacer, logger *slog.Logger) *FacebookPublisher {
	return &FacebookPublisher{
		connRepo:   connRepo,
		httpClient: httpClient,
		pacer:      pacer,
		logger:     logger,
		endpoint:   defaultFacebookEndpoint,
	}
}

// Platform はプラットフォーム名を返す。
func (p *FacebookPublisher) Platform() string { return "facebook" }

// facebookPostResponse はGraph APIの投稿レスポンス。
// エラー時はerrorフィールドのみが設定される。
type facebookPostResponse struct {
	ID    string `json:"id"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Publish はユーザーのフィードへ投稿を1件作成する。
// メディアがある場合は先頭1件をlink添付として付与する。
func (p *FacebookPublisher) Publish(ctx context.Context, userID, content string, mediaURLs []string) model.PlatformOutcome {
	conn, reason := resolveConnection(ctx, p.connRepo, userID, p.Platform())
	if reason != "" {
		return failureOutcome(p.Platform(), reason)
	}
	if reason := p.pacer.Acquire(conn); reason != "" {
		return failureOutcome(p.Platform(), reason)
	}

	body := map[string]string{
		"message":      content,
		"access_token": conn.AccessToken,
	}
	if len(mediaURLs) > 0 {
		body["link"] = mediaURLs[0]
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return failureOutcome(p.Platform(), fmt.Sprintf("リクエストの構築に失敗しました: %s", err.Error()))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/v19.0/me/feed", bytes.NewReader(payload))
	if err != nil {
		return failureOutcome(p.Platform(), fmt.Sprintf("リクエストの作成に失敗しました: %s", err.Error()))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.logger.Error("Facebook APIの呼び出しに失敗しました",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return failureOutcome(p.Platform(), apiCallFailure(ctx, err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return failureOutcome(p.Platform(), fmt.Sprintf("レスポンスの読み取りに失敗しました: %s", err.Error()))
	}

	var result facebookPostResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return failureOutcome(p.Platform(), fmt.Sprintf("レスポンスのパースに失敗しました: %s", err.Error()))
	}

	if result.Error != nil {
		p.logger.Warn("Facebook APIが投稿を拒否しました",
			slog.String("user_id", userID),
			slog.Int("http_status", resp.StatusCode),
			slog.String("detail", result.Error.Message),
		)
		return failureOutcome(p.Platform(), fmt.Sprintf("Facebookへの投稿が拒否されました: %s", result.Error.Message))
	}
	if result.ID == "" {
		return failureOutcome(p.Platform(), "レスポンスに投稿IDが含まれていません")
	}

	return successOutcome(p.Platform(), result.ID,
		fmt.Sprintf("https://facebook.com/%s", result.ID))
}

// compile-time interface check
var _ Publisher = (*FacebookPublisher)(nil)

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

// defaultTwitterEndpoint はTwitter API v2のベースURL。
const defaultTwitterEndpoint = "https://api.twitter.com"

// TwitterPublisher はTwitter API v2（POST /2/tweets）への配信アダプタ。
type TwitterPublisher struct {
	connRepo   repository.PlatformConnectionRepository
	httpClient *http.Client
	pacer      *Pacer
	logger     *slog.Logger
	endpoint   string // テスト用にエンドポイントを差し替え可能
}

// NewTwitterPublisher はTwitterPublisherの新しいインスタンスを生成する。
func NewTwitterPublisher(connRepo repository.PlatformConnectionRepository, httpClient *http.Client, pacer *Pacer, logger *slog.Logger) *TwitterPublisher {
	return &TwitterPublisher{
		connRepo:   connRepo,
		httpClient: httpClient,
		pacer:      pacer,
		logger:     logger,
		endpoint:   defaultTwitterEndpoint,
	}
}

// Platform はプラットフォーム名を返す。
func (p *TwitterPublisher) Platform() string { return "twitter" }

// tweetResponse はPOST /2/tweetsの成功レスポンス。
type tweetResponse struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

// tweetErrorResponse はTwitter APIのエラーレスポンス。
type tweetErrorResponse struct {
	Detail string `json:"detail"`
	Title  string `json:"title"`
}

// Publish はツイートを1件投稿する。
// メディア添付はTwitter側で別途アップロードAPIが必要なため、本文のみを配信する。
func (p *TwitterPublisher) Publish(ctx context.Context, userID, content string, mediaURLs []string) model.PlatformOutcome {
	conn, reason := resolveConnection(ctx, p.connRepo, userID, p.Platform())
	if reason != "" {
		return failureOutcome(p.Platform(), reason)
	}
	if reason := p.pacer.Acquire(conn); reason != "" {
		return failureOutcome(p.Platform(), reason)
	}

	payload, err := json.Marshal(map[string]string{"text": content})
	if err != nil {
		return failureOutcome(p.Platform(), fmt.Sprintf("リクエストの構築に失敗しました: %s", err.Error()))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/2/tweets", bytes.NewReader(payload))
	if err != nil {
		return failureOutcome(p.Platform(), fmt.Sprintf("リクエストの作成に失敗しました: %s", err.Error()))
	}
	req.Header.Set("Authorization", "Bearer "+conn.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.logger.Error("Twitter APIの呼び出しに失敗しました",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return failureOutcome(p.Platform(), apiCallFailure(ctx, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return failureOutcome(p.Platform(), fmt.Sprintf("レスポンスの読み取りに失敗しました: %s", err.Error()))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr tweetErrorResponse
		_ = json.Unmarshal(body, &apiErr)
		detail := apiErr.Detail
		if detail == "" {
			detail = apiErr.Title
		}
		if detail == "" {
			detail = fmt.Sprintf("ステータス %d", resp.StatusCode)
		}
		p.logger.Warn("Twitter APIが投稿を拒否しました",
			slog.String("user_id", userID),
			slog.Int("http_status", resp.StatusCode),
			slog.String("detail", detail),
		)
		return failureOutcome(p.Platform(), fmt.Sprintf("Twitterへの投稿が拒否されました: %s", detail))
	}

	var result tweetResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return failureOutcome(p.Platform(), fmt.Sprintf("レスポンスのパースに失敗しました: %s", err.Error()))
	}
	if result.Data.ID == "" {
		return failureOutcome(p.Platform(), "レスポンスに投稿IDが含まれていません")
	}

	return successOutcome(p.Platform(), result.Data.ID,
		fmt.Sprintf("https://twitter.com/i/web/status/%s", result.Data.ID))
}

// compile-time interface check
var _ Publisher = (*TwitterPublisher)(nil)

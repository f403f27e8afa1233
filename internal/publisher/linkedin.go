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

// defaultLinkedInEndpoint はLinkedIn APIのベースURL。
const defaultLinkedInEndpoint = "https://api.linkedin.com"

// LinkedInPublisher はLinkedIn UGC Posts APIへの配信アダプタ。
// 投稿作成の前にOpenID Connectのuserinfoで会員URNを解決する。
type LinkedInPublisher struct {
	connRepo   repository.PlatformConnectionRepository
	httpClient *http.Client
	pacer      *Pacer
	logger     *slog.Logger
	endpoint   string // テスト用にエンドポイントを差し替え可能
}

// NewLinkedInPublisher はLinkedInPublisherの新しいインスタンスを生成する。
func NewLinkedInPublisher(connRepo repository.PlatformConnectionRepository, httpClient *http.Client, pacer *Pacer, logger *slog.Logger) *LinkedInPublisher {
	return &LinkedInPublisher{
		connRepo:   connRepo,
		httpClient: httpClient,
		pacer:      pacer,
		logger:     logger,
		endpoint:   defaultLinkedInEndpoint,
	}
}

// Platform はプラットフォーム名を返す。
func (p *LinkedInPublisher) Platform() string { return "linkedin" }

type linkedinUserInfo struct {
	Sub string `json:"sub"`
}

type linkedinPostResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// resolveAuthorURN はアクセストークンから投稿者のURN（urn:li:person:{sub}）を解決する。
func (p *LinkedInPublisher) resolveAuthorURN(ctx context.Context, accessToken string) (string, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"/v2/userinfo", nil)
	if err != nil {
		return "", fmt.Sprintf("リクエストの作成に失敗しました: %s", err.Error())
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", apiCallFailure(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Sprintf("ユーザー情報の取得に失敗しました (HTTP %d)", resp.StatusCode)
	}

	var info linkedinUserInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", fmt.Sprintf("ユーザー情報のパースに失敗しました: %s", err.Error())
	}
	if info.Sub == "" {
		return "", "ユーザー情報にsubが含まれていません"
	}
	return "urn:li:person:" + info.Sub, ""
}

// Publish はUGC Posts APIで投稿を1件作成する。
// メディアURLが指定された場合はARTICLE添付として先頭1件を付与する。
func (p *LinkedInPublisher) Publish(ctx context.Context, userID, content string, mediaURLs []string) model.PlatformOutcome {
	conn, reason := resolveConnection(ctx, p.connRepo, userID, p.Platform())
	if reason != "" {
		return failureOutcome(p.Platform(), reason)
	}
	if reason := p.pacer.Acquire(conn); reason != "" {
		return failureOutcome(p.Platform(), reason)
	}

	author, reason := p.resolveAuthorURN(ctx, conn.AccessToken)
	if reason != "" {
		return failureOutcome(p.Platform(), reason)
	}

	shareContent := map[string]any{
		"shareCommentary":    map[string]string{"text": content},
		"shareMediaCategory": "NONE",
	}
	if len(mediaURLs) > 0 {
		shareContent["shareMediaCategory"] = "ARTICLE"
		shareContent["media"] = []map[string]any{
			{"status": "READY", "originalUrl": mediaURLs[0]},
		}
	}

	body := map[string]any{
		"author":         author,
		"lifecycleState": "PUBLISHED",
		"specificContent": map[string]any{
			"com.linkedin.ugc.ShareContent": shareContent,
		},
		"visibility": map[string]string{
			"com.linkedin.ugc.MemberNetworkVisibility": "PUBLIC",
		},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return failureOutcome(p.Platform(), fmt.Sprintf("リクエストの構築に失敗しました: %s", err.Error()))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/v2/ugcPosts", bytes.NewReader(payload))
	if err != nil {
		return failureOutcome(p.Platform(), fmt.Sprintf("リクエストの作成に失敗しました: %s", err.Error()))
	}
	req.Header.Set("Authorization", "Bearer "+conn.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Restli-Protocol-Version", "2.0.0")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.logger.Error("LinkedIn APIの呼び出しに失敗しました",
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

	var result linkedinPostResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return failureOutcome(p.Platform(), fmt.Sprintf("レスポンスのパースに失敗しました: %s", err.Error()))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		p.logger.Warn("LinkedIn APIが投稿を拒否しました",
			slog.String("user_id", userID),
			slog.Int("http_status", resp.StatusCode),
			slog.String("detail", result.Message),
		)
		detail := result.Message
		if detail == "" {
			detail = fmt.Sprintf("HTTP %d", resp.StatusCode)
		}
		return failureOutcome(p.Platform(), fmt.Sprintf("LinkedInへの投稿が拒否されました: %s", detail))
	}
	if result.ID == "" {
		return failureOutcome(p.Platform(), "レスポンスに投稿IDが含まれていません")
	}

	return successOutcome(p.Platform(), result.ID,
		fmt.Sprintf("https://www.linkedin.com/feed/update/%s", result.ID))
}

var _ Publisher = (*LinkedInPublisher)(nil)

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

// defaultTikTokEndpoint はTikTok Open APIのベースURL。
const defaultTikTokEndpoint = "https://open.tiktokapis.com"

// TikTokPublisher はTikTok Content Posting APIへの配信アダプタ。
// PULL_FROM_URL方式で動画URLを渡し、TikTok側にダウンロードさせる。
// 動画必須のため、メディアURLがない投稿は失敗として扱う。
type TikTokPublisher struct {
	connRepo   repository.PlatformConnectionRepository
	httpClient *http.Client
	// mediaClient は投稿前に動画URLの到達性を確認する
	// SSRF防止機能付きクライアント。
	mediaClient *http.Client
	pacer       *Pacer
	logger      *slog.Logger
	endpoint    string // テスト用にエンドポイントを差し替え可能
}

// NewTikTokPublisher はTikTokPublisherの新しいインスタンスを生成する。
func NewTikTokPublisher(connRepo repository.PlatformConnectionRepository, httpClient, mediaClient *http.Client, pacer *Pacer, logger *slog.Logger) *TikTokPublisher {
	return &TikTokPublisher{
		connRepo:    connRepo,
		httpClient:  httpClient,
		mediaClient: mediaClient,
		pacer:       pacer,
		logger:      logger,
		endpoint:    defaultTikTokEndpoint,
	}
}

// Platform はプラットフォーム名を返す。
func (p *TikTokPublisher) Platform() string { return "tiktok" }

type tiktokInitResponse struct {
	Data struct {
		PublishID string `json:"publish_id"`
	} `json:"data"`
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Publish は動画投稿の初期化リクエストを送信する。
// TikTok側での動画処理は非同期のため、publish_idを投稿IDとして記録する。
func (p *TikTokPublisher) Publish(ctx context.Context, userID, content string, mediaURLs []string) model.PlatformOutcome {
	if len(mediaURLs) == 0 {
		return failureOutcome(p.Platform(), "TikTokへの投稿には動画が必要です")
	}

	conn, reason := resolveConnection(ctx, p.connRepo, userID, p.Platform())
	if reason != "" {
		return failureOutcome(p.Platform(), reason)
	}
	if reason := p.pacer.Acquire(conn); reason != "" {
		return failureOutcome(p.Platform(), reason)
	}

	// PULL_FROM_URLではTikTok側がURLをダウンロードするため、
	// 送信前に到達性とURLの安全性を確認しておく。
	headReq, err := http.NewRequestWithContext(ctx, http.MethodHead, mediaURLs[0], nil)
	if err != nil {
		return failureOutcome(p.Platform(), fmt.Sprintf("メディアURLが不正です: %s", err.Error()))
	}
	headResp, err := p.mediaClient.Do(headReq)
	if err != nil {
		return failureOutcome(p.Platform(), fmt.Sprintf("メディアURLへアクセスできません: %s", err.Error()))
	}
	headResp.Body.Close()
	if headResp.StatusCode < 200 || headResp.StatusCode >= 300 {
		return failureOutcome(p.Platform(), fmt.Sprintf("メディアURLが利用できません (HTTP %d)", headResp.StatusCode))
	}

	body := map[string]any{
		"post_info": map[string]any{
			"title":           content,
			"privacy_level":   "PUBLIC_TO_EVERYONE",
			"disable_comment": false,
		},
		"source_info": map[string]any{
			"source":    "PULL_FROM_URL",
			"video_url": mediaURLs[0],
		},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return failureOutcome(p.Platform(), fmt.Sprintf("リクエストの構築に失敗しました: %s", err.Error()))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/v2/post/publish/video/init/", bytes.NewReader(payload))
	if err != nil {
		return failureOutcome(p.Platform(), fmt.Sprintf("リクエストの作成に失敗しました: %s", err.Error()))
	}
	req.Header.Set("Authorization", "Bearer "+conn.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.logger.Error("TikTok APIの呼び出しに失敗しました",
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

	var result tiktokInitResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return failureOutcome(p.Platform(), fmt.Sprintf("レスポンスのパースに失敗しました: %s", err.Error()))
	}

	// TikTokはエラー時もHTTP 200を返すことがあり、error.codeで判定する。
	if result.Error.Code != "" && result.Error.Code != "ok" {
		p.logger.Warn("TikTok APIが投稿を拒否しました",
			slog.String("user_id", userID),
			slog.String("error_code", result.Error.Code),
			slog.String("detail", result.Error.Message),
		)
		return failureOutcome(p.Platform(), fmt.Sprintf("TikTokへの投稿が拒否されました: %s", result.Error.Message))
	}
	if result.Data.PublishID == "" {
		return failureOutcome(p.Platform(), "レスポンスにpublish_idが含まれていません")
	}

	// 動画の処理完了までURLは確定しないため、URLは空のまま返す。
	return successOutcome(p.Platform(), result.Data.PublishID, "")
}

var _ Publisher = (*TikTokPublisher)(nil)

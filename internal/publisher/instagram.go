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

// defaultInstagramEndpoint はInstagram Graph APIのベースURL。
const defaultInstagramEndpoint = "https://graph.facebook.com"

// InstagramPublisher はInstagram Graph APIへの配信アダプタ。
// メディアコンテナを作成してから公開する2段階のフローを実装する。
// Instagramは画像必須のため、メディアURLがない投稿は失敗として扱う。
type InstagramPublisher struct {
	connRepo   repository.PlatformConnectionRepository
	httpClient *http.Client
	// mediaClient はコンテナ作成前にメディアURLの到達性を確認する
	// SSRF防止機能付きクライアント。
	mediaClient *http.Client
	pacer       *Pacer
	logger      *slog.Logger
	endpoint    string // テスト用にエンドポイントを差し替え可能
}

// NewInstagramPublisher はInstagramPublisherの新しいインスタンスを生成する。
func NewInstagramPublisher(connRepo repository.PlatformConnectionRepository, httpClient, mediaClient *http.Client, pacer *Pacer, logger *slog.Logger) *InstagramPublisher {
	return &InstagramPublisher{
		connRepo:    connRepo,
		httpClient:  httpClient,
		mediaClient: mediaClient,
		pacer:       pacer,
		logger:      logger,
		endpoint:    defaultInstagramEndpoint,
	}
}

// Platform はプラットフォーム名を返す。
func (p *InstagramPublisher) Platform() string { return "instagram" }

type instagramResponse struct {
	ID    string `json:"id"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// graphPost はGraph APIへのJSON POSTを実行し、レスポンスのIDを返す。
// コンテナ作成と公開の両手順で使用する。
func (p *InstagramPublisher) graphPost(ctx context.Context, path string, body map[string]string) (string, string) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Sprintf("リクエストの構築に失敗しました: %s", err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Sprintf("リクエストの作成に失敗しました: %s", err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", apiCallFailure(ctx, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Sprintf("レスポンスの読み取りに失敗しました: %s", err.Error())
	}

	var result instagramResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Sprintf("レスポンスのパースに失敗しました: %s", err.Error())
	}
	if result.Error != nil {
		return "", fmt.Sprintf("Instagram APIがリクエストを拒否しました: %s", result.Error.Message)
	}
	if result.ID == "" {
		return "", "レスポンスにIDが含まれていません"
	}
	return result.ID, ""
}

// verifyMediaURL はメディアURLへHEADリクエストを送り、到達可能か確認する。
// SSRF防止クライアントを使用するため、内部アドレスへ解決されるURLは
// この段階で拒否される。
func (p *InstagramPublisher) verifyMediaURL(ctx context.Context, mediaURL string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, mediaURL, nil)
	if err != nil {
		return fmt.Sprintf("メディアURLが不正です: %s", err.Error())
	}
	resp, err := p.mediaClient.Do(req)
	if err != nil {
		return fmt.Sprintf("メディアURLへアクセスできません: %s", err.Error())
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Sprintf("メディアURLが利用できません (HTTP %d)", resp.StatusCode)
	}
	return ""
}

// Publish はメディアコンテナを作成し、公開する。
func (p *InstagramPublisher) Publish(ctx context.Context, userID, content string, mediaURLs []string) model.PlatformOutcome {
	if len(mediaURLs) == 0 {
		return failureOutcome(p.Platform(), "Instagramへの投稿にはメディアが必要です")
	}

	conn, reason := resolveConnection(ctx, p.connRepo, userID, p.Platform())
	if reason != "" {
		return failureOutcome(p.Platform(), reason)
	}
	if reason := p.pacer.Acquire(conn); reason != "" {
		return failureOutcome(p.Platform(), reason)
	}

	if reason := p.verifyMediaURL(ctx, mediaURLs[0]); reason != "" {
		return failureOutcome(p.Platform(), reason)
	}

	// 手順1: メディアコンテナの作成
	containerID, reason := p.graphPost(ctx, "/v19.0/me/media", map[string]string{
		"image_url":    mediaURLs[0],
		"caption":      content,
		"access_token": conn.AccessToken,
	})
	if reason != "" {
		p.logger.Warn("Instagramメディアコンテナの作成に失敗しました",
			slog.String("user_id", userID),
			slog.String("detail", reason),
		)
		return failureOutcome(p.Platform(), reason)
	}

	// 手順2: コンテナの公開
	mediaID, reason := p.graphPost(ctx, "/v19.0/me/media_publish", map[string]string{
		"creation_id":  containerID,
		"access_token": conn.AccessToken,
	})
	if reason != "" {
		p.logger.Warn("Instagramメディアの公開に失敗しました",
			slog.String("user_id", userID),
			slog.String("container_id", containerID),
			slog.String("detail", reason),
		)
		return failureOutcome(p.Platform(), reason)
	}

	return successOutcome(p.Platform(), mediaID,
		fmt.Sprintf("https://www.instagram.com/p/%s", mediaID))
}

var _ Publisher = (*InstagramPublisher)(nil)

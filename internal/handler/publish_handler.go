package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/postdeck/internal/middleware"
	"github.com/hitoshi/postdeck/internal/model"
	"github.com/hitoshi/postdeck/internal/publish"
	"github.com/hitoshi/postdeck/internal/repository"
)

// PublishServiceInterface は配信ハンドラーが必要とするサービスインターフェース。
type PublishServiceInterface interface {
	// Publish は手動の「今すぐ配信」リクエストを処理する。
	Publish(ctx context.Context, post *model.Post, opts publish.PublishOptions) (*model.Post, []model.PlatformOutcome, error)
	// Retry は失敗・部分失敗した投稿の再配信を処理する。
	Retry(ctx context.Context, post *model.Post, platforms []string) (*model.Post, []model.PlatformOutcome, error)
}

// PublishHandler は手動配信・リトライ・配信履歴のHTTPハンドラー。
type PublishHandler struct {
	postRepo repository.PostRepository
	service  PublishServiceInterface
}

// NewPublishHandler はPublishHandlerを生成する。
func NewPublishHandler(postRepo repository.PostRepository, service PublishServiceInterface) *PublishHandler {
	return &PublishHandler{
		postRepo: postRepo,
		service:  service,
	}
}

// publishRequest は手動配信リクエストのボディ。
type publishRequest struct {
	// Force はpublished済みの投稿の再配信を明示的に許可する。
	Force bool `json:"force"`
	// ConnectedOnly は接続済みプラットフォームのみへ配信するか。
	// 省略時はtrue（接続済みのみ）。
	ConnectedOnly *bool `json:"connected_only"`
	// Platforms は配信対象の明示指定。省略時は投稿の全対象。
	Platforms []string `json:"platforms"`
}

// retryRequest はリトライリクエストのボディ。
type retryRequest struct {
	// Platforms はリトライ対象の明示指定。
	// 省略時は未配信（外部投稿ID未記録）のプラットフォームすべて。
	Platforms []string `json:"platforms"`
}

// publishResponse は配信結果のAPIレスポンス。
type publishResponse struct {
	Status   string                  `json:"status"`
	Summary  string                  `json:"summary"`
	Outcomes []model.PlatformOutcome `json:"outcomes"`
	Post     postResponse            `json:"post"`
}

// historyEntryResponse は配信履歴1件のAPIレスポンス。
type historyEntryResponse struct {
	ID              string                  `json:"id"`
	OccurredAt      time.Time               `json:"occurred_at"`
	TriggerSource   string                  `json:"trigger_source"`
	ResultingStatus string                  `json:"resulting_status"`
	Outcomes        []model.PlatformOutcome `json:"outcomes"`
}

// findOwnedPost は投稿を取得し所有権を検証する。
// 見つからない場合はエラーレスポンスを書き込みnilを返す。
func (h *PublishHandler) findOwnedPost(w http.ResponseWriter, r *http.Request) *model.Post {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return nil
	}

	postID := chi.URLParam(r, "id")
	post, err := h.postRepo.FindByIDAndUser(r.Context(), postID, userID)
	if err != nil {
		handleServiceError(w, err)
		return nil
	}
	if post == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewPostNotFoundError(postID))
		return nil
	}
	return post
}

// PublishNow は投稿の即時配信を処理する。
// POST /api/posts/:id/publish
func (h *PublishHandler) PublishNow(w http.ResponseWriter, r *http.Request) {
	post := h.findOwnedPost(w, r)
	if post == nil {
		return
	}

	// ボディは省略可能。省略時はデフォルトオプションで配信する。
	req := publishRequest{}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeInvalidBody(w)
			return
		}
	}

	connectedOnly := true
	if req.ConnectedOnly != nil {
		connectedOnly = *req.ConnectedOnly
	}

	snapshot, outcomes, err := h.service.Publish(r.Context(), post, publish.PublishOptions{
		Force:         req.Force,
		ConnectedOnly: connectedOnly,
		Platforms:     req.Platforms,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writePublishResponse(w, snapshot, outcomes)
}

// RetryPublish は失敗プラットフォームへの再配信を処理する。
// POST /api/posts/:id/retry
func (h *PublishHandler) RetryPublish(w http.ResponseWriter, r *http.Request) {
	post := h.findOwnedPost(w, r)
	if post == nil {
		return
	}

	req := retryRequest{}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeInvalidBody(w)
			return
		}
	}

	snapshot, outcomes, err := h.service.Retry(r.Context(), post, req.Platforms)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writePublishResponse(w, snapshot, outcomes)
}

// GetHistory は投稿の配信履歴を取得する。
// GET /api/posts/:id/history
func (h *PublishHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	post := h.findOwnedPost(w, r)
	if post == nil {
		return
	}

	entries, err := h.postRepo.ListHistoryByPostID(r.Context(), post.ID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]historyEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, historyEntryResponse{
			ID:              e.ID,
			OccurredAt:      e.OccurredAt,
			TriggerSource:   string(e.TriggerSource),
			ResultingStatus: string(e.ResultingStatus),
			Outcomes:        e.Outcomes,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// writePublishResponse は配信結果レスポンスを書き込む。
// 集約ステータスとサマリーは永続化済みのスナップショットから返す。
func writePublishResponse(w http.ResponseWriter, snapshot *model.Post, outcomes []model.PlatformOutcome) {
	if outcomes == nil {
		outcomes = []model.PlatformOutcome{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(publishResponse{
		Status:   string(snapshot.Status),
		Summary:  snapshot.PublishSummary,
		Outcomes: outcomes,
		Post:     toPostResponse(snapshot),
	})
}

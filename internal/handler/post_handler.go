package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hitoshi/postdeck/internal/middleware"
	"github.com/hitoshi/postdeck/internal/model"
	"github.com/hitoshi/postdeck/internal/repository"
	"github.com/hitoshi/postdeck/internal/security"
)

// PostHandler は投稿CRUDのHTTPハンドラー。
// 配信パイプラインの入口となる投稿データの作成・編集を担う。
type PostHandler struct {
	postRepo  repository.PostRepository
	sanitizer security.ContentSanitizerService
	ssrfGuard security.SSRFGuardService
	now       repository.Clock
}

// NewPostHandler はPostHandlerを生成する。
func NewPostHandler(postRepo repository.PostRepository, sanitizer security.ContentSanitizerService, ssrfGuard security.SSRFGuardService, now repository.Clock) *PostHandler {
	return &PostHandler{
		postRepo:  postRepo,
		sanitizer: sanitizer,
		ssrfGuard: ssrfGuard,
		now:       now,
	}
}

// postRequest は投稿作成・更新リクエストのボディ。
type postRequest struct {
	Content       string    `json:"content"`
	Platforms     []string  `json:"platforms"`
	Category      string    `json:"category"`
	ScheduledTime time.Time `json:"scheduled_time"`
	MediaURLs     []string  `json:"media_urls"`
}

// postResponse は投稿情報のAPIレスポンス。
type postResponse struct {
	ID              string            `json:"id"`
	Content         string            `json:"content"`
	Platforms       []string          `json:"platforms"`
	Category        string            `json:"category,omitempty"`
	ScheduledTime   time.Time         `json:"scheduled_time"`
	Status          string            `json:"status"`
	MediaURLs       []string          `json:"media_urls,omitempty"`
	PlatformPostIDs map[string]string `json:"platform_post_ids,omitempty"`
	PublishSummary  string            `json:"publish_summary,omitempty"`
	PublishedAt     *time.Time        `json:"published_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// postListResponse は投稿一覧のAPIレスポンス。
type postListResponse struct {
	Posts []postResponse `json:"posts"`
	Total int            `json:"total"`
	Page  int            `json:"page"`
	Limit int            `json:"limit"`
}

// validatePostRequest は投稿リクエストの共通検証を行う。
// 本文のサニタイズ後の値を返す。
func (h *PostHandler) validatePostRequest(req *postRequest) (string, *model.APIError) {
	content := h.sanitizer.Sanitize(req.Content)
	if content == "" {
		return "", model.NewInvalidRequestError("本文が空です")
	}
	if len(req.Platforms) == 0 {
		return "", model.NewEmptyPlatformListError()
	}
	for _, p := range req.Platforms {
		if !model.IsKnownPlatform(p) {
			return "", model.NewInvalidPlatformError(p)
		}
	}
	for _, u := range req.MediaURLs {
		if err := h.ssrfGuard.ValidateURL(u); err != nil {
			return "", model.NewInvalidMediaURLError(err.Error())
		}
	}
	return content, nil
}

// CreatePost は投稿を作成する。
// POST /api/posts
func (h *PostHandler) CreatePost(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	var req postRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidBody(w)
		return
	}

	content, apiErr := h.validatePostRequest(&req)
	if apiErr != nil {
		writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	now := h.now()
	scheduledTime := req.ScheduledTime
	if scheduledTime.IsZero() {
		scheduledTime = now
	}

	// INSERTがタイムスタンプ列を明示的にバインドするため、ここで必ず埋める
	post := &model.Post{
		ID:              uuid.NewString(),
		UserID:          userID,
		Content:         content,
		Platforms:       req.Platforms,
		Category:        req.Category,
		ScheduledTime:   scheduledTime,
		Status:          model.PostStatusScheduled,
		MediaURLs:       req.MediaURLs,
		PlatformPostIDs: map[string]string{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := h.postRepo.Create(r.Context(), post); err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(toPostResponse(post))
}

// ListPosts は投稿一覧を取得する。
// GET /api/posts?status=&platform=&search=&page=&limit=
func (h *PostHandler) ListPosts(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	filter := repository.PostFilter{
		Status:   model.PostStatus(r.URL.Query().Get("status")),
		Platform: r.URL.Query().Get("platform"),
		Search:   r.URL.Query().Get("search"),
		Page:     parseIntParam(r.URL.Query().Get("page"), 1),
		Limit:    parseIntParam(r.URL.Query().Get("limit"), 20),
	}
	if filter.Limit > 100 {
		filter.Limit = 100
	}

	posts, total, err := h.postRepo.ListByUser(r.Context(), userID, filter)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := postListResponse{
		Posts: make([]postResponse, 0, len(posts)),
		Total: total,
		Page:  filter.Page,
		Limit: filter.Limit,
	}
	for _, p := range posts {
		resp.Posts = append(resp.Posts, toPostResponse(p))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// GetPost は投稿詳細を取得する。
// GET /api/posts/:id
func (h *PostHandler) GetPost(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	postID := chi.URLParam(r, "id")
	post, err := h.postRepo.FindByIDAndUser(r.Context(), postID, userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if post == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewPostNotFoundError(postID))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toPostResponse(post))
}

// UpdatePost は投稿を更新する。配信済みの投稿は編集できない。
// PUT /api/posts/:id
func (h *PostHandler) UpdatePost(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	postID := chi.URLParam(r, "id")
	post, err := h.postRepo.FindByIDAndUser(r.Context(), postID, userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if post == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewPostNotFoundError(postID))
		return
	}
	if post.Status == model.PostStatusPublished {
		writeAPIErrorResponse(w, http.StatusConflict, model.NewAlreadyPublishedError(postID))
		return
	}

	var req postRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeInvalidBody(w)
		return
	}

	content, apiErr := h.validatePostRequest(&req)
	if apiErr != nil {
		writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	post.Content = content
	post.Platforms = req.Platforms
	post.Category = req.Category
	post.MediaURLs = req.MediaURLs
	if !req.ScheduledTime.IsZero() {
		post.ScheduledTime = req.ScheduledTime
	}

	if err := h.postRepo.Update(r.Context(), post); err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toPostResponse(post))
}

// DeletePost は投稿を削除する。
// DELETE /api/posts/:id
func (h *PostHandler) DeletePost(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	postID := chi.URLParam(r, "id")
	deleted, err := h.postRepo.Delete(r.Context(), postID, userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if !deleted {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewPostNotFoundError(postID))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// --- ヘルパー関数 ---

// toPostResponse はmodel.PostからAPIレスポンスに変換する。
func toPostResponse(post *model.Post) postResponse {
	return postResponse{
		ID:              post.ID,
		Content:         post.Content,
		Platforms:       post.Platforms,
		Category:        post.Category,
		ScheduledTime:   post.ScheduledTime,
		Status:          string(post.Status),
		MediaURLs:       post.MediaURLs,
		PlatformPostIDs: post.PlatformPostIDs,
		PublishSummary:  post.PublishSummary,
		PublishedAt:     post.PublishedAt,
		CreatedAt:       post.CreatedAt,
		UpdatedAt:       post.UpdatedAt,
	}
}

// parseIntParam はクエリパラメータを正の整数としてパースする。
// 不正な値の場合はデフォルト値を返す。
func parseIntParam(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}

package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/postdeck/internal/middleware"
	"github.com/hitoshi/postdeck/internal/model"
	"github.com/hitoshi/postdeck/internal/repository"
	"github.com/hitoshi/postdeck/internal/security"
)

// --- モック定義 ---

// mockPostRepo はPostRepositoryのモック実装。
type mockPostRepo struct {
	findByIDFn            func(ctx context.Context, id string) (*model.Post, error)
	findByIDAndUserFn     func(ctx context.Context, id, userID string) (*model.Post, error)
	listByUserFn          func(ctx context.Context, userID string, filter repository.PostFilter) ([]*model.Post, int, error)
	createFn              func(ctx context.Context, post *model.Post) error
	updateFn              func(ctx context.Context, post *model.Post) error
	deleteFn              func(ctx context.Context, id, userID string) (bool, error)
	listDueForPublishFn   func(ctx context.Context, limit int) ([]*model.Post, error)
	applyPublishResultFn  func(ctx context.Context, postID string, result *model.PublishResult) (*model.Post, error)
	markFailedFn          func(ctx context.Context, postID, reason string) error
	listHistoryByPostIDFn func(ctx context.Context, postID string) ([]*model.PublishHistoryEntry, error)
}

func (m *mockPostRepo) FindByID(ctx context.Context, id string) (*model.Post, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockPostRepo) FindByIDAndUser(ctx context.Context, id, userID string) (*model.Post, error) {
	if m.findByIDAndUserFn != nil {
		return m.findByIDAndUserFn(ctx, id, userID)
	}
	return nil, nil
}

func (m *mockPostRepo) ListByUser(ctx context.Context, userID string, filter repository.PostFilter) ([]*model.Post, int, error) {
	if m.listByUserFn != nil {
		return m.listByUserFn(ctx, userID, filter)
	}
	return nil, 0, nil
}

func (m *mockPostRepo) Create(ctx context.Context, post *model.Post) error {
	if m.createFn != nil {
		return m.createFn(ctx, post)
	}
	return nil
}

func (m *mockPostRepo) Update(ctx context.Context, post *model.Post) error {
	if m.updateFn != nil {
		return m.updateFn(ctx, post)
	}
	return nil
}

func (m *mockPostRepo) Delete(ctx context.Context, id, userID string) (bool, error) {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, id, userID)
	}
	return false, nil
}

func (m *mockPostRepo) ListDueForPublish(ctx context.Context, limit int) ([]*model.Post, error) {
	if m.listDueForPublishFn != nil {
		return m.listDueForPublishFn(ctx, limit)
	}
	return nil, nil
}

func (m *mockPostRepo) ApplyPublishResult(ctx context.Context, postID string, result *model.PublishResult) (*model.Post, error) {
	if m.applyPublishResultFn != nil {
		return m.applyPublishResultFn(ctx, postID, result)
	}
	return nil, nil
}

func (m *mockPostRepo) MarkFailed(ctx context.Context, postID, reason string) error {
	if m.markFailedFn != nil {
		return m.markFailedFn(ctx, postID, reason)
	}
	return nil
}

func (m *mockPostRepo) ListHistoryByPostID(ctx context.Context, postID string) ([]*model.PublishHistoryEntry, error) {
	if m.listHistoryByPostIDFn != nil {
		return m.listHistoryByPostIDFn(ctx, postID)
	}
	return nil, nil
}

// --- テストヘルパー ---

var testTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testClock() time.Time { return testTime }

// newTestPostHandler は実際のサニタイザーとSSRFガードを組み合わせたハンドラーを生成する。
// どちらも外部依存のない静的検証のため、実装をそのまま使用する。
func newTestPostHandler(repo *mockPostRepo) *PostHandler {
	return NewPostHandler(repo, security.NewContentSanitizer(), security.NewSSRFGuard(), testClock)
}

// withUserID はテスト用にリクエストコンテキストにユーザーIDを注入するヘルパー。
func withUserID(r *http.Request, userID string) *http.Request {
	ctx := middleware.ContextWithUserID(r.Context(), userID)
	return r.WithContext(ctx)
}

// withChiURLParam はテスト用にchiのURLパラメータを注入するヘルパー。
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	ctx := context.WithValue(r.Context(), chi.RouteCtxKey, rctx)
	return r.WithContext(ctx)
}

// parseAPIErrorResponse はレスポンスボディからAPIErrorレスポンスをパースするヘルパー。
func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var result map[string]string
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return result
}

func scheduledPost(id, userID string) *model.Post {
	return &model.Post{
		ID:              id,
		UserID:          userID,
		Content:         "本文",
		Platforms:       []string{"twitter"},
		ScheduledTime:   testTime,
		Status:          model.PostStatusScheduled,
		PlatformPostIDs: map[string]string{},
	}
}

// --- POST /api/posts テスト ---

func TestPostHandler_CreatePost_Success(t *testing.T) {
	var created *model.Post
	repo := &mockPostRepo{
		createFn: func(ctx context.Context, post *model.Post) error {
			created = post
			return nil
		},
	}

	h := newTestPostHandler(repo)

	body := `{"content": "明日の予定です", "platforms": ["twitter", "facebook"], "category": "news", "scheduled_time": "2025-06-02T09:00:00Z"}`
	req := httptest.NewRequest(http.MethodPost, "/api/posts", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req = withUserID(req, "user-123")
	w := httptest.NewRecorder()

	h.CreatePost(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusCreated)
	}

	if created == nil {
		t.Fatal("expected Create to be called")
	}
	if created.UserID != "user-123" {
		t.Errorf("UserID = %q, want %q", created.UserID, "user-123")
	}
	if created.Status != model.PostStatusScheduled {
		t.Errorf("Status = %q, want %q", created.Status, model.PostStatusScheduled)
	}
	if created.ID == "" {
		t.Error("expected generated post ID")
	}
	// created_at/updated_atはINSERTへ明示的にバインドされるため、
	// ゼロ値のままDBへ渡ってはならない
	if !created.CreatedAt.Equal(testTime) {
		t.Errorf("CreatedAt = %v, want %v", created.CreatedAt, testTime)
	}
	if !created.UpdatedAt.Equal(testTime) {
		t.Errorf("UpdatedAt = %v, want %v", created.UpdatedAt, testTime)
	}

	var result map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if result["content"] != "明日の予定です" {
		t.Errorf("content = %v", result["content"])
	}
	if result["status"] != "scheduled" {
		t.Errorf("status = %v, want scheduled", result["status"])
	}
}

func TestPostHandler_CreatePost_SanitizesContent(t *testing.T) {
	var created *model.Post
	repo := &mockPostRepo{
		createFn: func(ctx context.Context, post *model.Post) error {
			created = post
			return nil
		},
	}

	h := newTestPostHandler(repo)

	body := `{"content": "<script>alert(1)</script>お知らせ<b>です</b>", "platforms": ["twitter"]}`
	req := httptest.NewRequest(http.MethodPost, "/api/posts", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req = withUserID(req, "user-123")
	w := httptest.NewRecorder()

	h.CreatePost(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusCreated)
	}
	if created.Content != "お知らせです" {
		t.Errorf("Content = %q, HTMLタグが除去されるべき", created.Content)
	}
}

func TestPostHandler_CreatePost_DefaultsScheduledTimeToNow(t *testing.T) {
	var created *model.Post
	repo := &mockPostRepo{
		createFn: func(ctx context.Context, post *model.Post) error {
			created = post
			return nil
		},
	}

	h := newTestPostHandler(repo)

	body := `{"content": "即時投稿", "platforms": ["twitter"]}`
	req := httptest.NewRequest(http.MethodPost, "/api/posts", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req = withUserID(req, "user-123")
	w := httptest.NewRecorder()

	h.CreatePost(w, req)

	if !created.ScheduledTime.Equal(testTime) {
		t.Errorf("ScheduledTime = %v, want %v", created.ScheduledTime, testTime)
	}
}

func TestPostHandler_CreatePost_ValidationErrors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode string
	}{
		{
			name:     "空の本文",
			body:     `{"content": "", "platforms": ["twitter"]}`,
			wantCode: model.ErrCodeInvalidRequest,
		},
		{
			name:     "タグのみの本文はサニタイズ後に空になる",
			body:     `{"content": "<br><hr>", "platforms": ["twitter"]}`,
			wantCode: model.ErrCodeInvalidRequest,
		},
		{
			name:     "空のプラットフォームリスト",
			body:     `{"content": "本文", "platforms": []}`,
			wantCode: model.ErrCodeEmptyPlatformList,
		},
		{
			name:     "未知のプラットフォーム",
			body:     `{"content": "本文", "platforms": ["myspace"]}`,
			wantCode: model.ErrCodeInvalidPlatform,
		},
		{
			name:     "ループバックへのメディアURL",
			body:     `{"content": "本文", "platforms": ["twitter"], "media_urls": ["https://127.0.0.1/img.jpg"]}`,
			wantCode: model.ErrCodeInvalidMediaURL,
		},
		{
			name:     "httpスキームのメディアURL",
			body:     `{"content": "本文", "platforms": ["twitter"], "media_urls": ["http://example.com/img.jpg"]}`,
			wantCode: model.ErrCodeInvalidMediaURL,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestPostHandler(&mockPostRepo{})

			req := httptest.NewRequest(http.MethodPost, "/api/posts", bytes.NewBufferString(tt.body))
			req.Header.Set("Content-Type", "application/json")
			req = withUserID(req, "user-123")
			w := httptest.NewRecorder()

			h.CreatePost(w, req)

			resp := w.Result()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
			}

			errResp := parseAPIErrorResponse(t, w)
			if errResp["code"] != tt.wantCode {
				t.Errorf("code = %q, want %q", errResp["code"], tt.wantCode)
			}
		})
	}
}

func TestPostHandler_CreatePost_InvalidJSON_ReturnsBadRequest(t *testing.T) {
	h := newTestPostHandler(&mockPostRepo{})

	req := httptest.NewRequest(http.MethodPost, "/api/posts", bytes.NewBufferString(`{invalid`))
	req.Header.Set("Content-Type", "application/json")
	req = withUserID(req, "user-123")
	w := httptest.NewRecorder()

	h.CreatePost(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestPostHandler_CreatePost_NoUserID_ReturnsUnauthorized(t *testing.T) {
	h := newTestPostHandler(&mockPostRepo{})

	body := `{"content": "本文", "platforms": ["twitter"]}`
	req := httptest.NewRequest(http.MethodPost, "/api/posts", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	// ユーザーIDを注入しない
	w := httptest.NewRecorder()

	h.CreatePost(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
}

func TestPostHandler_CreatePost_RepoError_ReturnsInternalServerError(t *testing.T) {
	repo := &mockPostRepo{
		createFn: func(ctx context.Context, post *model.Post) error {
			return errors.New("database connection failed")
		},
	}

	h := newTestPostHandler(repo)

	body := `{"content": "本文", "platforms": ["twitter"]}`
	req := httptest.NewRequest(http.MethodPost, "/api/posts", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req = withUserID(req, "user-123")
	w := httptest.NewRecorder()

	h.CreatePost(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusInternalServerError)
	}
}

// --- GET /api/posts テスト ---

func TestPostHandler_ListPosts_Success(t *testing.T) {
	repo := &mockPostRepo{
		listByUserFn: func(ctx context.Context, userID string, filter repository.PostFilter) ([]*model.Post, int, error) {
			if userID != "user-123" {
				t.Errorf("userID = %q", userID)
			}
			return []*model.Post{scheduledPost("post-1", userID), scheduledPost("post-2", userID)}, 2, nil
		},
	}

	h := newTestPostHandler(repo)

	req := httptest.NewRequest(http.MethodGet, "/api/posts", nil)
	req = withUserID(req, "user-123")
	w := httptest.NewRecorder()

	h.ListPosts(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var result postListResponse
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(result.Posts) != 2 {
		t.Errorf("len(Posts) = %d, want 2", len(result.Posts))
	}
	if result.Total != 2 {
		t.Errorf("Total = %d, want 2", result.Total)
	}
	if result.Page != 1 || result.Limit != 20 {
		t.Errorf("Page = %d, Limit = %d, デフォルト値は1/20", result.Page, result.Limit)
	}
}

func TestPostHandler_ListPosts_PassesFilterParams(t *testing.T) {
	var gotFilter repository.PostFilter
	repo := &mockPostRepo{
		listByUserFn: func(ctx context.Context, userID string, filter repository.PostFilter) ([]*model.Post, int, error) {
			gotFilter = filter
			return nil, 0, nil
		},
	}

	h := newTestPostHandler(repo)

	req := httptest.NewRequest(http.MethodGet, "/api/posts?status=failed&platform=twitter&search=hello&page=3&limit=5", nil)
	req = withUserID(req, "user-123")
	w := httptest.NewRecorder()

	h.ListPosts(w, req)

	if gotFilter.Status != model.PostStatusFailed {
		t.Errorf("Status = %q", gotFilter.Status)
	}
	if gotFilter.Platform != "twitter" {
		t.Errorf("Platform = %q", gotFilter.Platform)
	}
	if gotFilter.Search != "hello" {
		t.Errorf("Search = %q", gotFilter.Search)
	}
	if gotFilter.Page != 3 || gotFilter.Limit != 5 {
		t.Errorf("Page = %d, Limit = %d", gotFilter.Page, gotFilter.Limit)
	}
}

func TestPostHandler_ListPosts_CapsLimit(t *testing.T) {
	var gotFilter repository.PostFilter
	repo := &mockPostRepo{
		listByUserFn: func(ctx context.Context, userID string, filter repository.PostFilter) ([]*model.Post, int, error) {
			gotFilter = filter
			return nil, 0, nil
		},
	}

	h := newTestPostHandler(repo)

	req := httptest.NewRequest(http.MethodGet, "/api/posts?limit=500", nil)
	req = withUserID(req, "user-123")
	w := httptest.NewRecorder()

	h.ListPosts(w, req)

	if gotFilter.Limit != 100 {
		t.Errorf("Limit = %d, 上限は100", gotFilter.Limit)
	}
}

// --- GET /api/posts/:id テスト ---

func TestPostHandler_GetPost_Success(t *testing.T) {
	repo := &mockPostRepo{
		findByIDAndUserFn: func(ctx context.Context, id, userID string) (*model.Post, error) {
			return scheduledPost(id, userID), nil
		},
	}

	h := newTestPostHandler(repo)

	req := httptest.NewRequest(http.MethodGet, "/api/posts/post-1", nil)
	req = withUserID(req, "user-123")
	req = withChiURLParam(req, "id", "post-1")
	w := httptest.NewRecorder()

	h.GetPost(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var result map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if result["id"] != "post-1" {
		t.Errorf("id = %v, want post-1", result["id"])
	}
}

func TestPostHandler_GetPost_NotFound(t *testing.T) {
	h := newTestPostHandler(&mockPostRepo{})

	req := httptest.NewRequest(http.MethodGet, "/api/posts/nonexistent", nil)
	req = withUserID(req, "user-123")
	req = withChiURLParam(req, "id", "nonexistent")
	w := httptest.NewRecorder()

	h.GetPost(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}

	errResp := parseAPIErrorResponse(t, w)
	if errResp["code"] != model.ErrCodePostNotFound {
		t.Errorf("code = %q, want %q", errResp["code"], model.ErrCodePostNotFound)
	}
}

// --- PUT /api/posts/:id テスト ---

func TestPostHandler_UpdatePost_Success(t *testing.T) {
	var updated *model.Post
	repo := &mockPostRepo{
		findByIDAndUserFn: func(ctx context.Context, id, userID string) (*model.Post, error) {
			return scheduledPost(id, userID), nil
		},
		updateFn: func(ctx context.Context, post *model.Post) error {
			updated = post
			return nil
		},
	}

	h := newTestPostHandler(repo)

	body := `{"content": "更新後の本文", "platforms": ["twitter", "linkedin"]}`
	req := httptest.NewRequest(http.MethodPut, "/api/posts/post-1", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req = withUserID(req, "user-123")
	req = withChiURLParam(req, "id", "post-1")
	w := httptest.NewRecorder()

	h.UpdatePost(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if updated == nil {
		t.Fatal("expected Update to be called")
	}
	if updated.Content != "更新後の本文" {
		t.Errorf("Content = %q", updated.Content)
	}
	if len(updated.Platforms) != 2 {
		t.Errorf("Platforms = %v", updated.Platforms)
	}
}

func TestPostHandler_UpdatePost_PublishedPost_ReturnsConflict(t *testing.T) {
	repo := &mockPostRepo{
		findByIDAndUserFn: func(ctx context.Context, id, userID string) (*model.Post, error) {
			post := scheduledPost(id, userID)
			post.Status = model.PostStatusPublished
			return post, nil
		},
	}

	h := newTestPostHandler(repo)

	body := `{"content": "更新後の本文", "platforms": ["twitter"]}`
	req := httptest.NewRequest(http.MethodPut, "/api/posts/post-1", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req = withUserID(req, "user-123")
	req = withChiURLParam(req, "id", "post-1")
	w := httptest.NewRecorder()

	h.UpdatePost(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusConflict)
	}

	errResp := parseAPIErrorResponse(t, w)
	if errResp["code"] != model.ErrCodeAlreadyPublished {
		t.Errorf("code = %q, want %q", errResp["code"], model.ErrCodeAlreadyPublished)
	}
}

func TestPostHandler_UpdatePost_NotFound(t *testing.T) {
	h := newTestPostHandler(&mockPostRepo{})

	body := `{"content": "本文", "platforms": ["twitter"]}`
	req := httptest.NewRequest(http.MethodPut, "/api/posts/nonexistent", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req = withUserID(req, "user-123")
	req = withChiURLParam(req, "id", "nonexistent")
	w := httptest.NewRecorder()

	h.UpdatePost(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

// --- DELETE /api/posts/:id テスト ---

func TestPostHandler_DeletePost_Success(t *testing.T) {
	deleteCalled := false
	repo := &mockPostRepo{
		deleteFn: func(ctx context.Context, id, userID string) (bool, error) {
			deleteCalled = true
			if id != "post-1" || userID != "user-123" {
				t.Errorf("Delete(%q, %q)", id, userID)
			}
			return true, nil
		},
	}

	h := newTestPostHandler(repo)

	req := httptest.NewRequest(http.MethodDelete, "/api/posts/post-1", nil)
	req = withUserID(req, "user-123")
	req = withChiURLParam(req, "id", "post-1")
	w := httptest.NewRecorder()

	h.DeletePost(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}
	if !deleteCalled {
		t.Error("expected Delete to be called")
	}
}

func TestPostHandler_DeletePost_NotFound(t *testing.T) {
	h := newTestPostHandler(&mockPostRepo{})

	req := httptest.NewRequest(http.MethodDelete, "/api/posts/nonexistent", nil)
	req = withUserID(req, "user-123")
	req = withChiURLParam(req, "id", "nonexistent")
	w := httptest.NewRecorder()

	h.DeletePost(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

// --- 統一エラーフォーマットのテスト ---

func TestPostHandler_ErrorResponse_ContainsAllFields(t *testing.T) {
	h := newTestPostHandler(&mockPostRepo{})

	body := `{"content": "本文", "platforms": ["myspace"]}`
	req := httptest.NewRequest(http.MethodPost, "/api/posts", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req = withUserID(req, "user-123")
	w := httptest.NewRecorder()

	h.CreatePost(w, req)

	errResp := parseAPIErrorResponse(t, w)

	// 統一エラーフォーマット（code, message, category, action）の4フィールドを検証
	requiredFields := []string{"code", "message", "category", "action"}
	for _, field := range requiredFields {
		if errResp[field] == "" {
			t.Errorf("expected non-empty %q field in error response", field)
		}
	}
}

package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/postdeck/internal/model"
)

func TestWriteErrorResponse_WritesUnifiedFormat(t *testing.T) {
	w := httptest.NewRecorder()

	WriteErrorResponse(w, http.StatusConflict, &model.APIError{
		Code:     "ALREADY_PUBLISHED",
		Message:  "この投稿はすでに配信済みです。",
		Category: "publish",
		Action:   "再配信する場合はforceオプションを指定してください。",
	})

	if w.Result().StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusConflict)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Code != "ALREADY_PUBLISHED" {
		t.Errorf("Code = %q", body.Code)
	}
	if body.Message == "" || body.Category == "" || body.Action == "" {
		t.Errorf("すべてのフィールドが埋まっているべき: %+v", body)
	}
}

func TestWriteInternalServerError_HidesDetails(t *testing.T) {
	w := httptest.NewRecorder()

	WriteInternalServerError(w)

	if w.Result().StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusInternalServerError)
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Code != "INTERNAL_ERROR" {
		t.Errorf("Code = %q, want INTERNAL_ERROR", body.Code)
	}
	if body.Category != "system" {
		t.Errorf("Category = %q, want system", body.Category)
	}
}

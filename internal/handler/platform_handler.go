package handler

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/postdeck/internal/middleware"
	"github.com/hitoshi/postdeck/internal/model"
	"github.com/hitoshi/postdeck/internal/repository"
)

// PlatformHandler はプラットフォーム接続状態のHTTPハンドラー。
// 接続の作成・更新はOAuthフロー側の責務であり、ここでは参照のみを提供する。
type PlatformHandler struct {
	connRepo repository.PlatformConnectionRepository
	now      repository.Clock
}

// NewPlatformHandler はPlatformHandlerを生成する。
func NewPlatformHandler(connRepo repository.PlatformConnectionRepository, now repository.Clock) *PlatformHandler {
	return &PlatformHandler{
		connRepo: connRepo,
		now:      now,
	}
}

// platformResponse はプラットフォーム接続状態のAPIレスポンス。
type platformResponse struct {
	Platform     string `json:"platform"`
	Connected    bool   `json:"connected"`
	TokenExpired bool   `json:"token_expired"`
}

// ListPlatforms は対応プラットフォームと接続状態の一覧を取得する。
// GET /api/platforms
func (h *PlatformHandler) ListPlatforms(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	connections, err := h.connRepo.ListByUserID(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	byPlatform := make(map[string]*model.PlatformConnection, len(connections))
	for _, c := range connections {
		byPlatform[c.Platform] = c
	}

	now := h.now()
	resp := make([]platformResponse, 0, len(model.KnownPlatforms))
	for _, name := range model.KnownPlatforms {
		entry := platformResponse{Platform: name}
		if c, ok := byPlatform[name]; ok && c.Connected {
			entry.Connected = true
			entry.TokenExpired = c.TokenExpired(now)
		}
		resp = append(resp, entry)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/postdeck/internal/middleware"
	"github.com/hitoshi/postdeck/internal/repository"
	"github.com/hitoshi/postdeck/internal/security"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	SessionFinder     middleware.SessionFinder
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	// 投稿CRUD
	PostRepo  repository.PostRepository
	Sanitizer security.ContentSanitizerService
	SSRFGuard security.SSRFGuardService

	// 配信
	PublishService PublishServiceInterface

	// プラットフォーム接続
	ConnRepo repository.PlatformConnectionRepository

	// 時刻供給。nilの場合はtime.Nowを使用する
	Clock repository.Clock

	// /metrics ハンドラー。nilの場合はルートを登録しない
	MetricsHandler http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → CORS → SecurityHeaders → Logging → Session → RateLimit(General)
//
// ヘルスチェックとメトリクスはミドルウェアチェーンの外に配置する。
// 配信とリトライには一般レート制限に加えて配信専用レート制限を適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	// 全ルート共通のミドルウェア。
	// panicリカバリを最上位に置き、ハンドラーのpanicでプロセスが落ちないようにする。
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewLoggingMiddleware(slog.Default()))

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	postHandler := NewPostHandler(deps.PostRepo, deps.Sanitizer, deps.SSRFGuard, clock)
	publishHandler := NewPublishHandler(deps.PostRepo, deps.PublishService)
	platformHandler := NewPlatformHandler(deps.ConnRepo, clock)

	// --- 認証不要のルート ---

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Session → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionFinder))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// 投稿管理
		r.Route("/api/posts", func(r chi.Router) {
			r.Get("/", postHandler.ListPosts)
			r.Post("/", postHandler.CreatePost)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", postHandler.GetPost)
				r.Put("/", postHandler.UpdatePost)
				r.Delete("/", postHandler.DeletePost)

				// 配信履歴
				r.Get("/history", publishHandler.GetHistory)

				// 配信・リトライ（配信専用レート制限を追加）
				r.With(deps.RateLimiter.PublishMiddleware()).Post("/publish", publishHandler.PublishNow)
				r.With(deps.RateLimiter.PublishMiddleware()).Post("/retry", publishHandler.RetryPublish)
			})
		})

		// プラットフォーム接続状態
		r.Get("/api/platforms", platformHandler.ListPlatforms)
	})

	return r
}

// Package app はアプリケーションの起動とワイヤリングを提供する。
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/postdeck/internal/config"
	"github.com/hitoshi/postdeck/internal/database"
	"github.com/hitoshi/postdeck/internal/handler"
	"github.com/hitoshi/postdeck/internal/logger"
	"github.com/hitoshi/postdeck/internal/metrics"
	"github.com/hitoshi/postdeck/internal/middleware"
	"github.com/hitoshi/postdeck/internal/publish"
	"github.com/hitoshi/postdeck/internal/publisher"
	"github.com/hitoshi/postdeck/internal/repository"
	"github.com/hitoshi/postdeck/internal/security"
	"github.com/hitoshi/postdeck/internal/worker/cleanup"
	publishworker "github.com/hitoshi/postdeck/internal/worker/publish"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// buildPipeline は配信パイプライン一式を構築する。
// serveモード（手動配信・リトライ）とworkerモード（スケジューラ）が
// 同じ構成のパイプラインを共有する。
// Pacerも返すので、呼び出し側はシャットダウン時にStopを呼ぶこと。
func buildPipeline(cfg *config.Config, postRepo repository.PostRepository, connRepo repository.PlatformConnectionRepository, collector *metrics.Collector) (*publish.Service, *publisher.Pacer) {
	ssrfGuard := security.NewSSRFGuard()

	apiClient := &http.Client{Timeout: cfg.PublishTimeout}
	mediaClient := ssrfGuard.NewSafeClient(cfg.PublishTimeout)
	pacer := publisher.NewPacer()
	log := slog.Default()

	registry := publisher.NewRegistry(
		publisher.NewTwitterPublisher(connRepo, apiClient, pacer, log),
		publisher.NewFacebookPublisher(connRepo, apiClient, pacer, log),
		publisher.NewInstagramPublisher(connRepo, apiClient, mediaClient, pacer, log),
		publisher.NewLinkedInPublisher(connRepo, apiClient, pacer, log),
		publisher.NewTikTokPublisher(connRepo, apiClient, mediaClient, pacer, log),
	)

	dispatcher := publish.NewDispatcher(registry, cfg.PublishTimeout, log)

	svc := publish.NewService(
		postRepo, connRepo, dispatcher, publish.NewPostLocks(),
		collector, log, cfg.PublishDispatchTimeout, time.Now,
	)
	return svc, pacer
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. リポジトリの初期化
	sessionRepo := repository.NewPostgresSessionRepo(db)
	postRepo := repository.NewPostgresPostRepo(db)
	connRepo := repository.NewPostgresPlatformConnectionRepo(db)

	// 3. メトリクスと配信パイプラインの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)
	publishService, pacer := buildPipeline(cfg, postRepo, connRepo, collector)
	defer pacer.Stop()

	// 4. レート制限の構成
	rateLimiterCfg := middleware.DefaultRateLimiterConfig()
	rateLimiter := middleware.NewRateLimiter(rateLimiterCfg)
	defer rateLimiter.Stop()

	// 5. ルーターの構築
	deps := &handler.RouterDeps{
		SessionFinder:     sessionRepo,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,

		PostRepo:  postRepo,
		Sanitizer: security.NewContentSanitizer(),
		SSRFGuard: security.NewSSRFGuard(),

		PublishService: publishService,
		ConnRepo:       connRepo,

		MetricsHandler: metrics.Handler(registry),
	}

	router := handler.NewRouter(deps)

	// 6. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、配信スケジューラとセッションクリーンアップを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// 2. リポジトリの初期化
	postRepo := repository.NewPostgresPostRepo(db)
	connRepo := repository.NewPostgresPlatformConnectionRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)

	// 3. 配信パイプラインの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)
	publishService, pacer := buildPipeline(cfg, postRepo, connRepo, collector)
	defer pacer.Stop()

	// 4. スケジューラの初期化
	scheduler := publishworker.NewScheduler(
		postRepo, publishService, collector, slog.Default(),
		cfg.PublishScanLimit, cfg.PublishMaxConcurrent,
	)

	// 5. クリーンアップジョブの初期化
	cleanupJob := cleanup.NewCleanupJob(sessionRepo, slog.Default())

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("publish_interval", cfg.PublishInterval),
		slog.Int("max_concurrent", cfg.PublishMaxConcurrent),
	)

	// セッションクリーンアップを日次でバックグラウンド実行
	go cleanupJob.Start(ctx, 24*time.Hour)

	// 配信スケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx, cfg.PublishInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}

// Package publish は予約投稿のバックグラウンド配信処理を提供する。
// 期限到来した投稿のスキャンと、並列制御付きの配信実行を含む。
package publish

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/hitoshi/postdeck/internal/metrics"
	"github.com/hitoshi/postdeck/internal/model"
	"github.com/hitoshi/postdeck/internal/repository"
)

// PublishService は期限到来した投稿1件の配信インターフェース。
type PublishService interface {
	// PublishDue は投稿1件をスケジューラ契機で配信する。
	PublishDue(ctx context.Context, post *model.Post) error
}

// Scheduler は予約投稿の配信スケジューリングと並列制御を行う。
// 固定間隔のティッカーで期限到来した投稿を取得し、
// semaphoreパターンで最大並列数を制御しながら配信を実行する。
// 1件の投稿の失敗は同一ティック内の他の投稿へ波及しない。
type Scheduler struct {
	postRepo       repository.PostRepository
	service        PublishService
	collector      *metrics.Collector
	logger         *slog.Logger
	scanLimit      int
	maxConcurrency int
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はデフォルト値10、
// scanLimitが0以下の場合はデフォルト値100を使用する。
func NewScheduler(
	postRepo repository.PostRepository,
	service PublishService,
	collector *metrics.Collector,
	logger *slog.Logger,
	scanLimit int,
	maxConcurrency int,
) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = 10
	}
	if scanLimit <= 0 {
		scanLimit = 100
	}
	return &Scheduler{
		postRepo:       postRepo,
		service:        service,
		collector:      collector,
		logger:         logger,
		scanLimit:      scanLimit,
		maxConcurrency: maxConcurrency,
	}
}

// Start は固定間隔のティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("配信スケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	// 起動直後に1回実行
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("配信サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("配信スケジューラを停止しました")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("配信サイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は期限到来した投稿を1回取得し、並列で配信を実行する。
// semaphoreパターンで最大並列数を制御する。
// 配信パイプラインが異常終了した投稿はfailedへ隔離し、
// 同一ティック内の他の投稿の処理は継続する。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := time.Now()

	// 期限到来した投稿を取得（FOR UPDATE SKIP LOCKED）
	posts, err := s.postRepo.ListDueForPublish(ctx, s.scanLimit)
	if err != nil {
		return err
	}

	s.collector.RecordPostsScanned(len(posts))
	if len(posts) == 0 {
		s.logger.Info("配信対象の投稿はありません")
		return nil
	}

	s.logger.Info("配信サイクルを開始します",
		slog.Int("post_count", len(posts)),
	)

	// semaphoreパターンで並列数を制御
	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup

	for _, post := range posts {
		wg.Add(1)
		sem <- struct{}{} // semaphore取得（ブロック）

		go func(p *model.Post) {
			defer wg.Done()
			defer func() { <-sem }() // semaphore解放

			// 1投稿のpanicでワーカープロセス全体を落とさない
			defer func() {
				if rec := recover(); rec != nil {
					s.logger.Error("投稿の配信処理でpanicが発生しました",
						slog.String("post_id", p.ID),
						slog.Any("panic", rec),
						slog.String("stack", string(debug.Stack())),
					)
					s.isolate(ctx, p.ID, fmt.Errorf("panic: %v", rec))
				}
			}()

			if err := s.service.PublishDue(ctx, p); err != nil {
				s.logger.Error("投稿の配信パイプラインが異常終了しました",
					slog.String("post_id", p.ID),
					slog.String("user_id", p.UserID),
					slog.String("error", err.Error()),
				)
				s.isolate(ctx, p.ID, err)
			}
		}(post)
	}

	wg.Wait()

	duration := time.Since(start)
	s.logger.Info("配信サイクルが完了しました",
		slog.Int("post_count", len(posts)),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// isolate は異常終了した投稿をfailedへ更新し、次ティック以降の再スキャンを防ぐ。
// この更新自体が失敗した場合は投稿がscheduledのまま残り、
// 次のティックで再試行される。
func (s *Scheduler) isolate(ctx context.Context, postID string, cause error) {
	if err := s.postRepo.MarkFailed(ctx, postID, "配信処理が異常終了しました: "+cause.Error()); err != nil {
		s.logger.Error("失敗ステータスへの更新に失敗しました",
			slog.String("post_id", postID),
			slog.String("error", err.Error()),
		)
	}
}

// Package cleanup は期限切れセッションの自動削除ジョブを提供する。
// 有効期限を過ぎたセッションを定期バッチで削除する。
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/postdeck/internal/repository"
)

// CleanupJob は期限切れセッションの自動削除ジョブ。
// 冪等な削除処理であり、削除対象がない場合もエラーにならない。
type CleanupJob struct {
	sessionRepo repository.SessionRepository
	logger      *slog.Logger
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(sessionRepo repository.SessionRepository, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		sessionRepo: sessionRepo,
		logger:      logger,
	}
}

// Run は期限切れセッションを削除する。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	deleted, err := j.sessionRepo.DeleteExpired(ctx)
	if err != nil {
		j.logger.Error("セッションクリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
		)
		return err
	}

	duration := time.Since(start)
	j.logger.Info("セッションクリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deleted),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// Start は固定間隔でクリーンアップジョブを繰り返し実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("セッションクリーンアップジョブを開始しました",
		slog.Duration("interval", interval),
	)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("セッションクリーンアップジョブを停止しました")
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Error("セッションクリーンアップの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

package publish

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/postdeck/internal/model"
	"github.com/hitoshi/postdeck/internal/publisher"
)

// Dispatcher は1件の投稿を複数プラットフォームへ並行配信する。
// 各プラットフォームは独立したタイムアウト付きで試行され、
// 1つの失敗や遅延が他のプラットフォームの試行を妨げることはない。
type Dispatcher struct {
	registry *publisher.Registry
	// platformTimeout は1プラットフォームあたりの配信タイムアウト。
	// 最も遅いプラットフォームが全体のレイテンシ上限を決める。
	platformTimeout time.Duration
	logger          *slog.Logger
}

// NewDispatcher はDispatcherの新しいインスタンスを生成する。
func NewDispatcher(registry *publisher.Registry, platformTimeout time.Duration, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		registry:        registry,
		platformTimeout: platformTimeout,
		logger:          logger,
	}
}

// Dispatch は指定プラットフォームすべてへ並行に配信を試行し、
// 1プラットフォームにつき1件の結果を必ず返す。
// 途中で失敗しても短絡せず、全結果を収集してから返る。
// 結果の順序はplatformsの順序と一致する。
func (d *Dispatcher) Dispatch(ctx context.Context, userID, content string, mediaURLs []string, platforms []string) []model.PlatformOutcome {
	outcomes := make([]model.PlatformOutcome, len(platforms))

	var wg sync.WaitGroup
	for i, platform := range platforms {
		wg.Add(1)
		go func(i int, platform string) {
			defer wg.Done()
			outcomes[i] = d.attempt(ctx, userID, content, mediaURLs, platform)
		}(i, platform)
	}
	wg.Wait()

	return outcomes
}

// attempt は1プラットフォームへの配信を独立したタイムアウト付きで試行する。
// パニックは失敗結果へ変換し、同一ティック内の他の投稿へ波及させない。
func (d *Dispatcher) attempt(ctx context.Context, userID, content string, mediaURLs []string, platform string) (outcome model.PlatformOutcome) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("配信処理でパニックが発生しました",
				slog.String("platform", platform),
				slog.String("user_id", userID),
				slog.Any("panic", r),
			)
			outcome = model.PlatformOutcome{
				Platform: platform,
				Success:  false,
				Error:    fmt.Sprintf("内部エラーが発生しました: %v", r),
			}
		}
	}()

	pub, ok := d.registry.Lookup(platform)
	if !ok {
		return model.PlatformOutcome{
			Platform: platform,
			Success:  false,
			Error:    fmt.Sprintf("未対応のプラットフォームです: %s", platform),
		}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, d.platformTimeout)
	defer cancel()

	start := time.Now()
	outcome = pub.Publish(attemptCtx, userID, content, mediaURLs)
	d.logger.Info("プラットフォームへの配信を試行しました",
		slog.String("platform", platform),
		slog.String("user_id", userID),
		slog.Bool("success", outcome.Success),
		slog.Duration("elapsed", time.Since(start)),
	)
	return outcome
}

package publish

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/postdeck/internal/metrics"
	"github.com/hitoshi/postdeck/internal/model"
	"github.com/hitoshi/postdeck/internal/repository"
)

// PublishOptions は手動配信リクエストのオプション。
type PublishOptions struct {
	// Force はpublished済みの投稿の再配信を明示的に許可する。
	// 指定がない場合、published済みの投稿への配信は競合エラーとなる。
	Force bool
	// ConnectedOnly は接続済みプラットフォームのみへ配信するかを指定する。
	// falseの場合は未接続のプラットフォームも試行され、
	// 接続なしの失敗結果として記録される。
	ConnectedOnly bool
	// Platforms は配信対象の明示指定。空の場合は投稿の全対象プラットフォーム。
	Platforms []string
}

// Service は配信パイプラインの中核。
// ロック取得→対象決定→並行配信→集約→永続化の一連の流れを実行する。
// スケジューラと手動配信・リトライのエンドポイントが同じパイプラインを共有する。
type Service struct {
	postRepo   repository.PostRepository
	connRepo   repository.PlatformConnectionRepository
	dispatcher *Dispatcher
	locks      *PostLocks
	collector  *metrics.Collector
	logger     *slog.Logger
	// dispatchTimeout は1投稿の配信全体のタイムアウト。
	// プラットフォームごとのタイムアウトを外側から包み、
	// 1件の異常な投稿が次のティックを飢餓させないようにする。
	dispatchTimeout time.Duration
	now             repository.Clock
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	postRepo repository.PostRepository,
	connRepo repository.PlatformConnectionRepository,
	dispatcher *Dispatcher,
	locks *PostLocks,
	collector *metrics.Collector,
	logger *slog.Logger,
	dispatchTimeout time.Duration,
	now repository.Clock,
) *Service {
	return &Service{
		postRepo:        postRepo,
		connRepo:        connRepo,
		dispatcher:      dispatcher,
		locks:           locks,
		collector:       collector,
		logger:          logger,
		dispatchTimeout: dispatchTimeout,
		now:             now,
	}
}

// PublishDue は期限到来した投稿1件をスケジューラ契機で配信する。
// ロック取得に失敗した場合（手動配信と競合した場合）は何もせず正常終了する。
// ロック取得後にステータスを再確認し、待機中に配信済みとなっていれば抜ける。
// 戻り値のエラーはパイプライン自体の異常のみで、プラットフォーム単位の
// 失敗は集約結果に畳み込まれるためエラーにはならない。
func (s *Service) PublishDue(ctx context.Context, post *model.Post) error {
	if !s.locks.TryLock(post.ID) {
		s.logger.Info("他の配信が進行中のためスキップします",
			slog.String("post_id", post.ID),
		)
		return nil
	}
	defer s.locks.Unlock(post.ID)

	// ロック待ちの間に手動配信が完了している可能性があるため再確認する
	current, err := s.postRepo.FindByID(ctx, post.ID)
	if err != nil {
		return fmt.Errorf("投稿の再取得に失敗しました: %w", err)
	}
	if current == nil || current.Status != model.PostStatusScheduled {
		s.logger.Info("配信待ちではなくなったためスキップします",
			slog.String("post_id", post.ID),
		)
		return nil
	}

	// 自動配信は接続済みプラットフォームのみを対象とする
	targets, err := s.connRepo.ListConnectedPlatforms(ctx, current.UserID, current.Platforms)
	if err != nil {
		return fmt.Errorf("接続済みプラットフォームの取得に失敗しました: %w", err)
	}

	outcomes := s.dispatch(ctx, current, targets)
	status, summary := AggregateOutcomes(outcomes)

	_, err = s.commit(ctx, current.ID, outcomes, status, summary, model.TriggerScheduled)
	return err
}

// Publish は手動の「今すぐ配信」リクエストを処理する。
// 所有権の検証は呼び出し側（ハンドラー）がFindByIDAndUserで行った上で
// 取得済みの投稿を渡す。結果として更新後の投稿スナップショットと
// プラットフォームごとの結果を返す。
func (s *Service) Publish(ctx context.Context, post *model.Post, opts PublishOptions) (*model.Post, []model.PlatformOutcome, error) {
	if post.Status == model.PostStatusPublished && !opts.Force {
		return nil, nil, model.NewAlreadyPublishedError(post.ID)
	}

	if !s.locks.TryLock(post.ID) {
		return nil, nil, model.NewPublishInProgressError(post.ID)
	}
	defer s.locks.Unlock(post.ID)

	// ハンドラーの取得からロック獲得までの間にスケジューラの配信が
	// 完了している可能性があるため、最新の状態で競合チェックをやり直す
	current, err := s.refetch(ctx, post)
	if err != nil {
		return nil, nil, err
	}
	if current.Status == model.PostStatusPublished && !opts.Force {
		return nil, nil, model.NewAlreadyPublishedError(current.ID)
	}

	targets := current.Platforms
	if len(opts.Platforms) > 0 {
		validated, err := validateSubset(opts.Platforms, current.Platforms)
		if err != nil {
			return nil, nil, err
		}
		targets = validated
	}

	if opts.ConnectedOnly {
		connected, err := s.connRepo.ListConnectedPlatforms(ctx, current.UserID, targets)
		if err != nil {
			return nil, nil, fmt.Errorf("接続済みプラットフォームの取得に失敗しました: %w", err)
		}
		if len(connected) == 0 {
			return nil, nil, model.NewNoPlatformsConnectedError()
		}
		targets = connected
	}

	outcomes := s.dispatch(ctx, current, targets)
	status, summary := AggregateOutcomes(outcomes)

	snapshot, err := s.commit(ctx, current.ID, outcomes, status, summary, model.TriggerManual)
	if err != nil {
		return nil, outcomes, err
	}
	return snapshot, outcomes, nil
}

// Retry は失敗・部分失敗した投稿の再配信を処理する。
// 対象の明示指定がない場合、まだ外部投稿IDが記録されていない
// プラットフォームがデフォルトの対象となる。
// 成功分はplatform_post_idsへマージされ、全対象が揃えば
// partialやfailedからpublishedへ昇格する。
func (s *Service) Retry(ctx context.Context, post *model.Post, platforms []string) (*model.Post, []model.PlatformOutcome, error) {
	if !s.locks.TryLock(post.ID) {
		return nil, nil, model.NewPublishInProgressError(post.ID)
	}
	defer s.locks.Unlock(post.ID)

	// リトライ対象は最新のplatform_post_idsから決める必要がある。
	// ロック獲得前の状態で計算すると、直前に完了した配信の成功分を
	// 再度配信してしまう
	current, err := s.refetch(ctx, post)
	if err != nil {
		return nil, nil, err
	}

	var targets []string
	if len(platforms) > 0 {
		validated, err := validateSubset(platforms, current.Platforms)
		if err != nil {
			return nil, nil, err
		}
		targets = validated
	} else {
		targets = RetryablePlatforms(current)
	}
	if len(targets) == 0 {
		return nil, nil, model.NewNoPlatformsToRetryError()
	}

	outcomes := s.dispatch(ctx, current, targets)
	status, summary := RecomputeAfterRetry(current, outcomes)

	snapshot, err := s.commit(ctx, current.ID, outcomes, status, summary, model.TriggerRetry)
	if err != nil {
		return nil, outcomes, err
	}
	return snapshot, outcomes, nil
}

// refetch はロック獲得後に投稿の最新状態を取り直す。
// 待機中に削除されていた場合はNOT_FOUNDを返す。
func (s *Service) refetch(ctx context.Context, post *model.Post) (*model.Post, error) {
	current, err := s.postRepo.FindByIDAndUser(ctx, post.ID, post.UserID)
	if err != nil {
		return nil, fmt.Errorf("投稿の再取得に失敗しました: %w", err)
	}
	if current == nil {
		return nil, model.NewPostNotFoundError(post.ID)
	}
	return current, nil
}

// dispatch は全体タイムアウト付きで並行配信を実行し、レイテンシを記録する。
func (s *Service) dispatch(ctx context.Context, post *model.Post, targets []string) []model.PlatformOutcome {
	dispatchCtx, cancel := context.WithTimeout(ctx, s.dispatchTimeout)
	defer cancel()

	start := s.now()
	outcomes := s.dispatcher.Dispatch(dispatchCtx, post.UserID, post.Content, post.MediaURLs, targets)
	s.collector.RecordDispatchLatency(time.Since(start))

	return outcomes
}

// commit は集約結果を1トランザクションで永続化し、メトリクスを記録する。
// 永続化の失敗は外部システムとの不整合を生むため、大きくログへ残す。
// 外部への投稿は既に完了しており、次のリトライまで内部と外部の
// ステータスが食い違う可能性があることを運用者が把握できるようにする。
func (s *Service) commit(ctx context.Context, postID string, outcomes []model.PlatformOutcome, status model.PostStatus, summary string, trigger model.TriggerSource) (*model.Post, error) {
	result := &model.PublishResult{
		Status:          status,
		Summary:         summary,
		PlatformPostIDs: SuccessfulPostIDs(outcomes),
		Outcomes:        outcomes,
		TriggerSource:   trigger,
		OccurredAt:      s.now(),
	}

	snapshot, err := s.postRepo.ApplyPublishResult(ctx, postID, result)
	if err != nil {
		s.collector.RecordPersistFailure()
		s.logger.Error("配信結果の永続化に失敗しました。外部プラットフォームへの投稿は完了しており、内部ステータスと不整合が発生しています",
			slog.String("post_id", postID),
			slog.String("status", string(status)),
			slog.String("trigger", string(trigger)),
			slog.String("error", err.Error()),
		)
		return nil, model.NewPersistenceFailedError(postID)
	}

	s.collector.RecordPublish(string(status), string(trigger))
	for _, o := range outcomes {
		s.collector.RecordPlatformOutcome(o.Platform, o.Success)
	}

	s.logger.Info("配信が完了しました",
		slog.String("post_id", postID),
		slog.String("status", string(status)),
		slog.String("trigger", string(trigger)),
		slog.Int("platforms", len(outcomes)),
	)
	return snapshot, nil
}

// validateSubset は明示指定されたプラットフォームを検証する。
// 未対応の名前、または投稿の対象一覧に含まれない名前は拒否する。
func validateSubset(requested, allowed []string) ([]string, error) {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, p := range allowed {
		allowedSet[p] = struct{}{}
	}

	seen := make(map[string]struct{}, len(requested))
	var targets []string
	for _, p := range requested {
		if !model.IsKnownPlatform(p) {
			return nil, model.NewInvalidPlatformError(p)
		}
		if _, ok := allowedSet[p]; !ok {
			return nil, model.NewInvalidRequestError(
				fmt.Sprintf("プラットフォーム %s はこの投稿の配信対象ではありません", p))
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		targets = append(targets, p)
	}
	return targets, nil
}

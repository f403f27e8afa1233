// Package publish は配信パイプラインのコアロジックを提供する。
// ステータス集約、並行フェッチ、投稿ごとの単一ライター保証を含む。
package publish

import (
	"fmt"
	"strings"

	"github.com/hitoshi/postdeck/internal/model"
)

// summaryNoPlatforms は接続済みプラットフォームが1件もなかった場合のサマリー。
// 全プラットフォーム失敗のサマリーとは区別される。
const summaryNoPlatforms = "接続されたプラットフォームがありません"

// AggregateOutcomes は1回の配信試行の全プラットフォーム結果から
// 投稿ステータスとサマリーを決定する。
// 遷移規則: 全成功→published、一部成功→partial、全失敗→failed。
// 試行0件（接続なし）はfailedだが専用のサマリーで区別する。
func AggregateOutcomes(outcomes []model.PlatformOutcome) (model.PostStatus, string) {
	if len(outcomes) == 0 {
		return model.PostStatusFailed, summaryNoPlatforms
	}

	var succeeded, failed []string
	var reasons []string
	for _, o := range outcomes {
		if o.Success {
			succeeded = append(succeeded, o.Platform)
		} else {
			failed = append(failed, o.Platform)
			reasons = append(reasons, fmt.Sprintf("%s: %s", o.Platform, o.Error))
		}
	}

	switch {
	case len(failed) == 0:
		return model.PostStatusPublished,
			fmt.Sprintf("%s への配信に成功しました", strings.Join(succeeded, ", "))
	case len(succeeded) == 0:
		return model.PostStatusFailed,
			fmt.Sprintf("すべてのプラットフォームへの配信に失敗しました (%s)", strings.Join(reasons, "; "))
	default:
		return model.PostStatusPartial,
			fmt.Sprintf("%s への配信に成功、%s に失敗しました (%s)",
				strings.Join(succeeded, ", "), strings.Join(failed, ", "), strings.Join(reasons, "; "))
	}
}

// SuccessfulPostIDs は成功した結果から プラットフォーム名→外部投稿ID のマップを抽出する。
// platform_post_idsへのマージ差分として使用する。
func SuccessfulPostIDs(outcomes []model.PlatformOutcome) map[string]string {
	ids := make(map[string]string)
	for _, o := range outcomes {
		if o.Success && o.PostID != "" {
			ids[o.Platform] = o.PostID
		}
	}
	return ids
}

// RecomputeAfterRetry はリトライ後のステータスを再計算する。
// 今回の結果を既存のplatform_post_idsへマージした上で、
// 投稿の全対象プラットフォームと照合する。
// すべてにIDが揃えばpublishedへ昇格、一部ならpartial、皆無ならfailed。
func RecomputeAfterRetry(post *model.Post, outcomes []model.PlatformOutcome) (model.PostStatus, string) {
	merged := make(map[string]string, len(post.PlatformPostIDs))
	for platform, id := range post.PlatformPostIDs {
		merged[platform] = id
	}
	for platform, id := range SuccessfulPostIDs(outcomes) {
		merged[platform] = id
	}

	var missing []string
	for _, platform := range post.Platforms {
		if _, ok := merged[platform]; !ok {
			missing = append(missing, platform)
		}
	}

	_, runSummary := AggregateOutcomes(outcomes)
	switch {
	case len(missing) == 0:
		return model.PostStatusPublished,
			fmt.Sprintf("リトライにより全プラットフォームへの配信が完了しました (%s)", runSummary)
	case len(missing) == len(post.Platforms):
		return model.PostStatusFailed, runSummary
	default:
		return model.PostStatusPartial,
			fmt.Sprintf("未配信: %s (%s)", strings.Join(missing, ", "), runSummary)
	}
}

// RetryablePlatforms は明示指定がない場合のリトライ対象を決定する。
// platform_post_idsにエントリのないプラットフォーム、つまり
// まだ配信に成功していないものがデフォルトの対象となる。
func RetryablePlatforms(post *model.Post) []string {
	var targets []string
	for _, platform := range post.Platforms {
		if _, ok := post.PlatformPostIDs[platform]; !ok {
			targets = append(targets, platform)
		}
	}
	return targets
}

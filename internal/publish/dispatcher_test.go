package publish

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/hitoshi/postdeck/internal/model"
	"github.com/hitoshi/postdeck/internal/publisher"
)

// mockPublisher はPublisherのテスト用モック。
type mockPublisher struct {
	platform    string
	publishFunc func(ctx context.Context, userID, content string, mediaURLs []string) model.PlatformOutcome
}

func (m *mockPublisher) Platform() string { return m.platform }

func (m *mockPublisher) Publish(ctx context.Context, userID, content string, mediaURLs []string) model.PlatformOutcome {
	if m.publishFunc != nil {
		return m.publishFunc(ctx, userID, content, mediaURLs)
	}
	return model.PlatformOutcome{Platform: m.platform, Success: true, PostID: m.platform + "-id"}
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func TestDispatcher_Dispatch_OneOutcomePerPlatform(t *testing.T) {
	var buf bytes.Buffer
	registry := publisher.NewRegistry(
		&mockPublisher{platform: "twitter"},
		&mockPublisher{platform: "facebook"},
	)
	d := NewDispatcher(registry, time.Second, newTestLogger(&buf))

	outcomes := d.Dispatch(context.Background(), "user-1", "hello", nil, []string{"twitter", "facebook"})
	if len(outcomes) != 2 {
		t.Fatalf("len(outcomes) = %d, want 2", len(outcomes))
	}
	// 結果の順序は入力プラットフォームの順序と一致する
	if outcomes[0].Platform != "twitter" || outcomes[1].Platform != "facebook" {
		t.Errorf("結果の順序が入力と一致しない: %v", outcomes)
	}
}

func TestDispatcher_Dispatch_FailureDoesNotShortCircuit(t *testing.T) {
	var buf bytes.Buffer
	registry := publisher.NewRegistry(
		&mockPublisher{
			platform: "twitter",
			publishFunc: func(ctx context.Context, userID, content string, mediaURLs []string) model.PlatformOutcome {
				return model.PlatformOutcome{Platform: "twitter", Success: false, Error: "rejected"}
			},
		},
		&mockPublisher{platform: "facebook"},
	)
	d := NewDispatcher(registry, time.Second, newTestLogger(&buf))

	outcomes := d.Dispatch(context.Background(), "user-1", "hello", nil, []string{"twitter", "facebook"})
	if len(outcomes) != 2 {
		t.Fatalf("1件の失敗で他の試行が中断されてはならない: %v", outcomes)
	}
	if outcomes[0].Success {
		t.Error("twitterは失敗であるべき")
	}
	if !outcomes[1].Success {
		t.Error("facebookは成功であるべき")
	}
}

func TestDispatcher_Dispatch_UnknownPlatform(t *testing.T) {
	var buf bytes.Buffer
	registry := publisher.NewRegistry(&mockPublisher{platform: "twitter"})
	d := NewDispatcher(registry, time.Second, newTestLogger(&buf))

	outcomes := d.Dispatch(context.Background(), "user-1", "hello", nil, []string{"myspace"})
	if len(outcomes) != 1 {
		t.Fatalf("len(outcomes) = %d, want 1", len(outcomes))
	}
	if outcomes[0].Success {
		t.Error("未対応プラットフォームは失敗結果となるべき")
	}
}

func TestDispatcher_Dispatch_SlowPlatformDoesNotBlockOthers(t *testing.T) {
	// 1プラットフォームの遅延がタイムアウトで打ち切られ、
	// 全体のレイテンシが直列合計ではなく最遅プラットフォームで抑えられること
	var buf bytes.Buffer
	registry := publisher.NewRegistry(
		&mockPublisher{
			platform: "twitter",
			publishFunc: func(ctx context.Context, userID, content string, mediaURLs []string) model.PlatformOutcome {
				select {
				case <-ctx.Done():
					return model.PlatformOutcome{Platform: "twitter", Success: false, Error: "配信がタイムアウトしました"}
				case <-time.After(5 * time.Second):
					return model.PlatformOutcome{Platform: "twitter", Success: true}
				}
			},
		},
		&mockPublisher{platform: "facebook"},
	)
	d := NewDispatcher(registry, 50*time.Millisecond, newTestLogger(&buf))

	start := time.Now()
	outcomes := d.Dispatch(context.Background(), "user-1", "hello", nil, []string{"twitter", "facebook"})
	elapsed := time.Since(start)

	if elapsed > time.Second {
		t.Errorf("タイムアウトが効いていない: elapsed = %s", elapsed)
	}
	if outcomes[0].Success {
		t.Error("タイムアウトしたプラットフォームは失敗結果となるべき")
	}
	if !outcomes[1].Success {
		t.Error("他のプラットフォームは影響を受けず成功するべき")
	}
}

func TestDispatcher_Dispatch_PanicRecovered(t *testing.T) {
	var buf bytes.Buffer
	registry := publisher.NewRegistry(
		&mockPublisher{
			platform: "twitter",
			publishFunc: func(ctx context.Context, userID, content string, mediaURLs []string) model.PlatformOutcome {
				panic("boom")
			},
		},
		&mockPublisher{platform: "facebook"},
	)
	d := NewDispatcher(registry, time.Second, newTestLogger(&buf))

	outcomes := d.Dispatch(context.Background(), "user-1", "hello", nil, []string{"twitter", "facebook"})
	if len(outcomes) != 2 {
		t.Fatalf("len(outcomes) = %d, want 2", len(outcomes))
	}
	if outcomes[0].Success {
		t.Error("パニックしたプラットフォームは失敗結果となるべき")
	}
	if !outcomes[1].Success {
		t.Error("パニックが他のプラットフォームへ波及してはならない")
	}
}

func TestDispatcher_Dispatch_EmptyPlatformList(t *testing.T) {
	var buf bytes.Buffer
	registry := publisher.NewRegistry(&mockPublisher{platform: "twitter"})
	d := NewDispatcher(registry, time.Second, newTestLogger(&buf))

	outcomes := d.Dispatch(context.Background(), "user-1", "hello", nil, nil)
	if len(outcomes) != 0 {
		t.Errorf("len(outcomes) = %d, want 0", len(outcomes))
	}
}

package publisher

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/postdeck/internal/model"
)

// pacerCleanupInterval はPacerの期限切れエントリのクリーンアップ間隔。
// TTLはこの2倍（1時間）で、posts_per_hourの補充窓と一致させている。
// 1時間放置されたリミッターはバーストが全回復しているため、
// 破棄して作り直しても挙動は変わらない。
const pacerCleanupInterval = 30 * time.Minute

// pacerEntry は接続ごとのリミッターとアクセス時刻を保持する。
type pacerEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Pacer は接続ごとの投稿レート上限（posts_per_hour）を強制する。
// 上限超過はブロックせず、想定内の失敗として理由を返し、
// 呼び出し元が失敗Outcomeに変換してリトライに委ねる。
type Pacer struct {
	mu       sync.Mutex
	limiters map[string]*pacerEntry // (userID, platform) キー
	stopCh   chan struct{}
}

// NewPacer は新しいPacerを生成する。
// バックグラウンドで期限切れエントリのクリーンアップを開始する。
func NewPacer() *Pacer {
	p := &Pacer{
		limiters: make(map[string]*pacerEntry),
		stopCh:   make(chan struct{}),
	}

	go p.cleanupLoop()

	return p
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (p *Pacer) Stop() {
	close(p.stopCh)
}

// Acquire は接続のレート上限からトークンを1つ取得する。
// 上限内であれば空文字列を、超過していれば失敗理由を返す。
// posts_per_hourが0の接続は無制限として扱う。
func (p *Pacer) Acquire(conn *model.PlatformConnection) string {
	if conn.PostsPerHour <= 0 {
		return ""
	}

	p.mu.Lock()
	key := conn.UserID + ":" + conn.Platform
	entry, ok := p.limiters[key]
	if !ok {
		// 1時間あたりPostsPerHour件。バーストは上限と同数まで許容する
		entry = &pacerEntry{
			limiter: rate.NewLimiter(rate.Limit(float64(conn.PostsPerHour)/3600.0), conn.PostsPerHour),
		}
		p.limiters[key] = entry
	}
	entry.lastAccess = time.Now()
	p.mu.Unlock()

	if !entry.limiter.Allow() {
		return conn.Platform + " の投稿レート上限に達しました"
	}
	return ""
}

// LimiterCount は現在管理されているリミッターのエントリ数を返す。
// テスト用。
func (p *Pacer) LimiterCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.limiters)
}

// cleanupLoop はバックグラウンドで期限切れエントリを定期的にクリーンアップする。
func (p *Pacer) cleanupLoop() {
	ticker := time.NewTicker(pacerCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.cleanup(time.Now())
		case <-p.stopCh:
			return
		}
	}
}

// cleanup は最終アクセス時刻がクリーンアップ間隔の2倍を超えたエントリを削除する。
func (p *Pacer) cleanup(now time.Time) {
	ttl := pacerCleanupInterval * 2

	p.mu.Lock()
	defer p.mu.Unlock()
	for key, entry := range p.limiters {
		if now.Sub(entry.lastAccess) > ttl {
			delete(p.limiters, key)
		}
	}
}

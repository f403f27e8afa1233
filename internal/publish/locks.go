package publish

import "sync"

// PostLocks は投稿ごとの配信排他を提供するインプロセスのロック表。
// スケジューラのティックと手動配信が同じ投稿で競合した場合、
// 敗者は待機せず即座に拒否される（TryLockがfalseを返す）。
// インプロセスのため単一インスタンス運用が前提。
// ListDueForPublishのSKIP LOCKEDはスキャンの同時実行でしか効かず
// （行ロックはステートメント終了で解放される）、プロセスをまたぐ
// 配信の排他はここでは保証しない。
type PostLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewPostLocks はPostLocksの新しいインスタンスを生成する。
func NewPostLocks() *PostLocks {
	return &PostLocks{held: make(map[string]struct{})}
}

// TryLock は投稿IDのロック取得を試みる。
// 既に他の配信が進行中の場合はfalseを返し、ブロックしない。
func (l *PostLocks) TryLock(postID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[postID]; ok {
		return false
	}
	l.held[postID] = struct{}{}
	return true
}

// Unlock は投稿IDのロックを解放する。
// 保持していないIDの解放は何もしない。
func (l *PostLocks) Unlock(postID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, postID)
}

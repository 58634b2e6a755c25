package message

import "sync"

// TopicLocks はトピックIDごとの排他ロック。
// 同じトピックへの照合と削除を直列化し、異なるトピックは並行に処理できる。
type TopicLocks struct {
	mu    sync.Mutex
	locks map[string]*topicLock
}

type topicLock struct {
	mu   sync.Mutex
	refs int
}

// NewTopicLocks はTopicLocksを生成する。
func NewTopicLocks() *TopicLocks {
	return &TopicLocks{locks: make(map[string]*topicLock)}
}

// Lock はトピックのロックを取得し、解放関数を返す。
// 誰も待っていないロックは解放時にマップから取り除く。
func (l *TopicLocks) Lock(topicID string) func() {
	l.mu.Lock()
	lk, ok := l.locks[topicID]
	if !ok {
		lk = &topicLock{}
		l.locks[topicID] = lk
	}
	lk.refs++
	l.mu.Unlock()

	lk.mu.Lock()
	return func() {
		lk.mu.Unlock()
		l.mu.Lock()
		lk.refs--
		if lk.refs == 0 {
			delete(l.locks, topicID)
		}
		l.mu.Unlock()
	}
}

// size は保持中のロック数を返す。
func (l *TopicLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

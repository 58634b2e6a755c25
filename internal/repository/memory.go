package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/pushbox/internal/model"
)

// ErrConflict はインメモリストアで一意制約に違反した場合のエラー。
var ErrConflict = errors.New("一意制約に違反しました")

// MemoryStore はプロセス内のメモリにデータを保持するメッセージストア。
// DATABASE_URL=memory: での実行とテスト用の代替実装として使う。
// トランザクションは状態のスナップショットに対して実行し、コミット時に差し替える。
type MemoryStore struct {
	mu    sync.Mutex
	state *memoryState
}

// NewMemoryStore は空のMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemoryState()}
}

var _ Store = (*MemoryStore)(nil)

type memoryState struct {
	topics     map[string]model.Topic
	messages   map[string]model.StoredMessage
	tombstones map[string]model.Tombstone
	servers    map[string]model.Server
}

func newMemoryState() *memoryState {
	return &memoryState{
		topics:     make(map[string]model.Topic),
		messages:   make(map[string]model.StoredMessage),
		tombstones: make(map[string]model.Tombstone),
		servers:    make(map[string]model.Server),
	}
}

func (s *memoryState) clone() *memoryState {
	c := newMemoryState()
	for k, v := range s.topics {
		c.topics[k] = v
	}
	for k, v := range s.messages {
		c.messages[k] = v
	}
	for k, v := range s.tombstones {
		c.tombstones[k] = v
	}
	for k, v := range s.servers {
		c.servers[k] = v
	}
	return c
}

// memoryScope はリポジトリ操作の対象となる状態を解決する。
// txが設定されている場合、ロックはWithinTxが既に保持している。
type memoryScope struct {
	store *MemoryStore
	tx    *memoryState
}

func (s *memoryScope) read(fn func(st *memoryState)) {
	if s.tx != nil {
		fn(s.tx)
		return
	}
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	fn(s.store.state)
}

func (s *memoryScope) write(fn func(st *memoryState) error) error {
	if s.tx != nil {
		return fn(s.tx)
	}
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	return fn(s.store.state)
}

// Repositories はトランザクション外で使うリポジトリを返す。
func (m *MemoryStore) Repositories() Repositories {
	return memoryRepositories(&memoryScope{store: m})
}

// WithinTx はfnをスナップショットに対して実行し、成功時のみ状態を差し替える。
// トランザクションは全体で直列化される。
func (m *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, repos Repositories) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	snapshot := m.state.clone()
	if err := fn(ctx, memoryRepositories(&memoryScope{store: m, tx: snapshot})); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.state = snapshot
	return nil
}

func memoryRepositories(scope *memoryScope) Repositories {
	return Repositories{
		Topics:     &memoryTopicRepo{scope: scope},
		Messages:   &memoryMessageRepo{scope: scope},
		Tombstones: &memoryTombstoneRepo{scope: scope},
		Servers:    &memoryServerRepo{scope: scope},
	}
}

// --- topics ---

type memoryTopicRepo struct {
	scope *memoryScope
}

var _ TopicRepository = (*memoryTopicRepo)(nil)

func (r *memoryTopicRepo) FindByID(_ context.Context, id string) (*model.Topic, error) {
	var found *model.Topic
	r.scope.read(func(st *memoryState) {
		if t, ok := st.topics[id]; ok {
			found = &t
		}
	})
	return found, nil
}

func (r *memoryTopicRepo) FindByServerAndName(_ context.Context, serverURL, name string) (*model.Topic, error) {
	var found *model.Topic
	r.scope.read(func(st *memoryState) {
		for _, t := range st.topics {
			if t.ServerURL == serverURL && t.Name == name {
				t := t
				found = &t
				return
			}
		}
	})
	return found, nil
}

func (r *memoryTopicRepo) List(_ context.Context) ([]*model.Topic, error) {
	var topics []*model.Topic
	r.scope.read(func(st *memoryState) {
		for _, t := range st.topics {
			t := t
			topics = append(topics, &t)
		}
	})
	sort.Slice(topics, func(i, j int) bool {
		if !topics[i].CreatedAt.Equal(topics[j].CreatedAt) {
			return topics[i].CreatedAt.Before(topics[j].CreatedAt)
		}
		return topics[i].Name < topics[j].Name
	})
	return topics, nil
}

func (r *memoryTopicRepo) Create(_ context.Context, t *model.Topic) error {
	return r.scope.write(func(st *memoryState) error {
		if _, ok := st.topics[t.ID]; ok {
			return fmt.Errorf("トピックの作成に失敗しました: %w", ErrConflict)
		}
		for _, existing := range st.topics {
			if existing.ServerURL == t.ServerURL && existing.Name == t.Name {
				return fmt.Errorf("トピックの作成に失敗しました: %w", ErrConflict)
			}
		}
		st.topics[t.ID] = *t
		return nil
	})
}

func (r *memoryTopicRepo) update(id string, fn func(t *model.Topic)) error {
	return r.scope.write(func(st *memoryState) error {
		t, ok := st.topics[id]
		if !ok {
			return nil
		}
		fn(&t)
		st.topics[id] = t
		return nil
	})
}

func (r *memoryTopicRepo) UpdateLastMessageAt(_ context.Context, id string, at time.Time) error {
	return r.update(id, func(t *model.Topic) {
		v := at.UTC()
		t.LastMessageAt = &v
	})
}

func (r *memoryTopicRepo) UpdateMuted(_ context.Context, id string, muted bool) error {
	return r.update(id, func(t *model.Topic) { t.Muted = muted })
}

func (r *memoryTopicRepo) UpdateDisplay(_ context.Context, id, icon, letter, color string) error {
	return r.update(id, func(t *model.Topic) {
		t.Icon, t.Letter, t.Color = icon, letter, color
	})
}

// Delete はトピックを削除し、所属するメッセージとトゥームストーンもCASCADE削除する。
func (r *memoryTopicRepo) Delete(_ context.Context, id string) error {
	return r.scope.write(func(st *memoryState) error {
		delete(st.topics, id)
		for k, m := range st.messages {
			if m.TopicID == id {
				delete(st.messages, k)
			}
		}
		for k, ts := range st.tombstones {
			if ts.TopicID == id {
				delete(st.tombstones, k)
			}
		}
		return nil
	})
}

// --- messages ---

type memoryMessageRepo struct {
	scope *memoryScope
}

var _ MessageRepository = (*memoryMessageRepo)(nil)

func (r *memoryMessageRepo) FindByID(_ context.Context, id string) (*model.StoredMessage, error) {
	var found *model.StoredMessage
	r.scope.read(func(st *memoryState) {
		if m, ok := st.messages[id]; ok {
			found = &m
		}
	})
	return found, nil
}

func (r *memoryMessageRepo) ExistsByMessageID(_ context.Context, topicID, messageID string) (bool, error) {
	exists := false
	r.scope.read(func(st *memoryState) {
		for _, m := range st.messages {
			if m.TopicID == topicID && m.MessageID == messageID {
				exists = true
				return
			}
		}
	})
	return exists, nil
}

func (r *memoryMessageRepo) Create(_ context.Context, m *model.StoredMessage) error {
	return r.scope.write(func(st *memoryState) error {
		if _, ok := st.topics[m.TopicID]; !ok {
			return fmt.Errorf("メッセージの作成に失敗しました: トピック %s が存在しません", m.TopicID)
		}
		if _, ok := st.messages[m.ID]; ok {
			return fmt.Errorf("メッセージの作成に失敗しました: %w", ErrConflict)
		}
		for _, existing := range st.messages {
			if existing.TopicID == m.TopicID && existing.MessageID == m.MessageID {
				return fmt.Errorf("メッセージの作成に失敗しました: %w", ErrConflict)
			}
		}
		st.messages[m.ID] = *m
		return nil
	})
}

func (r *memoryMessageRepo) ListByTopic(_ context.Context, topicID string, filter model.MessageFilter, limit int) ([]*model.StoredMessage, error) {
	var messages []*model.StoredMessage
	r.scope.read(func(st *memoryState) {
		for _, m := range st.messages {
			if m.TopicID != topicID {
				continue
			}
			if filter == model.MessageFilterUnread && m.IsRead {
				continue
			}
			m := m
			messages = append(messages, &m)
		}
	})
	sort.Slice(messages, func(i, j int) bool {
		if !messages[i].Time.Equal(messages[j].Time) {
			return messages[i].Time.After(messages[j].Time)
		}
		return messages[i].ReceivedAt.After(messages[j].ReceivedAt)
	})
	if limit > 0 && len(messages) > limit {
		messages = messages[:limit]
	}
	return messages, nil
}

func (r *memoryMessageRepo) UpdateRead(_ context.Context, id string, read bool) (bool, error) {
	updated := false
	err := r.scope.write(func(st *memoryState) error {
		m, ok := st.messages[id]
		if !ok {
			return nil
		}
		m.IsRead = read
		st.messages[id] = m
		updated = true
		return nil
	})
	return updated, err
}

func (r *memoryMessageRepo) MarkAllRead(_ context.Context, topicID string) (int64, error) {
	var n int64
	err := r.scope.write(func(st *memoryState) error {
		for k, m := range st.messages {
			if m.TopicID == topicID && !m.IsRead {
				m.IsRead = true
				st.messages[k] = m
				n++
			}
		}
		return nil
	})
	return n, err
}

func (r *memoryMessageRepo) CountUnread(_ context.Context, topicID string) (int, error) {
	n := 0
	r.scope.read(func(st *memoryState) {
		for _, m := range st.messages {
			if m.TopicID == topicID && !m.IsRead {
				n++
			}
		}
	})
	return n, nil
}

func (r *memoryMessageRepo) CountUnreadAll(_ context.Context) (int, error) {
	n := 0
	r.scope.read(func(st *memoryState) {
		for _, m := range st.messages {
			if !m.IsRead {
				n++
			}
		}
	})
	return n, nil
}

func (r *memoryMessageRepo) CountUnreadByTopic(_ context.Context) (map[string]int, error) {
	counts := make(map[string]int)
	r.scope.read(func(st *memoryState) {
		for _, m := range st.messages {
			if !m.IsRead {
				counts[m.TopicID]++
			}
		}
	})
	return counts, nil
}

func (r *memoryMessageRepo) Delete(_ context.Context, id string) error {
	return r.scope.write(func(st *memoryState) error {
		delete(st.messages, id)
		return nil
	})
}

func (r *memoryMessageRepo) DeleteByTopic(_ context.Context, topicID string) (int64, error) {
	var n int64
	err := r.scope.write(func(st *memoryState) error {
		for k, m := range st.messages {
			if m.TopicID == topicID {
				delete(st.messages, k)
				n++
			}
		}
		return nil
	})
	return n, err
}

func (r *memoryMessageRepo) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	var n int64
	err := r.scope.write(func(st *memoryState) error {
		for k, m := range st.messages {
			if m.ExpiresAt != nil && m.ExpiresAt.Before(now) {
				delete(st.messages, k)
				n++
			}
		}
		return nil
	})
	return n, err
}

// --- tombstones ---

type memoryTombstoneRepo struct {
	scope *memoryScope
}

var _ TombstoneRepository = (*memoryTombstoneRepo)(nil)

func (r *memoryTombstoneRepo) Exists(_ context.Context, messageID, topicName, serverURL string) (bool, error) {
	exists := false
	r.scope.read(func(st *memoryState) {
		for _, ts := range st.tombstones {
			if ts.MessageID == messageID && ts.TopicName == topicName && ts.ServerURL == serverURL {
				exists = true
				return
			}
		}
	})
	return exists, nil
}

func (r *memoryTombstoneRepo) Create(_ context.Context, ts *model.Tombstone) error {
	return r.scope.write(func(st *memoryState) error {
		for _, existing := range st.tombstones {
			if existing.MessageID == ts.MessageID && existing.TopicName == ts.TopicName && existing.ServerURL == ts.ServerURL {
				return nil
			}
		}
		st.tombstones[ts.ID] = *ts
		return nil
	})
}

func (r *memoryTombstoneRepo) DeleteByTopic(_ context.Context, topicID string) error {
	return r.scope.write(func(st *memoryState) error {
		for k, ts := range st.tombstones {
			if ts.TopicID == topicID {
				delete(st.tombstones, k)
			}
		}
		return nil
	})
}

func (r *memoryTombstoneRepo) CountByTopic(_ context.Context, topicID string) (int, error) {
	n := 0
	r.scope.read(func(st *memoryState) {
		for _, ts := range st.tombstones {
			if ts.TopicID == topicID {
				n++
			}
		}
	})
	return n, nil
}

// --- servers ---

type memoryServerRepo struct {
	scope *memoryScope
}

var _ ServerRepository = (*memoryServerRepo)(nil)

func (r *memoryServerRepo) find(pred func(s model.Server) bool) *model.Server {
	var found *model.Server
	r.scope.read(func(st *memoryState) {
		for _, s := range st.servers {
			if pred(s) {
				s := s
				found = &s
				return
			}
		}
	})
	return found
}

func (r *memoryServerRepo) FindByID(_ context.Context, id string) (*model.Server, error) {
	return r.find(func(s model.Server) bool { return s.ID == id }), nil
}

func (r *memoryServerRepo) FindByURL(_ context.Context, url string) (*model.Server, error) {
	return r.find(func(s model.Server) bool { return s.URL == url }), nil
}

func (r *memoryServerRepo) FindDefault(_ context.Context) (*model.Server, error) {
	return r.find(func(s model.Server) bool { return s.IsDefault }), nil
}

func (r *memoryServerRepo) List(_ context.Context) ([]*model.Server, error) {
	var servers []*model.Server
	r.scope.read(func(st *memoryState) {
		for _, s := range st.servers {
			s := s
			servers = append(servers, &s)
		}
	})
	sort.Slice(servers, func(i, j int) bool {
		if !servers[i].AddedAt.Equal(servers[j].AddedAt) {
			return servers[i].AddedAt.Before(servers[j].AddedAt)
		}
		return servers[i].URL < servers[j].URL
	})
	return servers, nil
}

func (r *memoryServerRepo) Create(_ context.Context, srv *model.Server) error {
	return r.scope.write(func(st *memoryState) error {
		for _, existing := range st.servers {
			if existing.ID == srv.ID || existing.URL == srv.URL {
				return fmt.Errorf("サーバーの作成に失敗しました: %w", ErrConflict)
			}
			if srv.IsDefault && existing.IsDefault {
				return fmt.Errorf("サーバーの作成に失敗しました: %w", ErrConflict)
			}
		}
		st.servers[srv.ID] = *srv
		return nil
	})
}

func (r *memoryServerRepo) ClearDefault(_ context.Context) error {
	return r.scope.write(func(st *memoryState) error {
		for k, s := range st.servers {
			if s.IsDefault {
				s.IsDefault = false
				st.servers[k] = s
			}
		}
		return nil
	})
}

func (r *memoryServerRepo) SetDefault(_ context.Context, id string) (bool, error) {
	updated := false
	err := r.scope.write(func(st *memoryState) error {
		s, ok := st.servers[id]
		if !ok {
			return nil
		}
		for k, other := range st.servers {
			if k != id && other.IsDefault {
				return fmt.Errorf("デフォルトサーバーの設定に失敗しました: %w", ErrConflict)
			}
		}
		s.IsDefault = true
		st.servers[id] = s
		updated = true
		return nil
	})
	return updated, err
}

func (r *memoryServerRepo) Delete(_ context.Context, id string) error {
	return r.scope.write(func(st *memoryState) error {
		delete(st.servers, id)
		return nil
	})
}

package message

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/pushbox/internal/model"
	"github.com/hitoshi/pushbox/internal/notify"
	"github.com/hitoshi/pushbox/internal/repository"
	"github.com/hitoshi/pushbox/internal/security"
)

// fakeSink は呼び出しを記録するnotify.Sink。
type fakeSink struct {
	mu        sync.Mutex
	scheduled []notify.Notification
	cleared   []string
	removed   []string
	badge     int
	badgeSets int
}

func (s *fakeSink) Schedule(_ context.Context, n notify.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduled = append(s.scheduled, n)
	return nil
}

func (s *fakeSink) ClearForTopic(_ context.Context, topicName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleared = append(s.cleared, topicName)
	return nil
}

func (s *fakeSink) SetBadgeCount(_ context.Context, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.badge = count
	s.badgeSets++
	return nil
}

func (s *fakeSink) RemoveByMessageID(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, messageID)
	return nil
}

func (s *fakeSink) scheduledCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.scheduled)
}

// fakeRecorder は照合メトリクスを記録する。
type fakeRecorder struct {
	mu            sync.Mutex
	received      map[string]int
	reconciled    map[string]int
	notifications int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{received: map[string]int{}, reconciled: map[string]int{}}
}

func (r *fakeRecorder) MessageReceived(source string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received[source]++
}

func (r *fakeRecorder) MessageReconciled(result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconciled[result]++
}

func (r *fakeRecorder) NotificationScheduled() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications++
}

type fixture struct {
	store      *repository.MemoryStore
	sink       *fakeSink
	recorder   *fakeRecorder
	reconciler *Reconciler
	service    *Service
	topic      *model.Topic
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := repository.NewMemoryStore()
	sink := &fakeSink{}
	recorder := newFakeRecorder()
	locks := NewTopicLocks()
	badge := notify.NewBadge(store.Repositories().Messages, sink, logger)

	topic := &model.Topic{
		ID:        "topic-1",
		Name:      "alerts",
		ServerURL: "https://ntfy.sh",
		CreatedAt: time.Unix(1, 0).UTC(),
	}
	if err := store.Repositories().Topics.Create(context.Background(), topic); err != nil {
		t.Fatalf("トピック作成に失敗: %v", err)
	}

	return &fixture{
		store:      store,
		sink:       sink,
		recorder:   recorder,
		reconciler: NewReconciler(store, locks, sink, badge, security.NewTextSanitizer(), recorder, logger),
		service:    NewService(store, locks, sink, badge, logger),
		topic:      topic,
	}
}

func wireMessage(id string, at int64) model.Message {
	return model.Message{
		ID:      id,
		Time:    at,
		Event:   model.EventMessage,
		Topic:   "alerts",
		Message: "body " + id,
	}
}

func (f *fixture) storedIDs(t *testing.T) map[string]bool {
	t.Helper()
	msgs, err := f.store.Repositories().Messages.ListByTopic(context.Background(), f.topic.ID, model.MessageFilterAll, 0)
	if err != nil {
		t.Fatalf("ListByTopic: %v", err)
	}
	ids := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		ids[m.MessageID] = true
	}
	return ids
}

func (f *fixture) reloadTopic(t *testing.T) *model.Topic {
	t.Helper()
	topic, err := f.store.Repositories().Topics.FindByID(context.Background(), f.topic.ID)
	if err != nil || topic == nil {
		t.Fatalf("FindByID = (%v, %v)", topic, err)
	}
	return topic
}

func (f *fixture) storedIDOf(t *testing.T, messageID string) string {
	t.Helper()
	msgs, err := f.store.Repositories().Messages.ListByTopic(context.Background(), f.topic.ID, model.MessageFilterAll, 0)
	if err != nil {
		t.Fatalf("ListByTopic: %v", err)
	}
	for _, m := range msgs {
		if m.MessageID == messageID {
			return m.ID
		}
	}
	t.Fatalf("message %s not stored", messageID)
	return ""
}

package subscription

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/pushbox/internal/model"
)

// fakeHandle はテスト用のStreamHandle。
type fakeHandle struct {
	messages    chan model.Message
	connected   chan struct{}
	cancelCount atomic.Int32
	closeOnce   sync.Once
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{
		messages:  make(chan model.Message),
		connected: make(chan struct{}),
	}
}

func (h *fakeHandle) Messages() <-chan model.Message { return h.messages }
func (h *fakeHandle) Connected() <-chan struct{}     { return h.connected }
func (h *fakeHandle) Cancel()                        { h.cancelCount.Add(1) }

// end はサーバー側からストリームが終了した状態を再現する。
func (h *fakeHandle) end() {
	h.closeOnce.Do(func() { close(h.messages) })
}

// fakeOpener は開いたハンドルを記録する。
type fakeOpener struct {
	mu      sync.Mutex
	handles []*fakeHandle
	err     error
}

func (o *fakeOpener) OpenStream(_ context.Context, _, _ string, _ *model.Credential) (StreamHandle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return nil, o.err
	}
	h := newFakeHandle()
	o.handles = append(o.handles, h)
	return h, nil
}

func (o *fakeOpener) handle(i int) *fakeHandle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.handles[i]
}

func (o *fakeOpener) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.handles)
}

func newTestManager(opener Opener) *Manager {
	return NewManager(opener, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func noopHandler(model.TopicKey, model.Message) {}

func TestManager_Subscribe_ReplacesExistingStream(t *testing.T) {
	opener := &fakeOpener{}
	m := newTestManager(opener)

	if err := m.Subscribe("https://ntfy.sh", "alerts", nil, noopHandler); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := m.Subscribe("https://ntfy.sh/", "alerts", nil, noopHandler); err != nil {
		t.Fatalf("Subscribe (2回目): %v", err)
	}

	if opener.count() != 2 {
		t.Fatalf("opened = %d, want 2", opener.count())
	}
	if got := opener.handle(0).cancelCount.Load(); got != 1 {
		t.Errorf("1本目のCancel回数 = %d, want 1", got)
	}
	if got := opener.handle(1).cancelCount.Load(); got != 0 {
		t.Errorf("2本目はキャンセルされてはならない: %d", got)
	}
	if active := m.Active(); len(active) != 1 {
		t.Errorf("Active = %v, want 1件", active)
	}

	m.UnsubscribeAll()
}

func TestManager_Subscribe_OldFramesNotDeliveredAfterReplace(t *testing.T) {
	opener := &fakeOpener{}
	m := newTestManager(opener)

	var firstCalls atomic.Int32
	if err := m.Subscribe("https://ntfy.sh", "alerts", nil, func(model.TopicKey, model.Message) {
		firstCalls.Add(1)
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	first := opener.handle(0)

	received := make(chan model.Message, 1)
	if err := m.Subscribe("https://ntfy.sh", "alerts", nil, func(_ model.TopicKey, msg model.Message) {
		received <- msg
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// 置き換え後は旧ストリームを誰も読まない
	select {
	case first.messages <- model.Message{ID: "stale"}:
		t.Fatal("置き換え済みストリームのフレームが受信された")
	case <-time.After(50 * time.Millisecond):
	}

	second := opener.handle(1)
	second.messages <- model.Message{ID: "fresh"}
	select {
	case msg := <-received:
		if msg.ID != "fresh" {
			t.Errorf("ID = %q, want fresh", msg.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("新しいストリームのメッセージが届かない")
	}
	if firstCalls.Load() != 0 {
		t.Errorf("旧handlerが呼ばれた: %d", firstCalls.Load())
	}

	m.UnsubscribeAll()
}

func TestManager_Unsubscribe(t *testing.T) {
	opener := &fakeOpener{}
	m := newTestManager(opener)

	if err := m.Subscribe("https://ntfy.sh", "alerts", nil, noopHandler); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	m.Unsubscribe("https://ntfy.sh", "alerts")

	if got := opener.handle(0).cancelCount.Load(); got != 1 {
		t.Errorf("Cancel回数 = %d, want 1", got)
	}
	if st := m.State("https://ntfy.sh", "alerts"); st != StateIdle {
		t.Errorf("State = %q, want idle", st)
	}

	// 存在しないキーは何もしない
	m.Unsubscribe("https://ntfy.sh", "unknown")
}

func TestManager_UnsubscribeAll(t *testing.T) {
	opener := &fakeOpener{}
	m := newTestManager(opener)

	for _, topic := range []string{"a", "b", "c"} {
		if err := m.Subscribe("https://ntfy.sh", topic, nil, noopHandler); err != nil {
			t.Fatalf("Subscribe(%s): %v", topic, err)
		}
	}
	if len(m.Active()) != 3 {
		t.Fatalf("Active = %d, want 3", len(m.Active()))
	}

	m.UnsubscribeAll()

	if len(m.Active()) != 0 {
		t.Errorf("Active = %v, want empty", m.Active())
	}
	for i := 0; i < 3; i++ {
		if got := opener.handle(i).cancelCount.Load(); got != 1 {
			t.Errorf("handle[%d] Cancel回数 = %d, want 1", i, got)
		}
	}
}

func TestManager_State_Transitions(t *testing.T) {
	opener := &fakeOpener{}
	m := newTestManager(opener)

	if st := m.State("https://ntfy.sh", "alerts"); st != StateIdle {
		t.Fatalf("State = %q, want idle", st)
	}
	if err := m.Subscribe("https://ntfy.sh", "alerts", nil, noopHandler); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if st := m.State("https://ntfy.sh", "alerts"); st != StateConnecting {
		t.Errorf("State = %q, want connecting", st)
	}

	h := opener.handle(0)
	close(h.connected)
	if st := m.State("https://ntfy.sh", "alerts"); st != StateStreaming {
		t.Errorf("State = %q, want streaming", st)
	}

	// サーバー側の終了で自動的にIdleへ戻る。再接続はしない。
	h.end()
	deadline := time.Now().Add(time.Second)
	for m.State("https://ntfy.sh", "alerts") != StateIdle {
		if time.Now().After(deadline) {
			t.Fatal("ストリーム終了後にIdleに戻らない")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if opener.count() != 1 {
		t.Errorf("自動再接続してはならない: opened = %d", opener.count())
	}
}

func TestManager_Subscribe_OpenError(t *testing.T) {
	opener := &fakeOpener{err: model.NewTransportError(model.ErrKindInvalidURL, 0, errors.New("bad"))}
	m := newTestManager(opener)

	err := m.Subscribe("ftp://example.com", "alerts", nil, noopHandler)
	if !model.IsErrorKind(err, model.ErrKindInvalidURL) {
		t.Fatalf("err = %v, want invalid_url", err)
	}
	if len(m.Active()) != 0 {
		t.Error("失敗した購読は保持されてはならない")
	}
}

func TestManager_HandlerReceivesKey(t *testing.T) {
	opener := &fakeOpener{}
	m := newTestManager(opener)

	got := make(chan model.TopicKey, 1)
	if err := m.Subscribe("https://ntfy.sh/", "alerts", nil, func(key model.TopicKey, _ model.Message) {
		got <- key
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	opener.handle(0).messages <- model.Message{ID: "x"}

	select {
	case key := <-got:
		want := model.TopicKey{ServerURL: "https://ntfy.sh", Topic: "alerts"}
		if key != want {
			t.Errorf("key = %+v, want %+v", key, want)
		}
	case <-time.After(time.Second):
		t.Fatal("handlerが呼ばれない")
	}
	m.UnsubscribeAll()
}

package message

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/hitoshi/pushbox/internal/model"
)

func TestReconcile_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.reconciler.Reconcile(ctx, f.topic.ID, wireMessage("a", 100), SourceCatchUp)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	second, err := f.reconciler.Reconcile(ctx, f.topic.ID, wireMessage("a", 100), SourceCatchUp)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if first != ResultInserted || second != ResultDuplicate {
		t.Errorf("results = %q, %q, want inserted, duplicate", first, second)
	}
	if ids := f.storedIDs(t); len(ids) != 1 {
		t.Errorf("stored = %v, want 1件", ids)
	}
}

func TestReconcileBatch_ScenarioTwoMessages(t *testing.T) {
	f := newFixture(t)

	res, err := f.reconciler.ReconcileBatch(context.Background(), f.topic.ID,
		[]model.Message{wireMessage("a", 100), wireMessage("b", 200)}, SourceCatchUp)
	if err != nil {
		t.Fatalf("ReconcileBatch: %v", err)
	}

	if res.Inserted != 2 {
		t.Errorf("Inserted = %d, want 2", res.Inserted)
	}
	if ids := f.storedIDs(t); len(ids) != 2 {
		t.Errorf("stored = %v, want 2件", ids)
	}
	topic := f.reloadTopic(t)
	if topic.LastMessageAt == nil || topic.LastMessageAt.Unix() != 200 {
		t.Errorf("LastMessageAt = %v, want 200", topic.LastMessageAt)
	}
	if res.LastMessageAt == nil || res.LastMessageAt.Unix() != 200 {
		t.Errorf("BatchResult.LastMessageAt = %v, want 200", res.LastMessageAt)
	}
}

func TestReconcileBatch_OrderIndependent(t *testing.T) {
	msgs := []model.Message{
		wireMessage("a", 100),
		wireMessage("b", 300),
		wireMessage("c", 200),
		wireMessage("a", 100),
	}
	permutations := [][]int{
		{0, 1, 2, 3},
		{3, 2, 1, 0},
		{1, 0, 3, 2},
		{2, 3, 0, 1},
	}

	for _, perm := range permutations {
		f := newFixture(t)
		ordered := make([]model.Message, len(perm))
		for i, p := range perm {
			ordered[i] = msgs[p]
		}

		if _, err := f.reconciler.ReconcileBatch(context.Background(), f.topic.ID, ordered, SourceCatchUp); err != nil {
			t.Fatalf("ReconcileBatch(%v): %v", perm, err)
		}

		ids := f.storedIDs(t)
		if len(ids) != 3 || !ids["a"] || !ids["b"] || !ids["c"] {
			t.Errorf("perm %v: stored = %v, want a,b,c", perm, ids)
		}
		topic := f.reloadTopic(t)
		if topic.LastMessageAt == nil || topic.LastMessageAt.Unix() != 300 {
			t.Errorf("perm %v: LastMessageAt = %v, want 300", perm, topic.LastMessageAt)
		}
	}
}

func TestReconcile_LastMessageAtNeverMovesBackwards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.reconciler.Reconcile(ctx, f.topic.ID, wireMessage("new", 500), SourceStream); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if _, err := f.reconciler.Reconcile(ctx, f.topic.ID, wireMessage("old", 100), SourceCatchUp); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if got := f.reloadTopic(t).LastMessageAt.Unix(); got != 500 {
		t.Errorf("LastMessageAt = %d, want 500", got)
	}
}

func TestReconcile_TombstoneSupremacy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.reconciler.Reconcile(ctx, f.topic.ID, wireMessage("a", 100), SourceCatchUp); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if err := f.service.Delete(ctx, f.storedIDOf(t, "a")); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	for _, source := range []Source{SourceCatchUp, SourceStream} {
		res, err := f.reconciler.Reconcile(ctx, f.topic.ID, wireMessage("a", 100), source)
		if err != nil {
			t.Fatalf("Reconcile: %v", err)
		}
		if res != ResultTombstoned {
			t.Errorf("%s: result = %q, want tombstoned", source, res)
		}
	}
	if ids := f.storedIDs(t); len(ids) != 0 {
		t.Errorf("削除済みメッセージが復活した: %v", ids)
	}
	if f.sink.scheduledCount() != 0 {
		t.Error("トゥームストーン済みメッセージを通知してはならない")
	}
}

func TestReconcileBatch_DeletedMessageExcludedFromCatchUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	batch := []model.Message{wireMessage("a", 100), wireMessage("b", 200)}

	if _, err := f.reconciler.ReconcileBatch(ctx, f.topic.ID, batch, SourceCatchUp); err != nil {
		t.Fatalf("ReconcileBatch: %v", err)
	}
	if err := f.service.Delete(ctx, f.storedIDOf(t, "a")); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	res, err := f.reconciler.ReconcileBatch(ctx, f.topic.ID, batch, SourceCatchUp)
	if err != nil {
		t.Fatalf("ReconcileBatch: %v", err)
	}

	ids := f.storedIDs(t)
	if len(ids) != 1 || ids["a"] || !ids["b"] {
		t.Errorf("stored = %v, want b only", ids)
	}
	if res.Tombstoned != 1 || res.Duplicates != 1 || res.Inserted != 0 {
		t.Errorf("result = %+v, want tombstoned=1 duplicates=1", res)
	}
}

func TestReconcile_NotifiesOnlyForStreamedUnmutedMessages(t *testing.T) {
	ctx := context.Background()

	t.Run("catch_upは通知しない", func(t *testing.T) {
		f := newFixture(t)
		if _, err := f.reconciler.Reconcile(ctx, f.topic.ID, wireMessage("a", 100), SourceCatchUp); err != nil {
			t.Fatalf("Reconcile: %v", err)
		}
		if f.sink.scheduledCount() != 0 {
			t.Errorf("scheduled = %d, want 0", f.sink.scheduledCount())
		}
	})

	t.Run("streamは通知する", func(t *testing.T) {
		f := newFixture(t)
		msg := wireMessage("a", 100)
		msg.Title = "<b>ディスク</b> &amp; CPU"
		msg.Priority = 5
		if _, err := f.reconciler.Reconcile(ctx, f.topic.ID, msg, SourceStream); err != nil {
			t.Fatalf("Reconcile: %v", err)
		}
		if f.sink.scheduledCount() != 1 {
			t.Fatalf("scheduled = %d, want 1", f.sink.scheduledCount())
		}
		n := f.sink.scheduled[0]
		if n.Title != "ディスク & CPU" {
			t.Errorf("Title = %q, タグ除去済みのプレーンテキストであるべき", n.Title)
		}
		if n.MessageID != "a" || n.TopicName != "alerts" || n.Priority != 5 {
			t.Errorf("unexpected notification: %+v", n)
		}
		if f.recorder.notifications != 1 {
			t.Errorf("notifications metric = %d, want 1", f.recorder.notifications)
		}
	})

	t.Run("タイトルがなければトピック名を使う", func(t *testing.T) {
		f := newFixture(t)
		if _, err := f.reconciler.Reconcile(ctx, f.topic.ID, wireMessage("a", 100), SourceStream); err != nil {
			t.Fatalf("Reconcile: %v", err)
		}
		if got := f.sink.scheduled[0].Title; got != "alerts" {
			t.Errorf("Title = %q, want alerts", got)
		}
	})

	t.Run("ミュート中は通知しない", func(t *testing.T) {
		f := newFixture(t)
		if err := f.store.Repositories().Topics.UpdateMuted(ctx, f.topic.ID, true); err != nil {
			t.Fatalf("UpdateMuted: %v", err)
		}
		if _, err := f.reconciler.Reconcile(ctx, f.topic.ID, wireMessage("a", 100), SourceStream); err != nil {
			t.Fatalf("Reconcile: %v", err)
		}
		if f.sink.scheduledCount() != 0 {
			t.Errorf("scheduled = %d, want 0", f.sink.scheduledCount())
		}
		if ids := f.storedIDs(t); !ids["a"] {
			t.Error("ミュート中でも保存はされるべき")
		}
	})

	t.Run("重複は通知しない", func(t *testing.T) {
		f := newFixture(t)
		for i := 0; i < 2; i++ {
			if _, err := f.reconciler.Reconcile(ctx, f.topic.ID, wireMessage("a", 100), SourceStream); err != nil {
				t.Fatalf("Reconcile: %v", err)
			}
		}
		if f.sink.scheduledCount() != 1 {
			t.Errorf("scheduled = %d, want 1", f.sink.scheduledCount())
		}
	})
}

func TestReconcile_UpdatesBadgeWithTotalUnread(t *testing.T) {
	f := newFixture(t)

	if _, err := f.reconciler.ReconcileBatch(context.Background(), f.topic.ID,
		[]model.Message{wireMessage("a", 1), wireMessage("b", 2), wireMessage("c", 3)}, SourceCatchUp); err != nil {
		t.Fatalf("ReconcileBatch: %v", err)
	}
	if f.sink.badge != 3 {
		t.Errorf("badge = %d, want 3", f.sink.badge)
	}
}

func TestReconcile_SkipsNonMessageEvents(t *testing.T) {
	f := newFixture(t)

	keepalive := model.Message{ID: "k", Time: 100, Event: model.EventKeepalive}
	res, err := f.reconciler.Reconcile(context.Background(), f.topic.ID, keepalive, SourceStream)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res != ResultSkipped {
		t.Errorf("result = %q, want skipped", res)
	}
	if f.reloadTopic(t).LastMessageAt != nil {
		t.Error("保存対象外のイベントでlastMessageAtを進めてはならない")
	}
}

func TestReconcile_TopicGone(t *testing.T) {
	f := newFixture(t)

	_, err := f.reconciler.Reconcile(context.Background(), "missing", wireMessage("a", 1), SourceStream)
	if !errors.Is(err, ErrTopicGone) {
		t.Errorf("err = %v, want ErrTopicGone", err)
	}
}

func TestReconcile_CanceledContextRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.reconciler.Reconcile(ctx, f.topic.ID, wireMessage("a", 1), SourceStream)
	if !model.IsCanceled(err) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if ids := f.storedIDs(t); len(ids) != 0 {
		t.Errorf("キャンセル時は保存されてはならない: %v", ids)
	}
}

// ストリームとキャッチアップが同じメッセージを同時に届けても1件だけ保存される。
func TestReconcile_ConcurrentDeliveryStoresOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make(chan Result, 20)
	for i := 0; i < 20; i++ {
		source := SourceStream
		if i%2 == 0 {
			source = SourceCatchUp
		}
		wg.Add(1)
		go func(source Source) {
			defer wg.Done()
			res, err := f.reconciler.Reconcile(ctx, f.topic.ID, wireMessage("race", 100), source)
			if err != nil {
				t.Errorf("Reconcile: %v", err)
				return
			}
			results <- res
		}(source)
	}
	wg.Wait()
	close(results)

	inserted := 0
	for res := range results {
		if res == ResultInserted {
			inserted++
		}
	}
	if inserted != 1 {
		t.Errorf("inserted = %d, want 1", inserted)
	}
	if ids := f.storedIDs(t); len(ids) != 1 {
		t.Errorf("stored = %v, want 1件", ids)
	}
}

func TestReconcile_RecordsMetrics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _ = f.reconciler.Reconcile(ctx, f.topic.ID, wireMessage("a", 1), SourceStream)
	_, _ = f.reconciler.Reconcile(ctx, f.topic.ID, wireMessage("a", 1), SourceCatchUp)

	if f.recorder.received["stream"] != 1 || f.recorder.received["catch_up"] != 1 {
		t.Errorf("received = %v", f.recorder.received)
	}
	if f.recorder.reconciled["inserted"] != 1 || f.recorder.reconciled["duplicate"] != 1 {
		t.Errorf("reconciled = %v", f.recorder.reconciled)
	}
}

func TestTopicLocks_ReleasesEntries(t *testing.T) {
	locks := NewTopicLocks()

	unlockA := locks.Lock("a")
	unlockB := locks.Lock("b")
	if locks.size() != 2 {
		t.Fatalf("size = %d, want 2", locks.size())
	}
	unlockA()
	unlockB()
	if locks.size() != 0 {
		t.Errorf("size = %d, 解放後は0であるべき", locks.size())
	}
}

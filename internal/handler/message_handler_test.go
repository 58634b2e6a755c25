package handler

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/hitoshi/pushbox/internal/model"
)

func sampleMessage(id string, read bool) *model.StoredMessage {
	return &model.StoredMessage{
		ID:         id,
		TopicID:    "topic-1",
		MessageID:  "srv-" + id,
		Time:       time.Unix(100, 0).UTC(),
		Title:      "タイトル",
		Body:       "本文",
		Priority:   model.PriorityDefault,
		IsRead:     read,
		ReceivedAt: time.Unix(101, 0).UTC(),
	}
}

func TestMessageHandler_ListMessages_ParsesQuery(t *testing.T) {
	d := newTestDeps()
	var gotFilter model.MessageFilter
	var gotLimit int
	d.messages.listFn = func(ctx context.Context, topicID string, filter model.MessageFilter, limit int) ([]*model.StoredMessage, error) {
		if topicID != "topic-1" {
			t.Errorf("topicID = %q, want topic-1", topicID)
		}
		gotFilter, gotLimit = filter, limit
		return []*model.StoredMessage{sampleMessage("m1", false)}, nil
	}
	h := NewRouter(d.router())

	w := doRequest(t, h, http.MethodGet, "/api/topics/topic-1/messages?filter=unread&limit=20", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if gotFilter != model.MessageFilterUnread || gotLimit != 20 {
		t.Errorf("filter=%q limit=%d, want unread/20", gotFilter, gotLimit)
	}
	got := decodeBody[[]messageResponse](t, w)
	if len(got) != 1 || got[0].MessageID != "srv-m1" || got[0].Message != "本文" {
		t.Errorf("unexpected response: %+v", got)
	}
}

func TestMessageHandler_ListMessages_InvalidLimitUsesDefault(t *testing.T) {
	d := newTestDeps()
	gotLimit := -1
	d.messages.listFn = func(ctx context.Context, topicID string, filter model.MessageFilter, limit int) ([]*model.StoredMessage, error) {
		gotLimit = limit
		return nil, nil
	}
	h := NewRouter(d.router())

	doRequest(t, h, http.MethodGet, "/api/topics/topic-1/messages?limit=abc", nil)

	if gotLimit != 0 {
		t.Errorf("limit = %d, want 0", gotLimit)
	}
}

func TestMessageHandler_ListMessages_InvalidFilter(t *testing.T) {
	d := newTestDeps()
	d.messages.listFn = func(ctx context.Context, topicID string, filter model.MessageFilter, limit int) ([]*model.StoredMessage, error) {
		return nil, model.NewInvalidFilterError(string(filter))
	}
	h := NewRouter(d.router())

	if w := doRequest(t, h, http.MethodGet, "/api/topics/topic-1/messages?filter=starred", nil); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestMessageHandler_GetMessage_NotFound(t *testing.T) {
	h := NewRouter(newTestDeps().router())

	if w := doRequest(t, h, http.MethodGet, "/api/messages/missing", nil); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestMessageHandler_UpdateMessageState(t *testing.T) {
	d := newTestDeps()
	read := false
	d.messages.markReadFn = func(ctx context.Context, id string, r bool) error {
		read = r
		return nil
	}
	d.messages.getFn = func(ctx context.Context, id string) (*model.StoredMessage, error) {
		return sampleMessage(id, read), nil
	}
	h := NewRouter(d.router())

	w := doRequest(t, h, http.MethodPut, "/api/messages/m1/state", map[string]any{"is_read": true})

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := decodeBody[messageResponse](t, w); !got.IsRead {
		t.Error("is_read = false, want true")
	}
}

func TestMessageHandler_UpdateMessageState_RequiresIsRead(t *testing.T) {
	d := newTestDeps()
	called := false
	d.messages.markReadFn = func(ctx context.Context, id string, r bool) error {
		called = true
		return nil
	}
	h := NewRouter(d.router())

	w := doRequest(t, h, http.MethodPut, "/api/messages/m1/state", map[string]any{})

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if called {
		t.Error("is_read未指定ではMarkReadを呼んではならない")
	}
}

func TestMessageHandler_DeleteMessage(t *testing.T) {
	d := newTestDeps()
	var deleted string
	d.messages.deleteFn = func(ctx context.Context, id string) error {
		deleted = id
		return nil
	}
	h := NewRouter(d.router())

	w := doRequest(t, h, http.MethodDelete, "/api/messages/m1", nil)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	if deleted != "m1" {
		t.Errorf("deleted = %q, want m1", deleted)
	}
}

func TestMessageHandler_DeleteAllMessages(t *testing.T) {
	d := newTestDeps()
	d.messages.deleteAllFn = func(ctx context.Context, topicID string) (int64, error) {
		return 4, nil
	}
	h := NewRouter(d.router())

	w := doRequest(t, h, http.MethodDelete, "/api/topics/topic-1/messages", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := decodeBody[map[string]int64](t, w); got["deleted"] != 4 {
		t.Errorf("deleted = %d, want 4", got["deleted"])
	}
}

func TestMessageHandler_MarkAllRead(t *testing.T) {
	d := newTestDeps()
	d.messages.markAllReadFn = func(ctx context.Context, topicID string) (int64, error) {
		return 3, nil
	}
	h := NewRouter(d.router())

	w := doRequest(t, h, http.MethodPut, "/api/topics/topic-1/read", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := decodeBody[map[string]int64](t, w); got["updated"] != 3 {
		t.Errorf("updated = %d, want 3", got["updated"])
	}
}

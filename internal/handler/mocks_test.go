package handler

import (
	"context"
	"io"
	"log/slog"

	"github.com/hitoshi/pushbox/internal/icon"
	"github.com/hitoshi/pushbox/internal/message"
	"github.com/hitoshi/pushbox/internal/model"
	"github.com/hitoshi/pushbox/internal/topic"
	"github.com/hitoshi/pushbox/internal/transport"
)

// --- モック定義 ---

type mockEngine struct {
	addTopicFn         func(ctx context.Context, serverURL, name string, requiresAuth bool) (*model.Topic, error)
	unsubscribeTopicFn func(ctx context.Context, topicID string) error
	catchUpFn          func(ctx context.Context, topicID string) (*message.BatchResult, error)
	resumeFn           func(ctx context.Context) error
}

func (m *mockEngine) AddTopic(ctx context.Context, serverURL, name string, requiresAuth bool) (*model.Topic, error) {
	if m.addTopicFn != nil {
		return m.addTopicFn(ctx, serverURL, name, requiresAuth)
	}
	return nil, nil
}

func (m *mockEngine) UnsubscribeTopic(ctx context.Context, topicID string) error {
	if m.unsubscribeTopicFn != nil {
		return m.unsubscribeTopicFn(ctx, topicID)
	}
	return nil
}

func (m *mockEngine) CatchUp(ctx context.Context, topicID string) (*message.BatchResult, error) {
	if m.catchUpFn != nil {
		return m.catchUpFn(ctx, topicID)
	}
	return &message.BatchResult{}, nil
}

func (m *mockEngine) Resume(ctx context.Context) error {
	if m.resumeFn != nil {
		return m.resumeFn(ctx)
	}
	return nil
}

type mockTopics struct {
	listFn   func(ctx context.Context) ([]topic.Summary, error)
	getFn    func(ctx context.Context, id string) (*topic.Summary, error)
	updateFn func(ctx context.Context, id string, patch topic.Patch) (*model.Topic, error)
}

func (m *mockTopics) List(ctx context.Context) ([]topic.Summary, error) {
	if m.listFn != nil {
		return m.listFn(ctx)
	}
	return nil, nil
}

func (m *mockTopics) Get(ctx context.Context, id string) (*topic.Summary, error) {
	if m.getFn != nil {
		return m.getFn(ctx, id)
	}
	return nil, model.NewTopicNotFoundError(id)
}

func (m *mockTopics) Update(ctx context.Context, id string, patch topic.Patch) (*model.Topic, error) {
	if m.updateFn != nil {
		return m.updateFn(ctx, id, patch)
	}
	return nil, nil
}

type mockMessages struct {
	listFn        func(ctx context.Context, topicID string, filter model.MessageFilter, limit int) ([]*model.StoredMessage, error)
	getFn         func(ctx context.Context, id string) (*model.StoredMessage, error)
	markReadFn    func(ctx context.Context, id string, read bool) error
	markAllReadFn func(ctx context.Context, topicID string) (int64, error)
	deleteFn      func(ctx context.Context, id string) error
	deleteAllFn   func(ctx context.Context, topicID string) (int64, error)
}

func (m *mockMessages) List(ctx context.Context, topicID string, filter model.MessageFilter, limit int) ([]*model.StoredMessage, error) {
	if m.listFn != nil {
		return m.listFn(ctx, topicID, filter, limit)
	}
	return nil, nil
}

func (m *mockMessages) Get(ctx context.Context, id string) (*model.StoredMessage, error) {
	if m.getFn != nil {
		return m.getFn(ctx, id)
	}
	return nil, model.NewMessageNotFoundError(id)
}

func (m *mockMessages) MarkRead(ctx context.Context, id string, read bool) error {
	if m.markReadFn != nil {
		return m.markReadFn(ctx, id, read)
	}
	return nil
}

func (m *mockMessages) MarkAllRead(ctx context.Context, topicID string) (int64, error) {
	if m.markAllReadFn != nil {
		return m.markAllReadFn(ctx, topicID)
	}
	return 0, nil
}

func (m *mockMessages) Delete(ctx context.Context, id string) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, id)
	}
	return nil
}

func (m *mockMessages) DeleteAll(ctx context.Context, topicID string) (int64, error) {
	if m.deleteAllFn != nil {
		return m.deleteAllFn(ctx, topicID)
	}
	return 0, nil
}

type mockServers struct {
	addFn        func(ctx context.Context, rawURL, name string, cred *model.Credential) (*model.Server, error)
	listFn       func(ctx context.Context) ([]*model.Server, error)
	setDefaultFn func(ctx context.Context, id string) error
	removeFn     func(ctx context.Context, id string) error
	resolveFn    func(ctx context.Context, rawURL string) (string, error)
	credentialFn func(serverURL string) (*model.Credential, error)
}

func (m *mockServers) Add(ctx context.Context, rawURL, name string, cred *model.Credential) (*model.Server, error) {
	if m.addFn != nil {
		return m.addFn(ctx, rawURL, name, cred)
	}
	return nil, nil
}

func (m *mockServers) List(ctx context.Context) ([]*model.Server, error) {
	if m.listFn != nil {
		return m.listFn(ctx)
	}
	return nil, nil
}

func (m *mockServers) SetDefault(ctx context.Context, id string) error {
	if m.setDefaultFn != nil {
		return m.setDefaultFn(ctx, id)
	}
	return nil
}

func (m *mockServers) Remove(ctx context.Context, id string) error {
	if m.removeFn != nil {
		return m.removeFn(ctx, id)
	}
	return nil
}

func (m *mockServers) ResolveURL(ctx context.Context, rawURL string) (string, error) {
	if m.resolveFn != nil {
		return m.resolveFn(ctx, rawURL)
	}
	if rawURL == "" {
		return "https://ntfy.sh", nil
	}
	return model.NormalizeServerURL(rawURL), nil
}

func (m *mockServers) Credential(serverURL string) (*model.Credential, error) {
	if m.credentialFn != nil {
		return m.credentialFn(serverURL)
	}
	return nil, nil
}

type mockProbe struct {
	checkHealthFn func(ctx context.Context, serverURL string) (bool, error)
	testAuthFn    func(ctx context.Context, serverURL, topic string, cred *model.Credential) (bool, error)
}

func (m *mockProbe) CheckHealth(ctx context.Context, serverURL string) (bool, error) {
	if m.checkHealthFn != nil {
		return m.checkHealthFn(ctx, serverURL)
	}
	return true, nil
}

func (m *mockProbe) TestAuth(ctx context.Context, serverURL, topic string, cred *model.Credential) (bool, error) {
	if m.testAuthFn != nil {
		return m.testAuthFn(ctx, serverURL, topic, cred)
	}
	return true, nil
}

type mockPublisher struct {
	publishFn func(ctx context.Context, serverURL, topic string, p transport.PublishRequest, cred *model.Credential) error
}

func (m *mockPublisher) Publish(ctx context.Context, serverURL, topic string, p transport.PublishRequest, cred *model.Credential) error {
	if m.publishFn != nil {
		return m.publishFn(ctx, serverURL, topic, p, cred)
	}
	return nil
}

type mockIcons struct {
	getFn func(ctx context.Context, rawURL string) (*icon.Icon, error)
}

func (m *mockIcons) Get(ctx context.Context, rawURL string) (*icon.Icon, error) {
	if m.getFn != nil {
		return m.getFn(ctx, rawURL)
	}
	return nil, icon.ErrNotImage
}

// testDeps は全モックを差し込んだRouterDepsを返す。
type testDeps struct {
	engine    *mockEngine
	topics    *mockTopics
	messages  *mockMessages
	servers   *mockServers
	probe     *mockProbe
	publisher *mockPublisher
	icons     *mockIcons
}

func newTestDeps() *testDeps {
	return &testDeps{
		engine:    &mockEngine{},
		topics:    &mockTopics{},
		messages:  &mockMessages{},
		servers:   &mockServers{},
		probe:     &mockProbe{},
		publisher: &mockPublisher{},
		icons:     &mockIcons{},
	}
}

func (d *testDeps) router() *RouterDeps {
	return &RouterDeps{
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Engine:    d.engine,
		Topics:    d.topics,
		Messages:  d.messages,
		Servers:   d.servers,
		Probe:     d.probe,
		Publisher: d.publisher,
		Icons:     d.icons,
	}
}

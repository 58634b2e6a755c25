// Package subscription は (serverURL, topic) ごとに1本のライブストリームを管理する。
package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/hitoshi/pushbox/internal/model"
)

// StreamHandle はキャンセル可能なストリームのハンドル。
type StreamHandle interface {
	// Messages は受信メッセージのチャネルを返す。ストリーム終了時に閉じられる。
	Messages() <-chan model.Message
	// Connected はサーバーが接続を受け入れた時点で閉じられるチャネルを返す。
	Connected() <-chan struct{}
	// Cancel は読み取りを止めて接続を解放する。
	Cancel()
}

// Opener はストリームを開くインターフェース。
type Opener interface {
	OpenStream(ctx context.Context, serverURL, topic string, cred *model.Credential) (StreamHandle, error)
}

// OpenerFunc は関数をOpenerとして扱うアダプタ。
type OpenerFunc func(ctx context.Context, serverURL, topic string, cred *model.Credential) (StreamHandle, error)

// OpenStream はOpenerを実装する。
func (f OpenerFunc) OpenStream(ctx context.Context, serverURL, topic string, cred *model.Credential) (StreamHandle, error) {
	return f(ctx, serverURL, topic, cred)
}

// Handler はストリームから受信したメッセージを処理する。
// 1つのキーに対して同時に呼ばれるのは高々1つのHandlerのみ。
type Handler func(key model.TopicKey, msg model.Message)

// State はキーごとのストリーム状態。
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateStreaming  State = "streaming"
)

type entry struct {
	key      model.TopicKey
	handle   StreamHandle
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// halt はハンドラへの配送を止め、ストリームをキャンセルする。
func (e *entry) halt() {
	e.stopOnce.Do(func() {
		close(e.stop)
		e.handle.Cancel()
	})
}

// Manager は (serverURL, topic) ごとに高々1本のストリームを保持する。
// ストリームが失敗しても内部で再接続はしない。再購読は呼び出し側の責務。
type Manager struct {
	opener  Opener
	logger  *slog.Logger
	baseCtx context.Context

	mu      sync.Mutex
	entries map[model.TopicKey]*entry
}

// NewManager はManagerを生成する。
// ストリームの寿命は呼び出し元のリクエストではなくManagerに紐づく。
func NewManager(opener Opener, logger *slog.Logger) *Manager {
	return &Manager{
		opener:  opener,
		logger:  logger,
		baseCtx: context.Background(),
		entries: make(map[model.TopicKey]*entry),
	}
}

func newKey(serverURL, topic string) model.TopicKey {
	return model.TopicKey{ServerURL: model.NormalizeServerURL(serverURL), Topic: topic}
}

// Subscribe は (serverURL, topic) のストリームを開始する。
// 既存のストリームがある場合は先にキャンセルし、その消費goroutineの終了を待ってから新しいストリームを開く。
// 旧ストリームのフレームが新しいhandlerと並行して処理されることはない。
// handlerの中からManagerのメソッドを呼んではならない。
func (m *Manager) Subscribe(serverURL, topic string, cred *model.Credential, handler Handler) error {
	key := newKey(serverURL, topic)

	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.entries[key]; ok {
		m.logger.Debug("既存のストリームを置き換えます",
			slog.String("server_url", key.ServerURL),
			slog.String("topic", key.Topic),
		)
		old.halt()
		<-old.done
		delete(m.entries, key)
	}

	handle, err := m.opener.OpenStream(m.baseCtx, key.ServerURL, key.Topic, cred)
	if err != nil {
		return fmt.Errorf("ストリームの開始に失敗しました: %w", err)
	}

	e := &entry{
		key:    key,
		handle: handle,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	m.entries[key] = e
	go m.consume(e, handler)

	m.logger.Info("ストリームを購読しました",
		slog.String("server_url", key.ServerURL),
		slog.String("topic", key.Topic),
	)
	return nil
}

// consume はストリームのメッセージを1件ずつhandlerに渡す。
// 停止後に受信したフレームは配送しない。
func (m *Manager) consume(e *entry, handler Handler) {
	ended := false
	defer func() {
		close(e.done)
		if ended {
			// サーバー側の終了やエラー。ハンドルを解放してIdleに戻す。
			e.handle.Cancel()
			m.mu.Lock()
			if m.entries[e.key] == e {
				delete(m.entries, e.key)
			}
			m.mu.Unlock()
		}
	}()

	for {
		select {
		case <-e.stop:
			return
		case msg, ok := <-e.handle.Messages():
			if !ok {
				ended = true
				return
			}
			select {
			case <-e.stop:
				return
			default:
			}
			handler(e.key, msg)
		}
	}
}

// Unsubscribe は (serverURL, topic) のストリームをキャンセルして破棄する。存在しない場合は何もしない。
func (m *Manager) Unsubscribe(serverURL, topic string) {
	key := newKey(serverURL, topic)

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return
	}
	e.halt()
	<-e.done
	delete(m.entries, key)

	m.logger.Info("ストリームの購読を解除しました",
		slog.String("server_url", key.ServerURL),
		slog.String("topic", key.Topic),
	)
}

// UnsubscribeAll はすべてのストリームをキャンセルする。
func (m *Manager) UnsubscribeAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.entries {
		e.halt()
	}
	for key, e := range m.entries {
		<-e.done
		delete(m.entries, key)
	}

	m.logger.Info("すべてのストリームの購読を解除しました")
}

// State は (serverURL, topic) のストリーム状態を返す。
func (m *Manager) State(serverURL, topic string) State {
	key := newKey(serverURL, topic)

	m.mu.Lock()
	e, ok := m.entries[key]
	m.mu.Unlock()

	if !ok {
		return StateIdle
	}
	select {
	case <-e.done:
		return StateIdle
	default:
	}
	select {
	case <-e.handle.Connected():
		return StateStreaming
	default:
		return StateConnecting
	}
}

// Active は現在保持しているストリームのキーをソートして返す。
func (m *Manager) Active() []model.TopicKey {
	m.mu.Lock()
	keys := make([]model.TopicKey, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
	return keys
}

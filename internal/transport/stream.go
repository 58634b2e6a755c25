package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/hitoshi/pushbox/internal/model"
)

// ストリームの終了理由。
const (
	EndCanceled = "canceled"
	EndError    = "error"
	EndEOF      = "eof"
)

// sseDataPrefix はSSEのデータ行のプレフィックス。
const sseDataPrefix = "data:"

// Stream は1本の長寿命ストリームのハンドル。
// 受信したmessageイベントをMessages()のチャネルに1件ずつ流し、終了時にチャネルを閉じる。
// Cancelで読み取りを即座に止め、下層の接続を解放する。
type Stream struct {
	key       model.TopicKey
	messages  chan model.Message
	connected chan struct{}
	done      chan struct{}
	cancel    context.CancelFunc

	connectOnce sync.Once
	err         error
	reason      string
}

func newStream(parent context.Context, key model.TopicKey) (*Stream, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	return &Stream{
		key:       key,
		messages:  make(chan model.Message),
		connected: make(chan struct{}),
		done:      make(chan struct{}),
		cancel:    cancel,
	}, ctx
}

// Key はストリームの (serverURL, topic) を返す。
func (s *Stream) Key() model.TopicKey { return s.key }

// Messages は受信メッセージのチャネルを返す。ストリーム終了時に閉じられる。
func (s *Stream) Messages() <-chan model.Message { return s.messages }

// Connected はサーバーが接続を受け入れた時点で閉じられるチャネルを返す。
func (s *Stream) Connected() <-chan struct{} { return s.connected }

// Done はストリーム終了時に閉じられるチャネルを返す。
func (s *Stream) Done() <-chan struct{} { return s.done }

// Cancel はストリームを停止する。複数回呼んでも安全。
func (s *Stream) Cancel() { s.cancel() }

// Err はキャンセル以外の原因で終了した場合のエラーを返す。Done後にのみ有効。
func (s *Stream) Err() error {
	<-s.done
	return s.err
}

// EndReason は終了理由（canceled / error / eof）を返す。Done後にのみ有効。
func (s *Stream) EndReason() string {
	<-s.done
	return s.reason
}

func (s *Stream) markConnected() {
	s.connectOnce.Do(func() { close(s.connected) })
}

// deliver はメッセージを消費側に渡す。キャンセルされた場合はfalseを返す。
func (s *Stream) deliver(ctx context.Context, msg model.Message) bool {
	select {
	case s.messages <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// settle は終了理由を確定する。チャネルはcloseで閉じる。
func (s *Stream) settle(ctx context.Context, err error) {
	switch {
	case ctx.Err() != nil || model.IsCanceled(err):
		s.reason = EndCanceled
	case err != nil:
		s.reason = EndError
		s.err = err
	default:
		s.reason = EndEOF
	}
	s.cancel()
}

func (s *Stream) close() {
	close(s.messages)
	close(s.done)
}

// OpenStream は (serverURL, topic) のストリームを開始する。
// 接続はバックグラウンドで行い、URLが不正な場合のみ同期的にエラーを返す。
// 内部での自動再接続は行わない。
func (c *Client) OpenStream(ctx context.Context, serverURL, topic string, cred *model.Credential) (*Stream, error) {
	suffix := "sse"
	if c.protocol == ProtocolWebSocket {
		suffix = "ws"
	}
	endpoint, err := topicURL(serverURL, topic, suffix)
	if err != nil {
		return nil, err
	}

	key := model.TopicKey{ServerURL: model.NormalizeServerURL(serverURL), Topic: topic}
	s, streamCtx := newStream(ctx, key)

	run := c.runSSE
	if c.protocol == ProtocolWebSocket {
		run = c.runWebSocket
	}

	c.metrics.StreamStarted()
	go func() {
		err := run(streamCtx, s, endpoint, cred)
		s.settle(streamCtx, err)
		defer s.close()
		c.metrics.StreamEnded(s.reason)

		switch s.reason {
		case EndError:
			c.logger.Warn("ストリームがエラーで終了しました",
				slog.String("server_url", key.ServerURL),
				slog.String("topic", key.Topic),
				slog.String("error", err.Error()),
			)
		case EndEOF:
			c.logger.Info("ストリームがサーバーにより閉じられました",
				slog.String("server_url", key.ServerURL),
				slog.String("topic", key.Topic),
			)
		default:
			c.logger.Debug("ストリームを停止しました",
				slog.String("server_url", key.ServerURL),
				slog.String("topic", key.Topic),
			)
		}
	}()

	return s, nil
}

// runSSE は {serverURL}/{topic}/sse を読み取り、data行をデコードして配送する。
func (c *Client) runSSE(ctx context.Context, s *Stream, endpoint string, cred *model.Credential) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil, cred)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return model.NewTransportError(model.ErrKindNetwork, 0, err)
	}
	defer resp.Body.Close()

	if err := model.ErrorFromStatus(resp.StatusCode); err != nil {
		return err
	}
	s.markConnected()

	lines := newLineReader(resp.Body)
	for {
		raw, oversized, err := lines.next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return model.NewTransportError(model.ErrKindNetwork, 0, err)
		}
		if oversized {
			c.logger.Warn("上限を超えるストリームのフレームを破棄しました",
				slog.String("topic", s.key.Topic),
				slog.Int("max_line_size", maxLineSize),
			)
			continue
		}

		line := string(raw)
		if !strings.HasPrefix(line, sseDataPrefix) {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, sseDataPrefix))
		msg, ok := decodeMessage([]byte(payload))
		if !ok {
			continue
		}
		if !s.deliver(ctx, msg) {
			return ctx.Err()
		}
	}
}

// runWebSocket は {serverURL}/{topic}/ws に接続し、JSONフレームをデコードして配送する。
func (c *Client) runWebSocket(ctx context.Context, s *Stream, endpoint string, cred *model.Credential) error {
	wsURL := toWebSocketURL(endpoint)

	header := http.Header{}
	header.Set("User-Agent", userAgent)
	if auth := AuthorizationHeader(cred); auth != "" {
		header.Set("Authorization", auth)
	}

	conn, resp, err := c.wsDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			if statusErr := model.ErrorFromStatus(resp.StatusCode); statusErr != nil {
				return statusErr
			}
		}
		return model.NewTransportError(model.ErrKindNetwork, 0, err)
	}
	defer conn.Close()
	s.markConnected()

	// キャンセル時に接続を閉じてReadMessageのブロックを解除する。
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return model.NewTransportError(model.ErrKindNetwork, 0, err)
		}
		msg, ok := decodeMessage(data)
		if !ok {
			continue
		}
		if !s.deliver(ctx, msg) {
			return ctx.Err()
		}
	}
}

// toWebSocketURL はhttp(s)のURLをws(s)に置き換える。
func toWebSocketURL(endpoint string) string {
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		return "wss://" + strings.TrimPrefix(endpoint, "https://")
	case strings.HasPrefix(endpoint, "http://"):
		return "ws://" + strings.TrimPrefix(endpoint, "http://")
	default:
		return endpoint
	}
}

// Package transport はサーバーとのHTTP通信を提供する。
// キャッチアップ取得・投稿・ヘルスチェック・認証確認のワンショット呼び出しと、
// SSE/WebSocketによる長寿命ストリームを含む。
package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hitoshi/pushbox/internal/model"
)

const (
	// userAgent はすべてのリクエストに付与するUser-Agent。
	userAgent = "pushbox/1.0"
	// maxLineSize はNDJSON/SSEの1行あたりの最大サイズ。
	maxLineSize = 1 << 20
)

// MetricsRecorder は通信のメトリクス記録のインターフェース。
type MetricsRecorder interface {
	ObserveFetchLatency(d time.Duration)
	IncFetchFailure(kind string)
	StreamStarted()
	StreamEnded(reason string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveFetchLatency(time.Duration) {}
func (nopRecorder) IncFetchFailure(string)            {}
func (nopRecorder) StreamStarted()                    {}
func (nopRecorder) StreamEnded(string)                {}

// Protocol はストリームの通信方式。
type Protocol string

const (
	ProtocolSSE       Protocol = "sse"
	ProtocolWebSocket Protocol = "ws"
)

// PublishRequest は投稿内容を表す。
type PublishRequest struct {
	Body     string
	Title    string
	Priority int // 0はデフォルト扱い
	Tags     []string
	Click    string
	Attach   string
	Icon     string
}

// Client はサーバーとの通信クライアント。
// ワンショット呼び出しには有限のタイムアウト、ストリームにはタイムアウトなしのクライアントを使う。
type Client struct {
	httpClient   *http.Client
	streamClient *http.Client
	wsDialer     *websocket.Dialer
	protocol     Protocol
	logger       *slog.Logger
	metrics      MetricsRecorder
}

// NewClient はClientを生成する。
// requestTimeoutはレスポンスヘッダ受信までの上限、resourceTimeoutはリクエスト全体の上限。
// metricsがnilの場合は記録しない。
func NewClient(logger *slog.Logger, metrics MetricsRecorder, protocol Protocol, requestTimeout, resourceTimeout time.Duration) *Client {
	if metrics == nil {
		metrics = nopRecorder{}
	}
	if protocol != ProtocolWebSocket {
		protocol = ProtocolSSE
	}

	oneShot := http.DefaultTransport.(*http.Transport).Clone()
	oneShot.ResponseHeaderTimeout = requestTimeout
	oneShot.DialContext = (&net.Dialer{Timeout: requestTimeout, KeepAlive: 30 * time.Second}).DialContext

	return &Client{
		httpClient: &http.Client{
			Transport: oneShot,
			Timeout:   resourceTimeout,
		},
		// ストリームはサーバーのkeepaliveを前提に読み取りタイムアウトを設けない。
		streamClient: &http.Client{
			Transport: http.DefaultTransport.(*http.Transport).Clone(),
		},
		wsDialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: requestTimeout,
		},
		protocol: protocol,
		logger:   logger,
		metrics:  metrics,
	}
}

// FetchMessages は {serverURL}/{topic}/json?poll=1&since={since} からキャッチアップ取得する。
// NDJSONの各行を独立にデコードし、デコードできない行は捨てる。
// "message" イベントのみを送信時刻の降順で返す。
func (c *Client) FetchMessages(ctx context.Context, serverURL, topic string, since time.Duration, cred *model.Credential) ([]model.Message, error) {
	endpoint, err := topicURL(serverURL, topic, "json")
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("poll", "1")
	q.Set("since", formatSince(since))
	endpoint += "?" + q.Encode()

	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil, cred)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.fetchFailed(serverURL, topic, model.NewTransportError(model.ErrKindNetwork, 0, err))
	}
	defer resp.Body.Close()

	if err := model.ErrorFromStatus(resp.StatusCode); err != nil {
		return nil, c.fetchFailed(serverURL, topic, err)
	}

	messages, err := decodeNDJSON(resp.Body)
	c.metrics.ObserveFetchLatency(time.Since(start))
	if err != nil {
		return nil, c.fetchFailed(serverURL, topic, model.NewTransportError(model.ErrKindNetwork, 0, err))
	}

	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Time > messages[j].Time
	})

	c.logger.Debug("キャッチアップ取得が完了しました",
		slog.String("server_url", serverURL),
		slog.String("topic", topic),
		slog.Int("messages_count", len(messages)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return messages, nil
}

// fetchFailed はエラーを記録して返す。キャンセルは失敗として扱わない。
func (c *Client) fetchFailed(serverURL, topic string, err error) error {
	if model.IsCanceled(err) {
		return err
	}
	c.metrics.IncFetchFailure(string(model.ErrorKindOf(err)))
	c.logger.Warn("キャッチアップ取得に失敗しました",
		slog.String("server_url", serverURL),
		slog.String("topic", topic),
		slog.String("error", err.Error()),
	)
	return err
}

// Publish は {serverURL}/{topic} にメッセージを投稿する。
// Priorityヘッダはデフォルト以外の場合のみ送る。
func (c *Client) Publish(ctx context.Context, serverURL, topic string, p PublishRequest, cred *model.Credential) error {
	endpoint, err := topicURL(serverURL, topic, "")
	if err != nil {
		return err
	}

	req, err := c.newRequest(ctx, http.MethodPost, endpoint, strings.NewReader(p.Body), cred)
	if err != nil {
		return err
	}
	setIfNotEmpty(req.Header, "Title", p.Title)
	if p.Priority != 0 && model.NormalizePriority(p.Priority) != model.PriorityDefault {
		req.Header.Set("Priority", strconv.Itoa(model.NormalizePriority(p.Priority)))
	}
	if len(p.Tags) > 0 {
		req.Header.Set("Tags", strings.Join(p.Tags, ","))
	}
	setIfNotEmpty(req.Header, "Click", p.Click)
	setIfNotEmpty(req.Header, "Attach", p.Attach)
	setIfNotEmpty(req.Header, "Icon", p.Icon)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return model.NewTransportError(model.ErrKindNetwork, 0, err)
	}
	defer resp.Body.Close()

	return publishError(resp.StatusCode)
}

// publishError は投稿レスポンスのステータスを分類する。
// 401/403以外の2xx以外はすべてServerErrorとして扱う。
func publishError(statusCode int) error {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return nil
	case statusCode == http.StatusUnauthorized:
		return model.NewTransportError(model.ErrKindUnauthorized, statusCode, nil)
	case statusCode == http.StatusForbidden:
		return model.NewTransportError(model.ErrKindForbidden, statusCode, nil)
	default:
		return model.NewTransportError(model.ErrKindServerError, statusCode, nil)
	}
}

// CheckHealth は {serverURL}/v1/health が200を返すかを確認する。
func (c *Client) CheckHealth(ctx context.Context, serverURL string) (bool, error) {
	base, err := normalizeBase(serverURL)
	if err != nil {
		return false, err
	}

	req, err := c.newRequest(ctx, http.MethodGet, base+"/v1/health", nil, nil)
	if err != nil {
		return false, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, model.NewTransportError(model.ErrKindNetwork, 0, err)
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK, nil
}

// TestAuth は {serverURL}/{topic}/auth が認証情報を受け入れるかを確認する。
// 401/403は「受け入れられない」としてfalseを返し、それ以外の失敗はエラーを返す。
func (c *Client) TestAuth(ctx context.Context, serverURL, topic string, cred *model.Credential) (bool, error) {
	endpoint, err := topicURL(serverURL, topic, "auth")
	if err != nil {
		return false, err
	}

	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil, cred)
	if err != nil {
		return false, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, model.NewTransportError(model.ErrKindNetwork, 0, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return false, nil
	default:
		return false, model.ErrorFromStatus(resp.StatusCode)
	}
}

// AuthorizationHeader は認証情報からAuthorizationヘッダ値を組み立てる。
// トークンがあればBearer、なければユーザー名があればBasic、どちらもなければ空文字。
func AuthorizationHeader(cred *model.Credential) string {
	switch {
	case cred.HasToken():
		return "Bearer " + cred.Token
	case cred.HasBasic():
		return "Basic " + base64.StdEncoding.EncodeToString([]byte(cred.Username+":"+cred.Password))
	default:
		return ""
	}
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader, cred *model.Credential) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, model.NewTransportError(model.ErrKindInvalidURL, 0, err)
	}
	req.Header.Set("User-Agent", userAgent)
	if auth := AuthorizationHeader(cred); auth != "" {
		req.Header.Set("Authorization", auth)
	}
	return req, nil
}

// normalizeBase はサーバーURLを検証し、末尾スラッシュを除去して返す。
func normalizeBase(serverURL string) (string, error) {
	base := model.NormalizeServerURL(serverURL)
	u, err := url.Parse(base)
	if err != nil {
		return "", model.NewTransportError(model.ErrKindInvalidURL, 0, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", model.NewTransportError(model.ErrKindInvalidURL, 0,
			fmt.Errorf("http または https の絶対URLが必要です: %q", serverURL))
	}
	return base, nil
}

// topicURL は {serverURL}/{topic}[/{suffix}] を組み立てる。
func topicURL(serverURL, topic, suffix string) (string, error) {
	base, err := normalizeBase(serverURL)
	if err != nil {
		return "", err
	}
	if !model.IsValidTopicName(topic) {
		return "", model.NewTransportError(model.ErrKindInvalidURL, 0,
			fmt.Errorf("無効なトピック名です: %q", topic))
	}
	endpoint := base + "/" + topic
	if suffix != "" {
		endpoint += "/" + suffix
	}
	return endpoint, nil
}

// formatSince はsinceパラメータを秒単位の期間表記（例: "259200s"）にする。
func formatSince(d time.Duration) string {
	secs := int64(d / time.Second)
	if secs <= 0 {
		return "all"
	}
	return strconv.FormatInt(secs, 10) + "s"
}

func setIfNotEmpty(h http.Header, key, value string) {
	if value != "" {
		h.Set(key, value)
	}
}

// decodeNDJSON はNDJSONを1行ずつデコードする。
// デコードに失敗した行、上限を超える行、message以外のイベントは捨てて後続の行を読み続ける。
// 読み取り自体の失敗のみエラーを返す。
func decodeNDJSON(r io.Reader) ([]model.Message, error) {
	lines := newLineReader(r)

	var messages []model.Message
	for {
		line, oversized, err := lines.next()
		if errors.Is(err, io.EOF) {
			return messages, nil
		}
		if err != nil {
			return nil, err
		}
		if oversized {
			continue
		}
		if msg, ok := decodeMessage(line); ok {
			messages = append(messages, msg)
		}
	}
}

// decodeMessage は1件のJSONをデコードし、保存対象のmessageイベントの場合のみokを返す。
func decodeMessage(line []byte) (model.Message, bool) {
	var msg model.Message
	if len(strings.TrimSpace(string(line))) == 0 {
		return msg, false
	}
	if err := json.Unmarshal(line, &msg); err != nil {
		return msg, false
	}
	if !msg.IsMessageEvent() || msg.ID == "" {
		return msg, false
	}
	return msg, true
}

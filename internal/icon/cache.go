// Package icon はメッセージやトピックに付くアイコン画像を取得してメモリにキャッシュする。
// アイコンURLはメッセージ本文由来で信頼できないため、SSRF防止付きのクライアントで取得する。
package icon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/pushbox/internal/security"
)

const (
	// failureTTL は取得失敗を覚えておく期間。
	failureTTL = 5 * time.Minute
	// maxEntries はキャッシュするURLの上限。
	maxEntries = 256
	userAgent  = "pushbox/1.0"
)

var (
	ErrBlocked  = errors.New("アイコンURLが許可されていません")
	ErrNotImage = errors.New("アイコンが画像ではありません")
	ErrTooLarge = errors.New("アイコンのサイズが上限を超えています")
)

// Icon は取得済みのアイコン画像。
type Icon struct {
	Data        []byte
	ContentType string
}

type entry struct {
	ready   chan struct{}
	icon    *Icon
	err     error
	expires time.Time // 失敗時のみ設定する
}

// Cache はURLごとにアイコンを1回だけ取得して保持する。
// 同じURLへの同時要求は1回の取得を共有する。
type Cache struct {
	client   *http.Client
	maxSize  int64
	logger   *slog.Logger
	validate func(rawURL string) error
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// NewCache はCacheを生成する。clientにはsecurity.NewSafeClientを渡す。
func NewCache(client *http.Client, maxSize int64, logger *slog.Logger) *Cache {
	return &Cache{
		client:   client,
		maxSize:  maxSize,
		logger:   logger,
		validate: security.ValidateFetchURL,
		now:      time.Now,
		entries:  make(map[string]*entry),
	}
}

// Get はアイコンを返す。未取得なら取得し、失敗もしばらくの間キャッシュする。
func (c *Cache) Get(ctx context.Context, rawURL string) (*Icon, error) {
	if err := c.validate(rawURL); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBlocked, err)
	}

	c.mu.Lock()
	e, ok := c.entries[rawURL]
	if ok && e.isExpired(c.now()) {
		delete(c.entries, rawURL)
		ok = false
	}
	if !ok {
		c.evictIfFull()
		e = &entry{ready: make(chan struct{})}
		c.entries[rawURL] = e
		// 呼び出し元のキャンセルで共有の取得を中断しない
		go c.fill(context.WithoutCancel(ctx), rawURL, e)
	}
	c.mu.Unlock()

	select {
	case <-e.ready:
		return e.icon, e.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *entry) isExpired(now time.Time) bool {
	select {
	case <-e.ready:
		return e.err != nil && now.After(e.expires)
	default:
		return false
	}
}

// evictIfFull は上限に達していれば取得済みのエントリを1件捨てる。c.muを保持して呼ぶ。
func (c *Cache) evictIfFull() {
	if len(c.entries) < maxEntries {
		return
	}
	for k, e := range c.entries {
		select {
		case <-e.ready:
			delete(c.entries, k)
			return
		default:
		}
	}
}

func (c *Cache) fill(ctx context.Context, rawURL string, e *entry) {
	icon, err := c.fetch(ctx, rawURL)

	c.mu.Lock()
	e.icon, e.err = icon, err
	if err != nil {
		e.expires = c.now().Add(failureTTL)
	}
	c.mu.Unlock()
	close(e.ready)

	if err != nil {
		c.logger.Warn("アイコンの取得に失敗しました", slog.String("url", rawURL), slog.String("error", err.Error()))
	}
}

func (c *Cache) fetch(ctx context.Context, rawURL string) (*Icon, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("リクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストに失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTPステータス異常: %d", resp.StatusCode)
	}
	if resp.ContentLength > c.maxSize {
		return nil, ErrTooLarge
	}

	mimeType := extractMimeType(resp.Header.Get("Content-Type"))
	if !strings.HasPrefix(mimeType, "image/") {
		return nil, ErrNotImage
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("レスポンスの読み取りに失敗しました: %w", err)
	}
	if int64(len(body)) > c.maxSize {
		return nil, ErrTooLarge
	}
	return &Icon{Data: body, ContentType: mimeType}, nil
}

// extractMimeType はContent-Typeヘッダからパラメータを除いたMIMEタイプを返す。
func extractMimeType(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	}
	return mediaType
}

package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/hitoshi/pushbox/internal/config"
	"github.com/hitoshi/pushbox/internal/credential"
	"github.com/hitoshi/pushbox/internal/database"
	"github.com/hitoshi/pushbox/internal/handler"
	"github.com/hitoshi/pushbox/internal/icon"
	"github.com/hitoshi/pushbox/internal/logger"
	"github.com/hitoshi/pushbox/internal/message"
	"github.com/hitoshi/pushbox/internal/metrics"
	"github.com/hitoshi/pushbox/internal/middleware"
	"github.com/hitoshi/pushbox/internal/model"
	"github.com/hitoshi/pushbox/internal/notify"
	"github.com/hitoshi/pushbox/internal/repository"
	"github.com/hitoshi/pushbox/internal/security"
	"github.com/hitoshi/pushbox/internal/server"
	"github.com/hitoshi/pushbox/internal/subscription"
	"github.com/hitoshi/pushbox/internal/syncengine"
	"github.com/hitoshi/pushbox/internal/topic"
	"github.com/hitoshi/pushbox/internal/transport"
	"github.com/hitoshi/pushbox/internal/worker/cleanup"
	"github.com/hitoshi/pushbox/internal/worker/refresh"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) *config.Config {
	cfg := config.Load()
	logger.SetupDefault(w, cfg.LogLevel)
	return cfg
}

// Components は起動したプロセスで共有する依存コンポーネント一式。
type Components struct {
	Config   *config.Config
	Logger   *slog.Logger
	Store    repository.Store
	Registry *server.Registry
	Client   *transport.Client

	Metrics  *metrics.Collector
	Gatherer prometheus.Gatherer

	Sink     notify.Sink
	Badge    *notify.Badge
	Streams  *subscription.Manager
	Messages *message.Service
	Topics   *topic.Service
	Engine   *syncengine.Engine
	Icons    *icon.Cache

	closers []func() error
}

// Close は開いたリソースを逆順に解放する。
func (c *Components) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		errs = append(errs, c.closers[i]())
	}
	return errors.Join(errs...)
}

// openStore はDATABASE_URLに応じたストアを開く。SQLの場合はマイグレーションも適用する。
func openStore(cfg *config.Config) (repository.Store, func() error, error) {
	driver, err := database.DriverOf(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if driver == database.DriverMemory {
		return repository.NewMemoryStore(), func() error { return nil }, nil
	}

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return nil, nil, fmt.Errorf("migration failed: %w", err)
	}

	db, _, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established",
		slog.String("driver", driver),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)
	return repository.NewSQLStore(db), db.Close, nil
}

// openCredentials は認証情報ストアを開く。CREDENTIALS_FILEが空の場合はメモリに保持する。
func openCredentials(cfg *config.Config) (credential.Store, error) {
	if cfg.CredentialsFile == "" {
		return credential.NewMemoryStore(), nil
	}
	store, err := credential.NewFileStore(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}
	return store, nil
}

// openRegistry はワンショットのCLIコマンド用にストアとサーバー登録を開く。
func openRegistry(cfg *config.Config, log *slog.Logger) (*server.Registry, func() error, error) {
	store, closeStore, err := openStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	creds, err := openCredentials(cfg)
	if err != nil {
		closeStore()
		return nil, nil, err
	}
	return server.NewRegistry(store, creds, cfg.DefaultServerURL, log), closeStore, nil
}

// Build は全依存関係をワイヤリングする。
// 呼び出し元は使用後にClose()を呼ぶこと。
func Build(cfg *config.Config, log *slog.Logger) (*Components, error) {
	c := &Components{Config: cfg, Logger: log}

	// 1. ストレージ
	store, closeStore, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	c.Store = store
	c.closers = append(c.closers, closeStore)

	creds, err := openCredentials(cfg)
	if err != nil {
		c.Close()
		return nil, err
	}

	// 2. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	c.Metrics = metrics.NewCollector(reg)
	c.Gatherer = reg

	// 3. 通信
	c.Client = transport.NewClient(log, c.Metrics, transport.Protocol(cfg.StreamProtocol), cfg.FetchTimeout, cfg.FetchResourceTimeout)
	c.Registry = server.NewRegistry(store, creds, cfg.DefaultServerURL, log)
	c.Streams = subscription.NewManager(streamOpener(c.Client), log)

	// 4. 通知とバッジ
	c.Sink = notify.NewLogSink(log)
	c.Badge = notify.NewBadge(store.Repositories().Messages, c.Sink, log)

	// 5. ドメインサービス
	locks := message.NewTopicLocks()
	reconciler := message.NewReconciler(store, locks, c.Sink, c.Badge, security.NewTextSanitizer(), c.Metrics, log)
	c.Messages = message.NewService(store, locks, c.Sink, c.Badge, log)
	c.Topics = topic.NewService(store)
	c.Engine = syncengine.New(syncengine.Deps{
		Store:      store,
		Fetcher:    c.Client,
		Subscriber: c.Streams,
		Servers:    c.Registry,
		Reconciler: reconciler,
		Messages:   c.Messages,
		Locks:      locks,
		Sink:       c.Sink,
		Badge:      c.Badge,
		Logger:     log,
	}, cfg.CatchUpWindow)

	// 6. アイコン（メッセージ由来のURLのためSSRF防止付きクライアントを使う）
	c.Icons = icon.NewCache(security.NewSafeClient(cfg.FetchTimeout), cfg.IconMaxSize, log)

	c.closers = append(c.closers, func() error {
		c.Streams.UnsubscribeAll()
		return nil
	})
	return c, nil
}

// streamOpener はtransport.ClientのストリームをSubscription Managerに渡すアダプタ。
func streamOpener(client *transport.Client) subscription.Opener {
	return subscription.OpenerFunc(func(ctx context.Context, serverURL, topic string, cred *model.Credential) (subscription.StreamHandle, error) {
		s, err := client.OpenStream(ctx, serverURL, topic, cred)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}

// NewHandler は制御APIのHTTPハンドラーを構築する。
func (c *Components) NewHandler(rl *middleware.RateLimiter) http.Handler {
	return handler.NewRouter(&handler.RouterDeps{
		Logger:      c.Logger,
		RateLimiter: rl,
		Engine:      c.Engine,
		Topics:      c.Topics,
		Messages:    c.Messages,
		Servers:     c.Registry,
		Probe:       c.Client,
		Publisher:   c.Client,
		Icons:       c.Icons,
		Metrics:     metrics.Handler(c.Gatherer),
	})
}

// runServe はデーモンモードで起動する。
// 取りこぼしの同期とストリーム開始の後、ワーカーと制御APIを起動する。
// ctxがキャンセルされると全ストリームを止めてグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()

	c, err := Build(cfg, log)
	if err != nil {
		return err
	}
	defer c.Close()

	// 1. 取りこぼしの同期とストリームの開始
	if err := c.Engine.Resume(ctx); err != nil {
		log.Warn("起動時の同期に一部失敗しました", slog.String("error", err.Error()))
	}

	// 2. バックグラウンドワーカー
	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	scheduler := refresh.NewScheduler(c.Store.Repositories().Topics, c.Engine, log, cfg.RefreshMaxConcurrent)
	go scheduler.Start(workerCtx, cfg.RefreshInterval)

	cleanupJob := cleanup.NewJob(c.Store.Repositories().Messages, c.Badge, log)
	go cleanupJob.Start(workerCtx, cfg.CleanupInterval)

	// 3. 制御API
	rl := middleware.NewRateLimiter(middleware.NewRateLimiterConfig(cfg.RateLimitAPI), log)
	defer rl.Stop()

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddr, err)
	}

	srv := &http.Server{
		Handler:      c.NewHandler(rl),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.FetchResourceTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("control API starting", slog.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	log.Info("shutting down...")
	stopWorkers()
	c.Engine.Suspend()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	if serveErr != nil {
		return fmt.Errorf("server listen error: %w", serveErr)
	}

	log.Info("stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// publishOptions はpublishコマンドの任意項目。
type publishOptions struct {
	server   string
	title    string
	priority int
	tags     []string
	click    string
	attach   string
	icon     string
}

// runPublish はトピックにメッセージを1件投稿し、投稿先を返す。
func runPublish(ctx context.Context, cfg *config.Config, topicName, body string, opts publishOptions) (string, error) {
	if !model.IsValidTopicName(topicName) {
		return "", model.NewInvalidRequestError(fmt.Sprintf("トピック名が不正です: %q", topicName))
	}

	log := slog.Default()
	registry, closeStore, err := openRegistry(cfg, log)
	if err != nil {
		return "", err
	}
	defer closeStore()

	serverURL, err := registry.ResolveURL(ctx, opts.server)
	if err != nil {
		return "", err
	}
	cred, err := registry.Credential(serverURL)
	if err != nil {
		return "", err
	}

	client := transport.NewClient(log, nil, transport.ProtocolSSE, cfg.FetchTimeout, cfg.FetchResourceTimeout)
	err = client.Publish(ctx, serverURL, topicName, transport.PublishRequest{
		Body:     body,
		Title:    opts.title,
		Priority: opts.priority,
		Tags:     opts.tags,
		Click:    opts.click,
		Attach:   opts.attach,
		Icon:     opts.icon,
	}, cred)
	if err != nil {
		return "", err
	}
	return serverURL + "/" + topicName, nil
}

// runHealth はサーバーの稼働を確認し、確認したURLを返す。
func runHealth(ctx context.Context, cfg *config.Config, rawURL string) (string, bool, error) {
	log := slog.Default()
	registry, closeStore, err := openRegistry(cfg, log)
	if err != nil {
		return "", false, err
	}
	defer closeStore()

	serverURL, err := registry.ResolveURL(ctx, rawURL)
	if err != nil {
		return "", false, err
	}

	client := transport.NewClient(log, nil, transport.ProtocolSSE, cfg.FetchTimeout, cfg.FetchResourceTimeout)
	healthy, err := client.CheckHealth(ctx, serverURL)
	return serverURL, healthy, err
}

// runAuthCheck は保存済みの認証情報がトピックで受け入れられるかを確認する。
func runAuthCheck(ctx context.Context, cfg *config.Config, topicName, rawURL string) (string, bool, error) {
	if !model.IsValidTopicName(topicName) {
		return "", false, model.NewInvalidRequestError(fmt.Sprintf("トピック名が不正です: %q", topicName))
	}

	log := slog.Default()
	registry, closeStore, err := openRegistry(cfg, log)
	if err != nil {
		return "", false, err
	}
	defer closeStore()

	serverURL, err := registry.ResolveURL(ctx, rawURL)
	if err != nil {
		return "", false, err
	}
	cred, err := registry.Credential(serverURL)
	if err != nil {
		return "", false, err
	}

	client := transport.NewClient(log, nil, transport.ProtocolSSE, cfg.FetchTimeout, cfg.FetchResourceTimeout)
	ok, err := client.TestAuth(ctx, serverURL, topicName, cred)
	return serverURL, ok, err
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}

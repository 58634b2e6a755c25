package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/pushbox/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger      *slog.Logger
	RateLimiter *middleware.RateLimiter

	Engine    SyncEngine
	Topics    TopicService
	Messages  MessageService
	Servers   ServerRegistry
	Probe     ServerProbe
	Publisher Publisher
	Icons     IconFetcher

	// Metrics は/metricsで公開するハンドラー。nilの場合はルートを登録しない。
	Metrics http.Handler
}

// NewRouter は制御APIのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → RateLimit（/api/*のみ）
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	topicHandler := NewTopicHandler(deps.Engine, deps.Topics, deps.Logger)
	messageHandler := NewMessageHandler(deps.Messages, deps.Logger)
	serverHandler := NewServerHandler(deps.Servers, deps.Probe, deps.Logger)
	publishHandler := NewPublishHandler(deps.Publisher, deps.Servers, deps.Logger)
	iconHandler := NewIconHandler(deps.Icons, deps.Logger)

	// --- 監視用のルート（レート制限なし） ---
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.Middleware())
		}

		// トピック管理
		r.Route("/topics", func(r chi.Router) {
			r.Get("/", topicHandler.ListTopics)
			r.Post("/", topicHandler.AddTopic)

			r.Route("/{id}", func(r chi.Router) {
				r.Patch("/", topicHandler.UpdateTopic)
				r.Delete("/", topicHandler.DeleteTopic)
				r.Post("/refresh", topicHandler.RefreshTopic)
				r.Put("/read", messageHandler.MarkAllRead)

				r.Get("/messages", messageHandler.ListMessages)
				r.Delete("/messages", messageHandler.DeleteAllMessages)
			})
		})

		// メッセージ
		r.Route("/messages/{id}", func(r chi.Router) {
			r.Get("/", messageHandler.GetMessage)
			r.Put("/state", messageHandler.UpdateMessageState)
			r.Delete("/", messageHandler.DeleteMessage)
		})

		// サーバー管理
		r.Route("/servers", func(r chi.Router) {
			r.Get("/", serverHandler.ListServers)
			r.Post("/", serverHandler.AddServer)
			r.Post("/health", serverHandler.CheckHealth)
			r.Post("/auth", serverHandler.CheckAuth)

			r.Route("/{id}", func(r chi.Router) {
				r.Put("/default", serverHandler.SetDefaultServer)
				r.Delete("/", serverHandler.RemoveServer)
			})
		})

		r.Post("/publish", publishHandler.Publish)
		r.Post("/refresh", topicHandler.RefreshAll)
		r.Get("/icons", iconHandler.GetIcon)
	})

	return r
}

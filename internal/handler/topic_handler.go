package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/pushbox/internal/message"
	"github.com/hitoshi/pushbox/internal/model"
	"github.com/hitoshi/pushbox/internal/topic"
)

// SyncEngine はトピックの登録・購読解除・同期を行うエンジンのインターフェース。
type SyncEngine interface {
	AddTopic(ctx context.Context, serverURL, name string, requiresAuth bool) (*model.Topic, error)
	UnsubscribeTopic(ctx context.Context, topicID string) error
	CatchUp(ctx context.Context, topicID string) (*message.BatchResult, error)
	Resume(ctx context.Context) error
}

// TopicService はトピックの参照と設定変更のインターフェース。
type TopicService interface {
	List(ctx context.Context) ([]topic.Summary, error)
	Get(ctx context.Context, id string) (*topic.Summary, error)
	Update(ctx context.Context, id string, patch topic.Patch) (*model.Topic, error)
}

// TopicHandler はトピック管理のHTTPハンドラー。
type TopicHandler struct {
	engine SyncEngine
	topics TopicService
	logger *slog.Logger
}

// NewTopicHandler はTopicHandlerを生成する。
func NewTopicHandler(engine SyncEngine, topics TopicService, logger *slog.Logger) *TopicHandler {
	return &TopicHandler{engine: engine, topics: topics, logger: logger}
}

// topicResponse はトピック情報のAPIレスポンス。
type topicResponse struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	ServerURL     string     `json:"server_url"`
	RequiresAuth  bool       `json:"requires_auth"`
	Muted         bool       `json:"muted"`
	Icon          string     `json:"icon,omitempty"`
	Letter        string     `json:"letter,omitempty"`
	Color         string     `json:"color,omitempty"`
	UnreadCount   int        `json:"unread_count"`
	CreatedAt     time.Time  `json:"created_at"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
}

func toTopicResponse(t *model.Topic, unread int) topicResponse {
	return topicResponse{
		ID:            t.ID,
		Name:          t.Name,
		ServerURL:     t.ServerURL,
		RequiresAuth:  t.RequiresAuth,
		Muted:         t.Muted,
		Icon:          t.Icon,
		Letter:        t.Letter,
		Color:         t.Color,
		UnreadCount:   unread,
		CreatedAt:     t.CreatedAt,
		LastMessageAt: t.LastMessageAt,
	}
}

// addTopicRequest はトピック登録リクエストのボディ。
type addTopicRequest struct {
	ServerURL    string `json:"server_url"`
	Name         string `json:"name"`
	RequiresAuth bool   `json:"requires_auth"`
}

// updateTopicRequest はトピック設定更新リクエストのボディ。
type updateTopicRequest struct {
	Muted  *bool   `json:"muted"`
	Icon   *string `json:"icon"`
	Letter *string `json:"letter"`
	Color  *string `json:"color"`
}

// syncResultResponse はキャッチアップ結果のAPIレスポンス。
type syncResultResponse struct {
	Inserted      int        `json:"inserted"`
	Duplicates    int        `json:"duplicates"`
	Tombstoned    int        `json:"tombstoned"`
	Skipped       int        `json:"skipped"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
}

// ListTopics はトピック一覧を未読数付きで返す。
// GET /api/topics
func (h *TopicHandler) ListTopics(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.topics.List(r.Context())
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	resp := make([]topicResponse, 0, len(summaries))
	for _, s := range summaries {
		resp = append(resp, toTopicResponse(s.Topic, s.UnreadCount))
	}
	writeJSON(w, http.StatusOK, resp)
}

// AddTopic はトピックを登録し、キャッチアップと購読を開始する。
// POST /api/topics
func (h *TopicHandler) AddTopic(w http.ResponseWriter, r *http.Request) {
	var req addTopicRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	t, err := h.engine.AddTopic(r.Context(), req.ServerURL, req.Name, req.RequiresAuth)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	summary, err := h.topics.Get(r.Context(), t.ID)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTopicResponse(summary.Topic, summary.UnreadCount))
}

// UpdateTopic はミュート状態と表示設定を更新する。
// PATCH /api/topics/{id}
func (h *TopicHandler) UpdateTopic(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req updateTopicRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if _, err := h.topics.Update(r.Context(), id, topic.Patch{
		Muted:  req.Muted,
		Icon:   req.Icon,
		Letter: req.Letter,
		Color:  req.Color,
	}); err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	summary, err := h.topics.Get(r.Context(), id)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toTopicResponse(summary.Topic, summary.UnreadCount))
}

// DeleteTopic はトピックの購読を解除し、関連データを削除する。
// DELETE /api/topics/{id}
func (h *TopicHandler) DeleteTopic(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.UnsubscribeTopic(r.Context(), chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RefreshTopic は1トピックのキャッチアップを実行する。
// POST /api/topics/{id}/refresh
func (h *TopicHandler) RefreshTopic(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.CatchUp(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, syncResultResponse{
		Inserted:      res.Inserted,
		Duplicates:    res.Duplicates,
		Tombstoned:    res.Tombstoned,
		Skipped:       res.Skipped,
		LastMessageAt: res.LastMessageAt,
	})
}

// RefreshAll は全トピックのキャッチアップとストリームの張り直しを行う。
// 個別トピックの失敗は202で返し、処理自体は継続済みであることを示す。
// POST /api/refresh
func (h *TopicHandler) RefreshAll(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Resume(r.Context()); err != nil {
		h.logger.Warn("一部トピックの同期に失敗しました", slog.String("error", err.Error()))
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status": "partial",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// parseLimit はlimitクエリを解析する。未指定・不正値は0（上限件数）として扱う。
func parseLimit(raw string) int {
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

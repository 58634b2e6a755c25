package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/pushbox/internal/model"
)

// MessageService はメッセージ操作のインターフェース。
type MessageService interface {
	List(ctx context.Context, topicID string, filter model.MessageFilter, limit int) ([]*model.StoredMessage, error)
	Get(ctx context.Context, id string) (*model.StoredMessage, error)
	MarkRead(ctx context.Context, id string, read bool) error
	MarkAllRead(ctx context.Context, topicID string) (int64, error)
	Delete(ctx context.Context, id string) error
	DeleteAll(ctx context.Context, topicID string) (int64, error)
}

// MessageHandler はメッセージのHTTPハンドラー。
type MessageHandler struct {
	messages MessageService
	logger   *slog.Logger
}

// NewMessageHandler はMessageHandlerを生成する。
func NewMessageHandler(messages MessageService, logger *slog.Logger) *MessageHandler {
	return &MessageHandler{messages: messages, logger: logger}
}

// messageResponse は保存済みメッセージのAPIレスポンス。
type messageResponse struct {
	ID         string            `json:"id"`
	TopicID    string            `json:"topic_id"`
	MessageID  string            `json:"message_id"`
	Time       time.Time         `json:"time"`
	ExpiresAt  *time.Time        `json:"expires_at,omitempty"`
	Title      string            `json:"title,omitempty"`
	Message    string            `json:"message"`
	Tags       []string          `json:"tags,omitempty"`
	Priority   int               `json:"priority"`
	Click      string            `json:"click,omitempty"`
	Icon       string            `json:"icon,omitempty"`
	Actions    []model.Action    `json:"actions,omitempty"`
	Attachment *model.Attachment `json:"attachment,omitempty"`
	IsRead     bool              `json:"is_read"`
	ReceivedAt time.Time         `json:"received_at"`
}

func toMessageResponse(m *model.StoredMessage) messageResponse {
	return messageResponse{
		ID:         m.ID,
		TopicID:    m.TopicID,
		MessageID:  m.MessageID,
		Time:       m.Time,
		ExpiresAt:  m.ExpiresAt,
		Title:      m.Title,
		Message:    m.Body,
		Tags:       m.Tags,
		Priority:   m.Priority,
		Click:      m.Click,
		Icon:       m.Icon,
		Actions:    m.Actions,
		Attachment: m.Attachment,
		IsRead:     m.IsRead,
		ReceivedAt: m.ReceivedAt,
	}
}

// messageStateRequest は既読状態更新リクエストのボディ。
type messageStateRequest struct {
	IsRead *bool `json:"is_read"`
}

// ListMessages はトピックのメッセージ一覧を新しい順に返す。
// GET /api/topics/{id}/messages?filter=all|unread&limit=N
func (h *MessageHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	topicID := chi.URLParam(r, "id")
	filter := model.MessageFilter(r.URL.Query().Get("filter"))
	limit := parseLimit(r.URL.Query().Get("limit"))

	msgs, err := h.messages.List(r.Context(), topicID, filter, limit)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	resp := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		resp = append(resp, toMessageResponse(m))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetMessage はメッセージを1件返す。
// GET /api/messages/{id}
func (h *MessageHandler) GetMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := h.messages.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toMessageResponse(msg))
}

// UpdateMessageState はメッセージの既読状態を更新する。
// PUT /api/messages/{id}/state
func (h *MessageHandler) UpdateMessageState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req messageStateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.IsRead == nil {
		handleServiceError(w, h.logger, model.NewInvalidRequestError("is_readを指定してください"))
		return
	}

	if err := h.messages.MarkRead(r.Context(), id, *req.IsRead); err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	msg, err := h.messages.Get(r.Context(), id)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toMessageResponse(msg))
}

// DeleteMessage はメッセージを削除する。削除したメッセージは以降の同期で復活しない。
// DELETE /api/messages/{id}
func (h *MessageHandler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	if err := h.messages.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteAllMessages はトピックの全メッセージを削除する。
// DELETE /api/topics/{id}/messages
func (h *MessageHandler) DeleteAllMessages(w http.ResponseWriter, r *http.Request) {
	n, err := h.messages.DeleteAll(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

// MarkAllRead はトピックの全メッセージを既読にする。
// PUT /api/topics/{id}/read
func (h *MessageHandler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	n, err := h.messages.MarkAllRead(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"updated": n})
}

package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/pushbox/internal/model"
	"github.com/hitoshi/pushbox/internal/transport"
)

// Publisher はメッセージ投稿のインターフェース。
type Publisher interface {
	Publish(ctx context.Context, serverURL, topic string, p transport.PublishRequest, cred *model.Credential) error
}

// PublishHandler はメッセージ投稿のHTTPハンドラー。
type PublishHandler struct {
	publisher Publisher
	servers   ServerRegistry
	logger    *slog.Logger
}

// NewPublishHandler はPublishHandlerを生成する。
func NewPublishHandler(publisher Publisher, servers ServerRegistry, logger *slog.Logger) *PublishHandler {
	return &PublishHandler{publisher: publisher, servers: servers, logger: logger}
}

// publishRequest は投稿リクエストのボディ。
type publishRequest struct {
	ServerURL string   `json:"server_url"`
	Topic     string   `json:"topic"`
	Message   string   `json:"message"`
	Title     string   `json:"title"`
	Priority  int      `json:"priority"`
	Tags      []string `json:"tags"`
	Click     string   `json:"click"`
	Attach    string   `json:"attach"`
	Icon      string   `json:"icon"`
}

// Publish はトピックにメッセージを投稿する。
// POST /api/publish
func (h *PublishHandler) Publish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	topic := strings.TrimSpace(req.Topic)
	if !model.IsValidTopicName(topic) {
		handleServiceError(w, h.logger, model.NewInvalidRequestError("トピック名が不正です"))
		return
	}
	if req.Priority < 0 || req.Priority > model.PriorityUrgent {
		handleServiceError(w, h.logger, model.NewInvalidRequestError("優先度は1〜5で指定してください"))
		return
	}

	url, err := h.servers.ResolveURL(r.Context(), req.ServerURL)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	cred, err := h.servers.Credential(url)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	err = h.publisher.Publish(r.Context(), url, topic, transport.PublishRequest{
		Body:     req.Message,
		Title:    req.Title,
		Priority: req.Priority,
		Tags:     req.Tags,
		Click:    req.Click,
		Attach:   req.Attach,
		Icon:     req.Icon,
	}, cred)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	h.logger.Info("メッセージを投稿しました",
		slog.String("server_url", url),
		slog.String("topic", topic),
	)
	writeJSON(w, http.StatusOK, map[string]string{"status": "published"})
}

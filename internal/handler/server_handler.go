package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/pushbox/internal/model"
)

// ServerRegistry はサーバー登録のインターフェース。
type ServerRegistry interface {
	Add(ctx context.Context, rawURL, name string, cred *model.Credential) (*model.Server, error)
	List(ctx context.Context) ([]*model.Server, error)
	SetDefault(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	ResolveURL(ctx context.Context, rawURL string) (string, error)
	Credential(serverURL string) (*model.Credential, error)
}

// ServerProbe はサーバーの稼働確認と認証確認のインターフェース。
type ServerProbe interface {
	CheckHealth(ctx context.Context, serverURL string) (bool, error)
	TestAuth(ctx context.Context, serverURL, topic string, cred *model.Credential) (bool, error)
}

// ServerHandler はサーバー管理のHTTPハンドラー。
type ServerHandler struct {
	registry ServerRegistry
	probe    ServerProbe
	logger   *slog.Logger
}

// NewServerHandler はServerHandlerを生成する。
func NewServerHandler(registry ServerRegistry, probe ServerProbe, logger *slog.Logger) *ServerHandler {
	return &ServerHandler{registry: registry, probe: probe, logger: logger}
}

// serverResponse はサーバー情報のAPIレスポンス。認証情報の秘密部分は含めない。
type serverResponse struct {
	ID           string    `json:"id"`
	URL          string    `json:"url"`
	Name         string    `json:"name"`
	RequiresAuth bool      `json:"requires_auth"`
	Username     string    `json:"username,omitempty"`
	IsDefault    bool      `json:"is_default"`
	AddedAt      time.Time `json:"added_at"`
}

func toServerResponse(s *model.Server) serverResponse {
	return serverResponse{
		ID:           s.ID,
		URL:          s.URL,
		Name:         s.Name,
		RequiresAuth: s.RequiresAuth,
		Username:     s.Username,
		IsDefault:    s.IsDefault,
		AddedAt:      s.AddedAt,
	}
}

// addServerRequest はサーバー登録リクエストのボディ。
type addServerRequest struct {
	URL      string `json:"url"`
	Name     string `json:"name"`
	Username string `json:"username"`
	Password string `json:"password"`
	Token    string `json:"token"`
}

// healthRequest は稼働確認リクエストのボディ。
type healthRequest struct {
	URL string `json:"url"`
}

// authCheckRequest は認証確認リクエストのボディ。
type authCheckRequest struct {
	URL   string `json:"url"`
	Topic string `json:"topic"`
}

// ListServers は登録サーバーの一覧を返す。
// GET /api/servers
func (h *ServerHandler) ListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := h.registry.List(r.Context())
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	resp := make([]serverResponse, 0, len(servers))
	for _, s := range servers {
		resp = append(resp, toServerResponse(s))
	}
	writeJSON(w, http.StatusOK, resp)
}

// AddServer はサーバーを登録する。最初に登録したサーバーがデフォルトになる。
// POST /api/servers
func (h *ServerHandler) AddServer(w http.ResponseWriter, r *http.Request) {
	var req addServerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var cred *model.Credential
	if req.Token != "" || req.Username != "" {
		cred = &model.Credential{Username: req.Username, Password: req.Password, Token: req.Token}
	}

	srv, err := h.registry.Add(r.Context(), req.URL, req.Name, cred)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toServerResponse(srv))
}

// SetDefaultServer はデフォルトサーバーを変更する。
// PUT /api/servers/{id}/default
func (h *ServerHandler) SetDefaultServer(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.SetDefault(r.Context(), chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RemoveServer はサーバーと認証情報を削除する。
// DELETE /api/servers/{id}
func (h *ServerHandler) RemoveServer(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CheckHealth はサーバーが稼働しているかを確認する。
// 通信に失敗した場合もhealthy=falseとして200を返す。
// POST /api/servers/health
func (h *ServerHandler) CheckHealth(w http.ResponseWriter, r *http.Request) {
	var req healthRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	url, err := h.registry.ResolveURL(r.Context(), req.URL)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	healthy, err := h.probe.CheckHealth(r.Context(), url)
	resp := map[string]any{"url": url, "healthy": healthy}
	if err != nil {
		if model.IsErrorKind(err, model.ErrKindInvalidURL) {
			handleServiceError(w, h.logger, err)
			return
		}
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// CheckAuth は保存済みの認証情報がトピックで受け入れられるかを確認する。
// POST /api/servers/auth
func (h *ServerHandler) CheckAuth(w http.ResponseWriter, r *http.Request) {
	var req authCheckRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	topic := strings.TrimSpace(req.Topic)
	if !model.IsValidTopicName(topic) {
		handleServiceError(w, h.logger, model.NewInvalidRequestError("トピック名が不正です"))
		return
	}

	url, err := h.registry.ResolveURL(r.Context(), req.URL)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	cred, err := h.registry.Credential(url)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	ok, err := h.probe.TestAuth(r.Context(), url, topic, cred)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"url": url, "topic": topic, "authorized": ok})
}

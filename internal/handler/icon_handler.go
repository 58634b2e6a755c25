package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hitoshi/pushbox/internal/icon"
	"github.com/hitoshi/pushbox/internal/middleware"
	"github.com/hitoshi/pushbox/internal/model"
)

// IconFetcher はアイコン取得のインターフェース。
type IconFetcher interface {
	Get(ctx context.Context, rawURL string) (*icon.Icon, error)
}

// IconHandler はキャッシュ済みアイコンを返すHTTPハンドラー。
type IconHandler struct {
	icons  IconFetcher
	logger *slog.Logger
}

// NewIconHandler はIconHandlerを生成する。
func NewIconHandler(icons IconFetcher, logger *slog.Logger) *IconHandler {
	return &IconHandler{icons: icons, logger: logger}
}

// GetIcon はアイコン画像を返す。
// GET /api/icons?url=...
func (h *IconHandler) GetIcon(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		handleServiceError(w, h.logger, model.NewInvalidURLError("urlを指定してください"))
		return
	}

	ic, err := h.icons.Get(r.Context(), raw)
	if err != nil {
		switch {
		case errors.Is(err, icon.ErrBlocked):
			handleServiceError(w, h.logger, model.NewInvalidURLError(err.Error()))
		case errors.Is(err, icon.ErrNotImage), errors.Is(err, icon.ErrTooLarge):
			middleware.WriteErrorResponse(w, http.StatusUnprocessableEntity, &model.APIError{
				Code:     "INVALID_ICON",
				Message:  err.Error(),
				Category: "validation",
				Action:   "画像ファイルのURLを指定してください。",
			})
		default:
			handleServiceError(w, h.logger, model.NewTransportError(model.ErrKindNetwork, 0, err))
		}
		return
	}

	w.Header().Set("Content-Type", ic.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(ic.Data)))
	w.Header().Set("Cache-Control", "private, max-age=86400")
	w.WriteHeader(http.StatusOK)
	w.Write(ic.Data)
}

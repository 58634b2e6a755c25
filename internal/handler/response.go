package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/pushbox/internal/message"
	"github.com/hitoshi/pushbox/internal/middleware"
	"github.com/hitoshi/pushbox/internal/model"
)

// writeJSON はレスポンスをJSONで書き込む。
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decodeJSON はリクエストボディをデコードする。失敗時は400を書き込みfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     model.ErrCodeInvalidRequest,
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return false
	}
	return true
}

// handleServiceError はサービス層から返されたエラーをHTTPレスポンスに変換する。
// 5xxになるエラーのみ詳細をログに残す。
func handleServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	if errors.Is(err, message.ErrTopicGone) {
		err = model.NewTopicNotFoundError("")
	}

	status := middleware.WriteError(w, err)
	if status >= http.StatusInternalServerError {
		logger.Error("リクエストの処理に失敗しました",
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
	}
}

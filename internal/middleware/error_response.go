package middleware

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hitoshi/pushbox/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// WriteError はエラーの種類に応じたステータスで統一レスポンスを書き込み、そのステータスを返す。
// APIErrorとTransportError以外は内部エラーとして扱う。
func WriteError(w http.ResponseWriter, err error) int {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		status := StatusForAPIError(apiErr)
		WriteErrorResponse(w, status, apiErr)
		return status
	}

	var te *model.TransportError
	if errors.As(err, &te) {
		status, apiErr := transportErrorResponse(te)
		WriteErrorResponse(w, status, apiErr)
		return status
	}

	WriteInternalServerError(w)
	return http.StatusInternalServerError
}

// StatusForAPIError はAPIErrorのコードに対応するHTTPステータスを返す。
func StatusForAPIError(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeInvalidURL, model.ErrCodeInvalidRequest, model.ErrCodeInvalidFilter:
		return http.StatusBadRequest
	case model.ErrCodeTopicNotFound, model.ErrCodeMessageNotFound, model.ErrCodeServerNotFound:
		return http.StatusNotFound
	case model.ErrCodeDuplicateTopic, model.ErrCodeDuplicateServer:
		return http.StatusConflict
	case model.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case model.ErrCodeForbidden:
		return http.StatusForbidden
	case model.ErrCodeRemoteNotFound:
		return http.StatusNotFound
	case model.ErrCodeRemoteUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// transportErrorResponse はサーバーとの通信エラーをユーザー向けのレスポンスに変換する。
func transportErrorResponse(te *model.TransportError) (int, *model.APIError) {
	switch te.Kind {
	case model.ErrKindUnauthorized:
		return http.StatusUnauthorized, &model.APIError{
			Code:     model.ErrCodeUnauthorized,
			Message:  "サーバーが認証を要求しています。",
			Category: "transport",
			Action:   "サーバーのユーザー名・パスワードまたはアクセストークンを確認してください。",
		}
	case model.ErrKindForbidden:
		return http.StatusForbidden, &model.APIError{
			Code:     model.ErrCodeForbidden,
			Message:  "このトピックへのアクセス権がありません。",
			Category: "transport",
			Action:   "サーバー管理者にトピックの権限を確認してください。",
		}
	case model.ErrKindNotFound:
		return http.StatusNotFound, &model.APIError{
			Code:     model.ErrCodeRemoteNotFound,
			Message:  "サーバー上にリソースが見つかりません。",
			Category: "transport",
			Action:   "サーバーURLとトピック名を確認してください。",
		}
	case model.ErrKindInvalidURL:
		return http.StatusBadRequest, model.NewInvalidURLError(te.Error())
	default:
		return http.StatusBadGateway, &model.APIError{
			Code:     model.ErrCodeRemoteUnavailable,
			Message:  "サーバーとの通信に失敗しました。",
			Category: "transport",
			Action:   "サーバーの稼働状況とネットワーク接続を確認してください。",
		}
	}
}

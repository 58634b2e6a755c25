// Package model はドメインモデルを定義する。
package model

import (
	"context"
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, topic, server, transport, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidURL        = "INVALID_URL"
	ErrCodeInvalidRequest    = "INVALID_REQUEST"
	ErrCodeInvalidFilter     = "INVALID_FILTER"
	ErrCodeTopicNotFound     = "TOPIC_NOT_FOUND"
	ErrCodeDuplicateTopic    = "DUPLICATE_TOPIC"
	ErrCodeMessageNotFound   = "MESSAGE_NOT_FOUND"
	ErrCodeServerNotFound    = "SERVER_NOT_FOUND"
	ErrCodeDuplicateServer   = "DUPLICATE_SERVER"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeRemoteNotFound    = "REMOTE_NOT_FOUND"
	ErrCodeRemoteUnavailable = "REMOTE_UNAVAILABLE"
)

// NewInvalidURLError は無効なURLエラーを生成する。
func NewInvalidURLError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidURL,
		Message:  fmt.Sprintf("無効なURLです: %s", reason),
		Category: "validation",
		Action:   "正しいURL形式（http:// または https:// で始まるURL）を入力してください。",
	}
}

// NewInvalidRequestError はリクエスト内容の不備を表すエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  reason,
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewInvalidFilterError は無効なフィルタエラーを生成する。
func NewInvalidFilterError(filter string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidFilter,
		Message:  fmt.Sprintf("無効なフィルタです: %s", filter),
		Category: "validation",
		Action:   "フィルタには all または unread を指定してください。",
	}
}

// NewTopicNotFoundError はトピック未検出エラーを生成する。
func NewTopicNotFoundError(topicID string) *APIError {
	return &APIError{
		Code:     ErrCodeTopicNotFound,
		Message:  fmt.Sprintf("指定されたトピックが見つかりません: %s", topicID),
		Category: "topic",
		Action:   "トピックIDを確認してください。",
	}
}

// NewDuplicateTopicError は購読済みトピックを再登録しようとした場合のエラーを生成する。
func NewDuplicateTopicError(serverURL, name string) *APIError {
	return &APIError{
		Code:     ErrCodeDuplicateTopic,
		Message:  fmt.Sprintf("このトピックは既に購読しています: %s/%s", serverURL, name),
		Category: "topic",
		Action:   "トピック一覧から該当トピックを確認してください。",
	}
}

// NewMessageNotFoundError はメッセージ未検出エラーを生成する。
func NewMessageNotFoundError(messageID string) *APIError {
	return &APIError{
		Code:     ErrCodeMessageNotFound,
		Message:  fmt.Sprintf("指定されたメッセージが見つかりません: %s", messageID),
		Category: "topic",
		Action:   "メッセージIDを確認してください。",
	}
}

// NewServerNotFoundError はサーバー未検出エラーを生成する。
func NewServerNotFoundError(serverID string) *APIError {
	return &APIError{
		Code:     ErrCodeServerNotFound,
		Message:  fmt.Sprintf("指定されたサーバーが見つかりません: %s", serverID),
		Category: "server",
		Action:   "サーバーIDを確認してください。",
	}
}

// NewDuplicateServerError は登録済みサーバーを再登録しようとした場合のエラーを生成する。
func NewDuplicateServerError(url string) *APIError {
	return &APIError{
		Code:     ErrCodeDuplicateServer,
		Message:  fmt.Sprintf("このサーバーは既に登録されています: %s", url),
		Category: "server",
		Action:   "サーバー一覧から該当サーバーを確認してください。",
	}
}

// ErrorKind はトランスポート層のエラー分類を表す。
type ErrorKind string

const (
	ErrKindInvalidURL   ErrorKind = "invalid_url"
	ErrKindUnauthorized ErrorKind = "unauthorized"
	ErrKindForbidden    ErrorKind = "forbidden"
	ErrKindNotFound     ErrorKind = "not_found"
	ErrKindServerError  ErrorKind = "server_error"
	ErrKindNetwork      ErrorKind = "network"
	ErrKindDecode       ErrorKind = "decode"
	ErrKindUnknown      ErrorKind = "unknown"
)

// TransportError はサーバーとの通信で発生したエラーを表す。
// StatusCodeはHTTPレスポンスを受け取った場合のみ設定される。
type TransportError struct {
	Kind       ErrorKind
	StatusCode int
	Err        error
}

// Error はerrorインターフェースを実装する。
func (e *TransportError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("%s (status %d): %v", e.Kind, e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s (status %d)", e.Kind, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

// Unwrap は原因エラーを返す。
func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError はTransportErrorを生成する。
func NewTransportError(kind ErrorKind, statusCode int, err error) *TransportError {
	return &TransportError{Kind: kind, StatusCode: statusCode, Err: err}
}

// ErrorFromStatus はHTTPステータスコードを分類してTransportErrorを返す。
// 2xxの場合はnilを返す。
func ErrorFromStatus(statusCode int) error {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return nil
	case statusCode == 401:
		return NewTransportError(ErrKindUnauthorized, statusCode, nil)
	case statusCode == 403:
		return NewTransportError(ErrKindForbidden, statusCode, nil)
	case statusCode == 404:
		return NewTransportError(ErrKindNotFound, statusCode, nil)
	case statusCode >= 500:
		return NewTransportError(ErrKindServerError, statusCode, nil)
	default:
		return NewTransportError(ErrKindUnknown, statusCode, nil)
	}
}

// ErrorKindOf はエラーチェーン中のTransportErrorの分類を返す。
// TransportErrorを含まない場合はErrKindUnknownを返す。
func ErrorKindOf(err error) ErrorKind {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ErrKindUnknown
}

// IsErrorKind はエラーが指定の分類のTransportErrorかを判定する。
func IsErrorKind(err error, kind ErrorKind) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Kind == kind
}

// IsCanceled は明示的なキャンセルに起因するエラーかを判定する。
// キャンセルは「処理の置き換え」であり失敗として扱わない。
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

package middleware

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/pushbox/internal/model"
)

// TestWriteErrorResponse_WritesUnifiedFormat はエラーレスポンスが統一フォーマットで書き込まれることを検証する。
func TestWriteErrorResponse_WritesUnifiedFormat(t *testing.T) {
	w := httptest.NewRecorder()

	WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidFilterError("starred"))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	if body.Code != model.ErrCodeInvalidFilter {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeInvalidFilter)
	}
	if body.Message == "" || body.Category == "" || body.Action == "" {
		t.Errorf("all fields should be set: %+v", body)
	}
}

// TestInternalServerError_ReturnsSystemError は内部エラーが一般的なメッセージで返ることを検証する。
func TestInternalServerError_ReturnsSystemError(t *testing.T) {
	w := httptest.NewRecorder()

	WriteInternalServerError(w)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	var body ErrorResponseBody
	json.NewDecoder(w.Body).Decode(&body)
	if body.Category != "system" {
		t.Errorf("category = %q, want system", body.Category)
	}
}

// TestWriteError_MapsAPIErrors はAPIErrorのコードがHTTPステータスに対応付けられることを検証する。
func TestWriteError_MapsAPIErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid url", model.NewInvalidURLError("scheme"), http.StatusBadRequest},
		{"invalid request", model.NewInvalidRequestError("name"), http.StatusBadRequest},
		{"topic not found", model.NewTopicNotFoundError("t1"), http.StatusNotFound},
		{"message not found", model.NewMessageNotFoundError("m1"), http.StatusNotFound},
		{"server not found", model.NewServerNotFoundError("s1"), http.StatusNotFound},
		{"duplicate topic", model.NewDuplicateTopicError("https://ntfy.sh", "alerts"), http.StatusConflict},
		{"duplicate server", model.NewDuplicateServerError("https://ntfy.sh"), http.StatusConflict},
		{"wrapped", fmt.Errorf("追加失敗: %w", model.NewTopicNotFoundError("t1")), http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			if got := WriteError(w, tt.err); got != tt.want {
				t.Errorf("WriteError returned %d, want %d", got, tt.want)
			}
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

// TestWriteError_MapsTransportErrors はサーバー通信エラーの種類がHTTPステータスに対応付けられることを検証する。
func TestWriteError_MapsTransportErrors(t *testing.T) {
	tests := []struct {
		kind     model.ErrorKind
		want     int
		wantCode string
	}{
		{model.ErrKindUnauthorized, http.StatusUnauthorized, model.ErrCodeUnauthorized},
		{model.ErrKindForbidden, http.StatusForbidden, model.ErrCodeForbidden},
		{model.ErrKindNotFound, http.StatusNotFound, model.ErrCodeRemoteNotFound},
		{model.ErrKindInvalidURL, http.StatusBadRequest, model.ErrCodeInvalidURL},
		{model.ErrKindServerError, http.StatusBadGateway, model.ErrCodeRemoteUnavailable},
		{model.ErrKindNetwork, http.StatusBadGateway, model.ErrCodeRemoteUnavailable},
		{model.ErrKindDecode, http.StatusBadGateway, model.ErrCodeRemoteUnavailable},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			w := httptest.NewRecorder()
			err := fmt.Errorf("publish: %w", model.NewTransportError(tt.kind, 0, errors.New("x")))

			WriteError(w, err)

			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			var body ErrorResponseBody
			json.NewDecoder(w.Body).Decode(&body)
			if body.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", body.Code, tt.wantCode)
			}
		})
	}
}

// TestWriteError_UnknownErrorIsInternal は分類できないエラーが500になることを検証する。
func TestWriteError_UnknownErrorIsInternal(t *testing.T) {
	w := httptest.NewRecorder()

	if got := WriteError(w, errors.New("db down")); got != http.StatusInternalServerError {
		t.Errorf("WriteError returned %d, want 500", got)
	}
	var body ErrorResponseBody
	json.NewDecoder(w.Body).Decode(&body)
	if body.Message == "db down" {
		t.Error("内部エラーの詳細をレスポンスに含めてはならない")
	}
}

package model

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestErrorFromStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorKind
		isNil  bool
	}{
		{200, "", true},
		{204, "", true},
		{401, ErrKindUnauthorized, false},
		{403, ErrKindForbidden, false},
		{404, ErrKindNotFound, false},
		{500, ErrKindServerError, false},
		{503, ErrKindServerError, false},
		{429, ErrKindUnknown, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			err := ErrorFromStatus(tt.status)
			if tt.isNil {
				if err != nil {
					t.Fatalf("ErrorFromStatus(%d) = %v, want nil", tt.status, err)
				}
				return
			}
			if !IsErrorKind(err, tt.want) {
				t.Errorf("ErrorFromStatus(%d) kind = %q, want %q", tt.status, ErrorKindOf(err), tt.want)
			}
		})
	}
}

func TestErrorFromStatus_KeepsStatusCode(t *testing.T) {
	err := ErrorFromStatus(502)
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TransportError, got %T", err)
	}
	if te.StatusCode != 502 {
		t.Errorf("StatusCode = %d, want 502", te.StatusCode)
	}
}

func TestIsCanceled_WrappedInTransportError(t *testing.T) {
	err := fmt.Errorf("取得失敗: %w", NewTransportError(ErrKindNetwork, 0, context.Canceled))
	if !IsCanceled(err) {
		t.Error("ラップされたcontext.Canceledはキャンセルと判定されるべき")
	}
	if !IsErrorKind(err, ErrKindNetwork) {
		t.Error("ErrKindNetworkと判定されるべき")
	}
}

func TestIsCanceled_DeadlineIsNotCancellation(t *testing.T) {
	err := NewTransportError(ErrKindNetwork, 0, context.DeadlineExceeded)
	if IsCanceled(err) {
		t.Error("タイムアウトはキャンセルとして扱ってはならない")
	}
}

func TestErrorKindOf_PlainError(t *testing.T) {
	if got := ErrorKindOf(errors.New("boom")); got != ErrKindUnknown {
		t.Errorf("ErrorKindOf = %q, want %q", got, ErrKindUnknown)
	}
}

func TestNormalizePriority(t *testing.T) {
	cases := map[int]int{0: 3, 1: 1, 3: 3, 5: 5, 6: 3, -1: 3}
	for in, want := range cases {
		if got := NormalizePriority(in); got != want {
			t.Errorf("NormalizePriority(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestNormalizeServerURL(t *testing.T) {
	cases := map[string]string{
		"https://ntfy.sh/":   "https://ntfy.sh",
		"https://ntfy.sh//":  "https://ntfy.sh",
		" https://a.example": "https://a.example",
		"https://ntfy.sh":    "https://ntfy.sh",
	}
	for in, want := range cases {
		if got := NormalizeServerURL(in); got != want {
			t.Errorf("NormalizeServerURL(%q) = %q, want %q", in, got, want)
		}
	}
}

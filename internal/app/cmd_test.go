package app

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// runCmd はルートコマンドを引数付きで実行し、標準出力とエラーを返す。
func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCmd(io.Discard)
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestRootCmd_HasSubcommands(t *testing.T) {
	cmd := NewRootCmd(io.Discard)
	want := []string{"serve", "migrate", "publish", "health", "auth-check"}
	for _, name := range want {
		found := false
		for _, sub := range cmd.Commands() {
			if sub.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("subcommand %q is not registered", name)
		}
	}
}

func TestPublishCmd_SendsHeaders(t *testing.T) {
	fake, srv := newFakeNtfy(t)
	setMemoryEnv(t, srv.URL)

	out, err := runCmd(t, "publish", "alerts", "ディスク残量が少なくなっています",
		"--title", "警告", "--priority", "5", "--tags", "warning,disk", "--click", "https://example.com/disk")
	if err != nil {
		t.Fatalf("publish error: %v", err)
	}
	if want := "published to " + srv.URL + "/alerts"; !strings.Contains(out, want) {
		t.Errorf("output = %q, want %q", out, want)
	}

	req, body := fake.last()
	if req == nil {
		t.Fatal("no request reached the server")
	}
	if req.Method != http.MethodPost || req.URL.Path != "/alerts" {
		t.Errorf("request = %s %s, want POST /alerts", req.Method, req.URL.Path)
	}
	if body != "ディスク残量が少なくなっています" {
		t.Errorf("body = %q", body)
	}
	if got := req.Header.Get("Title"); got != "警告" {
		t.Errorf("Title = %q, want 警告", got)
	}
	if got := req.Header.Get("Priority"); got != "5" {
		t.Errorf("Priority = %q, want 5", got)
	}
	if got := req.Header.Get("Tags"); got != "warning,disk" {
		t.Errorf("Tags = %q, want warning,disk", got)
	}
	if got := req.Header.Get("Click"); got != "https://example.com/disk" {
		t.Errorf("Click = %q", got)
	}
}

func TestPublishCmd_DefaultPriorityOmitsHeader(t *testing.T) {
	fake, srv := newFakeNtfy(t)
	setMemoryEnv(t, srv.URL)

	if _, err := runCmd(t, "publish", "alerts", "hello"); err != nil {
		t.Fatalf("publish error: %v", err)
	}

	req, _ := fake.last()
	if req == nil {
		t.Fatal("no request reached the server")
	}
	if got := req.Header.Get("Priority"); got != "" {
		t.Errorf("Priority header = %q, want empty", got)
	}
}

func TestPublishCmd_ExplicitServerOverridesDefault(t *testing.T) {
	fake, srv := newFakeNtfy(t)
	setMemoryEnv(t, "https://ntfy.invalid")

	out, err := runCmd(t, "publish", "alerts", "hello", "--server", srv.URL+"/")
	if err != nil {
		t.Fatalf("publish error: %v", err)
	}
	if !strings.Contains(out, srv.URL+"/alerts") {
		t.Errorf("output = %q", out)
	}
	if req, _ := fake.last(); req == nil {
		t.Error("request should reach the explicit server")
	}
}

func TestPublishCmd_InvalidTopic(t *testing.T) {
	fake, srv := newFakeNtfy(t)
	setMemoryEnv(t, srv.URL)

	if _, err := runCmd(t, "publish", "bad topic", "hello"); err == nil {
		t.Fatal("invalid topic name should fail")
	}
	if req, _ := fake.last(); req != nil {
		t.Error("no request should be sent for an invalid topic")
	}
}

func TestPublishCmd_RequiresTwoArgs(t *testing.T) {
	setMemoryEnv(t, "https://ntfy.sh")

	if _, err := runCmd(t, "publish", "alerts"); err == nil {
		t.Fatal("missing message argument should fail")
	}
}

func TestHealthCmd(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		_, srv := newFakeNtfy(t)
		setMemoryEnv(t, srv.URL)

		out, err := runCmd(t, "health")
		if err != nil {
			t.Fatalf("health error: %v", err)
		}
		if !strings.Contains(out, srv.URL+" is healthy") {
			t.Errorf("output = %q", out)
		}
	})

	t.Run("unhealthy", func(t *testing.T) {
		fake, srv := newFakeNtfy(t)
		fake.mu.Lock()
		fake.healthy = false
		fake.mu.Unlock()
		setMemoryEnv(t, srv.URL)

		_, err := runCmd(t, "health")
		if err == nil {
			t.Fatal("unhealthy server should return an error")
		}
		if !strings.Contains(err.Error(), "unhealthy") {
			t.Errorf("error = %v", err)
		}
	})

	t.Run("invalid url", func(t *testing.T) {
		setMemoryEnv(t, "https://ntfy.sh")

		if _, err := runCmd(t, "health", "--server", "ftp://example.com"); err == nil {
			t.Fatal("disallowed scheme should fail")
		}
	})
}

func TestAuthCheckCmd(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		fake, srv := newFakeNtfy(t)
		setMemoryEnv(t, srv.URL)

		out, err := runCmd(t, "auth-check", "private")
		if err != nil {
			t.Fatalf("auth-check error: %v", err)
		}
		if !strings.Contains(out, "credential accepted for "+srv.URL+"/private") {
			t.Errorf("output = %q", out)
		}
		req, _ := fake.last()
		if req == nil || req.URL.Path != "/private/auth" {
			t.Errorf("request path = %v, want /private/auth", req)
		}
	})

	t.Run("rejected", func(t *testing.T) {
		fake, srv := newFakeNtfy(t)
		fake.mu.Lock()
		fake.authOK = false
		fake.mu.Unlock()
		setMemoryEnv(t, srv.URL)

		_, err := runCmd(t, "auth-check", "private")
		if err == nil {
			t.Fatal("rejected credential should return an error")
		}
		if !strings.Contains(err.Error(), "credential rejected") {
			t.Errorf("error = %v", err)
		}
	})
}

func TestMigrateCmd(t *testing.T) {
	t.Run("memory is a no-op", func(t *testing.T) {
		setMemoryEnv(t, "https://ntfy.sh")

		if _, err := runCmd(t, "migrate"); err != nil {
			t.Fatalf("migrate error: %v", err)
		}
	})

	t.Run("sqlite", func(t *testing.T) {
		setMemoryEnv(t, "https://ntfy.sh")
		t.Setenv("DATABASE_URL", "sqlite3://"+filepath.Join(t.TempDir(), "pushbox.db"))

		if _, err := runCmd(t, "migrate"); err != nil {
			t.Fatalf("migrate error: %v", err)
		}
		// 2回目は適用済みのため変化なしで成功する
		if _, err := runCmd(t, "migrate"); err != nil {
			t.Fatalf("second migrate error: %v", err)
		}
	})
}

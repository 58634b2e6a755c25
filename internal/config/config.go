package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Server
	DefaultServerURL string

	// Credentials
	CredentialsFile string

	// Sync
	CatchUpWindow        time.Duration
	FetchTimeout         time.Duration
	FetchResourceTimeout time.Duration
	StreamProtocol       string

	// Workers
	RefreshInterval      time.Duration
	RefreshMaxConcurrent int
	CleanupInterval      time.Duration

	// Control API
	ListenAddr   string
	RateLimitAPI int

	// Icon
	IconMaxSize int64

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// 端末上で単独動作するクライアントのため必須項目はなく、未設定時はデフォルト値を使う。
func Load() *Config {
	base := defaultConfigDir()

	cfg := &Config{}
	cfg.DatabaseURL = getEnvString("DATABASE_URL", "sqlite3://"+filepath.Join(base, "pushbox.db"))
	cfg.DefaultServerURL = strings.TrimRight(getEnvString("DEFAULT_SERVER_URL", "https://ntfy.sh"), "/")
	cfg.CredentialsFile = getEnvStringAllowEmpty("CREDENTIALS_FILE", filepath.Join(base, "credentials.json"))
	cfg.CatchUpWindow = getEnvDuration("CATCH_UP_WINDOW", 72*time.Hour)
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 30*time.Second)
	cfg.FetchResourceTimeout = getEnvDuration("FETCH_RESOURCE_TIMEOUT", 120*time.Second)
	cfg.StreamProtocol = getEnvChoice("STREAM_PROTOCOL", "sse", "sse", "ws")
	cfg.RefreshInterval = getEnvDuration("REFRESH_INTERVAL", 15*time.Minute)
	cfg.RefreshMaxConcurrent = getEnvInt("REFRESH_MAX_CONCURRENT", 4)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", time.Hour)
	cfg.ListenAddr = getEnvString("LISTEN_ADDR", "127.0.0.1:8090")
	cfg.RateLimitAPI = getEnvInt("RATE_LIMIT_API", 120)
	cfg.IconMaxSize = getEnvInt64("ICON_MAX_SIZE", 524288)
	cfg.LogLevel = getEnvChoice("LOG_LEVEL", "info", "debug", "info", "warn", "error")

	return cfg
}

// defaultConfigDir はデータファイルの既定ディレクトリを返す。
// ユーザー設定ディレクトリが取得できない場合はカレントディレクトリを使う。
func defaultConfigDir() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return "."
	}
	return filepath.Join(dir, "pushbox")
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// getEnvStringAllowEmpty は明示的な空文字の設定を尊重する。
func getEnvStringAllowEmpty(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func getEnvChoice(key, defaultVal string, choices ...string) string {
	v := strings.ToLower(os.Getenv(key))
	for _, c := range choices {
		if v == c {
			return v
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil || i <= 0 {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil || i <= 0 {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

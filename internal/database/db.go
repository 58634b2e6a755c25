package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// ドライバ名。
const (
	DriverPostgres = "postgres"
	DriverSQLite3  = "sqlite3"
	DriverMemory   = "memory"
)

// DriverOf はDATABASE_URLのスキームからドライバ名を判定する。
func DriverOf(databaseURL string) (string, error) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return DriverPostgres, nil
	case strings.HasPrefix(databaseURL, "sqlite3://"):
		return DriverSQLite3, nil
	case databaseURL == "memory:":
		return DriverMemory, nil
	default:
		return "", fmt.Errorf("unsupported database url scheme: %q", databaseURL)
	}
}

// Open はDATABASE_URLに応じてPostgreSQLまたはSQLiteの接続を開き、ドライバ名とともに返す。
// sql.Openは接続を試行しないため、実際の接続確認にはdb.Ping()を使用すること。
// "memory:" はSQLデータベースを使わないためエラーを返す。
func Open(databaseURL string) (*sql.DB, string, error) {
	driver, err := DriverOf(databaseURL)
	if err != nil {
		return nil, "", err
	}

	switch driver {
	case DriverPostgres:
		db, err := sql.Open("postgres", databaseURL)
		if err != nil {
			return nil, "", fmt.Errorf("failed to open database: %w", err)
		}
		return db, driver, nil

	case DriverSQLite3:
		path := SQLitePath(databaseURL)
		if err := ensureDir(path); err != nil {
			return nil, "", err
		}
		db, err := sql.Open("sqlite3", sqliteDSN(path))
		if err != nil {
			return nil, "", fmt.Errorf("failed to open database: %w", err)
		}
		// SQLiteは書き込みが単一接続に直列化されるため、接続を1本に絞ってロック競合を避ける。
		db.SetMaxOpenConns(1)
		return db, driver, nil

	default:
		return nil, "", fmt.Errorf("driver %q does not use database/sql", driver)
	}
}

// SQLitePath は "sqlite3://" URLからファイルパスを取り出す（クエリ部分は除く）。
func SQLitePath(databaseURL string) string {
	path := strings.TrimPrefix(databaseURL, "sqlite3://")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return path
}

// ensureDir はSQLiteファイルの親ディレクトリを作成する。
func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}
	return nil
}

// sqliteDSN は外部キー制約とビジー待ちを有効にしたDSNを返す。
// ON DELETE CASCADEはSQLiteでは接続ごとに外部キーを有効にしないと動作しない。
func sqliteDSN(path string) string {
	return "file:" + path + "?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL"
}

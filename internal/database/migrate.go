// Package database はデータベース接続とマイグレーション管理を提供する。
package database

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// ドライバごとにDDLの方言が異なるため、マイグレーションはディレクトリを分けて保持する。
//
//go:embed migrations/postgres/*.sql migrations/sqlite3/*.sql
var migrationsFS embed.FS

// NewMigrator はマイグレーション実行用のmigrateインスタンスを生成する。
// databaseURLは "postgres://" または "sqlite3://" のURLを指定する。
func NewMigrator(databaseURL string) (*migrate.Migrate, error) {
	driver, err := DriverOf(databaseURL)
	if err != nil {
		return nil, err
	}
	if driver == DriverMemory {
		return nil, fmt.Errorf("memory store has no migrations")
	}

	if driver == DriverSQLite3 {
		if err := ensureDir(SQLitePath(databaseURL)); err != nil {
			return nil, err
		}
	}

	source, err := iofs.New(migrationsFS, "migrations/"+driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, migrationURL(driver, databaseURL))
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}

	return m, nil
}

// RunMigrations はすべてのマイグレーションを適用する。
// すでに最新の場合、およびインメモリストアの場合はエラーなしで返る。
func RunMigrations(databaseURL string) error {
	driver, err := DriverOf(databaseURL)
	if err != nil {
		return err
	}
	if driver == DriverMemory {
		return nil
	}

	m, err := NewMigrator(databaseURL)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// migrationURL はgolang-migrateのドライバが解釈できるURLに変換する。
// sqlite3ドライバは "sqlite3://" 以降をそのままDSNとして扱う。
func migrationURL(driver, databaseURL string) string {
	if driver == DriverSQLite3 {
		return "sqlite3://" + SQLitePath(databaseURL) + "?_foreign_keys=on"
	}
	return databaseURL
}

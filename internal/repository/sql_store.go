package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Querier は*sql.DBと*sql.Txの共通インターフェース。
// リポジトリは接続とトランザクションのどちらにも束縛できる。
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLStore はdatabase/sqlを使用したメッセージストア。
// PostgreSQLとSQLiteで同じクエリを共有する。
// SQLiteでは "$N" が名前付きパラメータとして出現順に番号付けされるため、
// 各クエリでプレースホルダは昇順に初出させること。
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore はSQLStoreを生成する。
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

var _ Store = (*SQLStore)(nil)

// Repositories はトランザクション外で使うリポジトリを返す。
func (s *SQLStore) Repositories() Repositories {
	return newSQLRepositories(s.db)
}

// WithinTx はfnを1つのトランザクション内で実行する。
// fn内ではreposのみを使用すること（SQLiteは接続が1本のため、外側のdbを使うとデッドロックする）。
func (s *SQLStore) WithinTx(ctx context.Context, fn func(ctx context.Context, repos Repositories) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(ctx, newSQLRepositories(tx)); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

func newSQLRepositories(q Querier) Repositories {
	return Repositories{
		Topics:     NewSQLTopicRepo(q),
		Messages:   NewSQLMessageRepo(q),
		Tombstones: NewSQLTombstoneRepo(q),
		Servers:    NewSQLServerRepo(q),
	}
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

// nullString は空文字をNULLとして扱うsql.NullStringを返す。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringから文字列を取得する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// nullTime はnilをNULLとして扱うsql.NullTimeを返す。
// SQLiteでは時刻を文字列で比較するため、常にUTCに揃えて保存する。
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// nullTimePtr はsql.NullTimeを*time.Timeに変換する。
func nullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

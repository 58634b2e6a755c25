package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/pushbox/internal/model"
)

// SQLServerRepo はSQLを使用したサーバーリポジトリ。
type SQLServerRepo struct {
	q Querier
}

// NewSQLServerRepo はSQLServerRepoを生成する。
func NewSQLServerRepo(q Querier) *SQLServerRepo {
	return &SQLServerRepo{q: q}
}

var _ ServerRepository = (*SQLServerRepo)(nil)

const serverColumns = `id, url, name, requires_auth, username, is_default, added_at`

func scanServer(s rowScanner) (*model.Server, error) {
	srv := &model.Server{}
	if err := s.Scan(
		&srv.ID, &srv.URL, &srv.Name, &srv.RequiresAuth, &srv.Username, &srv.IsDefault, &srv.AddedAt,
	); err != nil {
		return nil, err
	}
	srv.AddedAt = srv.AddedAt.UTC()
	return srv, nil
}

func (r *SQLServerRepo) findOne(ctx context.Context, query string, args ...any) (*model.Server, error) {
	srv, err := scanServer(r.q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("サーバーの取得に失敗しました: %w", err)
	}
	return srv, nil
}

// FindByID は指定IDのサーバーを取得する。見つからない場合はnilを返す。
func (r *SQLServerRepo) FindByID(ctx context.Context, id string) (*model.Server, error) {
	return r.findOne(ctx, `SELECT `+serverColumns+` FROM servers WHERE id = $1`, id)
}

// FindByURL はURLでサーバーを検索する。見つからない場合はnilを返す。
func (r *SQLServerRepo) FindByURL(ctx context.Context, url string) (*model.Server, error) {
	return r.findOne(ctx, `SELECT `+serverColumns+` FROM servers WHERE url = $1`, url)
}

// FindDefault はデフォルトサーバーを返す。未設定の場合はnilを返す。
func (r *SQLServerRepo) FindDefault(ctx context.Context) (*model.Server, error) {
	return r.findOne(ctx, `SELECT `+serverColumns+` FROM servers WHERE is_default = TRUE`)
}

// List は全サーバーを追加日時の昇順で返す。
func (r *SQLServerRepo) List(ctx context.Context) ([]*model.Server, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+serverColumns+` FROM servers ORDER BY added_at ASC, url ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("サーバー一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var servers []*model.Server
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, fmt.Errorf("サーバーの読み取りに失敗しました: %w", err)
		}
		servers = append(servers, srv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("サーバー一覧の走査に失敗しました: %w", err)
	}
	return servers, nil
}

// Create はサーバーを作成する。
func (r *SQLServerRepo) Create(ctx context.Context, srv *model.Server) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO servers (id, url, name, requires_auth, username, is_default, added_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		srv.ID, srv.URL, srv.Name, srv.RequiresAuth, srv.Username, srv.IsDefault, srv.AddedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("サーバーの作成に失敗しました: %w", err)
	}
	return nil
}

// ClearDefault は全サーバーのデフォルトフラグを下ろす。
func (r *SQLServerRepo) ClearDefault(ctx context.Context) error {
	if _, err := r.q.ExecContext(ctx,
		`UPDATE servers SET is_default = FALSE WHERE is_default = TRUE`,
	); err != nil {
		return fmt.Errorf("デフォルトサーバーの解除に失敗しました: %w", err)
	}
	return nil
}

// SetDefault は指定サーバーにデフォルトフラグを立てる。
func (r *SQLServerRepo) SetDefault(ctx context.Context, id string) (bool, error) {
	result, err := r.q.ExecContext(ctx,
		`UPDATE servers SET is_default = TRUE WHERE id = $1`, id,
	)
	if err != nil {
		return false, fmt.Errorf("デフォルトサーバーの設定に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	return n > 0, nil
}

// Delete は指定IDのサーバーを削除する。
func (r *SQLServerRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.q.ExecContext(ctx, `DELETE FROM servers WHERE id = $1`, id); err != nil {
		return fmt.Errorf("サーバーの削除に失敗しました: %w", err)
	}
	return nil
}

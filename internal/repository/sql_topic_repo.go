package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/pushbox/internal/model"
)

// SQLTopicRepo はSQLを使用したトピックリポジトリ。
type SQLTopicRepo struct {
	q Querier
}

// NewSQLTopicRepo はSQLTopicRepoを生成する。
func NewSQLTopicRepo(q Querier) *SQLTopicRepo {
	return &SQLTopicRepo{q: q}
}

var _ TopicRepository = (*SQLTopicRepo)(nil)

const topicColumns = `id, name, server_url, requires_auth, icon, letter, color, muted, created_at, last_message_at`

func scanTopic(s rowScanner) (*model.Topic, error) {
	t := &model.Topic{}
	var lastMessageAt sql.NullTime
	if err := s.Scan(
		&t.ID, &t.Name, &t.ServerURL, &t.RequiresAuth,
		&t.Icon, &t.Letter, &t.Color, &t.Muted,
		&t.CreatedAt, &lastMessageAt,
	); err != nil {
		return nil, err
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.LastMessageAt = nullTimePtr(lastMessageAt)
	return t, nil
}

// FindByID は指定IDのトピックを取得する。見つからない場合はnilを返す。
func (r *SQLTopicRepo) FindByID(ctx context.Context, id string) (*model.Topic, error) {
	t, err := scanTopic(r.q.QueryRowContext(ctx,
		`SELECT `+topicColumns+` FROM topics WHERE id = $1`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("トピックの取得に失敗しました: %w", err)
	}
	return t, nil
}

// FindByServerAndName はサーバーURLとトピック名でトピックを検索する。
func (r *SQLTopicRepo) FindByServerAndName(ctx context.Context, serverURL, name string) (*model.Topic, error) {
	t, err := scanTopic(r.q.QueryRowContext(ctx,
		`SELECT `+topicColumns+` FROM topics WHERE server_url = $1 AND name = $2`,
		serverURL, name,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("トピックの検索に失敗しました: %w", err)
	}
	return t, nil
}

// List は全トピックを作成日時の昇順で返す。
func (r *SQLTopicRepo) List(ctx context.Context) ([]*model.Topic, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+topicColumns+` FROM topics ORDER BY created_at ASC, name ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("トピック一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var topics []*model.Topic
	for rows.Next() {
		t, err := scanTopic(rows)
		if err != nil {
			return nil, fmt.Errorf("トピックの読み取りに失敗しました: %w", err)
		}
		topics = append(topics, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("トピック一覧の走査に失敗しました: %w", err)
	}
	return topics, nil
}

// Create はトピックを作成する。
func (r *SQLTopicRepo) Create(ctx context.Context, t *model.Topic) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO topics (id, name, server_url, requires_auth, icon, letter, color, muted, created_at, last_message_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.Name, t.ServerURL, t.RequiresAuth, t.Icon, t.Letter, t.Color, t.Muted,
		t.CreatedAt.UTC(), nullTime(t.LastMessageAt),
	)
	if err != nil {
		return fmt.Errorf("トピックの作成に失敗しました: %w", err)
	}
	return nil
}

// UpdateLastMessageAt はlast_message_atを更新する。
func (r *SQLTopicRepo) UpdateLastMessageAt(ctx context.Context, id string, at time.Time) error {
	_, err := r.q.ExecContext(ctx,
		`UPDATE topics SET last_message_at = $1 WHERE id = $2`,
		at.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("最終メッセージ時刻の更新に失敗しました: %w", err)
	}
	return nil
}

// UpdateMuted はミュート状態を更新する。
func (r *SQLTopicRepo) UpdateMuted(ctx context.Context, id string, muted bool) error {
	_, err := r.q.ExecContext(ctx,
		`UPDATE topics SET muted = $1 WHERE id = $2`,
		muted, id,
	)
	if err != nil {
		return fmt.Errorf("ミュート状態の更新に失敗しました: %w", err)
	}
	return nil
}

// UpdateDisplay は表示用カスタマイズを更新する。
func (r *SQLTopicRepo) UpdateDisplay(ctx context.Context, id, icon, letter, color string) error {
	_, err := r.q.ExecContext(ctx,
		`UPDATE topics SET icon = $1, letter = $2, color = $3 WHERE id = $4`,
		icon, letter, color, id,
	)
	if err != nil {
		return fmt.Errorf("表示設定の更新に失敗しました: %w", err)
	}
	return nil
}

// Delete は指定IDのトピックを削除する。
func (r *SQLTopicRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.q.ExecContext(ctx, `DELETE FROM topics WHERE id = $1`, id); err != nil {
		return fmt.Errorf("トピックの削除に失敗しました: %w", err)
	}
	return nil
}

package repository

import (
	"context"
	"fmt"

	"github.com/hitoshi/pushbox/internal/model"
)

// SQLTombstoneRepo はSQLを使用したトゥームストーンリポジトリ。
type SQLTombstoneRepo struct {
	q Querier
}

// NewSQLTombstoneRepo はSQLTombstoneRepoを生成する。
func NewSQLTombstoneRepo(q Querier) *SQLTombstoneRepo {
	return &SQLTombstoneRepo{q: q}
}

var _ TombstoneRepository = (*SQLTombstoneRepo)(nil)

// Exists は (messageID, topicName, serverURL) のトゥームストーンが存在するかを返す。
func (r *SQLTombstoneRepo) Exists(ctx context.Context, messageID, topicName, serverURL string) (bool, error) {
	var n int
	err := r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tombstones WHERE message_id = $1 AND topic_name = $2 AND server_url = $3`,
		messageID, topicName, serverURL,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("トゥームストーンの確認に失敗しました: %w", err)
	}
	return n > 0, nil
}

// Create はトゥームストーンを作成する。既に存在する場合は何もしない。
func (r *SQLTombstoneRepo) Create(ctx context.Context, ts *model.Tombstone) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO tombstones (id, topic_id, message_id, topic_name, server_url, deleted_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (message_id, topic_name, server_url) DO NOTHING`,
		ts.ID, ts.TopicID, ts.MessageID, ts.TopicName, ts.ServerURL, ts.DeletedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("トゥームストーンの作成に失敗しました: %w", err)
	}
	return nil
}

// DeleteByTopic はトピックの全トゥームストーンを削除する。
func (r *SQLTombstoneRepo) DeleteByTopic(ctx context.Context, topicID string) error {
	if _, err := r.q.ExecContext(ctx, `DELETE FROM tombstones WHERE topic_id = $1`, topicID); err != nil {
		return fmt.Errorf("トゥームストーンの削除に失敗しました: %w", err)
	}
	return nil
}

// CountByTopic はトピックのトゥームストーン数を返す。
func (r *SQLTombstoneRepo) CountByTopic(ctx context.Context, topicID string) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tombstones WHERE topic_id = $1`, topicID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("トゥームストーン数の取得に失敗しました: %w", err)
	}
	return n, nil
}

package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/pushbox/internal/model"
)

// SQLMessageRepo はSQLを使用したメッセージリポジトリ。
// タグ・アクション・添付ファイルはJSON文字列として保存し、読み出し時にデコードする。
type SQLMessageRepo struct {
	q Querier
}

// NewSQLMessageRepo はSQLMessageRepoを生成する。
func NewSQLMessageRepo(q Querier) *SQLMessageRepo {
	return &SQLMessageRepo{q: q}
}

var _ MessageRepository = (*SQLMessageRepo)(nil)

const messageColumns = `id, topic_id, message_id, sent_at, expires_at, title, body, tags, priority,
	click, icon, actions_json, attachment_json, is_read, received_at`

func scanMessage(s rowScanner) (*model.StoredMessage, error) {
	m := &model.StoredMessage{}
	var expiresAt sql.NullTime
	var tagsJSON, actionsJSON string
	var attachmentJSON sql.NullString

	if err := s.Scan(
		&m.ID, &m.TopicID, &m.MessageID, &m.Time, &expiresAt,
		&m.Title, &m.Body, &tagsJSON, &m.Priority,
		&m.Click, &m.Icon, &actionsJSON, &attachmentJSON,
		&m.IsRead, &m.ReceivedAt,
	); err != nil {
		return nil, err
	}

	m.Time = m.Time.UTC()
	m.ReceivedAt = m.ReceivedAt.UTC()
	m.ExpiresAt = nullTimePtr(expiresAt)

	// 壊れたBLOBで一覧全体を失敗させないよう、デコードできない付随情報は空として扱う。
	if tagsJSON != "" {
		_ = json.Unmarshal([]byte(tagsJSON), &m.Tags)
	}
	if actionsJSON != "" {
		_ = json.Unmarshal([]byte(actionsJSON), &m.Actions)
	}
	if v := nullStringValue(attachmentJSON); v != "" {
		var a model.Attachment
		if err := json.Unmarshal([]byte(v), &a); err == nil {
			m.Attachment = &a
		}
	}
	return m, nil
}

// FindByID はストレージIDでメッセージを取得する。見つからない場合はnilを返す。
func (r *SQLMessageRepo) FindByID(ctx context.Context, id string) (*model.StoredMessage, error) {
	m, err := scanMessage(r.q.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("メッセージの取得に失敗しました: %w", err)
	}
	return m, nil
}

// ExistsByMessageID はトピック内にサーバー割り当てIDのメッセージが存在するかを返す。
func (r *SQLMessageRepo) ExistsByMessageID(ctx context.Context, topicID, messageID string) (bool, error) {
	var n int
	err := r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE topic_id = $1 AND message_id = $2`,
		topicID, messageID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("メッセージの存在確認に失敗しました: %w", err)
	}
	return n > 0, nil
}

// Create はメッセージを作成する。
func (r *SQLMessageRepo) Create(ctx context.Context, m *model.StoredMessage) error {
	tags, err := marshalJSON(m.Tags, "[]")
	if err != nil {
		return fmt.Errorf("タグのエンコードに失敗しました: %w", err)
	}
	actions, err := marshalJSON(m.Actions, "[]")
	if err != nil {
		return fmt.Errorf("アクションのエンコードに失敗しました: %w", err)
	}
	var attachment sql.NullString
	if m.Attachment != nil {
		b, err := json.Marshal(m.Attachment)
		if err != nil {
			return fmt.Errorf("添付ファイル情報のエンコードに失敗しました: %w", err)
		}
		attachment = nullString(string(b))
	}

	_, err = r.q.ExecContext(ctx,
		`INSERT INTO messages (id, topic_id, message_id, sent_at, expires_at, title, body, tags, priority,
		                       click, icon, actions_json, attachment_json, is_read, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		m.ID, m.TopicID, m.MessageID, m.Time.UTC(), nullTime(m.ExpiresAt),
		m.Title, m.Body, tags, m.Priority,
		m.Click, m.Icon, actions, attachment,
		m.IsRead, m.ReceivedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("メッセージの作成に失敗しました: %w", err)
	}
	return nil
}

// ListByTopic はトピックのメッセージを送信時刻の降順で返す。
func (r *SQLMessageRepo) ListByTopic(ctx context.Context, topicID string, filter model.MessageFilter, limit int) ([]*model.StoredMessage, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE topic_id = $1`
	args := []any{topicID}

	switch filter {
	case model.MessageFilterUnread:
		query += " AND is_read = FALSE"
	case model.MessageFilterAll:
		// 全件: 追加条件なし
	}

	query += " ORDER BY sent_at DESC, received_at DESC"
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("メッセージ一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var messages []*model.StoredMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("メッセージの読み取りに失敗しました: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("メッセージ一覧の走査に失敗しました: %w", err)
	}
	return messages, nil
}

// UpdateRead は既読状態を更新する。
func (r *SQLMessageRepo) UpdateRead(ctx context.Context, id string, read bool) (bool, error) {
	result, err := r.q.ExecContext(ctx,
		`UPDATE messages SET is_read = $1 WHERE id = $2`,
		read, id,
	)
	if err != nil {
		return false, fmt.Errorf("既読状態の更新に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	return n > 0, nil
}

// MarkAllRead はトピックの全メッセージを既読にする。
func (r *SQLMessageRepo) MarkAllRead(ctx context.Context, topicID string) (int64, error) {
	result, err := r.q.ExecContext(ctx,
		`UPDATE messages SET is_read = TRUE WHERE topic_id = $1 AND is_read = FALSE`,
		topicID,
	)
	if err != nil {
		return 0, fmt.Errorf("一括既読化に失敗しました: %w", err)
	}
	return result.RowsAffected()
}

// CountUnread はトピックの未読数を返す。
func (r *SQLMessageRepo) CountUnread(ctx context.Context, topicID string) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE topic_id = $1 AND is_read = FALSE`,
		topicID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("未読数の取得に失敗しました: %w", err)
	}
	return n, nil
}

// CountUnreadAll は全トピックの未読数の合計を返す。
func (r *SQLMessageRepo) CountUnreadAll(ctx context.Context) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE is_read = FALSE`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("未読数の取得に失敗しました: %w", err)
	}
	return n, nil
}

// CountUnreadByTopic はトピックIDごとの未読数を返す。
func (r *SQLMessageRepo) CountUnreadByTopic(ctx context.Context) (map[string]int, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT topic_id, COUNT(*) FROM messages WHERE is_read = FALSE GROUP BY topic_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("トピック別未読数の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var topicID string
		var n int
		if err := rows.Scan(&topicID, &n); err != nil {
			return nil, fmt.Errorf("未読数の読み取りに失敗しました: %w", err)
		}
		counts[topicID] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("未読数の走査に失敗しました: %w", err)
	}
	return counts, nil
}

// Delete は指定IDのメッセージを削除する。
func (r *SQLMessageRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.q.ExecContext(ctx, `DELETE FROM messages WHERE id = $1`, id); err != nil {
		return fmt.Errorf("メッセージの削除に失敗しました: %w", err)
	}
	return nil
}

// DeleteByTopic はトピックの全メッセージを削除する。
func (r *SQLMessageRepo) DeleteByTopic(ctx context.Context, topicID string) (int64, error) {
	result, err := r.q.ExecContext(ctx, `DELETE FROM messages WHERE topic_id = $1`, topicID)
	if err != nil {
		return 0, fmt.Errorf("トピックのメッセージ削除に失敗しました: %w", err)
	}
	return result.RowsAffected()
}

// DeleteExpired はexpires_atがnowより前のメッセージを削除する。
func (r *SQLMessageRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.q.ExecContext(ctx,
		`DELETE FROM messages WHERE expires_at IS NOT NULL AND expires_at < $1`,
		now.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("期限切れメッセージの削除に失敗しました: %w", err)
	}
	return result.RowsAffected()
}

// marshalJSON はnilスライスを空配列として扱ってJSONエンコードする。
func marshalJSON[T any](v []T, empty string) (string, error) {
	if len(v) == 0 {
		return empty, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

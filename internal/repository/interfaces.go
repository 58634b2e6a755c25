// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/pushbox/internal/model"
)

// TopicRepository はトピックの永続化インターフェース。
type TopicRepository interface {
	// FindByID は指定IDのトピックを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Topic, error)

	// FindByServerAndName はサーバーURLとトピック名でトピックを検索する。見つからない場合はnilを返す。
	FindByServerAndName(ctx context.Context, serverURL, name string) (*model.Topic, error)

	// List は全トピックを作成日時の昇順で返す。
	List(ctx context.Context) ([]*model.Topic, error)

	// Create はトピックを作成する。
	Create(ctx context.Context, topic *model.Topic) error

	// UpdateLastMessageAt はlast_message_atを更新する。
	// 単調性の判定は呼び出し側（model.Topic.ObserveMessageTime）で行う。
	UpdateLastMessageAt(ctx context.Context, id string, at time.Time) error

	// UpdateMuted はミュート状態を更新する。
	UpdateMuted(ctx context.Context, id string, muted bool) error

	// UpdateDisplay は表示用カスタマイズ（icon/letter/color）を更新する。
	UpdateDisplay(ctx context.Context, id, icon, letter, color string) error

	// Delete は指定IDのトピックを削除する。
	// 所属するmessagesとtombstonesはCASCADE削除される。
	Delete(ctx context.Context, id string) error
}

// MessageRepository は保存済みメッセージの永続化インターフェース。
type MessageRepository interface {
	// FindByID はストレージIDでメッセージを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.StoredMessage, error)

	// ExistsByMessageID はトピック内にサーバー割り当てIDのメッセージが存在するかを返す。
	ExistsByMessageID(ctx context.Context, topicID, messageID string) (bool, error)

	// Create はメッセージを作成する。
	Create(ctx context.Context, msg *model.StoredMessage) error

	// ListByTopic はトピックのメッセージを送信時刻の降順で返す。
	// limitが0以下の場合は全件を返す。
	ListByTopic(ctx context.Context, topicID string, filter model.MessageFilter, limit int) ([]*model.StoredMessage, error)

	// UpdateRead は既読状態を更新する。対象が存在しない場合はfalseを返す。
	UpdateRead(ctx context.Context, id string, read bool) (bool, error)

	// MarkAllRead はトピックの全メッセージを既読にし、更新件数を返す。
	MarkAllRead(ctx context.Context, topicID string) (int64, error)

	// CountUnread はトピックの未読数を返す。
	CountUnread(ctx context.Context, topicID string) (int, error)

	// CountUnreadAll は全トピックの未読数の合計を返す。
	CountUnreadAll(ctx context.Context) (int, error)

	// CountUnreadByTopic はトピックIDごとの未読数を返す。未読のないトピックは含まれない。
	CountUnreadByTopic(ctx context.Context) (map[string]int, error)

	// Delete は指定IDのメッセージを削除する。
	Delete(ctx context.Context, id string) error

	// DeleteByTopic はトピックの全メッセージを削除し、削除件数を返す。
	DeleteByTopic(ctx context.Context, topicID string) (int64, error)

	// DeleteExpired はexpires_atがnowより前のメッセージを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// TombstoneRepository はユーザー削除済みメッセージの記録の永続化インターフェース。
type TombstoneRepository interface {
	// Exists は (messageID, topicName, serverURL) のトゥームストーンが存在するかを返す。
	Exists(ctx context.Context, messageID, topicName, serverURL string) (bool, error)

	// Create はトゥームストーンを作成する。既に存在する場合は何もしない。
	Create(ctx context.Context, tombstone *model.Tombstone) error

	// DeleteByTopic はトピックの全トゥームストーンを削除する。
	DeleteByTopic(ctx context.Context, topicID string) error

	// CountByTopic はトピックのトゥームストーン数を返す。
	CountByTopic(ctx context.Context, topicID string) (int, error)
}

// ServerRepository は登録サーバーの永続化インターフェース。
type ServerRepository interface {
	// FindByID は指定IDのサーバーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Server, error)

	// FindByURL はURLでサーバーを検索する。見つからない場合はnilを返す。
	FindByURL(ctx context.Context, url string) (*model.Server, error)

	// FindDefault はデフォルトサーバーを返す。未設定の場合はnilを返す。
	FindDefault(ctx context.Context) (*model.Server, error)

	// List は全サーバーを追加日時の昇順で返す。
	List(ctx context.Context) ([]*model.Server, error)

	// Create はサーバーを作成する。
	Create(ctx context.Context, server *model.Server) error

	// ClearDefault は全サーバーのデフォルトフラグを下ろす。
	ClearDefault(ctx context.Context) error

	// SetDefault は指定サーバーにデフォルトフラグを立てる。対象が存在しない場合はfalseを返す。
	// 他サーバーのフラグは変更しないため、ClearDefaultと同一トランザクションで呼ぶこと。
	SetDefault(ctx context.Context, id string) (bool, error)

	// Delete は指定IDのサーバーを削除する。
	Delete(ctx context.Context, id string) error
}

// Repositories は同一の接続（またはトランザクション）に束縛されたリポジトリの組。
type Repositories struct {
	Topics     TopicRepository
	Messages   MessageRepository
	Tombstones TombstoneRepository
	Servers    ServerRepository
}

// Transactor はスコープ付きトランザクションを提供する。
// fnがnilを返した場合のみコミットし、エラー・panic・キャンセルではロールバックする。
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context, repos Repositories) error) error
}

// Store はメッセージストア全体を表す。
type Store interface {
	Transactor
	Repositories() Repositories
}

package model

import "time"

// イベント種別。保存対象はEventMessageのみ。
const (
	EventMessage     = "message"
	EventOpen        = "open"
	EventKeepalive   = "keepalive"
	EventPollRequest = "poll_request"
)

// メッセージ優先度（1〜5）。ワイヤー上の0はデフォルト扱い。
const (
	PriorityMin     = 1
	PriorityLow     = 2
	PriorityDefault = 3
	PriorityHigh    = 4
	PriorityUrgent  = 5
)

// Message はサーバーから受信したワイヤー形式のメッセージを表す。
type Message struct {
	ID         string      `json:"id"`
	Time       int64       `json:"time"`
	Expires    int64       `json:"expires,omitempty"`
	Event      string      `json:"event"`
	Topic      string      `json:"topic"`
	Title      string      `json:"title,omitempty"`
	Message    string      `json:"message,omitempty"`
	Tags       []string    `json:"tags,omitempty"`
	Priority   int         `json:"priority,omitempty"`
	Click      string      `json:"click,omitempty"`
	Icon       string      `json:"icon,omitempty"`
	Actions    []Action    `json:"actions,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// IsMessageEvent は保存対象の "message" イベントかどうかを返す。
func (m *Message) IsMessageEvent() bool {
	return m.Event == EventMessage
}

// Timestamp はエポック秒をtime.Timeに変換して返す。
func (m *Message) Timestamp() time.Time {
	return time.Unix(m.Time, 0).UTC()
}

// EffectivePriority は未指定(0)をデフォルト優先度に読み替えた値を返す。
func (m *Message) EffectivePriority() int {
	return NormalizePriority(m.Priority)
}

// NormalizePriority は範囲外の優先度をデフォルトに丸める。
func NormalizePriority(p int) int {
	if p < PriorityMin || p > PriorityUrgent {
		return PriorityDefault
	}
	return p
}

// Action はメッセージに付随するユーザーアクションを表す。
type Action struct {
	ID      string            `json:"id,omitempty"`
	Action  string            `json:"action"`
	Label   string            `json:"label"`
	URL     string            `json:"url,omitempty"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
	Clear   bool              `json:"clear,omitempty"`
}

// Attachment はメッセージの添付ファイル情報を表す。
type Attachment struct {
	Name    string `json:"name"`
	Type    string `json:"type,omitempty"`
	Size    int64  `json:"size,omitempty"`
	Expires int64  `json:"expires,omitempty"`
	URL     string `json:"url"`
}

// StoredMessage はローカルに永続化されたメッセージを表す。
// 各StoredMessageはちょうど1つのTopicに所属する。
type StoredMessage struct {
	ID         string // ローカル生成のストレージID
	TopicID    string
	MessageID  string // サーバー割り当てのID
	Time       time.Time
	ExpiresAt  *time.Time
	Title      string
	Body       string
	Tags       []string
	Priority   int
	Click      string
	Icon       string
	Actions    []Action
	Attachment *Attachment
	IsRead     bool
	ReceivedAt time.Time
}

// NewStoredMessage はワイヤー形式のメッセージから未読のStoredMessageを生成する。
func NewStoredMessage(id, topicID string, msg *Message, receivedAt time.Time) *StoredMessage {
	sm := &StoredMessage{
		ID:         id,
		TopicID:    topicID,
		MessageID:  msg.ID,
		Time:       msg.Timestamp(),
		Title:      msg.Title,
		Body:       msg.Message,
		Tags:       msg.Tags,
		Priority:   msg.EffectivePriority(),
		Click:      msg.Click,
		Icon:       msg.Icon,
		Actions:    msg.Actions,
		Attachment: msg.Attachment,
		IsRead:     false,
		ReceivedAt: receivedAt,
	}
	if msg.Expires > 0 {
		exp := time.Unix(msg.Expires, 0).UTC()
		sm.ExpiresAt = &exp
	}
	return sm
}

// MessageFilter はメッセージ一覧のフィルタ種別を表す。
type MessageFilter string

const (
	// MessageFilterAll は全メッセージを表示するフィルタ。
	MessageFilterAll MessageFilter = "all"
	// MessageFilterUnread は未読メッセージのみを表示するフィルタ。
	MessageFilterUnread MessageFilter = "unread"
)

// Tombstone はユーザーが削除したメッセージの記録。
// 同じ (MessageID, TopicName, ServerURL) は再取得やストリーム再送で復活させない。
type Tombstone struct {
	ID        string
	TopicID   string
	MessageID string
	TopicName string
	ServerURL string
	DeletedAt time.Time
}

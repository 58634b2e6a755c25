// Package model はドメインモデルを定義する。
package model

import (
	"regexp"
	"strings"
	"time"
)

// topicNamePattern はサーバーが受け付けるトピック名の形式。
var topicNamePattern = regexp.MustCompile(`^[-_A-Za-z0-9]{1,64}$`)

// Topic はサーバー上の名前付きトピックへの購読を表す。
// Topicを削除すると所属するStoredMessageとTombstoneもCASCADE削除される。
type Topic struct {
	ID           string
	Name         string
	ServerURL    string
	RequiresAuth bool

	// 表示用カスタマイズ。同期処理では解釈しない。
	Icon   string
	Letter string
	Color  string

	Muted         bool
	CreatedAt     time.Time
	LastMessageAt *time.Time
}

// Key はサブスクリプション管理で使う (serverURL, topic) のキーを返す。
func (t *Topic) Key() TopicKey {
	return TopicKey{ServerURL: t.ServerURL, Topic: t.Name}
}

// ObserveMessageTime はlastMessageAtを単調非減少で更新する。
// 値が進んだ場合はtrueを返す。
func (t *Topic) ObserveMessageTime(at time.Time) bool {
	if t.LastMessageAt != nil && !at.After(*t.LastMessageAt) {
		return false
	}
	v := at
	t.LastMessageAt = &v
	return true
}

// TopicKey は1本のストリームを識別する (serverURL, topic) の組。
type TopicKey struct {
	ServerURL string
	Topic     string
}

// String はログ出力用の表現を返す。
func (k TopicKey) String() string {
	return k.ServerURL + "/" + k.Topic
}

// NormalizeServerURL は末尾のスラッシュを除去したサーバーURLを返す。
func NormalizeServerURL(raw string) string {
	return strings.TrimRight(strings.TrimSpace(raw), "/")
}

// IsValidTopicName はトピック名が英数字・ハイフン・アンダースコアの1〜64文字かを返す。
func IsValidTopicName(name string) bool {
	return topicNamePattern.MatchString(name)
}

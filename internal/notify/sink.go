// Package notify はユーザー通知の出力先を抽象化する。
// プラットフォーム固有の通知基盤はSinkを実装して差し込む。
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Notification は表示する1件の通知。
// TitleとBodyはサニタイズ済みのプレーンテキスト。
type Notification struct {
	TopicID   string
	TopicName string
	ServerURL string
	MessageID string
	Title     string
	Body      string
	Priority  int
	Tags      []string
	Click     string
}

// Sink は通知の出力先。
// いずれの操作もベストエフォートで、失敗しても同期処理は継続する。
type Sink interface {
	// Schedule は通知を表示する。
	Schedule(ctx context.Context, n Notification) error
	// ClearForTopic はトピック名に紐づく表示済み通知をすべて取り下げる。
	ClearForTopic(ctx context.Context, topicName string) error
	// SetBadgeCount はアプリのバッジ数を設定する。
	SetBadgeCount(ctx context.Context, count int) error
	// RemoveByMessageID はメッセージに対応する通知を取り下げる。
	RemoveByMessageID(ctx context.Context, messageID string) error
}

// LogSink は通知を構造化ログとして出力するSink。
// ヘッドレスで動かすデーモンの既定の出力先。
type LogSink struct {
	logger *slog.Logger
}

var _ Sink = (*LogSink)(nil)

// NewLogSink はLogSinkを生成する。
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Schedule は通知内容をInfoレベルで出力する。
func (s *LogSink) Schedule(ctx context.Context, n Notification) error {
	s.logger.InfoContext(ctx, "通知",
		slog.String("topic_id", n.TopicID),
		slog.String("topic", n.TopicName),
		slog.String("server_url", n.ServerURL),
		slog.String("message_id", n.MessageID),
		slog.String("title", n.Title),
		slog.String("body", n.Body),
		slog.Int("priority", n.Priority),
	)
	return nil
}

// ClearForTopic はトピック単位の取り下げを出力する。
func (s *LogSink) ClearForTopic(ctx context.Context, topicName string) error {
	s.logger.DebugContext(ctx, "トピックの通知を取り下げました", slog.String("topic", topicName))
	return nil
}

// SetBadgeCount はバッジ数を出力する。
func (s *LogSink) SetBadgeCount(ctx context.Context, count int) error {
	s.logger.DebugContext(ctx, "バッジ数を更新しました", slog.Int("count", count))
	return nil
}

// RemoveByMessageID はメッセージ単位の取り下げを出力する。
func (s *LogSink) RemoveByMessageID(ctx context.Context, messageID string) error {
	s.logger.DebugContext(ctx, "メッセージの通知を取り下げました", slog.String("message_id", messageID))
	return nil
}

// UnreadCounter は全トピックの未読合計を返す。
type UnreadCounter interface {
	CountUnreadAll(ctx context.Context) (int, error)
}

// Badge は未読合計をSinkのバッジ数に反映する。
// 集計と反映はmuで直列化し、古い集計値が新しい値を上書きしないようにする。
type Badge struct {
	mu      sync.Mutex
	counter UnreadCounter
	sink    Sink
	logger  *slog.Logger
}

// NewBadge はBadgeを生成する。
func NewBadge(counter UnreadCounter, sink Sink, logger *slog.Logger) *Badge {
	return &Badge{counter: counter, sink: sink, logger: logger}
}

// Refresh は現在の未読合計でバッジ数を更新し、その値を返す。
func (b *Badge) Refresh(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	count, err := b.counter.CountUnreadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("未読数の集計に失敗しました: %w", err)
	}
	if err := b.sink.SetBadgeCount(ctx, count); err != nil {
		b.logger.Warn("バッジ数の更新に失敗しました", slog.Int("count", count), slog.String("error", err.Error()))
	}
	return count, nil
}

// Package message は受信メッセージの照合と保存済みメッセージの操作を提供する。
//
// Reconcilerはキャッチアップとライブストリームの両方から届くメッセージを
// 永続状態に変換する唯一の経路で、削除済み（トゥームストーン）と重複を除外する。
package message

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/pushbox/internal/model"
	"github.com/hitoshi/pushbox/internal/notify"
	"github.com/hitoshi/pushbox/internal/repository"
)

// Source はメッセージの取り込み元。
type Source string

const (
	SourceCatchUp Source = "catch_up"
	SourceStream  Source = "stream"
)

// Result は1件のメッセージの照合結果。
type Result string

const (
	ResultInserted   Result = "inserted"
	ResultDuplicate  Result = "duplicate"
	ResultTombstoned Result = "tombstoned"
	ResultSkipped    Result = "skipped"
)

// ErrTopicGone は照合中にトピックが削除されていた場合のエラー。
var ErrTopicGone = errors.New("トピックは既に削除されています")

// Recorder は照合のメトリクスを記録する。
type Recorder interface {
	MessageReceived(source string)
	MessageReconciled(result string)
	NotificationScheduled()
}

type nopRecorder struct{}

func (nopRecorder) MessageReceived(string)   {}
func (nopRecorder) MessageReconciled(string) {}
func (nopRecorder) NotificationScheduled()   {}

// TextSanitizer は通知に載せる文字列をプレーンテキストに整形する。
type TextSanitizer interface {
	Sanitize(raw string) string
}

// BatchResult はバッチ照合の集計。
type BatchResult struct {
	Inserted      int
	Duplicates    int
	Tombstoned    int
	Skipped       int
	LastMessageAt *time.Time
}

// Reconciler は受信メッセージを保存済みメッセージに変換する。
type Reconciler struct {
	store     repository.Store
	locks     *TopicLocks
	sink      notify.Sink
	badge     *notify.Badge
	sanitizer TextSanitizer
	metrics   Recorder
	logger    *slog.Logger

	now   func() time.Time
	newID func() string
}

// NewReconciler はReconcilerを生成する。metricsがnilの場合は記録しない。
func NewReconciler(
	store repository.Store,
	locks *TopicLocks,
	sink notify.Sink,
	badge *notify.Badge,
	sanitizer TextSanitizer,
	metrics Recorder,
	logger *slog.Logger,
) *Reconciler {
	if metrics == nil {
		metrics = nopRecorder{}
	}
	return &Reconciler{
		store:     store,
		locks:     locks,
		sink:      sink,
		badge:     badge,
		sanitizer: sanitizer,
		metrics:   metrics,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
}

// Reconcile は1件のメッセージを照合する。ストリームからの受信ごとに呼ばれる。
func (r *Reconciler) Reconcile(ctx context.Context, topicID string, msg model.Message, source Source) (Result, error) {
	results, _, err := r.reconcile(ctx, topicID, []model.Message{msg}, source)
	if err != nil {
		return "", err
	}
	return results[0], nil
}

// ReconcileBatch は複数のメッセージを1トランザクションで照合する。
// 入力の順序によらず、最終的な保存済みメッセージの集合とlastMessageAtは同じになる。
func (r *Reconciler) ReconcileBatch(ctx context.Context, topicID string, msgs []model.Message, source Source) (*BatchResult, error) {
	if len(msgs) == 0 {
		return &BatchResult{}, nil
	}

	results, topic, err := r.reconcile(ctx, topicID, msgs, source)
	if err != nil {
		return nil, err
	}

	br := &BatchResult{LastMessageAt: topic.LastMessageAt}
	for _, res := range results {
		switch res {
		case ResultInserted:
			br.Inserted++
		case ResultDuplicate:
			br.Duplicates++
		case ResultTombstoned:
			br.Tombstoned++
		default:
			br.Skipped++
		}
	}
	return br, nil
}

func (r *Reconciler) reconcile(ctx context.Context, topicID string, msgs []model.Message, source Source) ([]Result, *model.Topic, error) {
	unlock := r.locks.Lock(topicID)
	defer unlock()

	results := make([]Result, len(msgs))
	var inserted []*model.StoredMessage
	var topic *model.Topic

	err := r.store.WithinTx(ctx, func(ctx context.Context, repos repository.Repositories) error {
		t, err := repos.Topics.FindByID(ctx, topicID)
		if err != nil {
			return fmt.Errorf("トピックの取得に失敗しました: %w", err)
		}
		if t == nil {
			return ErrTopicGone
		}
		topic = t

		advanced := false
		for i := range msgs {
			res, sm, err := r.reconcileOne(ctx, repos, topic, &msgs[i])
			if err != nil {
				return err
			}
			results[i] = res
			if sm != nil {
				inserted = append(inserted, sm)
				if topic.ObserveMessageTime(sm.Time) {
					advanced = true
				}
			}
		}

		if advanced {
			if err := repos.Topics.UpdateLastMessageAt(ctx, topic.ID, *topic.LastMessageAt); err != nil {
				return fmt.Errorf("最終受信日時の更新に失敗しました: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	for _, res := range results {
		r.metrics.MessageReceived(string(source))
		if res != ResultSkipped {
			r.metrics.MessageReconciled(string(res))
		}
	}

	if len(inserted) > 0 {
		r.logger.Debug("メッセージを保存しました",
			slog.String("topic_id", topic.ID),
			slog.String("source", string(source)),
			slog.Int("count", len(inserted)),
		)
		if source == SourceStream && !topic.Muted {
			for _, sm := range inserted {
				r.scheduleNotification(ctx, topic, sm)
			}
		}
		if _, err := r.badge.Refresh(ctx); err != nil {
			r.logger.Warn("バッジ数の更新に失敗しました",
				slog.String("topic_id", topic.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	return results, topic, nil
}

// reconcileOne はトゥームストーン確認、重複確認、保存の順で1件を処理する。
func (r *Reconciler) reconcileOne(ctx context.Context, repos repository.Repositories, topic *model.Topic, msg *model.Message) (Result, *model.StoredMessage, error) {
	if !msg.IsMessageEvent() || msg.ID == "" {
		return ResultSkipped, nil, nil
	}

	tombstoned, err := repos.Tombstones.Exists(ctx, msg.ID, topic.Name, topic.ServerURL)
	if err != nil {
		return "", nil, fmt.Errorf("トゥームストーンの確認に失敗しました: %w", err)
	}
	if tombstoned {
		return ResultTombstoned, nil, nil
	}

	exists, err := repos.Messages.ExistsByMessageID(ctx, topic.ID, msg.ID)
	if err != nil {
		return "", nil, fmt.Errorf("重複の確認に失敗しました: %w", err)
	}
	if exists {
		return ResultDuplicate, nil, nil
	}

	sm := model.NewStoredMessage(r.newID(), topic.ID, msg, r.now())
	if err := repos.Messages.Create(ctx, sm); err != nil {
		return "", nil, fmt.Errorf("メッセージの保存に失敗しました: %w", err)
	}
	return ResultInserted, sm, nil
}

func (r *Reconciler) scheduleNotification(ctx context.Context, topic *model.Topic, sm *model.StoredMessage) {
	title := sm.Title
	body := sm.Body
	if r.sanitizer != nil {
		title = r.sanitizer.Sanitize(title)
		body = r.sanitizer.Sanitize(body)
	}
	if title == "" {
		title = topic.Name
	}

	err := r.sink.Schedule(ctx, notify.Notification{
		TopicID:   topic.ID,
		TopicName: topic.Name,
		ServerURL: topic.ServerURL,
		MessageID: sm.MessageID,
		Title:     title,
		Body:      body,
		Priority:  sm.Priority,
		Tags:      sm.Tags,
		Click:     sm.Click,
	})
	if err != nil {
		r.logger.Warn("通知の表示に失敗しました",
			slog.String("topic_id", topic.ID),
			slog.String("message_id", sm.MessageID),
			slog.String("error", err.Error()),
		)
		return
	}
	r.metrics.NotificationScheduled()
}

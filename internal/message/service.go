package message

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/pushbox/internal/model"
	"github.com/hitoshi/pushbox/internal/notify"
	"github.com/hitoshi/pushbox/internal/repository"
)

// maxListLimit は一覧取得の上限件数。
const maxListLimit = 500

// Service は保存済みメッセージの参照・既読管理・削除を提供する。
// 変更操作のたびにバッジ数を未読合計に合わせる。
type Service struct {
	store  repository.Store
	locks  *TopicLocks
	sink   notify.Sink
	badge  *notify.Badge
	logger *slog.Logger

	now   func() time.Time
	newID func() string
}

// NewService はServiceを生成する。locksはReconcilerと共有する。
func NewService(store repository.Store, locks *TopicLocks, sink notify.Sink, badge *notify.Badge, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		locks:  locks,
		sink:   sink,
		badge:  badge,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
}

// List はトピックのメッセージを新しい順に返す。
// limitが0以下または上限を超える場合は上限件数に丸める。
func (s *Service) List(ctx context.Context, topicID string, filter model.MessageFilter, limit int) ([]*model.StoredMessage, error) {
	switch filter {
	case "":
		filter = model.MessageFilterAll
	case model.MessageFilterAll, model.MessageFilterUnread:
	default:
		return nil, model.NewInvalidFilterError(string(filter))
	}
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}

	repos := s.store.Repositories()
	if _, err := s.requireTopic(ctx, repos, topicID); err != nil {
		return nil, err
	}

	msgs, err := repos.Messages.ListByTopic(ctx, topicID, filter, limit)
	if err != nil {
		return nil, fmt.Errorf("メッセージ一覧の取得に失敗しました: %w", err)
	}
	return msgs, nil
}

// Get はメッセージを1件返す。
func (s *Service) Get(ctx context.Context, id string) (*model.StoredMessage, error) {
	msg, err := s.store.Repositories().Messages.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("メッセージの取得に失敗しました: %w", err)
	}
	if msg == nil {
		return nil, model.NewMessageNotFoundError(id)
	}
	return msg, nil
}

// MarkRead はメッセージの既読状態を変更する。
func (s *Service) MarkRead(ctx context.Context, id string, read bool) error {
	found, err := s.store.Repositories().Messages.UpdateRead(ctx, id, read)
	if err != nil {
		return fmt.Errorf("既読状態の更新に失敗しました: %w", err)
	}
	if !found {
		return model.NewMessageNotFoundError(id)
	}

	s.refreshBadge(ctx)
	return nil
}

// MarkAllRead はトピックの全メッセージを既読にし、表示中の通知を取り下げる。
func (s *Service) MarkAllRead(ctx context.Context, topicID string) (int64, error) {
	repos := s.store.Repositories()
	topic, err := s.requireTopic(ctx, repos, topicID)
	if err != nil {
		return 0, err
	}

	n, err := repos.Messages.MarkAllRead(ctx, topicID)
	if err != nil {
		return 0, fmt.Errorf("一括既読に失敗しました: %w", err)
	}

	s.clearTopic(ctx, topic)
	s.refreshBadge(ctx)
	return n, nil
}

// UnreadCount はトピックの未読数を返す。
func (s *Service) UnreadCount(ctx context.Context, topicID string) (int, error) {
	repos := s.store.Repositories()
	if _, err := s.requireTopic(ctx, repos, topicID); err != nil {
		return 0, err
	}

	n, err := repos.Messages.CountUnread(ctx, topicID)
	if err != nil {
		return 0, fmt.Errorf("未読数の取得に失敗しました: %w", err)
	}
	return n, nil
}

// Delete はメッセージのトゥームストーンを記録してから削除する。
// 以降のキャッチアップやストリーム再送で同じメッセージは復活しない。
func (s *Service) Delete(ctx context.Context, id string) error {
	msg, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(msg.TopicID)
	defer unlock()

	err = s.store.WithinTx(ctx, func(ctx context.Context, repos repository.Repositories) error {
		topic, err := repos.Topics.FindByID(ctx, msg.TopicID)
		if err != nil {
			return fmt.Errorf("トピックの取得に失敗しました: %w", err)
		}
		if topic == nil {
			return model.NewTopicNotFoundError(msg.TopicID)
		}

		if err := repos.Tombstones.Create(ctx, s.tombstone(topic, msg.MessageID)); err != nil {
			return fmt.Errorf("トゥームストーンの記録に失敗しました: %w", err)
		}
		if err := repos.Messages.Delete(ctx, msg.ID); err != nil {
			return fmt.Errorf("メッセージの削除に失敗しました: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := s.sink.RemoveByMessageID(ctx, msg.MessageID); err != nil {
		s.logger.Warn("通知の取り下げに失敗しました",
			slog.String("message_id", msg.MessageID),
			slog.String("error", err.Error()),
		)
	}
	s.refreshBadge(ctx)

	s.logger.Info("メッセージを削除しました",
		slog.String("topic_id", msg.TopicID),
		slog.String("message_id", msg.MessageID),
	)
	return nil
}

// DeleteAll はトピックの全メッセージにトゥームストーンを記録してまとめて削除し、削除件数を返す。
func (s *Service) DeleteAll(ctx context.Context, topicID string) (int64, error) {
	unlock := s.locks.Lock(topicID)
	defer unlock()

	var (
		deleted int64
		topic   *model.Topic
	)
	err := s.store.WithinTx(ctx, func(ctx context.Context, repos repository.Repositories) error {
		var err error
		topic, err = s.requireTopic(ctx, repos, topicID)
		if err != nil {
			return err
		}

		msgs, err := repos.Messages.ListByTopic(ctx, topicID, model.MessageFilterAll, 0)
		if err != nil {
			return fmt.Errorf("メッセージ一覧の取得に失敗しました: %w", err)
		}
		for _, m := range msgs {
			if err := repos.Tombstones.Create(ctx, s.tombstone(topic, m.MessageID)); err != nil {
				return fmt.Errorf("トゥームストーンの記録に失敗しました: %w", err)
			}
		}

		deleted, err = repos.Messages.DeleteByTopic(ctx, topicID)
		if err != nil {
			return fmt.Errorf("メッセージの一括削除に失敗しました: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.clearTopic(ctx, topic)
	s.refreshBadge(ctx)

	s.logger.Info("トピックのメッセージをすべて削除しました",
		slog.String("topic_id", topicID),
		slog.Int64("count", deleted),
	)
	return deleted, nil
}

func (s *Service) tombstone(topic *model.Topic, messageID string) *model.Tombstone {
	return &model.Tombstone{
		ID:        s.newID(),
		TopicID:   topic.ID,
		MessageID: messageID,
		TopicName: topic.Name,
		ServerURL: topic.ServerURL,
		DeletedAt: s.now(),
	}
}

func (s *Service) requireTopic(ctx context.Context, repos repository.Repositories, topicID string) (*model.Topic, error) {
	topic, err := repos.Topics.FindByID(ctx, topicID)
	if err != nil {
		return nil, fmt.Errorf("トピックの取得に失敗しました: %w", err)
	}
	if topic == nil {
		return nil, model.NewTopicNotFoundError(topicID)
	}
	return topic, nil
}

// clearTopic は表示中の通知をトピック名単位で取り下げる。
func (s *Service) clearTopic(ctx context.Context, topic *model.Topic) {
	if err := s.sink.ClearForTopic(ctx, topic.Name); err != nil {
		s.logger.Warn("通知の取り下げに失敗しました",
			slog.String("topic_id", topic.ID),
			slog.String("topic", topic.Name),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Service) refreshBadge(ctx context.Context) {
	if _, err := s.badge.Refresh(ctx); err != nil {
		s.logger.Warn("バッジ数の更新に失敗しました", slog.String("error", err.Error()))
	}
}

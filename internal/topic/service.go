// Package topic は購読トピックの参照と表示設定の変更を提供する。
// トピックの追加・購読解除はストリームとキャッチアップを伴うためsyncengineが担う。
package topic

import (
	"context"
	"fmt"

	"github.com/hitoshi/pushbox/internal/model"
	"github.com/hitoshi/pushbox/internal/repository"
)

// Summary はトピックと未読数の組。
// 未読数は保存済みメッセージから都度集計し、キャッシュしない。
type Summary struct {
	Topic       *model.Topic
	UnreadCount int
}

// Patch はトピックの部分更新。nilのフィールドは変更しない。
type Patch struct {
	Muted  *bool
	Icon   *string
	Letter *string
	Color  *string
}

// Service はトピックの参照と設定変更を提供する。
type Service struct {
	store repository.Store
}

// NewService はServiceを生成する。
func NewService(store repository.Store) *Service {
	return &Service{store: store}
}

// List は全トピックを未読数付きで返す。
func (s *Service) List(ctx context.Context) ([]Summary, error) {
	repos := s.store.Repositories()

	topics, err := repos.Topics.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("トピック一覧の取得に失敗しました: %w", err)
	}
	counts, err := repos.Messages.CountUnreadByTopic(ctx)
	if err != nil {
		return nil, fmt.Errorf("未読数の集計に失敗しました: %w", err)
	}

	summaries := make([]Summary, len(topics))
	for i, t := range topics {
		summaries[i] = Summary{Topic: t, UnreadCount: counts[t.ID]}
	}
	return summaries, nil
}

// Get はトピックを未読数付きで返す。
func (s *Service) Get(ctx context.Context, id string) (*Summary, error) {
	repos := s.store.Repositories()

	t, err := repos.Topics.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("トピックの取得に失敗しました: %w", err)
	}
	if t == nil {
		return nil, model.NewTopicNotFoundError(id)
	}
	unread, err := repos.Messages.CountUnread(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("未読数の取得に失敗しました: %w", err)
	}
	return &Summary{Topic: t, UnreadCount: unread}, nil
}

// Update はミュート状態と表示設定を1トランザクションで更新し、更新後のトピックを返す。
func (s *Service) Update(ctx context.Context, id string, patch Patch) (*model.Topic, error) {
	var updated *model.Topic
	err := s.store.WithinTx(ctx, func(ctx context.Context, repos repository.Repositories) error {
		t, err := repos.Topics.FindByID(ctx, id)
		if err != nil {
			return fmt.Errorf("トピックの取得に失敗しました: %w", err)
		}
		if t == nil {
			return model.NewTopicNotFoundError(id)
		}

		if patch.Muted != nil && *patch.Muted != t.Muted {
			if err := repos.Topics.UpdateMuted(ctx, id, *patch.Muted); err != nil {
				return fmt.Errorf("ミュート状態の更新に失敗しました: %w", err)
			}
			t.Muted = *patch.Muted
		}

		if patch.Icon != nil || patch.Letter != nil || patch.Color != nil {
			applyString(&t.Icon, patch.Icon)
			applyString(&t.Letter, patch.Letter)
			applyString(&t.Color, patch.Color)
			if err := repos.Topics.UpdateDisplay(ctx, id, t.Icon, t.Letter, t.Color); err != nil {
				return fmt.Errorf("表示設定の更新に失敗しました: %w", err)
			}
		}

		updated = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func applyString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

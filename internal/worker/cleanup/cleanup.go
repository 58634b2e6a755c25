// Package cleanup は有効期限切れメッセージの自動削除ジョブを提供する。
// サーバー側で期限切れになったメッセージは再取得されないため、
// トゥームストーンは書かずに削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ExpiredDeleter は有効期限切れメッセージの削除を抽象化するインターフェース。
type ExpiredDeleter interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// BadgeRefresher は未読数バッジを再計算する。
type BadgeRefresher interface {
	Refresh(ctx context.Context) (int, error)
}

// Job は有効期限切れメッセージの削除ジョブ。
// 冪等な削除処理で、削除対象がなくてもエラーにならない。
type Job struct {
	messages ExpiredDeleter
	badge    BadgeRefresher
	logger   *slog.Logger
	now      func() time.Time
}

// NewJob は新しいJobを生成する。badgeがnilの場合はバッジを更新しない。
func NewJob(messages ExpiredDeleter, badge BadgeRefresher, logger *slog.Logger) *Job {
	return &Job{
		messages: messages,
		badge:    badge,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start はinterval間隔でRunを実行する。起動直後にも1回実行する。
func (j *Job) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Run(ctx)
		}
	}
}

// Run は有効期限切れのメッセージを削除し、削除件数を返す。
func (j *Job) Run(ctx context.Context) (int64, error) {
	start := time.Now()

	deleted, err := j.messages.DeleteExpired(ctx, j.now())
	if err != nil {
		j.logger.Error("期限切れメッセージの削除に失敗しました",
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("期限切れメッセージの削除に失敗: %w", err)
	}

	if deleted > 0 && j.badge != nil {
		if _, err := j.badge.Refresh(ctx); err != nil {
			j.logger.Warn("バッジ数の更新に失敗しました", slog.String("error", err.Error()))
		}
	}

	j.logger.Info("期限切れメッセージの削除が完了しました",
		slog.Int64("deleted_count", deleted),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return deleted, nil
}

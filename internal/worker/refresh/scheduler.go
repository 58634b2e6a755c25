// Package refresh はトピックの定期キャッチアップとストリームの張り直しを行う。
// ストリームは切断されても自動で再接続しないため、このスケジューラが
// ティックごとに高々1回だけ再購読を試みる。
package refresh

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/pushbox/internal/message"
	"github.com/hitoshi/pushbox/internal/model"
)

// TopicLister は購読中トピックの一覧を返す。
type TopicLister interface {
	List(ctx context.Context) ([]*model.Topic, error)
}

// SyncEngine はスケジューラが呼び出す同期処理のインターフェース。
type SyncEngine interface {
	// CatchUp は1トピックの取りこぼしを取得して照合する。
	CatchUp(ctx context.Context, topicID string) (*message.BatchResult, error)
	// ResubscribeIdle はストリームが停止しているトピックを購読し直し、その件数を返す。
	ResubscribeIdle(ctx context.Context) (int, error)
}

// Scheduler は一定間隔で全トピックのキャッチアップを行う。
// semaphoreパターンで最大並列数を制御する。
type Scheduler struct {
	topics         TopicLister
	engine         SyncEngine
	logger         *slog.Logger
	maxConcurrency int
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はデフォルト値4を使用する。
func NewScheduler(topics TopicLister, engine SyncEngine, logger *slog.Logger, maxConcurrency int) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}
	return &Scheduler{
		topics:         topics,
		engine:         engine,
		logger:         logger,
		maxConcurrency: maxConcurrency,
	}
}

// Start はinterval間隔でRunOnceを実行する。
// 起動直後の同期はserveのResumeが行うため、最初の実行は1間隔後になる。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("同期スケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("同期スケジューラを停止しました")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("同期サイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は全トピックを並列にキャッチアップし、その後停止中のストリームを張り直す。
// 個別トピックの失敗はログに記録して処理を継続する。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := time.Now()

	topics, err := s.topics.List(ctx)
	if err != nil {
		return err
	}

	if len(topics) == 0 {
		s.logger.Debug("同期対象のトピックはありません")
		return nil
	}

	s.logger.Info("同期サイクルを開始します",
		slog.Int("topic_count", len(topics)),
	)

	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup

	var mu sync.Mutex
	inserted := 0

	for _, topic := range topics {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return nil
		}
		wg.Add(1)

		go func(t *model.Topic) {
			defer wg.Done()
			defer func() { <-sem }()

			res, err := s.engine.CatchUp(ctx, t.ID)
			if err != nil {
				s.logger.Warn("トピックのキャッチアップに失敗しました",
					slog.String("topic_id", t.ID),
					slog.String("server_url", t.ServerURL),
					slog.String("topic", t.Name),
					slog.String("error", err.Error()),
				)
				return
			}
			mu.Lock()
			inserted += res.Inserted
			mu.Unlock()
		}(topic)
	}

	wg.Wait()

	if ctx.Err() != nil {
		return nil
	}

	resubscribed, err := s.engine.ResubscribeIdle(ctx)
	if err != nil {
		s.logger.Warn("ストリームの再購読に一部失敗しました",
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("同期サイクルが完了しました",
		slog.Int("topic_count", len(topics)),
		slog.Int("inserted", inserted),
		slog.Int("resubscribed", resubscribed),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return nil
}

// Package syncengine はキャッチアップ取得とライブストリームを束ね、
// 受信メッセージをReconciler経由で永続状態に反映する。
//
// 失敗したキャッチアップやストリームを内部で再試行することはない。
// 再実行は起動・手動更新・定期更新といった外部の契機に任せる。
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/pushbox/internal/message"
	"github.com/hitoshi/pushbox/internal/model"
	"github.com/hitoshi/pushbox/internal/notify"
	"github.com/hitoshi/pushbox/internal/repository"
	"github.com/hitoshi/pushbox/internal/subscription"
)

// Fetcher はキャッチアップ取得を行う。
type Fetcher interface {
	FetchMessages(ctx context.Context, serverURL, topic string, since time.Duration, cred *model.Credential) ([]model.Message, error)
}

// Subscriber はトピックごとのライブストリームを管理する。
type Subscriber interface {
	Subscribe(serverURL, topic string, cred *model.Credential, handler subscription.Handler) error
	Unsubscribe(serverURL, topic string)
	UnsubscribeAll()
	State(serverURL, topic string) subscription.State
}

// Servers はサーバーURLの解決と認証情報の取得を行う。
type Servers interface {
	ResolveURL(ctx context.Context, rawURL string) (string, error)
	Credential(serverURL string) (*model.Credential, error)
}

// Engine は同期処理の入口。
type Engine struct {
	store      repository.Store
	fetcher    Fetcher
	subscriber Subscriber
	servers    Servers
	reconciler *message.Reconciler
	messages   *message.Service
	locks      *message.TopicLocks
	sink       notify.Sink
	badge      *notify.Badge
	window     time.Duration
	logger     *slog.Logger

	// streamCtx はストリーム受信時の照合に使う。リクエストのコンテキストとは独立している。
	streamCtx context.Context

	now   func() time.Time
	newID func() string
}

// Deps はEngineの依存コンポーネント。
type Deps struct {
	Store      repository.Store
	Fetcher    Fetcher
	Subscriber Subscriber
	Servers    Servers
	Reconciler *message.Reconciler
	Messages   *message.Service
	Locks      *message.TopicLocks
	Sink       notify.Sink
	Badge      *notify.Badge
	Logger     *slog.Logger
}

// New はEngineを生成する。windowはキャッチアップのさかのぼり期間。
func New(deps Deps, window time.Duration) *Engine {
	return &Engine{
		store:      deps.Store,
		fetcher:    deps.Fetcher,
		subscriber: deps.Subscriber,
		servers:    deps.Servers,
		reconciler: deps.Reconciler,
		messages:   deps.Messages,
		locks:      deps.Locks,
		sink:       deps.Sink,
		badge:      deps.Badge,
		window:     window,
		logger:     deps.Logger,
		streamCtx:  context.Background(),
		now:        func() time.Time { return time.Now().UTC() },
		newID:      uuid.NewString,
	}
}

// CatchUp は1トピックの取りこぼしを取得して照合する。
// キャンセルによる失敗は処理の置き換えとみなし、エラーにしない。
func (e *Engine) CatchUp(ctx context.Context, topicID string) (*message.BatchResult, error) {
	topic, err := e.findTopic(ctx, topicID)
	if err != nil {
		return nil, err
	}
	return e.catchUpTopic(ctx, topic)
}

func (e *Engine) catchUpTopic(ctx context.Context, topic *model.Topic) (*message.BatchResult, error) {
	start := time.Now()

	cred, err := e.servers.Credential(topic.ServerURL)
	if err != nil {
		return nil, err
	}

	msgs, err := e.fetcher.FetchMessages(ctx, topic.ServerURL, topic.Name, e.window, cred)
	if err != nil {
		if model.IsCanceled(err) {
			return &message.BatchResult{}, nil
		}
		return nil, fmt.Errorf("キャッチアップ取得に失敗しました (%s): %w", topic.Key(), err)
	}

	res, err := e.reconciler.ReconcileBatch(ctx, topic.ID, msgs, message.SourceCatchUp)
	if err != nil {
		if model.IsCanceled(err) {
			return &message.BatchResult{}, nil
		}
		return nil, fmt.Errorf("キャッチアップの照合に失敗しました (%s): %w", topic.Key(), err)
	}

	e.logger.Info("キャッチアップが完了しました",
		slog.String("topic_id", topic.ID),
		slog.String("server_url", topic.ServerURL),
		slog.String("topic", topic.Name),
		slog.Int("fetched", len(msgs)),
		slog.Int("inserted", res.Inserted),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return res, nil
}

// CatchUpAll は全トピックを順にキャッチアップする。
// 1トピックの失敗で残りを中断せず、失敗はまとめて返す。
func (e *Engine) CatchUpAll(ctx context.Context) error {
	topics, err := e.listTopics(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, t := range topics {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := e.catchUpTopic(ctx, t); err != nil {
			e.logger.Warn("キャッチアップに失敗しました",
				slog.String("topic_id", t.ID),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SubscribeTopic はトピックのライブストリームを開始する。既存のストリームは置き換えられる。
func (e *Engine) SubscribeTopic(ctx context.Context, topicID string) error {
	topic, err := e.findTopic(ctx, topicID)
	if err != nil {
		return err
	}
	return e.subscribe(ctx, topic)
}

// errTopicRemoved は購読処理の途中でトピックが削除されたことを表す。
var errTopicRemoved = errors.New("topic removed while subscribing")

// subscribe はストリームを開始する。
// 一覧取得から購読までの間にトピックが削除されていた場合は、開いたストリームを閉じてerrTopicRemovedを返す。
func (e *Engine) subscribe(ctx context.Context, topic *model.Topic) error {
	cred, err := e.servers.Credential(topic.ServerURL)
	if err != nil {
		return err
	}
	if err := e.subscriber.Subscribe(topic.ServerURL, topic.Name, cred, e.onStreamMessage); err != nil {
		return fmt.Errorf("ストリームの購読に失敗しました (%s): %w", topic.Key(), err)
	}

	current, err := e.store.Repositories().Topics.FindByID(ctx, topic.ID)
	if err != nil {
		return fmt.Errorf("トピックの取得に失敗しました: %w", err)
	}
	if current == nil {
		e.subscriber.Unsubscribe(topic.ServerURL, topic.Name)
		e.logger.Debug("削除済みトピックのストリームを閉じました",
			slog.String("topic_id", topic.ID),
			slog.String("topic", topic.Name),
		)
		return errTopicRemoved
	}
	return nil
}

// SubscribeAll は全トピックのストリームを開始する。何度呼んでもトピックごとに1本に保たれる。
func (e *Engine) SubscribeAll(ctx context.Context) error {
	topics, err := e.listTopics(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, t := range topics {
		if err := e.subscribe(ctx, t); err != nil && !errors.Is(err, errTopicRemoved) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ResubscribeIdle はストリームが停止しているトピックだけを購読し直し、その件数を返す。
// 1回の呼び出しでトピックごとに高々1回しか再接続しない。
func (e *Engine) ResubscribeIdle(ctx context.Context) (int, error) {
	topics, err := e.listTopics(ctx)
	if err != nil {
		return 0, err
	}

	var errs []error
	n := 0
	for _, t := range topics {
		if e.subscriber.State(t.ServerURL, t.Name) != subscription.StateIdle {
			continue
		}
		if err := e.subscribe(ctx, t); err != nil {
			if !errors.Is(err, errTopicRemoved) {
				errs = append(errs, err)
			}
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// Resume はアプリの再開時に呼ばれる。取りこぼしを取得してからストリームを張り直す。
func (e *Engine) Resume(ctx context.Context) error {
	catchUpErr := e.CatchUpAll(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return errors.Join(catchUpErr, e.SubscribeAll(ctx))
}

// Suspend は全ストリームを停止する。
func (e *Engine) Suspend() {
	e.subscriber.UnsubscribeAll()
}

// AddTopic はトピックを登録し、キャッチアップしてからストリームを開始する。
// serverURLが空の場合はデフォルトサーバーを使う。
// 登録後のキャッチアップと購読の失敗は登録自体を取り消さない。
func (e *Engine) AddTopic(ctx context.Context, serverURL, name string, requiresAuth bool) (*model.Topic, error) {
	name = strings.TrimSpace(name)
	if !model.IsValidTopicName(name) {
		return nil, model.NewInvalidRequestError(fmt.Sprintf("トピック名は英数字・ハイフン・アンダースコアの1〜64文字で指定してください: %q", name))
	}
	url, err := e.servers.ResolveURL(ctx, serverURL)
	if err != nil {
		return nil, err
	}

	topic := &model.Topic{
		ID:           e.newID(),
		Name:         name,
		ServerURL:    url,
		RequiresAuth: requiresAuth,
		CreatedAt:    e.now(),
	}

	err = e.store.WithinTx(ctx, func(ctx context.Context, repos repository.Repositories) error {
		existing, err := repos.Topics.FindByServerAndName(ctx, url, name)
		if err != nil {
			return fmt.Errorf("トピックの検索に失敗しました: %w", err)
		}
		if existing != nil {
			return model.NewDuplicateTopicError(url, name)
		}
		if err := repos.Topics.Create(ctx, topic); err != nil {
			return fmt.Errorf("トピックの作成に失敗しました: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("トピックを登録しました",
		slog.String("topic_id", topic.ID),
		slog.String("server_url", url),
		slog.String("topic", name),
	)

	if _, err := e.catchUpTopic(ctx, topic); err != nil {
		e.logger.Warn("登録直後のキャッチアップに失敗しました",
			slog.String("topic_id", topic.ID),
			slog.String("error", err.Error()),
		)
	}
	switch err := e.subscribe(ctx, topic); {
	case errors.Is(err, errTopicRemoved):
		return nil, model.NewTopicNotFoundError(topic.ID)
	case err != nil:
		e.logger.Warn("登録直後の購読に失敗しました",
			slog.String("topic_id", topic.ID),
			slog.String("error", err.Error()),
		)
	}

	// キャッチアップで更新されたlastMessageAtを反映して返す
	if latest, err := e.store.Repositories().Topics.FindByID(ctx, topic.ID); err == nil && latest != nil {
		topic = latest
	}
	return topic, nil
}

// UnsubscribeTopic はストリームを止め、トピックと所属するメッセージ・トゥームストーンを削除する。
func (e *Engine) UnsubscribeTopic(ctx context.Context, topicID string) error {
	topic, err := e.findTopic(ctx, topicID)
	if err != nil {
		return err
	}

	e.subscriber.Unsubscribe(topic.ServerURL, topic.Name)

	unlock := e.locks.Lock(topic.ID)
	defer unlock()

	err = e.store.WithinTx(ctx, func(ctx context.Context, repos repository.Repositories) error {
		if _, err := repos.Messages.DeleteByTopic(ctx, topic.ID); err != nil {
			return fmt.Errorf("メッセージの削除に失敗しました: %w", err)
		}
		if err := repos.Tombstones.DeleteByTopic(ctx, topic.ID); err != nil {
			return fmt.Errorf("トゥームストーンの削除に失敗しました: %w", err)
		}
		if err := repos.Topics.Delete(ctx, topic.ID); err != nil {
			return fmt.Errorf("トピックの削除に失敗しました: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	// 削除前に一覧を取得していた購読処理が張り直したストリームも閉じる
	e.subscriber.Unsubscribe(topic.ServerURL, topic.Name)

	if err := e.sink.ClearForTopic(ctx, topic.Name); err != nil {
		e.logger.Warn("通知の取り下げに失敗しました",
			slog.String("topic_id", topic.ID),
			slog.String("topic", topic.Name),
			slog.String("error", err.Error()),
		)
	}
	if _, err := e.badge.Refresh(ctx); err != nil {
		e.logger.Warn("バッジ数の更新に失敗しました", slog.String("error", err.Error()))
	}

	e.logger.Info("トピックの購読を解除しました",
		slog.String("topic_id", topic.ID),
		slog.String("server_url", topic.ServerURL),
		slog.String("topic", topic.Name),
	)
	return nil
}

// Delete はメッセージを削除する。同じメッセージは以降の同期で復活しない。
func (e *Engine) Delete(ctx context.Context, storedID string) error {
	return e.messages.Delete(ctx, storedID)
}

// DeleteAll はトピックの全メッセージを削除する。
func (e *Engine) DeleteAll(ctx context.Context, topicID string) (int64, error) {
	return e.messages.DeleteAll(ctx, topicID)
}

// onStreamMessage はストリームから届いた1件を照合する。
// ストリームの消費goroutineから呼ばれるため、Subscriberのメソッドは呼ばない。
func (e *Engine) onStreamMessage(key model.TopicKey, msg model.Message) {
	ctx := e.streamCtx

	topic, err := e.store.Repositories().Topics.FindByServerAndName(ctx, key.ServerURL, key.Topic)
	if err != nil {
		e.logger.Warn("ストリーム受信時のトピック取得に失敗しました",
			slog.String("server_url", key.ServerURL),
			slog.String("topic", key.Topic),
			slog.String("error", err.Error()),
		)
		return
	}
	if topic == nil {
		e.logger.Debug("購読解除済みトピックのメッセージを破棄しました",
			slog.String("server_url", key.ServerURL),
			slog.String("topic", key.Topic),
			slog.String("message_id", msg.ID),
		)
		return
	}

	_, err = e.reconciler.Reconcile(ctx, topic.ID, msg, message.SourceStream)
	switch {
	case err == nil, model.IsCanceled(err):
	case errors.Is(err, message.ErrTopicGone):
		e.logger.Debug("購読解除済みトピックのメッセージを破棄しました",
			slog.String("topic_id", topic.ID),
			slog.String("message_id", msg.ID),
		)
	default:
		e.logger.Warn("ストリームメッセージの照合に失敗しました",
			slog.String("topic_id", topic.ID),
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) findTopic(ctx context.Context, topicID string) (*model.Topic, error) {
	topic, err := e.store.Repositories().Topics.FindByID(ctx, topicID)
	if err != nil {
		return nil, fmt.Errorf("トピックの取得に失敗しました: %w", err)
	}
	if topic == nil {
		return nil, model.NewTopicNotFoundError(topicID)
	}
	return topic, nil
}

func (e *Engine) listTopics(ctx context.Context) ([]*model.Topic, error) {
	topics, err := e.store.Repositories().Topics.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("トピック一覧の取得に失敗しました: %w", err)
	}
	return topics, nil
}

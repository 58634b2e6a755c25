// Package server は登録サーバーとその認証情報を管理する。
package server

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/pushbox/internal/credential"
	"github.com/hitoshi/pushbox/internal/model"
	"github.com/hitoshi/pushbox/internal/repository"
	"github.com/hitoshi/pushbox/internal/security"
)

// Registry は登録サーバーの追加・一覧・デフォルト切り替え・削除を提供する。
// デフォルトサーバーは常に高々1件。
type Registry struct {
	store       repository.Store
	credentials credential.Store
	fallbackURL string
	logger      *slog.Logger

	now   func() time.Time
	newID func() string
}

// NewRegistry はRegistryを生成する。
// fallbackURLはデフォルトサーバーが未登録の場合に使うURL。
func NewRegistry(store repository.Store, credentials credential.Store, fallbackURL string, logger *slog.Logger) *Registry {
	return &Registry{
		store:       store,
		credentials: credentials,
		fallbackURL: model.NormalizeServerURL(fallbackURL),
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		newID:       uuid.NewString,
	}
}

// Add はサーバーを登録する。最初に登録したサーバーがデフォルトになる。
// credが空でなければ認証情報ストアに保存する。
func (r *Registry) Add(ctx context.Context, rawURL, name string, cred *model.Credential) (*model.Server, error) {
	url, err := security.ValidateServerURL(rawURL)
	if err != nil {
		return nil, model.NewInvalidURLError(err.Error())
	}
	if strings.TrimSpace(name) == "" {
		name = url
	}

	srv := &model.Server{
		ID:           r.newID(),
		URL:          url,
		Name:         strings.TrimSpace(name),
		RequiresAuth: !cred.IsEmpty(),
		AddedAt:      r.now(),
	}
	if cred.HasBasic() {
		srv.Username = cred.Username
	}

	err = r.store.WithinTx(ctx, func(ctx context.Context, repos repository.Repositories) error {
		existing, err := repos.Servers.FindByURL(ctx, url)
		if err != nil {
			return fmt.Errorf("サーバーの検索に失敗しました: %w", err)
		}
		if existing != nil {
			return model.NewDuplicateServerError(url)
		}

		current, err := repos.Servers.FindDefault(ctx)
		if err != nil {
			return fmt.Errorf("デフォルトサーバーの取得に失敗しました: %w", err)
		}
		srv.IsDefault = current == nil

		if err := repos.Servers.Create(ctx, srv); err != nil {
			return fmt.Errorf("サーバーの登録に失敗しました: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !cred.IsEmpty() {
		if err := r.credentials.Set(url, cred); err != nil {
			// 認証情報のないRequiresAuthのサーバーを残さないよう登録を取り消す
			if delErr := r.store.Repositories().Servers.Delete(ctx, srv.ID); delErr != nil {
				r.logger.Error("認証情報の保存失敗後にサーバー登録を取り消せませんでした",
					slog.String("server_id", srv.ID),
					slog.String("server_url", url),
					slog.String("error", delErr.Error()),
				)
			}
			return nil, fmt.Errorf("認証情報の保存に失敗しました: %w", err)
		}
	}

	r.logger.Info("サーバーを登録しました",
		slog.String("server_id", srv.ID),
		slog.String("server_url", srv.URL),
		slog.Bool("is_default", srv.IsDefault),
	)
	return srv, nil
}

// List は登録サーバーを追加順に返す。
func (r *Registry) List(ctx context.Context) ([]*model.Server, error) {
	servers, err := r.store.Repositories().Servers.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("サーバー一覧の取得に失敗しました: %w", err)
	}
	return servers, nil
}

// Default はデフォルトサーバーを返す。未設定の場合はnilを返す。
func (r *Registry) Default(ctx context.Context) (*model.Server, error) {
	srv, err := r.store.Repositories().Servers.FindDefault(ctx)
	if err != nil {
		return nil, fmt.Errorf("デフォルトサーバーの取得に失敗しました: %w", err)
	}
	return srv, nil
}

// SetDefault は指定サーバーをデフォルトにする。
// 既存のフラグを下ろす処理と同一トランザクションで行うため、デフォルトが2件になることはない。
func (r *Registry) SetDefault(ctx context.Context, id string) error {
	err := r.store.WithinTx(ctx, func(ctx context.Context, repos repository.Repositories) error {
		srv, err := repos.Servers.FindByID(ctx, id)
		if err != nil {
			return fmt.Errorf("サーバーの取得に失敗しました: %w", err)
		}
		if srv == nil {
			return model.NewServerNotFoundError(id)
		}
		if err := repos.Servers.ClearDefault(ctx); err != nil {
			return fmt.Errorf("デフォルトの解除に失敗しました: %w", err)
		}
		if _, err := repos.Servers.SetDefault(ctx, id); err != nil {
			return fmt.Errorf("デフォルトの設定に失敗しました: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.Info("デフォルトサーバーを変更しました", slog.String("server_id", id))
	return nil
}

// Remove はサーバーと認証情報を削除する。
// デフォルトサーバーを削除した場合、他のサーバーを自動でデフォルトにはしない。
func (r *Registry) Remove(ctx context.Context, id string) error {
	repos := r.store.Repositories()

	srv, err := repos.Servers.FindByID(ctx, id)
	if err != nil {
		return fmt.Errorf("サーバーの取得に失敗しました: %w", err)
	}
	if srv == nil {
		return model.NewServerNotFoundError(id)
	}

	if err := repos.Servers.Delete(ctx, id); err != nil {
		return fmt.Errorf("サーバーの削除に失敗しました: %w", err)
	}
	if err := r.credentials.Delete(srv.URL); err != nil {
		return fmt.Errorf("認証情報の削除に失敗しました: %w", err)
	}

	r.logger.Info("サーバーを削除しました",
		slog.String("server_id", id),
		slog.String("server_url", srv.URL),
	)
	return nil
}

// ResolveURL はサーバーURLを検証して返す。
// 空の場合はデフォルトサーバー、それも未登録なら設定の既定URLを返す。
func (r *Registry) ResolveURL(ctx context.Context, rawURL string) (string, error) {
	if strings.TrimSpace(rawURL) != "" {
		url, err := security.ValidateServerURL(rawURL)
		if err != nil {
			return "", model.NewInvalidURLError(err.Error())
		}
		return url, nil
	}

	srv, err := r.Default(ctx)
	if err != nil {
		return "", err
	}
	if srv != nil {
		return srv.URL, nil
	}
	return r.fallbackURL, nil
}

// Credential はサーバーURLに対応する認証情報を返す。未登録の場合はnilを返す。
func (r *Registry) Credential(serverURL string) (*model.Credential, error) {
	cred, err := r.credentials.Get(serverURL)
	if err != nil {
		return nil, fmt.Errorf("認証情報の取得に失敗しました: %w", err)
	}
	return cred, nil
}

// Package credential はサーバーごとの認証情報の保存を提供する。
// 認証情報はデータベースに入れず、権限を絞ったファイルかメモリ上にのみ保持する。
package credential

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hitoshi/pushbox/internal/model"
)

// Store はサーバーURLをキーに認証情報を保存する。
// 未登録のサーバーに対するGetは (nil, nil) を返す。
type Store interface {
	Get(serverURL string) (*model.Credential, error)
	Set(serverURL string, cred *model.Credential) error
	Delete(serverURL string) error
}

// MemoryStore はプロセス内のみで保持するStore。
type MemoryStore struct {
	mu    sync.RWMutex
	creds map[string]model.Credential
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore はMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creds: make(map[string]model.Credential)}
}

// Get は認証情報のコピーを返す。
func (m *MemoryStore) Get(serverURL string) (*model.Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.creds[model.NormalizeServerURL(serverURL)]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

// Set は認証情報を保存する。空の認証情報は削除として扱う。
func (m *MemoryStore) Set(serverURL string, cred *model.Credential) error {
	key := model.NormalizeServerURL(serverURL)
	if key == "" {
		return errors.New("server URL is empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cred.IsEmpty() {
		delete(m.creds, key)
		return nil
	}
	m.creds[key] = *cred
	return nil
}

// Delete は認証情報を削除する。
func (m *MemoryStore) Delete(serverURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.creds, model.NormalizeServerURL(serverURL))
	return nil
}

// FileStore は認証情報をJSONファイルに保存するStore。
// ファイルは所有者のみ読み書きできる権限で作成する。
type FileStore struct {
	path string
	mem  *MemoryStore
}

var _ Store = (*FileStore)(nil)

// NewFileStore はファイルを読み込んでFileStoreを生成する。ファイルが存在しない場合は空で開始する。
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("credentials file path is empty")
	}
	fs := &FileStore{path: path, mem: NewMemoryStore()}
	if err := fs.load(); err != nil {
		return nil, fmt.Errorf("認証情報ファイルの読み込みに失敗しました: %w", err)
	}
	return fs, nil
}

// Get は認証情報を返す。
func (f *FileStore) Get(serverURL string) (*model.Credential, error) {
	return f.mem.Get(serverURL)
}

// Set は認証情報を保存してファイルに書き出す。
func (f *FileStore) Set(serverURL string, cred *model.Credential) error {
	if err := f.mem.Set(serverURL, cred); err != nil {
		return err
	}
	return f.save()
}

// Delete は認証情報を削除してファイルに書き出す。
func (f *FileStore) Delete(serverURL string) error {
	if err := f.mem.Delete(serverURL); err != nil {
		return err
	}
	return f.save()
}

func (f *FileStore) load() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}

	var raw map[string]model.Credential
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k, v := range raw {
		if v.IsEmpty() {
			continue
		}
		f.mem.creds[model.NormalizeServerURL(k)] = v
	}
	return nil
}

// save は一時ファイルに書いてからリネームし、途中で失敗しても既存のファイルを壊さない。
func (f *FileStore) save() error {
	f.mem.mu.RLock()
	data, err := json.MarshalIndent(f.mem.creds, "", "  ")
	f.mem.mu.RUnlock()
	if err != nil {
		return err
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".credentials-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}

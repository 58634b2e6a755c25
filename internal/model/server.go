package model

import "time"

// Server は登録済みのサーバーエンドポイントを表す。
// IsDefaultがtrueのServerは高々1件。
type Server struct {
	ID           string
	URL          string // 末尾スラッシュは除去済み
	Name         string
	RequiresAuth bool
	Username     string
	IsDefault    bool
	AddedAt      time.Time
}

// Credential はサーバー認証情報を表す。
// Tokenが設定されている場合はBasic認証より優先される。
type Credential struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`
}

// HasToken は有効なBearerトークンを持つかを返す。
func (c *Credential) HasToken() bool {
	return c != nil && c.Token != ""
}

// HasBasic は有効なユーザー名を持つかを返す。空のユーザー名は認証情報なし扱い。
func (c *Credential) HasBasic() bool {
	return c != nil && c.Username != ""
}

// IsEmpty は利用可能な認証情報がないかを返す。
func (c *Credential) IsEmpty() bool {
	return !c.HasToken() && !c.HasBasic()
}

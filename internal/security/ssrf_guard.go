// Package security はアプリケーションのセキュリティ機能を提供する。
package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// allowedSchemes はサーバーURLとアイコンURLで許可されるスキーム。
var allowedSchemes = []string{"http", "https"}

// blockedNetworks はアイコン取得でブロックされるネットワーク範囲。
// 起動時に1回だけパースする。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		// クラウドメタデータIP (169.254.169.254) を含む
		"169.254.0.0/16",
		"0.0.0.0/8",
		"::1/128",
		"fe80::/10",
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

// NewSafeClient はSSRF防止機能付きのHTTPクライアントを生成する。
// アイコンURLのようにメッセージ本文から来る信頼できないURLの取得に使う。
// safeurlはDialerのControlフックで名前解決後のIPアドレスを検証するため、
// DNS再バインディングでプライベートアドレスに向けられても接続しない。
func NewSafeClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(80, 443).
		Build()

	return safeurl.Client(config).Client
}

// ValidateServerURL はユーザーが登録するサーバーURLを検証し、末尾スラッシュを除去して返す。
// 自前のサーバーをLAN内やlocalhostで運用するケースがあるため、アドレス範囲は制限しない。
func ValidateServerURL(rawURL string) (string, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(rawURL), "/")
	if trimmed == "" {
		return "", fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	if !isAllowedScheme(parsed.Scheme) {
		return "", fmt.Errorf("disallowed scheme: %s (allowed: %v)", parsed.Scheme, allowedSchemes)
	}
	if parsed.Hostname() == "" {
		return "", fmt.Errorf("empty host in URL: %s", rawURL)
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return "", fmt.Errorf("query or fragment is not allowed: %s", rawURL)
	}
	return trimmed, nil
}

// ValidateFetchURL はアイコンURLなど信頼できないURLを送信前に静的に検証する。
// 名前解決を伴わないため、再バインディングはNewSafeClient側で防ぐ。
func ValidateFetchURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if !isAllowedScheme(parsed.Scheme) {
		return fmt.Errorf("disallowed scheme: %s (allowed: %v)", parsed.Scheme, allowedSchemes)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("blocked IP address: %s", ip.String())
		}
		return nil
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("blocked host: %s", host)
	}
	return nil
}

func isAllowedScheme(scheme string) bool {
	for _, allowed := range allowedSchemes {
		if strings.EqualFold(scheme, allowed) {
			return true
		}
	}
	return false
}

func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

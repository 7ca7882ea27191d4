// Package security は外部エンドポイントへの安全な接続と、
// 外部から受け取ったプロフィール情報の無害化を提供する。
package security

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// ErrInvalidEndpoint は設定されたエンドポイントURLが利用できないことを示す。
var ErrInvalidEndpoint = errors.New("invalid endpoint URL")

// metadataNetworks はクラウドメタデータ等、設定値として決して許可しない範囲。
var metadataNetworks = mustParseCIDRs(
	"169.254.0.0/16",
	"fe80::/10",
	"0.0.0.0/8",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR %q: %v", c, err))
		}
		nets = append(nets, n)
	}
	return nets
}

// NewOutboundClient はIdP・認証バックエンド向けのHTTPクライアントを生成する。
// safeurlによりDNS解決後のIPが検証され、プライベート・ループバック・
// メタデータアドレスへの接続は拒否される。ポートは443のみ許可する。
func NewOutboundClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("https").
		SetAllowedPorts(443).
		Build()

	return safeurl.Client(config).Client
}

// NewClientFor はエンドポイントに応じたHTTPクライアントを返す。
// ループバック上のエンドポイント（ローカル開発用のSupabase等）には
// 通常のクライアントを、それ以外にはNewOutboundClientを使う。
func NewClientFor(endpoint string, timeout time.Duration) *http.Client {
	u, err := url.Parse(endpoint)
	if err == nil && IsLoopbackHost(u.Hostname()) {
		return &http.Client{Timeout: timeout}
	}
	return NewOutboundClient(timeout)
}

// IsLoopbackHost はホストがlocalhostまたはループバックIPかを返す。
func IsLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// ValidateEndpoint は設定値として与えられたURLを静的に検証する。
// http/httpsスキームと空でないホストを要求し、httpはループバックのみ許可する。
// メタデータ範囲のIPリテラルは拒否する。
func ValidateEndpoint(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: empty host in %q", ErrInvalidEndpoint, rawURL)
	}

	switch strings.ToLower(u.Scheme) {
	case "https":
	case "http":
		if !IsLoopbackHost(host) {
			return fmt.Errorf("%w: http is only allowed for loopback hosts: %q", ErrInvalidEndpoint, rawURL)
		}
	default:
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidEndpoint, u.Scheme)
	}

	if ip := net.ParseIP(host); ip != nil {
		for _, n := range metadataNetworks {
			if n.Contains(ip) {
				return fmt.Errorf("%w: blocked address %s", ErrInvalidEndpoint, ip)
			}
		}
	}
	return nil
}

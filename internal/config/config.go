package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/hitoshi/signgate/internal/security"
	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database（任意。未設定時は監査ログを無効化し、資格情報はメモリに保持する）
	DatabaseURL string `env:"DATABASE_URL"`

	// Google Sign-In
	GoogleClientID     string   `env:"GOOGLE_CLIENT_ID,notEmpty"`
	GoogleClientSecret string   `env:"GOOGLE_CLIENT_SECRET,notEmpty"`
	GoogleRedirectURL  string   `env:"GOOGLE_REDIRECT_URL,notEmpty"`
	GoogleScopes       []string `env:"GOOGLE_SCOPES" envSeparator:"," envDefault:"openid,email,profile"`

	// Supabase
	SupabaseURL     string `env:"SUPABASE_URL,notEmpty"`
	SupabaseAnonKey string `env:"SUPABASE_ANON_KEY,notEmpty"`

	// Timeouts
	InteractiveTimeout time.Duration `env:"INTERACTIVE_TIMEOUT" envDefault:"5m"`
	SilentTimeout      time.Duration `env:"SILENT_TIMEOUT" envDefault:"15s"`
	ExchangeTimeout    time.Duration `env:"EXCHANGE_TIMEOUT" envDefault:"15s"`

	// Rate Limit（1分あたりのサインイン要求数）
	RateLimitSignIn int `env:"RATE_LIMIT_SIGN_IN" envDefault:"20"`

	// Logging
	LogLevel             string `env:"LOG_LEVEL" envDefault:"info"`
	AttemptRetentionDays int    `env:"ATTEMPT_RETENTION_DAYS" envDefault:"14"`

	// Localization
	DefaultLocale string `env:"DEFAULT_LOCALE" envDefault:"es"`

	// Server
	// プロセス内のセッションは1ユーザー分のみのため、既定ではループバックでのみ待ち受ける。
	// コンテナ等で外部に公開する場合のみSERVER_HOSTを明示する。
	ServerHost string `env:"SERVER_HOST" envDefault:"127.0.0.1"`
	ServerPort string `env:"SERVER_PORT" envDefault:"8080"`
	BaseURL    string `env:"BASE_URL,notEmpty"`

	// CORS（カンマ区切りの許可オリジン）
	CORSAllowedOrigin string `env:"CORS_ALLOWED_ORIGIN" envDefault:"http://localhost:3000"`
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	cfg.GoogleScopes = trimCSV(cfg.GoogleScopes)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv はカレントディレクトリの.envを読み込む。ファイルがない場合は何もしない。
// 既に設定されている環境変数は上書きしない。
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ListenAddr はHTTPサーバーの待ち受けアドレスを返す。
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.ServerHost, c.ServerPort)
}

// LoopbackOnly は待ち受けアドレスがループバックに限られるかを返す。
func (c *Config) LoopbackOnly() bool {
	return security.IsLoopbackHost(c.ServerHost)
}

// CookieSecure はCookieにSecure属性を付けるかを返す。
func (c *Config) CookieSecure() bool {
	return strings.HasPrefix(c.BaseURL, "https://")
}

// SlogLevel はLOG_LEVELをslog.Levelに変換する。
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// AttemptRetention は監査ログの保持期間を返す。
func (c *Config) AttemptRetention() time.Duration {
	return time.Duration(c.AttemptRetentionDays) * 24 * time.Hour
}

func (c *Config) validate() error {
	var errs []error

	for name, v := range map[string]string{
		"SUPABASE_URL":        c.SupabaseURL,
		"GOOGLE_REDIRECT_URL": c.GoogleRedirectURL,
		"BASE_URL":            c.BaseURL,
	} {
		if err := security.ValidateEndpoint(v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	for name, d := range map[string]time.Duration{
		"INTERACTIVE_TIMEOUT": c.InteractiveTimeout,
		"SILENT_TIMEOUT":      c.SilentTimeout,
		"EXCHANGE_TIMEOUT":    c.ExchangeTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}

	if c.RateLimitSignIn <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_SIGN_IN must be positive, got %d", c.RateLimitSignIn))
	}
	if c.AttemptRetentionDays <= 0 {
		errs = append(errs, fmt.Errorf("ATTEMPT_RETENTION_DAYS must be positive, got %d", c.AttemptRetentionDays))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func trimCSV(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

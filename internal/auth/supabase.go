package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/signgate/internal/model"
	"github.com/hitoshi/signgate/internal/security"
)

// maxBackendResponseSize は認証バックエンドのレスポンスボディの上限。
const maxBackendResponseSize = 1 << 20

// SupabaseConfig はSupabaseBackendの設定。
type SupabaseConfig struct {
	URL        string // 例: https://xxxx.supabase.co
	AnonKey    string
	HTTPClient *http.Client
}

// MetadataSanitizer はバックエンドが返すユーザーメタデータを無害化する。
type MetadataSanitizer interface {
	Sanitize(raw map[string]any) map[string]string
}

// SupabaseBackend はSupabase Auth（GoTrue）によるAuthBackend。
// 交換で得たアクセストークンはサインアウトのためだけに保持する。
type SupabaseBackend struct {
	config    SupabaseConfig
	sanitizer MetadataSanitizer

	mu          sync.Mutex
	accessToken string
}

// NewSupabaseBackend はSupabaseBackendを生成する。
func NewSupabaseBackend(config SupabaseConfig) *SupabaseBackend {
	config.URL = strings.TrimRight(config.URL, "/")
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}
	return &SupabaseBackend{
		config:    config,
		sanitizer: security.NewMetadataSanitizer(model.MetaAvatarURL, model.MetaPicture),
	}
}

// supabaseTokenResponse はトークンエンドポイントの成功レスポンス。
type supabaseTokenResponse struct {
	AccessToken string        `json:"access_token"`
	User        *supabaseUser `json:"user"`
}

// supabaseUser はSupabaseのユーザーレコードのうち利用する項目。
type supabaseUser struct {
	ID           string     `json:"id"`
	Email        string     `json:"email"`
	CreatedAt    time.Time  `json:"created_at"`
	LastSignInAt *time.Time `json:"last_sign_in_at"`
	AppMetadata  struct {
		Provider string `json:"provider"`
	} `json:"app_metadata"`
	UserMetadata map[string]any `json:"user_metadata"`
}

// supabaseErrorResponse はエラーレスポンス。GoTrueのバージョンによりキーが異なる。
type supabaseErrorResponse struct {
	Msg              string `json:"msg"`
	Message          string `json:"message"`
	ErrorDescription string `json:"error_description"`
	Error            string `json:"error"`
}

func (r supabaseErrorResponse) text() string {
	for _, s := range []string{r.Msg, r.Message, r.ErrorDescription, r.Error} {
		if s != "" {
			return s
		}
	}
	return ""
}

// ExchangeIdentityToken はIdPのIDトークンをSupabaseのユーザーに交換する。
// バックエンドが拒否した場合はメッセージを保持した*BackendErrorを返す。
func (b *SupabaseBackend) ExchangeIdentityToken(ctx context.Context, provider model.Provider, idToken string) (*model.Session, error) {
	payload, err := json.Marshal(map[string]string{
		"provider": string(provider),
		"id_token": idToken,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode token request: %w", err)
	}

	req, err := b.newRequest(ctx, "/auth/v1/token?grant_type=id_token", payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+b.config.AnonKey)

	resp, err := b.config.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBackendResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, backendError(resp.StatusCode, body)
	}

	var tokenResp supabaseTokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	if tokenResp.User == nil || tokenResp.User.ID == "" {
		return nil, errEmptyUser
	}

	b.mu.Lock()
	b.accessToken = tokenResp.AccessToken
	b.mu.Unlock()

	return b.toSession(tokenResp.User, provider), nil
}

// SignOut はアクセストークンを失効させる。保持しているトークンは結果に関わらず破棄する。
// トークンが既に無効（401/403/404）な場合は成功として扱う。
func (b *SupabaseBackend) SignOut(ctx context.Context) error {
	b.mu.Lock()
	token := b.accessToken
	b.accessToken = ""
	b.mu.Unlock()

	if token == "" {
		return nil
	}

	req, err := b.newRequest(ctx, "/auth/v1/logout", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := b.config.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("logout request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBackendResponseSize))
	return backendError(resp.StatusCode, body)
}

// HasSession はバックエンドのアクセストークンを保持しているかを返す。
func (b *SupabaseBackend) HasSession() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.accessToken != ""
}

func (b *SupabaseBackend) newRequest(ctx context.Context, path string, payload []byte) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.config.URL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create backend request: %w", err)
	}
	req.Header.Set("apikey", b.config.AnonKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (b *SupabaseBackend) toSession(u *supabaseUser, requested model.Provider) *model.Session {
	provider := model.Provider(u.AppMetadata.Provider)
	if provider == "" {
		provider = requested
	}

	last := u.CreatedAt
	if u.LastSignInAt != nil {
		last = *u.LastSignInAt
	}

	return &model.Session{
		UserID:         u.ID,
		Email:          u.Email,
		Provider:       provider,
		CreatedAt:      u.CreatedAt,
		LastActivityAt: last,
		Metadata:       b.sanitizer.Sanitize(u.UserMetadata),
	}
}

// backendError はエラーレスポンスを*BackendErrorに変換する。
// メッセージが取り出せない場合はHTTPステータス文を使う。
func backendError(status int, body []byte) *BackendError {
	var errResp supabaseErrorResponse
	msg := ""
	if json.Unmarshal(body, &errResp) == nil {
		msg = errResp.text()
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &BackendError{StatusCode: status, Message: msg}
}

// compile-time interface check
var _ AuthBackend = (*SupabaseBackend)(nil)

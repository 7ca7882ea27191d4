// Package auth はサインインの状態機械（Controller）と、
// 外部IdP・認証バックエンドのアダプタを提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/hitoshi/signgate/internal/model"
)

// ProviderResult はIdPのサインイン結果を表す。
type ProviderResult struct {
	Provider model.Provider
	IDToken  string
	Subject  string
	Email    string
}

// IdentityProvider は外部IdPクライアントのインターフェース。
// 将来的に複数IdP（Google, Apple等）に対応するための抽象化。
type IdentityProvider interface {
	// SignInInteractively はユーザー操作を伴うサインインを行い、IDトークンを返す。
	SignInInteractively(ctx context.Context) (*ProviderResult, error)
	// SignInSilently は既存のIdPセッションからユーザー操作なしでIDトークンを取得する。
	// 既存セッションがない場合はErrNoPriorSessionを返す。
	SignInSilently(ctx context.Context) (*ProviderResult, error)
	// SignOut はIdPのローカルセッションを無効化する。
	SignOut(ctx context.Context) error
}

// AuthBackend は認証バックエンド（BaaS）クライアントのインターフェース。
type AuthBackend interface {
	// ExchangeIdentityToken はIDトークンをバックエンドのユーザーレコードに交換する。
	ExchangeIdentityToken(ctx context.Context, provider model.Provider, idToken string) (*model.Session, error)
	// SignOut はバックエンドのセッションを無効化する。
	SignOut(ctx context.Context) error
}

// SessionStore はControllerが書き込むセッションストアのインターフェース。
// session.Storeが実装する。テストではフェイクに差し替える。
type SessionStore interface {
	Get() *model.Session
	Set(sess *model.Session)
	Clear()
}

// AttemptRecorder は完了したサインイン試行を記録するインターフェース。
type AttemptRecorder interface {
	Create(ctx context.Context, record *model.AttemptRecord) error
}

// CredentialStore はIdPアダプタのローカルセッションを保存するインターフェース。
type CredentialStore interface {
	// Load は保存済みの資格情報を返す。存在しない場合はnilを返す。
	Load(ctx context.Context, provider model.Provider) (*model.ProviderCredential, error)
	// Save は資格情報を上書き保存する。
	Save(ctx context.Context, cred *model.ProviderCredential) error
	// Delete は資格情報を削除する。存在しない場合もエラーにしない。
	Delete(ctx context.Context, provider model.Provider) error
}

// MemoryCredentialStore はプロセス内に資格情報を保持するCredentialStore。
// DATABASE_URL未設定時に使用する。
type MemoryCredentialStore struct {
	mu    sync.Mutex
	creds map[model.Provider]model.ProviderCredential
}

// NewMemoryCredentialStore はMemoryCredentialStoreを生成する。
func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{creds: make(map[model.Provider]model.ProviderCredential)}
}

// Load は保存済みの資格情報のコピーを返す。
func (m *MemoryCredentialStore) Load(_ context.Context, provider model.Provider) (*model.ProviderCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[provider]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

// Save は資格情報を保存する。
func (m *MemoryCredentialStore) Save(_ context.Context, cred *model.ProviderCredential) error {
	if cred == nil {
		return fmt.Errorf("credential is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[cred.Provider] = *cred
	return nil
}

// Delete は資格情報を削除する。
func (m *MemoryCredentialStore) Delete(_ context.Context, provider model.Provider) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.creds, provider)
	return nil
}

// Launcher は対話サインインの認可URLをユーザーに提示する。
type Launcher interface {
	Launch(ctx context.Context, authURL string) error
}

// LauncherFunc は関数をLauncherとして扱うアダプタ。
type LauncherFunc func(ctx context.Context, authURL string) error

// Launch はf(ctx, authURL)を呼び出す。
func (f LauncherFunc) Launch(ctx context.Context, authURL string) error {
	return f(ctx, authURL)
}

// NewWriterLauncher は認可URLをwに書き出すLauncherを返す。ターミナルからのサインイン用。
func NewWriterLauncher(w io.Writer) Launcher {
	return LauncherFunc(func(_ context.Context, authURL string) error {
		_, err := fmt.Fprintf(w, "Open the following URL in your browser to sign in:\n\n  %s\n\n", authURL)
		return err
	})
}

// ErrNoLaunchTarget はRedirectLauncherの受け取り先がコンテキストに結び付いていないことを示す。
var ErrNoLaunchTarget = errors.New("no authorization URL receiver attached to context")

type launchTargetKey struct{}

// RedirectLauncher は認可URLを、試行を開始したHTTPリクエストに受け渡すLauncher。
// 受け取り先はAttachで試行のコンテキストに結び付けるため、
// ビジーで拒否された試行が他の試行のURLを受け取ることはない。
type RedirectLauncher struct{}

// NewRedirectLauncher はRedirectLauncherを生成する。
func NewRedirectLauncher() *RedirectLauncher {
	return &RedirectLauncher{}
}

// Attach はctxから始まる試行の認可URLを受け取るチャネルを結び付けたコンテキストを返す。
// チャネルには高々1つのURLが届く。
func (l *RedirectLauncher) Attach(ctx context.Context) (context.Context, <-chan string) {
	ch := make(chan string, 1)
	return context.WithValue(ctx, launchTargetKey{}, ch), ch
}

// Launch はctxに結び付いた受け取り先にURLを渡す。送信でブロックすることはない。
func (l *RedirectLauncher) Launch(ctx context.Context, authURL string) error {
	ch, ok := ctx.Value(launchTargetKey{}).(chan string)
	if !ok {
		return ErrNoLaunchTarget
	}
	select {
	case ch <- authURL:
		return nil
	default:
		return fmt.Errorf("authorization URL already issued for this attempt")
	}
}

// compile-time interface checks
var (
	_ CredentialStore = (*MemoryCredentialStore)(nil)
	_ Launcher        = (*RedirectLauncher)(nil)
)

package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/hitoshi/signgate/internal/model"
	"golang.org/x/oauth2"
)

const (
	defaultGoogleAuthURL   = "https://accounts.google.com/o/oauth2/auth"
	defaultGoogleTokenURL  = "https://oauth2.googleapis.com/token"
	defaultGoogleRevokeURL = "https://oauth2.googleapis.com/revoke"
)

// StatusSignInFailed はその他のIdP側の失敗を示す。
const StatusSignInFailed ProviderCode = "SIGN_IN_FAILED"

// DefaultGoogleScopes はConfigureでスコープが省略された場合に使うスコープ。
var DefaultGoogleScopes = []string{"openid", "email", "profile"}

// ErrUnknownFlow はコールバックのstateが進行中の対話フローと一致しないことを示す。
var ErrUnknownFlow = errors.New("no pending sign-in flow matches the callback state")

// GoogleProviderConfig はGoogleProviderの設定。
type GoogleProviderConfig struct {
	ClientSecret string
	RedirectURL  string

	// テスト用にオーバーライド可能なURL
	AuthURL   string
	TokenURL  string
	RevokeURL string

	// HTTPClient はトークンエンドポイントとrevokeエンドポイントへの接続に使う。
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// GoogleProvider はGoogle OAuth 2.0（認可コード + PKCE）によるIdentityProvider。
//
// 対話サインインはLauncherで認可URLを提示し、CompleteSignInでコールバックを受け取るまで待つ。
// サイレントサインインはCredentialStoreに保存したリフレッシュトークンを使う。
// IDトークンの署名検証は交換先の認証バックエンドが行う。
type GoogleProvider struct {
	config      GoogleProviderConfig
	launcher    Launcher
	credentials CredentialStore
	logger      *slog.Logger
	now         func() time.Time

	mu      sync.Mutex
	oauth   *oauth2.Config
	pending *pendingFlow
}

// pendingFlow はコールバック待ちの対話フロー。
type pendingFlow struct {
	state    string
	verifier string
	result   chan flowResult
}

type flowResult struct {
	res *ProviderResult
	err error
}

func (f *pendingFlow) deliver(res *ProviderResult, err error) {
	select {
	case f.result <- flowResult{res: res, err: err}:
	default:
	}
}

// googleIDClaims はGoogle IDトークンのうち利用するクレーム。
type googleIDClaims struct {
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
	jwt.RegisteredClaims
}

// NewGoogleProvider はGoogleProviderを生成する。Configureを呼ぶまでサインインはできない。
func NewGoogleProvider(config GoogleProviderConfig, launcher Launcher, credentials CredentialStore) *GoogleProvider {
	if config.AuthURL == "" {
		config.AuthURL = defaultGoogleAuthURL
	}
	if config.TokenURL == "" {
		config.TokenURL = defaultGoogleTokenURL
	}
	if config.RevokeURL == "" {
		config.RevokeURL = defaultGoogleRevokeURL
	}
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}
	if credentials == nil {
		credentials = NewMemoryCredentialStore()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &GoogleProvider{
		config:      config,
		launcher:    launcher,
		credentials: credentials,
		logger:      logger,
		now:         time.Now,
	}
}

// Configure はクライアントIDとスコープを設定する。起動時に1回呼び出す。
// IDトークンを得るため、scopesにopenidが含まれない場合は追加する。
func (p *GoogleProvider) Configure(clientID string, scopes []string) error {
	if strings.TrimSpace(clientID) == "" {
		return fmt.Errorf("google client id is required")
	}
	if len(scopes) == 0 {
		scopes = DefaultGoogleScopes
	}
	scopes = slices.Clone(scopes)
	if !slices.Contains(scopes, "openid") {
		scopes = append([]string{"openid"}, scopes...)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.oauth = &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: p.config.ClientSecret,
		RedirectURL:  p.config.RedirectURL,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   p.config.AuthURL,
			TokenURL:  p.config.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	return nil
}

// SignInInteractively は認可URLを提示し、コールバックで認可コードが届くまで待つ。
// 別の対話フローが進行中の場合はIN_PROGRESSを返す。
func (p *GoogleProvider) SignInInteractively(ctx context.Context) (*ProviderResult, error) {
	p.mu.Lock()
	cfg := p.oauth
	if cfg == nil {
		p.mu.Unlock()
		return nil, errNotConfigured
	}
	if p.pending != nil {
		p.mu.Unlock()
		return nil, &ProviderError{Code: StatusInProgress, Message: "an interactive flow is already pending"}
	}
	flow := &pendingFlow{
		state:    uuid.NewString(),
		verifier: oauth2.GenerateVerifier(),
		result:   make(chan flowResult, 1),
	}
	p.pending = flow
	p.mu.Unlock()

	defer p.clearPending(flow)

	authURL := cfg.AuthCodeURL(flow.state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.S256ChallengeOption(flow.verifier),
	)
	if err := p.launcher.Launch(ctx, authURL); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &ProviderError{Code: StatusSignInFailed, Message: "failed to present authorization URL", Err: err}
	}

	select {
	case r := <-flow.result:
		return r.res, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CompleteSignIn はOAuthコールバックを処理し、待機中のSignInInteractivelyに結果を渡す。
// stateが一致しない場合はErrUnknownFlowを返す。それ以外の失敗は待機側に渡され、ここではnilを返す。
func (p *GoogleProvider) CompleteSignIn(ctx context.Context, state, code, errParam string) error {
	p.mu.Lock()
	flow := p.pending
	cfg := p.oauth
	if flow == nil || state == "" || subtle.ConstantTimeCompare([]byte(flow.state), []byte(state)) != 1 {
		p.mu.Unlock()
		return ErrUnknownFlow
	}
	// 同じコールバックの二重処理を防ぐ
	p.pending = nil
	p.mu.Unlock()

	switch {
	case errParam == "access_denied":
		flow.deliver(nil, &ProviderError{Code: StatusSignInCancelled, Message: "user denied consent"})
		return nil
	case errParam != "":
		flow.deliver(nil, &ProviderError{Code: StatusSignInFailed, Message: errParam})
		return nil
	case code == "":
		flow.deliver(nil, &ProviderError{Code: StatusSignInFailed, Message: "callback carried no authorization code"})
		return nil
	}

	tok, err := cfg.Exchange(p.clientContext(ctx), code, oauth2.VerifierOption(flow.verifier))
	if err != nil {
		flow.deliver(nil, classifyOAuthError("exchange authorization code", err))
		return nil
	}

	res, err := p.resultFromToken(cfg, tok)
	if err != nil {
		flow.deliver(nil, err)
		return nil
	}

	if tok.RefreshToken != "" {
		p.saveCredential(ctx, res, tok.RefreshToken)
	}
	flow.deliver(res, nil)
	return nil
}

// Pending は対話フローがコールバック待ちかを返す。
func (p *GoogleProvider) Pending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending != nil
}

// SignInSilently は保存済みのリフレッシュトークンで新しいIDトークンを取得する。
// 資格情報がない、またはGoogle側で失効している場合はErrNoPriorSessionを返す。
func (p *GoogleProvider) SignInSilently(ctx context.Context) (*ProviderResult, error) {
	p.mu.Lock()
	cfg := p.oauth
	p.mu.Unlock()
	if cfg == nil {
		return nil, errNotConfigured
	}

	cred, err := p.credentials.Load(ctx, model.ProviderGoogle)
	if err != nil {
		return nil, fmt.Errorf("load provider credential: %w", err)
	}
	if cred == nil || cred.RefreshToken == "" {
		return nil, ErrNoPriorSession
	}

	tok, err := cfg.TokenSource(p.clientContext(ctx), &oauth2.Token{RefreshToken: cred.RefreshToken}).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.ErrorCode == "invalid_grant" {
			if delErr := p.credentials.Delete(ctx, model.ProviderGoogle); delErr != nil {
				p.logger.Warn("failed to delete revoked provider credential", slog.String("error", delErr.Error()))
			}
			return nil, ErrNoPriorSession
		}
		return nil, classifyOAuthError("refresh provider session", err)
	}

	res, err := p.resultFromToken(cfg, tok)
	if err != nil {
		return nil, err
	}

	refresh := tok.RefreshToken
	if refresh == "" {
		refresh = cred.RefreshToken
	}
	p.saveCredential(ctx, res, refresh)
	return res, nil
}

// SignOut は進行中の対話フローを取り消し、リフレッシュトークンを失効させてから
// ローカルの資格情報を削除する。失効に失敗しても資格情報は削除する。
func (p *GoogleProvider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	flow := p.pending
	p.pending = nil
	p.mu.Unlock()
	if flow != nil {
		flow.deliver(nil, &ProviderError{Code: StatusSignInCancelled, Message: "signed out"})
	}

	cred, err := p.credentials.Load(ctx, model.ProviderGoogle)
	if err != nil {
		return fmt.Errorf("load provider credential: %w", err)
	}
	if cred == nil {
		return nil
	}

	var revokeErr error
	if cred.RefreshToken != "" {
		revokeErr = p.revoke(ctx, cred.RefreshToken)
	}
	if err := p.credentials.Delete(ctx, model.ProviderGoogle); err != nil {
		return errors.Join(revokeErr, fmt.Errorf("delete provider credential: %w", err))
	}
	return revokeErr
}

func (p *GoogleProvider) clearPending(flow *pendingFlow) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == flow {
		p.pending = nil
	}
}

func (p *GoogleProvider) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.config.HTTPClient)
}

// resultFromToken はトークンレスポンスからIDトークンとクレームを取り出す。
// IDトークンが無い、または読み取れない場合はIDTokenを空にして返し、Controller側でMissingTokenとなる。
func (p *GoogleProvider) resultFromToken(cfg *oauth2.Config, tok *oauth2.Token) (*ProviderResult, error) {
	res := &ProviderResult{Provider: model.ProviderGoogle}

	raw, _ := tok.Extra("id_token").(string)
	if raw == "" {
		return res, nil
	}

	var claims googleIDClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		p.logger.Warn("unreadable id token from provider", slog.String("error", err.Error()))
		return res, nil
	}
	if claims.Subject == "" {
		return res, nil
	}
	if !slices.Contains(claims.Audience, cfg.ClientID) {
		return nil, &ProviderError{Code: StatusSignInFailed, Message: "id token audience does not match client id"}
	}
	if claims.ExpiresAt != nil && !claims.ExpiresAt.After(p.now()) {
		return nil, &ProviderError{Code: StatusSignInFailed, Message: "id token already expired"}
	}

	res.IDToken = raw
	res.Subject = claims.Subject
	res.Email = claims.Email
	return res, nil
}

func (p *GoogleProvider) saveCredential(ctx context.Context, res *ProviderResult, refreshToken string) {
	cred := &model.ProviderCredential{
		Provider:     model.ProviderGoogle,
		Subject:      res.Subject,
		RefreshToken: refreshToken,
		IDToken:      res.IDToken,
		UpdatedAt:    p.now(),
	}
	if err := p.credentials.Save(ctx, cred); err != nil {
		p.logger.Warn("failed to save provider credential", slog.String("error", err.Error()))
	}
}

func (p *GoogleProvider) revoke(ctx context.Context, token string) error {
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.RevokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.config.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("revoke request failed: %w", err)
	}
	defer resp.Body.Close()

	// 既に失効済みのトークンは400を返す
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusBadRequest {
		return fmt.Errorf("revoke failed with status %d", resp.StatusCode)
	}
	return nil
}

// errNotConfigured はConfigure前にサインインが呼ばれたことを示す。
var errNotConfigured = &ProviderError{Code: StatusPlayServicesNotAvailable, Message: "google sign-in is not configured"}

// classifyOAuthError はoauth2のエラーをProviderErrorに変換する。
// 接続できない場合は基盤サービス利用不可として扱う。
func classifyOAuthError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}

	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		msg := re.ErrorCode
		if msg == "" && re.Response != nil {
			msg = fmt.Sprintf("status %d", re.Response.StatusCode)
		}
		if re.ErrorDescription != "" {
			msg = msg + ": " + re.ErrorDescription
		}
		return &ProviderError{Code: StatusSignInFailed, Message: op + ": " + msg, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &ProviderError{Code: StatusPlayServicesNotAvailable, Message: op + ": provider unreachable", Err: err}
	}

	return &ProviderError{Code: StatusSignInFailed, Message: op, Err: err}
}

// compile-time interface check
var _ IdentityProvider = (*GoogleProvider)(nil)

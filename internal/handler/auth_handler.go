// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/signgate/internal/auth"
	"github.com/hitoshi/signgate/internal/middleware"
	"github.com/hitoshi/signgate/internal/model"
)

const (
	defaultLaunchWait   = 10 * time.Second
	defaultCallbackWait = 30 * time.Second
)

// SignInController はハンドラーが必要とするサインイン状態機械のインターフェース。
// auth.Controllerが実装する。
type SignInController interface {
	SignIn(ctx context.Context) (*model.Session, error)
	RestoreSession(ctx context.Context) (*model.Session, error)
	SignOut(ctx context.Context) error
	State() auth.State
	Wait(ctx context.Context) error
}

// FlowCompleter はOAuthコールバックを待機中の対話フローに渡す。
// auth.GoogleProviderが実装する。
type FlowCompleter interface {
	CompleteSignIn(ctx context.Context, state, code, errParam string) error
}

// AuthURLSource は試行ごとに認可URLの受け取り先を結び付ける。
// auth.RedirectLauncherが実装する。
type AuthURLSource interface {
	Attach(ctx context.Context) (context.Context, <-chan string)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	// LaunchWait はLoginが認可URLの発行を待つ上限。
	LaunchWait time.Duration
	// CallbackWait はCallbackがトークン交換の完了を待つ上限。
	CallbackWait time.Duration
}

// AuthHandler はサインイン・サインアウトのHTTPハンドラー。
type AuthHandler struct {
	controller SignInController
	flows      FlowCompleter
	urls       AuthURLSource
	pages      *PageHandler
	config     AuthHandlerConfig
	logger     *slog.Logger
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(controller SignInController, flows FlowCompleter, urls AuthURLSource, pages *PageHandler, config AuthHandlerConfig, logger *slog.Logger) *AuthHandler {
	if config.LaunchWait <= 0 {
		config.LaunchWait = defaultLaunchWait
	}
	if config.CallbackWait <= 0 {
		config.CallbackWait = defaultCallbackWait
	}
	return &AuthHandler{
		controller: controller,
		flows:      flows,
		urls:       urls,
		pages:      pages,
		config:     config,
		logger:     logger,
	}
}

// Login は対話サインインを開始し、発行された認可URLへリダイレクトする。
// GET /auth/google/login
//
// 試行はリクエストより長く生きるため、リクエストのコンテキストから切り離して実行する。
// 認可URLはこのリクエストが開始した試行からのみ受け取る。
// URLが発行される前にリクエストが終わった場合は、このリクエストの試行だけをキャンセルする。
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	if h.controller.State().Busy() {
		h.pages.RenderError(w, r, http.StatusConflict, auth.ErrBusy)
		return
	}

	ctx, urls := h.urls.Attach(context.Background())
	ctx, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() {
		defer cancel()
		_, err := h.controller.SignIn(ctx)
		errCh <- err
	}()

	timer := time.NewTimer(h.config.LaunchWait)
	defer timer.Stop()

	select {
	case authURL := <-urls:
		http.Redirect(w, r, authURL, http.StatusFound)
	case err := <-errCh:
		h.loginFailed(w, r, err)
	case <-timer.C:
		cancel()
		h.logger.Warn("authorization URL was not issued in time",
			slog.Duration("launch_wait", h.config.LaunchWait),
		)
		http.Redirect(w, r, "/signin", http.StatusSeeOther)
	case <-r.Context().Done():
		cancel()
	}
}

// loginFailed は認可URLの発行前に終わった試行を処理する。
// ビジーは試行として記録されないためその場で表示し、それ以外はサインイン画面に戻す。
func (h *AuthHandler) loginFailed(w http.ResponseWriter, r *http.Request, err error) {
	classified := auth.Classify(err)
	if classified != nil && classified.Kind == auth.KindProviderBusy {
		h.pages.RenderError(w, r, http.StatusConflict, classified)
		return
	}
	http.Redirect(w, r, "/signin", http.StatusSeeOther)
}

// Callback はOAuthコールバックを待機中のフローに渡し、トークン交換の完了を待ってから"/"へ戻す。
// GET /auth/google/callback?code=xxx&state=yyy
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	err := h.flows.CompleteSignIn(r.Context(), q.Get("state"), q.Get("code"), q.Get("error"))
	if errors.Is(err, auth.ErrUnknownFlow) {
		h.logger.Warn("oauth callback without matching flow")
		middleware.WriteErrorResponse(w, r, http.StatusBadRequest, model.NewInvalidStateError())
		return
	}
	if err != nil {
		h.logger.Error("oauth callback failed", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w, r)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.config.CallbackWait)
	defer cancel()
	if err := h.controller.Wait(ctx); err != nil {
		h.logger.Warn("sign-in still running after callback", slog.String("error", err.Error()))
	}

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// Logout はサインアウトする。IdP・バックエンドの無効化に失敗してもローカルセッションは必ず消える。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.controller.SignOut(r.Context()); err != nil {
		h.logger.Warn("sign-out completed with invalidation failures", slog.String("error", err.Error()))
	}

	if wantsJSON(r) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	http.Redirect(w, r, "/signin", http.StatusSeeOther)
}

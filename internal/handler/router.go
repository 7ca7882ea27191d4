package handler

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/hitoshi/signgate/internal/i18n"
	"github.com/hitoshi/signgate/internal/metrics"
	"github.com/hitoshi/signgate/internal/middleware"
	"github.com/hitoshi/signgate/internal/navigator"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// サインイン
	Controller SignInController
	Flows      FlowCompleter
	AuthURLs   AuthURLSource
	AuthConfig AuthHandlerConfig

	// 画面
	Sessions  SessionReader
	Navigator Navigation
	Localizer *i18n.Localizer

	// ミドルウェア依存
	Logger            *slog.Logger
	Metrics           metrics.HTTPMetrics
	RateLimiter       *middleware.RateLimiter
	CORSAllowedOrigin string
	CSRF              middleware.CSRFConfig

	// 運用
	HealthChecker  HealthChecker
	MetricsHandler http.Handler
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RealIP → RequestID → Session → Logging → Recovery → SecurityHeaders → CORS
//
// /healthと/metricsはCSRF検証の外に配置する。/auth/*とサイレント復元にはレート制限を掛ける。
func NewRouter(deps *RouterDeps) (http.Handler, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pages, err := NewPageHandler(deps.Controller, deps.Sessions, deps.Navigator, deps.Localizer, logger)
	if err != nil {
		return nil, fmt.Errorf("build page handler: %w", err)
	}
	authHandler := NewAuthHandler(deps.Controller, deps.Flows, deps.AuthURLs, pages, deps.AuthConfig, logger)
	sessionHandler := NewSessionHandler(deps.Controller, deps.Sessions, deps.Navigator, deps.Localizer, logger)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.NewRequestIDMiddleware())
	r.Use(middleware.NewSessionMiddleware(deps.Sessions))
	r.Use(middleware.NewLoggingMiddleware(logger, deps.Metrics))
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.CSRF.CookieSecure))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	r.Get("/health", NewHealthHandler(deps.HealthChecker, logger))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	limit := func(next http.Handler) http.Handler { return next }
	if deps.RateLimiter != nil {
		limit = deps.RateLimiter.SignInMiddleware()
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.NewCSRFMiddleware(deps.CSRF))

		// 画面
		r.Get("/", pages.Serve(navigator.SurfaceHome))
		r.Get("/signin", pages.Serve(navigator.SurfaceSignIn))
		r.Get("/home", pages.Serve(navigator.SurfaceHome))
		r.Get("/profile", pages.Serve(navigator.SurfaceProfile))

		// サインインフロー
		r.Route("/auth", func(r chi.Router) {
			r.Use(limit)
			r.Get("/google/login", authHandler.Login)
			r.Get("/google/callback", authHandler.Callback)
			r.Post("/logout", authHandler.Logout)
		})

		// セッションAPI
		r.Route("/api/session", func(r chi.Router) {
			r.Get("/", sessionHandler.Get)
			r.With(middleware.NewRequireSessionMiddleware()).Get("/user", sessionHandler.User)
			r.With(limit).Post("/restore", sessionHandler.Restore)
		})
	})

	return r, nil
}

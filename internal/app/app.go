package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/signgate/internal/auth"
	"github.com/hitoshi/signgate/internal/config"
	"github.com/hitoshi/signgate/internal/database"
	"github.com/hitoshi/signgate/internal/handler"
	"github.com/hitoshi/signgate/internal/i18n"
	"github.com/hitoshi/signgate/internal/logger"
	"github.com/hitoshi/signgate/internal/metrics"
	"github.com/hitoshi/signgate/internal/middleware"
	"github.com/hitoshi/signgate/internal/model"
	"github.com/hitoshi/signgate/internal/navigator"
	"github.com/hitoshi/signgate/internal/repository"
	"github.com/hitoshi/signgate/internal/security"
	"github.com/hitoshi/signgate/internal/session"
	"github.com/hitoshi/signgate/internal/worker/cleanup"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout  = 30 * time.Second
	cleanupInterval  = 24 * time.Hour
	dbConnectTimeout = 5 * time.Second
)

// Init はアプリケーションの初期化を行う。
// .envと環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. .envと環境変数から設定を読み込む
	if err := config.LoadDotEnv(); err != nil {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再構成する
	logger.SetupDefault(w, cfg.SlogLevel())
	return cfg, nil
}

// services はサインインに必要な依存関係をまとめたもの。
// serveとsigninの両コマンドで共有する。
type services struct {
	db         *sql.DB
	attempts   *repository.PostgresAttemptRepo
	store      *session.Store
	provider   *auth.GoogleProvider
	controller *auth.Controller
	registry   *prometheus.Registry
	collector  *metrics.Collector
}

// newServices はDB・IdP・認証バックエンド・Controllerをワイヤリングする。
// DATABASE_URLが未設定の場合、監査ログは無効になり、資格情報はメモリに保持する。
func newServices(ctx context.Context, cfg *config.Config, launcher auth.Launcher, log *slog.Logger) (*services, error) {
	svc := &services{
		store:    session.NewStore(),
		registry: prometheus.NewRegistry(),
	}
	svc.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	svc.collector = metrics.NewCollector(svc.registry)

	// 1. DB接続（任意）
	var credentials auth.CredentialStore = auth.NewMemoryCredentialStore()
	if cfg.DatabaseURL != "" {
		db, err := database.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := database.Ping(ctx, db, dbConnectTimeout); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		log.Info("database connection established",
			slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		)

		svc.db = db
		svc.attempts = repository.NewPostgresAttemptRepo(db)
		credentials = repository.NewPostgresCredentialRepo(db)
	} else {
		log.Warn("DATABASE_URL is not set; attempt audit log disabled and provider credentials kept in memory")
	}

	// 2. IdPアダプタ
	svc.provider = auth.NewGoogleProvider(auth.GoogleProviderConfig{
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
		HTTPClient:   security.NewOutboundClient(cfg.ExchangeTimeout),
		Logger:       log,
	}, launcher, credentials)
	if err := svc.provider.Configure(cfg.GoogleClientID, cfg.GoogleScopes); err != nil {
		svc.Close()
		return nil, fmt.Errorf("failed to configure google sign-in: %w", err)
	}

	// 3. 認証バックエンド
	backend := auth.NewSupabaseBackend(auth.SupabaseConfig{
		URL:        cfg.SupabaseURL,
		AnonKey:    cfg.SupabaseAnonKey,
		HTTPClient: security.NewClientFor(cfg.SupabaseURL, cfg.ExchangeTimeout),
	})

	// 4. 状態機械
	svc.controller = auth.NewController(svc.provider, backend, svc.store, log, auth.ControllerConfig{
		InteractiveTimeout: cfg.InteractiveTimeout,
		SilentTimeout:      cfg.SilentTimeout,
		ExchangeTimeout:    cfg.ExchangeTimeout,
	}).WithMetrics(svc.collector)
	if svc.attempts != nil {
		svc.controller.WithRecorder(svc.attempts)
	}

	return svc, nil
}

// Close はDB接続を閉じる。
func (s *services) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// healthChecker はDB未使用時にnilインターフェースを返す。
func (s *services) healthChecker() handler.HealthChecker {
	if s.db == nil {
		return nil
	}
	return s.db
}

// runServe はWebサーバーモードで起動する。
// 全依存関係をワイヤリングし、起動時にサイレント復元を1回試みる。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()

	// 1. サインインの依存関係
	launcher := auth.NewRedirectLauncher()
	svc, err := newServices(ctx, cfg, launcher, log)
	if err != nil {
		return err
	}
	defer svc.Close()

	// 2. 画面遷移
	nav := navigator.New(svc.store, svc.controller, navigator.SurfaceSignIn, log)
	nav.Start()
	defer nav.Stop()

	loc, err := i18n.New(cfg.DefaultLocale)
	if err != nil {
		return fmt.Errorf("failed to load messages: %w", err)
	}

	// 3. ルーターの構築
	limiter := middleware.NewRateLimiter(middleware.RateLimiterConfigPerMinute(cfg.RateLimitSignIn))
	defer limiter.Stop()

	router, err := handler.NewRouter(&handler.RouterDeps{
		Controller: svc.controller,
		Flows:      svc.provider,
		AuthURLs:   launcher,

		Sessions:  svc.store,
		Navigator: nav,
		Localizer: loc,

		Logger:            log,
		Metrics:           svc.collector,
		RateLimiter:       limiter,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CSRF: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure(),
		},

		HealthChecker:  svc.healthChecker(),
		MetricsHandler: metrics.Handler(svc.registry),
	})
	if err != nil {
		return fmt.Errorf("failed to build router: %w", err)
	}

	// 4. HTTPサーバー
	// コールバックハンドラーはトークン交換の完了を待つため、WriteTimeoutは交換上限より長くする。
	if !cfg.LoopbackOnly() {
		log.Warn("serving the single-user session on a non-loopback address; every client that reaches it shares the signed-in user",
			slog.String("addr", cfg.ListenAddr()),
		)
	}
	server := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2*cfg.ExchangeTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	// 最初のリクエストより前に復元中フラグを立てる。
	waitRestore := svc.controller.StartRestore(gctx)

	g.Go(func() error {
		log.Info("HTTP server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		restoreOnStartup(waitRestore, log)
		return nil
	})

	if svc.attempts != nil {
		job := cleanup.NewCleanupJob(svc.attempts, log)
		job.Retention = cfg.AttemptRetention()
		g.Go(func() error {
			job.Start(gctx, cleanupInterval)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("HTTP server stopped gracefully")
	return nil
}

// restoreOnStartup は起動時に開始したサイレント復元の完了を待ち、結果をログに残す。
// 既存のIdPセッションがない場合は何もしない。失敗は警告として記録するのみ。
func restoreOnStartup(wait func() (*model.Session, error), log *slog.Logger) {
	sess, err := wait()
	switch {
	case err != nil:
		log.Warn("startup session restore failed",
			slog.String("error_kind", string(auth.Classify(err).Kind)),
		)
	case sess != nil:
		log.Info("session restored on startup", slog.String("user_id", sess.UserID))
	default:
		log.Info("no prior session to restore")
	}
}

// runMigrate はデータベースマイグレーションを実行する。
// downがtrueの場合はすべてのマイグレーションをロールバックする。
func runMigrate(cfg *config.Config, down bool) error {
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required for migrate")
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		slog.Bool("down", down),
	)

	if down {
		if err := database.RollbackAll(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("rollback failed: %w", err)
		}
		slog.Info("database migrations rolled back")
		return nil
	}

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	st, err := database.Status(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to read migration version: %w", err)
	}
	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(st.Version)),
		slog.Bool("dirty", st.Dirty),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}

// logStart は起動ログを出力する。
func logStart(cmd Command, cfg *config.Config) {
	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("host", cfg.ServerHost),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
		slog.Bool("database", cfg.DatabaseURL != ""),
	)
}

package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/hitoshi/signgate/internal/config"
	"github.com/spf13/cobra"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はWebサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandSignIn はターミナルから対話サインインを行うことを示す。
	CommandSignIn Command = "signin"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandAttempts は監査ログを表示することを示す。
	CommandAttempts Command = "attempts"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

const defaultServerPort = "8080"

// Run はアプリケーションのメインエントリーポイント。
// argsにはos.Args[1:]を渡す。サブコマンドを省略した場合はserveとして起動する。
func Run(w io.Writer, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	root := NewRootCommand(w)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// NewRootCommand はsigngateのコマンドツリーを構築する。
// ログとコマンドの出力はwに書き出す。
func NewRootCommand(w io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "signgate",
		Short: "Google sign-in gateway backed by Supabase",
		Long: `signgate signs users in with Google, exchanges the ID token with Supabase Auth,
and serves the sign-in, home and profile screens.

Running without a subcommand starts the web server.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConfig(cmd, w, CommandServe, func(ctx context.Context, cfg *config.Config) error {
				return runServe(ctx, cfg)
			})
		},
	}
	root.SetOut(w)
	root.SetErr(w)

	root.AddCommand(
		newServeCommand(w),
		newSignInCommand(w),
		newMigrateCommand(w),
		newAttemptsCommand(w),
		newHealthcheckCommand(),
	)
	return root
}

func newServeCommand(w io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   string(CommandServe),
		Short: "Start the web server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConfig(cmd, w, CommandServe, func(ctx context.Context, cfg *config.Config) error {
				return runServe(ctx, cfg)
			})
		},
	}
}

func newSignInCommand(w io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   string(CommandSignIn),
		Short: "Sign in with Google from the terminal",
		Long: `Print the Google authorization URL and wait for the OAuth callback on the
loopback address in GOOGLE_REDIRECT_URL. With DATABASE_URL set, the stored
credential lets "serve" restore the session silently.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConfig(cmd, w, CommandSignIn, func(ctx context.Context, cfg *config.Config) error {
				return runSignIn(ctx, cfg, cmd.OutOrStdout())
			})
		},
	}
}

func newMigrateCommand(w io.Writer) *cobra.Command {
	var down bool
	cmd := &cobra.Command{
		Use:   string(CommandMigrate),
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConfig(cmd, w, CommandMigrate, func(_ context.Context, cfg *config.Config) error {
				return runMigrate(cfg, down)
			})
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "Roll back all migrations")
	return cmd
}

func newAttemptsCommand(w io.Writer) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   string(CommandAttempts),
		Short: "List recent sign-in attempts from the audit log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConfig(cmd, w, CommandAttempts, func(ctx context.Context, cfg *config.Config) error {
				return runAttempts(ctx, cfg, cmd.OutOrStdout(), limit)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of attempts to show")
	return cmd
}

// newHealthcheckCommand は軽量サブコマンドのため、設定の読み込みをスキップする。
func newHealthcheckCommand() *cobra.Command {
	var port string
	cmd := &cobra.Command{
		Use:   string(CommandHealthcheck),
		Short: "Check the local /health endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealthcheck(healthcheckPort(port))
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "Server port (defaults to SERVER_PORT or 8080)")
	return cmd
}

// healthcheckPort はフラグ、SERVER_PORT、デフォルト値の優先順でポートを返す。
func healthcheckPort(flag string) string {
	if flag != "" {
		return flag
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		return port
	}
	return defaultServerPort
}

// withConfig は初期化を行ってからfnを実行する。
func withConfig(cmd *cobra.Command, w io.Writer, name Command, fn func(ctx context.Context, cfg *config.Config) error) error {
	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	logStart(name, cfg)
	return fn(cmd.Context(), cfg)
}

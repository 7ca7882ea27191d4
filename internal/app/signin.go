package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"text/tabwriter"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/signgate/internal/auth"
	"github.com/hitoshi/signgate/internal/config"
	"github.com/hitoshi/signgate/internal/database"
	"github.com/hitoshi/signgate/internal/i18n"
	"github.com/hitoshi/signgate/internal/model"
	"github.com/hitoshi/signgate/internal/repository"
	"github.com/hitoshi/signgate/internal/security"
	"golang.org/x/sync/errgroup"
)

// callbackWait はコールバック受信後、トークン交換の完了を待つ上限。
const callbackWait = 30 * time.Second

// runSignIn はターミナルから対話サインインを1回実行する。
// 認可URLをoutに表示し、GOOGLE_REDIRECT_URLのホストでコールバックを受け付ける。
// DATABASE_URLが設定されていれば、取得した資格情報はserveのサイレント復元で再利用される。
func runSignIn(ctx context.Context, cfg *config.Config, out io.Writer) error {
	log := slog.Default()

	callbackAddr, callbackPath, err := callbackListenAddr(cfg.GoogleRedirectURL)
	if err != nil {
		return err
	}

	svc, err := newServices(ctx, cfg, auth.NewWriterLauncher(out), log)
	if err != nil {
		return err
	}
	defer svc.Close()

	loc, err := i18n.New(cfg.DefaultLocale)
	if err != nil {
		return fmt.Errorf("failed to load messages: %w", err)
	}

	ln, err := net.Listen("tcp", callbackAddr)
	if err != nil {
		return fmt.Errorf("failed to listen for callback on %s: %w", callbackAddr, err)
	}

	r := chi.NewRouter()
	r.Get(callbackPath, newCallbackHandler(svc.provider, svc.controller, loc, log))
	server := &http.Server{
		Handler:     r,
		ReadTimeout: 15 * time.Second,
	}

	var sess *model.Session
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("callback server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		defer server.Shutdown(context.Background())

		s, err := svc.controller.SignIn(gctx)
		if err != nil {
			classified := auth.Classify(err)
			if classified.Silent() {
				return fmt.Errorf("sign-in cancelled")
			}
			return fmt.Errorf("sign-in failed: %s", loc.ErrorMessage(loc.Default(), classified))
		}
		sess = s
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	return printSession(out, loc, sess)
}

// newCallbackHandler はOAuthコールバックを受け取り、試行の完了を待ってから結果を表示する。
func newCallbackHandler(flows interface {
	CompleteSignIn(ctx context.Context, state, code, errParam string) error
}, ctl interface {
	Wait(ctx context.Context) error
	State() auth.State
}, loc *i18n.Localizer, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tag, _ := loc.ResolveRequest(r)
		q := r.URL.Query()

		if err := flows.CompleteSignIn(r.Context(), q.Get("state"), q.Get("code"), q.Get("error")); err != nil {
			log.Warn("callback rejected", slog.String("error", err.Error()))
			http.Error(w, "invalid state", http.StatusBadRequest)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), callbackWait)
		defer cancel()
		if err := ctl.Wait(ctx); err != nil {
			log.Warn("sign-in did not finish in time", slog.String("error", err.Error()))
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if last := ctl.State().Last; last != nil && last.Err != nil {
			w.WriteHeader(http.StatusBadGateway)
			fmt.Fprintln(w, loc.ErrorMessage(tag, last.Err))
			return
		}
		fmt.Fprintln(w, loc.Text(tag, i18n.MsgSignInComplete))
	}
}

// callbackListenAddr はリダイレクトURLから待ち受けアドレスとパスを返す。
// ターミナルからのサインインはループバック上のリダイレクトURLのみ受け付ける。
func callbackListenAddr(redirectURL string) (addr, path string, err error) {
	u, err := url.Parse(redirectURL)
	if err != nil {
		return "", "", fmt.Errorf("invalid GOOGLE_REDIRECT_URL: %w", err)
	}
	host := u.Hostname()
	if !security.IsLoopbackHost(host) {
		return "", "", fmt.Errorf("GOOGLE_REDIRECT_URL must point to a loopback host for terminal sign-in, got %q", host)
	}
	port := u.Port()
	if port == "" {
		return "", "", fmt.Errorf("GOOGLE_REDIRECT_URL must include a port for terminal sign-in")
	}
	path = u.Path
	if path == "" {
		path = "/"
	}
	return net.JoinHostPort(host, port), path, nil
}

// printSession はサインイン済みユーザーの概要を表示する。
func printSession(out io.Writer, loc *i18n.Localizer, sess *model.Session) error {
	tag := loc.Default()
	name := sess.DisplayName()
	if name == "" {
		name = loc.Text(tag, i18n.MsgNoName)
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, loc.Text(tag, i18n.MsgWelcome, name))
	fmt.Fprintf(tw, "Email:\t%s\n", sess.Email)
	fmt.Fprintf(tw, "%s\t%s\n", loc.Text(tag, i18n.MsgProvider), sess.Provider)
	fmt.Fprintf(tw, "%s\t%s\n", loc.Text(tag, i18n.MsgRole), loc.Text(tag, i18n.MsgRoleUndefined))
	fmt.Fprintf(tw, "%s\t%s\n", loc.Text(tag, i18n.MsgCreated), formatTime(sess.CreatedAt))
	fmt.Fprintf(tw, "%s\t%s\n", loc.Text(tag, i18n.MsgLastSignIn), formatTime(sess.LastActivityAt))
	return tw.Flush()
}

// runAttempts は直近のサインイン試行の監査ログを表示する。
func runAttempts(ctx context.Context, cfg *config.Config, out io.Writer, limit int) error {
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required to list attempts")
	}

	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	records, err := repository.NewPostgresAttemptRepo(db).ListRecent(ctx, limit)
	if err != nil {
		return err
	}
	return printAttempts(out, records)
}

func printAttempts(out io.Writer, records []*model.AttemptRecord) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CREATED\tMODE\tSTATUS\tERROR\tUSER\tDURATION")
	for _, rec := range records {
		errCode := rec.ErrorCode
		if errCode == "" {
			errCode = "-"
		}
		userID := rec.UserID
		if userID == "" {
			userID = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%dms\n",
			formatTime(rec.CreatedAt), rec.Mode, rec.Status, errCode, userID, rec.DurationMs)
	}
	return tw.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

package handler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/signgate/internal/auth"
	"github.com/hitoshi/signgate/internal/i18n"
	"github.com/hitoshi/signgate/internal/model"
	"github.com/hitoshi/signgate/internal/navigator"
	"github.com/hitoshi/signgate/internal/session"
)

// --- モック定義 ---

type mockController struct {
	mu    sync.Mutex
	state auth.State

	signInFn  func(ctx context.Context) (*model.Session, error)
	restoreFn func(ctx context.Context) (*model.Session, error)
	signOutFn func(ctx context.Context) error
	waitFn    func(ctx context.Context) error

	listeners []auth.StateListener
}

func (m *mockController) SignIn(ctx context.Context) (*model.Session, error) {
	if m.signInFn != nil {
		return m.signInFn(ctx)
	}
	return nil, nil
}

func (m *mockController) RestoreSession(ctx context.Context) (*model.Session, error) {
	if m.restoreFn != nil {
		return m.restoreFn(ctx)
	}
	return nil, nil
}

func (m *mockController) SignOut(ctx context.Context) error {
	if m.signOutFn != nil {
		return m.signOutFn(ctx)
	}
	return nil
}

func (m *mockController) State() auth.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *mockController) Wait(ctx context.Context) error {
	if m.waitFn != nil {
		return m.waitFn(ctx)
	}
	return nil
}

// Restoring とSubscribe はnavigator.RestoreSourceを満たすために実装する。
func (m *mockController) Restoring() bool {
	return m.State().Restoring
}

func (m *mockController) Subscribe(l auth.StateListener) func() {
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
	return func() {}
}

func (m *mockController) setState(s auth.State) {
	m.mu.Lock()
	m.state = s
	listeners := append([]auth.StateListener(nil), m.listeners...)
	m.mu.Unlock()
	for _, l := range listeners {
		l(s)
	}
}

type mockFlows struct {
	completeFn func(ctx context.Context, state, code, errParam string) error
}

func (m *mockFlows) CompleteSignIn(ctx context.Context, state, code, errParam string) error {
	if m.completeFn != nil {
		return m.completeFn(ctx, state, code, errParam)
	}
	return nil
}

type chanURLs struct {
	ch chan string
}

func (c *chanURLs) Attach(ctx context.Context) (context.Context, <-chan string) { return ctx, c.ch }

type stubNavigation struct {
	shown navigator.Surface
}

func (s *stubNavigation) Visit(navigator.Surface) navigator.Surface { return s.shown }
func (s *stubNavigation) Current() navigator.Surface                { return s.shown }

// --- ヘルパー ---

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestLocalizer(t *testing.T) *i18n.Localizer {
	t.Helper()
	loc, err := i18n.New("es")
	if err != nil {
		t.Fatalf("i18n.New() error: %v", err)
	}
	return loc
}

func testSession() *model.Session {
	return &model.Session{
		UserID:         "user-1",
		Email:          "ana@example.com",
		Provider:       model.ProviderGoogle,
		CreatedAt:      time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		LastActivityAt: time.Date(2025, 3, 2, 11, 30, 0, 0, time.UTC),
		Metadata: map[string]string{
			model.MetaFullName: "Ana Rojas",
			model.MetaPicture:  "https://lh3.googleusercontent.com/a/ana.png",
		},
	}
}

// pageFixture は実際のSessionストアとNavigatorで画面ハンドラーを組み立てる。
type pageFixture struct {
	store *session.Store
	ctl   *mockController
	nav   *navigator.Navigator
	pages *PageHandler
}

func newPageFixture(t *testing.T, sess *model.Session, state auth.State) *pageFixture {
	t.Helper()

	store := session.NewStore()
	if sess != nil {
		store.Set(sess)
	}
	ctl := &mockController{state: state}
	nav := navigator.New(store, ctl, navigator.SurfaceSignIn, discardLogger())
	nav.Start()
	t.Cleanup(nav.Stop)

	pages, err := NewPageHandler(ctl, store, nav, newTestLocalizer(t), discardLogger())
	if err != nil {
		t.Fatalf("NewPageHandler() error: %v", err)
	}
	return &pageFixture{store: store, ctl: ctl, nav: nav, pages: pages}
}

// compile-time interface checks
var (
	_ SignInController = (*auth.Controller)(nil)
	_ FlowCompleter    = (*auth.GoogleProvider)(nil)
	_ AuthURLSource    = (*auth.RedirectLauncher)(nil)
	_ Navigation       = (*navigator.Navigator)(nil)
	_ SessionReader    = (*session.Store)(nil)
)

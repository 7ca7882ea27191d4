package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/hitoshi/signgate/internal/auth"
	"github.com/hitoshi/signgate/internal/metrics"
	"github.com/hitoshi/signgate/internal/middleware"
	"github.com/hitoshi/signgate/internal/navigator"
	"github.com/hitoshi/signgate/internal/session"
	"github.com/prometheus/client_golang/prometheus"
)

type stubChecker struct {
	err error
}

func (s *stubChecker) PingContext(context.Context) error { return s.err }

type routerFixture struct {
	handler http.Handler
	ctl     *mockController
	store   *session.Store
	limiter *middleware.RateLimiter
}

func newRouterFixture(t *testing.T, checker HealthChecker) *routerFixture {
	t.Helper()

	store := session.NewStore()
	ctl := &mockController{state: auth.State{Phase: auth.PhaseIdle}}
	nav := navigator.New(store, ctl, navigator.SurfaceSignIn, discardLogger())
	nav.Start()
	t.Cleanup(nav.Stop)

	limiter := middleware.NewRateLimiter(middleware.RateLimiterConfigPerMinute(1))
	t.Cleanup(limiter.Stop)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	h, err := NewRouter(&RouterDeps{
		Controller:     ctl,
		Flows:          &mockFlows{},
		AuthURLs:       &chanURLs{ch: make(chan string)},
		Sessions:       store,
		Navigator:      nav,
		Localizer:      newTestLocalizer(t),
		Logger:         discardLogger(),
		Metrics:        collector,
		RateLimiter:    limiter,
		HealthChecker:  checker,
		MetricsHandler: metrics.Handler(reg),
	})
	if err != nil {
		t.Fatalf("NewRouter() error: %v", err)
	}
	return &routerFixture{handler: h, ctl: ctl, store: store, limiter: limiter}
}

func (f *routerFixture) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func TestRouter_Health(t *testing.T) {
	tests := []struct {
		name    string
		checker HealthChecker
		want    int
	}{
		{"no database", nil, http.StatusOK},
		{"database reachable", &stubChecker{}, http.StatusOK},
		{"database down", &stubChecker{err: errors.New("connection refused")}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRouterFixture(t, tt.checker)

			w := f.do(httptest.NewRequest(http.MethodGet, "/health", nil))

			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestRouter_Metrics_ExposesHTTPStatus(t *testing.T) {
	f := newRouterFixture(t, nil)
	f.do(httptest.NewRequest(http.MethodGet, "/health", nil))

	w := f.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), `signgate_http_status_total{status_code="200"}`) {
		t.Errorf("metrics output does not contain http status counter:\n%s", w.Body.String())
	}
}

func TestRouter_SessionAPI_SetsCommonHeaders(t *testing.T) {
	f := newRouterFixture(t, nil)

	w := f.do(httptest.NewRequest(http.MethodGet, "/api/session", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if w.Header().Get(middleware.RequestIDHeader) == "" {
		t.Error("X-Request-ID header must be set")
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers must be applied")
	}
	var found bool
	for _, c := range w.Result().Cookies() {
		if c.Name == "signgate_csrf" && c.Value != "" {
			found = true
		}
	}
	if !found {
		t.Error("safe request must receive a CSRF cookie")
	}
}

func TestRouter_Logout_RequiresCSRFToken(t *testing.T) {
	f := newRouterFixture(t, nil)
	f.store.Set(testSession())

	signedOut := false
	f.ctl.signOutFn = func(ctx context.Context) error {
		signedOut = true
		f.store.Clear()
		return nil
	}

	// トークンなし
	w := f.do(httptest.NewRequest(http.MethodPost, "/auth/logout", nil))
	if w.Code != http.StatusForbidden {
		t.Fatalf("status without token = %d, want %d", w.Code, http.StatusForbidden)
	}
	if signedOut {
		t.Fatal("SignOut must not run when the CSRF check fails")
	}

	// フォームでトークンを送信
	form := url.Values{middleware.CSRFFormField: {"tok-1"}}
	req := httptest.NewRequest(http.MethodPost, "/auth/logout", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.AddCookie(&http.Cookie{Name: "signgate_csrf", Value: "tok-1"})

	w = f.do(req)
	if w.Code != http.StatusSeeOther || w.Header().Get("Location") != "/signin" {
		t.Errorf("response = %d %q, want 303 /signin", w.Code, w.Header().Get("Location"))
	}
	if !signedOut {
		t.Error("SignOut was not called")
	}
}

func TestRouter_Pages_FollowSessionState(t *testing.T) {
	f := newRouterFixture(t, nil)

	w := f.do(httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusSeeOther || w.Header().Get("Location") != "/signin" {
		t.Fatalf("signed out / = %d %q, want 303 /signin", w.Code, w.Header().Get("Location"))
	}

	f.store.Set(testSession())

	w = f.do(httptest.NewRequest(http.MethodGet, "/profile", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("signed in /profile = %d, want %d", w.Code, http.StatusOK)
	}
	// 発行されたCSRFトークンがフォームに埋め込まれること
	var token string
	for _, c := range w.Result().Cookies() {
		if c.Name == "signgate_csrf" {
			token = c.Value
		}
	}
	if token == "" || !strings.Contains(w.Body.String(), `value="`+token+`"`) {
		t.Error("profile form must embed the issued CSRF token")
	}
}

func TestRouter_Restore_IsRateLimited(t *testing.T) {
	f := newRouterFixture(t, nil)

	newReq := func() *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/api/session/restore", nil)
		req.AddCookie(&http.Cookie{Name: "signgate_csrf", Value: "tok"})
		req.Header.Set("X-CSRF-Token", "tok")
		return req
	}

	if w := f.do(newReq()); w.Code != http.StatusOK {
		t.Fatalf("first restore = %d, want %d", w.Code, http.StatusOK)
	}
	w := f.do(newReq())
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second restore = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header must be set")
	}
	if f.limiter.LimiterCount() != 1 {
		t.Errorf("LimiterCount() = %d, want 1", f.limiter.LimiterCount())
	}
}

func TestRouter_SessionUser_RequiresSession(t *testing.T) {
	f := newRouterFixture(t, nil)

	w := f.do(httptest.NewRequest(http.MethodGet, "/api/session/user", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("signed out status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	if !strings.Contains(w.Body.String(), "SESSION_NOT_FOUND") {
		t.Errorf("body = %s, want SESSION_NOT_FOUND", w.Body.String())
	}

	f.store.Set(testSession())

	w = f.do(httptest.NewRequest(http.MethodGet, "/api/session/user", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("signed in status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), `"display_name":"Ana Rojas"`) {
		t.Errorf("body = %s, want user profile", w.Body.String())
	}
}

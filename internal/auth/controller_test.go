package auth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/signgate/internal/model"
	"github.com/hitoshi/signgate/internal/session"
)

// --- モック定義 ---

type mockProvider struct {
	interactiveFn func(ctx context.Context) (*ProviderResult, error)
	silentFn      func(ctx context.Context) (*ProviderResult, error)
	signOutFn     func(ctx context.Context) error

	interactiveCalls atomic.Int32
	silentCalls      atomic.Int32
}

func (m *mockProvider) SignInInteractively(ctx context.Context) (*ProviderResult, error) {
	m.interactiveCalls.Add(1)
	if m.interactiveFn != nil {
		return m.interactiveFn(ctx)
	}
	return &ProviderResult{IDToken: "T"}, nil
}

func (m *mockProvider) SignInSilently(ctx context.Context) (*ProviderResult, error) {
	m.silentCalls.Add(1)
	if m.silentFn != nil {
		return m.silentFn(ctx)
	}
	return nil, ErrNoPriorSession
}

func (m *mockProvider) SignOut(ctx context.Context) error {
	if m.signOutFn != nil {
		return m.signOutFn(ctx)
	}
	return nil
}

type mockBackend struct {
	exchangeFn func(ctx context.Context, provider model.Provider, idToken string) (*model.Session, error)
	signOutFn  func(ctx context.Context) error

	exchangeCalls atomic.Int32
	signOutCalls  atomic.Int32
}

func (m *mockBackend) ExchangeIdentityToken(ctx context.Context, provider model.Provider, idToken string) (*model.Session, error) {
	m.exchangeCalls.Add(1)
	if m.exchangeFn != nil {
		return m.exchangeFn(ctx, provider, idToken)
	}
	return &model.Session{UserID: "u1", Email: "a@b.com"}, nil
}

func (m *mockBackend) SignOut(ctx context.Context) error {
	m.signOutCalls.Add(1)
	if m.signOutFn != nil {
		return m.signOutFn(ctx)
	}
	return nil
}

// countingStore はsession.Storeへの書き込み回数を数える。
type countingStore struct {
	*session.Store
	sets   atomic.Int32
	clears atomic.Int32
}

func (s *countingStore) Set(sess *model.Session) {
	s.sets.Add(1)
	s.Store.Set(sess)
}

func (s *countingStore) Clear() {
	s.clears.Add(1)
	s.Store.Clear()
}

type mockRecorder struct {
	mu      sync.Mutex
	records []*model.AttemptRecord
	err     error
}

func (m *mockRecorder) Create(_ context.Context, record *model.AttemptRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, record)
	return m.err
}

func (m *mockRecorder) all() []*model.AttemptRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*model.AttemptRecord(nil), m.records...)
}

type mockMetrics struct {
	mu             sync.Mutex
	attempts       []string
	busyRejections int
	signOuts       []bool
	sessionActive  bool
}

func (m *mockMetrics) RecordAttempt(mode, status, errorKind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, mode+"/"+status+"/"+errorKind)
}

func (m *mockMetrics) RecordAttemptDuration(string, time.Duration) {}

func (m *mockMetrics) RecordBusyRejection() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.busyRejections++
}

func (m *mockMetrics) RecordSignOut(failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signOuts = append(m.signOuts, failed)
}

func (m *mockMetrics) SetSessionActive(active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionActive = active
}

func newTestController(p *mockProvider, b *mockBackend, cfg ControllerConfig) (*Controller, *countingStore) {
	store := &countingStore{Store: session.NewStore()}
	return NewController(p, b, store, nil, cfg), store
}

// --- 成功・失敗シナリオ ---

func TestController_SignIn_Success(t *testing.T) {
	backend := &mockBackend{
		exchangeFn: func(_ context.Context, provider model.Provider, idToken string) (*model.Session, error) {
			if idToken != "T" {
				t.Errorf("idToken = %q, want T", idToken)
			}
			if provider != model.ProviderGoogle {
				t.Errorf("provider = %q, want google", provider)
			}
			return &model.Session{UserID: "u1", Email: "a@b.com"}, nil
		},
	}
	ctl, store := newTestController(&mockProvider{}, backend, ControllerConfig{})

	sess, err := ctl.SignIn(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.UserID != "u1" || sess.Email != "a@b.com" {
		t.Errorf("returned session = %+v", sess)
	}

	got := store.Get()
	if got == nil || got.UserID != "u1" || got.Email != "a@b.com" {
		t.Errorf("store = %+v, want u1/a@b.com", got)
	}
	if got.Provider != model.ProviderGoogle {
		t.Errorf("provider = %q, want defaulted to google", got.Provider)
	}
	if n := store.sets.Load(); n != 1 {
		t.Errorf("store.Set calls = %d, want exactly 1", n)
	}

	state := ctl.State()
	if state.Phase != PhaseIdle || state.Busy() {
		t.Errorf("phase = %s, want idle", state.Phase)
	}
	if state.Last.Status != AttemptSucceeded || state.Last.Err != nil {
		t.Errorf("last attempt = %+v, want succeeded", state.Last)
	}
}

func TestController_SignIn_BackendRejectsLeavesStoreUntouched(t *testing.T) {
	backend := &mockBackend{
		exchangeFn: func(context.Context, model.Provider, string) (*model.Session, error) {
			return nil, &BackendError{StatusCode: 400, Message: "invalid_grant"}
		},
	}
	ctl, store := newTestController(&mockProvider{}, backend, ControllerConfig{})

	sess, err := ctl.SignIn(context.Background())

	if sess != nil {
		t.Errorf("session = %+v, want nil", sess)
	}
	var classified *Error
	if !errors.As(err, &classified) {
		t.Fatalf("error = %v, want *Error", err)
	}
	if classified.Kind != KindBackendExchangeFailed || classified.Message != "invalid_grant" {
		t.Errorf("classified = %+v, want BackendExchangeFailed(invalid_grant)", classified)
	}
	if store.Get() != nil {
		t.Error("store must stay empty after a failed attempt")
	}
	if store.sets.Load() != 0 || store.clears.Load() != 0 {
		t.Error("failed attempt must not mutate the store")
	}

	last := ctl.State().Last
	if last.Status != AttemptFailed || last.Err.Kind != KindBackendExchangeFailed {
		t.Errorf("last attempt = %+v", last)
	}
}

func TestController_SignIn_FailureKeepsPreviousSession(t *testing.T) {
	backend := &mockBackend{
		exchangeFn: func(context.Context, model.Provider, string) (*model.Session, error) {
			return nil, &BackendError{StatusCode: 500, Message: "down"}
		},
	}
	ctl, store := newTestController(&mockProvider{}, backend, ControllerConfig{})
	store.Store.Set(&model.Session{UserID: "u0", Email: "old@b.com"})

	ctl.SignIn(context.Background())

	if got := store.Get(); got == nil || got.UserID != "u0" {
		t.Errorf("store = %+v, want previous session u0", got)
	}
}

func TestController_SignIn_ClassifiesProviderErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"play services", &ProviderError{Code: StatusPlayServicesNotAvailable}, KindProviderServicesUnavailable},
		{"cancelled", &ProviderError{Code: StatusSignInCancelled}, KindProviderCancelled},
		{"in progress", &ProviderError{Code: StatusInProgress}, KindProviderBusy},
		{"other code", &ProviderError{Code: "DEVELOPER_ERROR"}, KindProviderUnknown},
		{"plain error", errors.New("boom"), KindUnexpected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &mockBackend{}
			provider := &mockProvider{
				interactiveFn: func(context.Context) (*ProviderResult, error) { return nil, tt.err },
			}
			ctl, store := newTestController(provider, backend, ControllerConfig{})

			_, err := ctl.SignIn(context.Background())

			if got := Classify(err).Kind; got != tt.want {
				t.Errorf("kind = %s, want %s", got, tt.want)
			}
			if backend.exchangeCalls.Load() != 0 {
				t.Error("backend must not be called after a provider failure")
			}
			if store.Get() != nil || store.sets.Load() != 0 {
				t.Error("store must be untouched")
			}
			if ctl.State().Busy() {
				t.Error("controller must return to idle")
			}
		})
	}
}

func TestController_SignIn_MissingToken(t *testing.T) {
	backend := &mockBackend{}
	provider := &mockProvider{
		interactiveFn: func(context.Context) (*ProviderResult, error) {
			return &ProviderResult{IDToken: "   "}, nil
		},
	}
	ctl, store := newTestController(provider, backend, ControllerConfig{})

	_, err := ctl.SignIn(context.Background())

	if got := Classify(err).Kind; got != KindMissingToken {
		t.Errorf("kind = %s, want %s", got, KindMissingToken)
	}
	if backend.exchangeCalls.Load() != 0 {
		t.Error("backend must not be called without a token")
	}
	if store.Get() != nil {
		t.Error("store must be untouched")
	}
}

func TestController_SignIn_EmptyBackendUserIsUnexpected(t *testing.T) {
	backend := &mockBackend{
		exchangeFn: func(context.Context, model.Provider, string) (*model.Session, error) {
			return &model.Session{}, nil
		},
	}
	ctl, store := newTestController(&mockProvider{}, backend, ControllerConfig{})

	_, err := ctl.SignIn(context.Background())

	if got := Classify(err).Kind; got != KindUnexpected {
		t.Errorf("kind = %s, want %s", got, KindUnexpected)
	}
	if store.Get() != nil {
		t.Error("store must be untouched")
	}
}

func TestController_SignIn_ProviderPanicReturnsToIdle(t *testing.T) {
	provider := &mockProvider{
		interactiveFn: func(context.Context) (*ProviderResult, error) { panic("sdk exploded") },
	}
	ctl, _ := newTestController(provider, &mockBackend{}, ControllerConfig{})

	_, err := ctl.SignIn(context.Background())

	if got := Classify(err).Kind; got != KindUnexpected {
		t.Errorf("kind = %s, want %s", got, KindUnexpected)
	}
	if ctl.State().Busy() {
		t.Error("controller must return to idle after a panic")
	}
	if _, err := ctl.SignIn(context.Background()); err != nil {
		t.Errorf("next attempt should run, got %v", err)
	}
}

// --- ビジーガード ---

func TestController_SignIn_RejectsWhileInFlight(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	provider := &mockProvider{
		interactiveFn: func(context.Context) (*ProviderResult, error) {
			close(entered)
			<-release
			return &ProviderResult{IDToken: "T"}, nil
		},
	}
	m := &mockMetrics{}
	ctl, store := newTestController(provider, &mockBackend{}, ControllerConfig{})
	ctl.WithMetrics(m)

	done := make(chan error, 1)
	go func() {
		_, err := ctl.SignIn(context.Background())
		done <- err
	}()
	<-entered

	if !ctl.State().Busy() {
		t.Fatal("controller should be busy")
	}

	const rejected = 10
	var wg sync.WaitGroup
	for i := 0; i < rejected; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, err := ctl.SignIn(context.Background())
			if sess != nil {
				t.Error("rejected call must not return a session")
			}
			if !errors.Is(err, ErrBusy) {
				t.Errorf("error = %v, want ErrBusy", err)
			}
		}()
	}
	wg.Wait()

	if _, err := ctl.RestoreSession(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("RestoreSession error = %v, want ErrBusy", err)
	}
	if store.sets.Load() != 0 {
		t.Error("rejected calls must not mutate the store")
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first attempt failed: %v", err)
	}

	if n := provider.interactiveCalls.Load(); n != 1 {
		t.Errorf("provider calls = %d, want 1", n)
	}
	if n := provider.silentCalls.Load(); n != 0 {
		t.Errorf("silent calls = %d, want 0", n)
	}
	if m.busyRejections != rejected+1 {
		t.Errorf("busy rejections = %d, want %d", m.busyRejections, rejected+1)
	}
	if store.sets.Load() != 1 {
		t.Errorf("store.Set calls = %d, want 1", store.sets.Load())
	}
}

func TestController_SignIn_ConcurrentCallsNeverInterleave(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	provider := &mockProvider{
		interactiveFn: func(context.Context) (*ProviderResult, error) {
			n := inFlight.Add(1)
			for {
				cur := maxInFlight.Load()
				if n <= cur || maxInFlight.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inFlight.Add(-1)
			return &ProviderResult{IDToken: "T"}, nil
		},
	}
	ctl, _ := newTestController(provider, &mockBackend{}, ControllerConfig{})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctl.SignIn(context.Background())
		}()
	}
	wg.Wait()

	if got := maxInFlight.Load(); got != 1 {
		t.Errorf("max concurrent provider calls = %d, want 1", got)
	}
}

// --- サイレント復元 ---

func TestController_RestoreSession_NoPriorSessionIsNotAnError(t *testing.T) {
	provider := &mockProvider{}
	backend := &mockBackend{}
	rec := &mockRecorder{}
	ctl, store := newTestController(provider, backend, ControllerConfig{})
	ctl.WithRecorder(rec)

	sess, err := ctl.RestoreSession(context.Background())

	if sess != nil || err != nil {
		t.Fatalf("RestoreSession() = (%v, %v), want (nil, nil)", sess, err)
	}
	if store.Get() != nil {
		t.Error("store must stay empty")
	}
	state := ctl.State()
	if state.Phase != PhaseIdle || state.Restoring {
		t.Errorf("state = %+v, want idle and not restoring", state)
	}
	if state.Last.Status != AttemptIdle || state.Last.Err != nil {
		t.Errorf("last attempt = %+v, want idle without error", state.Last)
	}
	if backend.exchangeCalls.Load() != 0 {
		t.Error("backend must not be called")
	}

	records := rec.all()
	if len(records) != 1 || records[0].Status != string(AttemptIdle) || records[0].ErrorCode != "" {
		t.Errorf("records = %+v", records)
	}
}

func TestController_RestoreSession_Success(t *testing.T) {
	provider := &mockProvider{
		silentFn: func(context.Context) (*ProviderResult, error) {
			return &ProviderResult{IDToken: "T2"}, nil
		},
	}
	ctl, store := newTestController(provider, &mockBackend{}, ControllerConfig{})

	sess, err := ctl.RestoreSession(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess == nil || store.Get().UserID != "u1" {
		t.Errorf("store = %+v, want u1", store.Get())
	}
	if provider.interactiveCalls.Load() != 0 {
		t.Error("silent restore must not start an interactive flow")
	}
}

func TestController_RestoreSession_ExposesRestoringFlag(t *testing.T) {
	release := make(chan struct{})
	provider := &mockProvider{
		silentFn: func(context.Context) (*ProviderResult, error) {
			<-release
			return nil, ErrNoPriorSession
		},
	}
	ctl, _ := newTestController(provider, &mockBackend{}, ControllerConfig{})

	var mu sync.Mutex
	var seen []State
	ctl.Subscribe(func(s State) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		ctl.RestoreSession(context.Background())
		close(done)
	}()

	deadline := time.After(time.Second)
	for !ctl.Restoring() {
		select {
		case <-deadline:
			t.Fatal("Restoring() never became true")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	close(release)
	<-done

	if ctl.Restoring() {
		t.Error("Restoring() should be false after completion")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || !seen[0].Restoring || seen[1].Restoring {
		t.Errorf("notifications = %+v, want [restoring, done]", seen)
	}
}

func TestController_SignIn_IsNotRestoring(t *testing.T) {
	var restoring bool
	provider := &mockProvider{}
	var ctl *Controller
	provider.interactiveFn = func(context.Context) (*ProviderResult, error) {
		restoring = ctl.Restoring()
		return &ProviderResult{IDToken: "T"}, nil
	}
	ctl, _ = newTestController(provider, &mockBackend{}, ControllerConfig{})

	ctl.SignIn(context.Background())

	if restoring {
		t.Error("interactive sign-in must not report restoring")
	}
}

// --- タイムアウト ---

func TestController_SignIn_ProviderTimeout(t *testing.T) {
	provider := &mockProvider{
		interactiveFn: func(ctx context.Context) (*ProviderResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	ctl, store := newTestController(provider, &mockBackend{}, ControllerConfig{InteractiveTimeout: 20 * time.Millisecond})

	_, err := ctl.SignIn(context.Background())

	if got := Classify(err).Kind; got != KindTimeout {
		t.Errorf("kind = %s, want %s", got, KindTimeout)
	}
	if ctl.State().Busy() {
		t.Error("controller must return to idle after a timeout")
	}
	if store.Get() != nil {
		t.Error("store must be untouched")
	}
}

func TestController_SignIn_ExchangeTimeout(t *testing.T) {
	backend := &mockBackend{
		exchangeFn: func(ctx context.Context, _ model.Provider, _ string) (*model.Session, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	ctl, _ := newTestController(&mockProvider{}, backend, ControllerConfig{ExchangeTimeout: 20 * time.Millisecond})

	_, err := ctl.SignIn(context.Background())

	if got := Classify(err).Kind; got != KindTimeout {
		t.Errorf("kind = %s, want %s", got, KindTimeout)
	}
}

func TestController_SignIn_CallerCancellationIsSilent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	provider := &mockProvider{
		interactiveFn: func(ctx context.Context) (*ProviderResult, error) {
			cancel()
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	ctl, _ := newTestController(provider, &mockBackend{}, ControllerConfig{})

	_, err := ctl.SignIn(ctx)

	classified := Classify(err)
	if classified.Kind != KindProviderCancelled || !classified.Silent() {
		t.Errorf("classified = %+v, want silent cancellation", classified)
	}
}

// --- 状態遷移の通知 ---

func TestController_Subscribe_ObservesPhases(t *testing.T) {
	ctl, _ := newTestController(&mockProvider{}, &mockBackend{}, ControllerConfig{})

	var phases []Phase
	unsubscribe := ctl.Subscribe(func(s State) { phases = append(phases, s.Phase) })

	ctl.SignIn(context.Background())
	unsubscribe()
	ctl.SignIn(context.Background())

	want := []Phase{PhaseRequesting, PhaseExchanging, PhaseIdle}
	if len(phases) != len(want) {
		t.Fatalf("phases = %v, want %v", phases, want)
	}
	for i := range want {
		if phases[i] != want[i] {
			t.Errorf("phases[%d] = %s, want %s", i, phases[i], want[i])
		}
	}
}

func TestController_Subscribe_StoreAlreadyCommittedWhenIdleNotified(t *testing.T) {
	ctl, store := newTestController(&mockProvider{}, &mockBackend{}, ControllerConfig{})

	var hadSession bool
	ctl.Subscribe(func(s State) {
		if s.Phase == PhaseIdle {
			hadSession = store.HasSession()
		}
	})

	ctl.SignIn(context.Background())

	if !hadSession {
		t.Error("store should hold the session before idle is announced")
	}
}

func TestController_Wait_ReturnsWhenIdle(t *testing.T) {
	release := make(chan struct{})
	provider := &mockProvider{
		interactiveFn: func(context.Context) (*ProviderResult, error) {
			<-release
			return &ProviderResult{IDToken: "T"}, nil
		},
	}
	ctl, _ := newTestController(provider, &mockBackend{}, ControllerConfig{})

	if err := ctl.Wait(context.Background()); err != nil {
		t.Fatalf("Wait on idle controller: %v", err)
	}

	go ctl.SignIn(context.Background())
	for !ctl.State().Busy() {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := ctl.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait while busy = %v, want deadline exceeded", err)
	}

	close(release)
	if err := ctl.Wait(context.Background()); err != nil {
		t.Errorf("Wait after release: %v", err)
	}
	if ctl.State().Busy() {
		t.Error("controller should be idle after Wait")
	}
}

// --- 記録 ---

func TestController_RecordsAttemptsAndMetrics(t *testing.T) {
	rec := &mockRecorder{err: errors.New("db down")}
	m := &mockMetrics{}
	ctl, _ := newTestController(&mockProvider{}, &mockBackend{}, ControllerConfig{})
	ctl.WithRecorder(rec).WithMetrics(m)

	if _, err := ctl.SignIn(context.Background()); err != nil {
		t.Fatalf("recorder failure must not fail the attempt: %v", err)
	}

	records := rec.all()
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	r := records[0]
	if r.Mode != "interactive" || r.Status != "succeeded" || r.UserID != "u1" || r.ID == "" {
		t.Errorf("record = %+v", r)
	}
	if len(m.attempts) != 1 || m.attempts[0] != "interactive/succeeded/" {
		t.Errorf("metrics attempts = %v", m.attempts)
	}
	if !m.sessionActive {
		t.Error("session gauge should be active")
	}
}

// --- サインアウト ---

func TestController_SignOut_OrderAndClear(t *testing.T) {
	var order []string
	var storeHeldDuringBackend bool
	ctl, store := newTestController(
		&mockProvider{signOutFn: func(context.Context) error {
			order = append(order, "provider")
			return nil
		}},
		&mockBackend{},
		ControllerConfig{},
	)
	ctl.backend = &mockBackend{signOutFn: func(context.Context) error {
		order = append(order, "backend")
		storeHeldDuringBackend = store.HasSession()
		return nil
	}}

	if _, err := ctl.SignIn(context.Background()); err != nil {
		t.Fatalf("sign-in failed: %v", err)
	}

	if err := ctl.SignOut(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(order) != 2 || order[0] != "provider" || order[1] != "backend" {
		t.Errorf("order = %v, want [provider backend]", order)
	}
	if !storeHeldDuringBackend {
		t.Error("store must not be cleared before invalidation is attempted")
	}
	if store.Get() != nil {
		t.Error("store must be empty after sign-out")
	}
}

func TestController_SignOut_BestEffortAlwaysClears(t *testing.T) {
	tests := []struct {
		name        string
		providerErr error
		backendErr  error
	}{
		{"both succeed", nil, nil},
		{"provider fails", errors.New("provider down"), nil},
		{"backend fails", nil, errors.New("backend down")},
		{"both fail", errors.New("provider down"), errors.New("backend down")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &mockMetrics{}
			ctl, store := newTestController(
				&mockProvider{signOutFn: func(context.Context) error { return tt.providerErr }},
				&mockBackend{signOutFn: func(context.Context) error { return tt.backendErr }},
				ControllerConfig{},
			)
			ctl.WithMetrics(m)
			store.Store.Set(&model.Session{UserID: "u1", Email: "a@b.com"})

			err := ctl.SignOut(context.Background())

			if store.Get() != nil {
				t.Error("store must be empty after sign-out")
			}
			wantErr := tt.providerErr != nil || tt.backendErr != nil
			if (err != nil) != wantErr {
				t.Errorf("error = %v, wantErr %v", err, wantErr)
			}
			if tt.providerErr != nil && !errors.Is(err, tt.providerErr) {
				t.Errorf("error should wrap provider failure: %v", err)
			}
			if tt.backendErr != nil && !errors.Is(err, tt.backendErr) {
				t.Errorf("error should wrap backend failure: %v", err)
			}
			if len(m.signOuts) != 1 || m.signOuts[0] != wantErr {
				t.Errorf("sign-out metrics = %v", m.signOuts)
			}
		})
	}
}

func TestController_SignOut_HangingProviderIsBounded(t *testing.T) {
	ctl, store := newTestController(
		&mockProvider{signOutFn: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
		&mockBackend{},
		ControllerConfig{ExchangeTimeout: 20 * time.Millisecond},
	)
	store.Store.Set(&model.Session{UserID: "u1"})

	err := ctl.SignOut(context.Background())

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want deadline exceeded", err)
	}
	if store.Get() != nil {
		t.Error("store must be empty")
	}
}

func TestController_SignOut_DiscardsInFlightResult(t *testing.T) {
	exchanging := make(chan struct{})
	release := make(chan struct{})
	backend := &mockBackend{
		exchangeFn: func(context.Context, model.Provider, string) (*model.Session, error) {
			close(exchanging)
			<-release
			// コンテキストを無視して成功を返すバックエンド
			return &model.Session{UserID: "u1", Email: "a@b.com"}, nil
		},
	}
	ctl, store := newTestController(&mockProvider{}, backend, ControllerConfig{})

	done := make(chan error, 1)
	go func() {
		_, err := ctl.SignIn(context.Background())
		done <- err
	}()
	<-exchanging

	if err := ctl.SignOut(context.Background()); err != nil {
		t.Fatalf("sign-out failed: %v", err)
	}
	close(release)

	err := <-done
	if got := Classify(err).Kind; got != KindProviderCancelled {
		t.Errorf("kind = %s, want %s", got, KindProviderCancelled)
	}
	if store.Get() != nil {
		t.Error("a sign-in superseded by sign-out must not commit")
	}
	if store.sets.Load() != 0 {
		t.Errorf("store.Set calls = %d, want 0", store.sets.Load())
	}
}

func TestController_SignOut_RevokesLateBackendSession(t *testing.T) {
	exchanging := make(chan struct{})
	release := make(chan struct{})
	var token atomic.Value
	token.Store("")
	backend := &mockBackend{
		exchangeFn: func(context.Context, model.Provider, string) (*model.Session, error) {
			close(exchanging)
			<-release
			// サインアウト後に応答が届き、トークンを保持してしまうバックエンド
			token.Store("late-access")
			return &model.Session{UserID: "u1", Email: "a@b.com"}, nil
		},
		signOutFn: func(context.Context) error {
			token.Store("")
			return nil
		},
	}
	ctl, store := newTestController(&mockProvider{}, backend, ControllerConfig{})

	done := make(chan error, 1)
	go func() {
		_, err := ctl.SignIn(context.Background())
		done <- err
	}()
	<-exchanging

	if err := ctl.SignOut(context.Background()); err != nil {
		t.Fatalf("sign-out failed: %v", err)
	}
	if got := backend.signOutCalls.Load(); got != 1 {
		t.Fatalf("backend SignOut calls after sign-out = %d, want 1", got)
	}
	close(release)
	<-done

	if got := token.Load().(string); got != "" {
		t.Errorf("backend token = %q after sign-out, want empty", got)
	}
	if got := backend.signOutCalls.Load(); got != 2 {
		t.Errorf("backend SignOut calls = %d, want 2", got)
	}
	if store.Get() != nil {
		t.Error("store must stay empty")
	}
}

func TestController_StartRestore_RestoringBeforeReturn(t *testing.T) {
	release := make(chan struct{})
	provider := &mockProvider{
		silentFn: func(context.Context) (*ProviderResult, error) {
			<-release
			return &ProviderResult{Provider: model.ProviderGoogle, IDToken: "id-token"}, nil
		},
	}
	backend := &mockBackend{
		exchangeFn: func(context.Context, model.Provider, string) (*model.Session, error) {
			return &model.Session{UserID: "u1", Email: "a@b.com"}, nil
		},
	}
	ctl, store := newTestController(provider, backend, ControllerConfig{})

	wait := ctl.StartRestore(context.Background())

	if !ctl.Restoring() {
		t.Fatal("Restoring() = false right after StartRestore, want true")
	}
	if !ctl.State().Busy() {
		t.Error("State().Busy() = false right after StartRestore, want true")
	}

	close(release)
	sess, err := wait()
	if err != nil {
		t.Fatalf("wait() error: %v", err)
	}
	if sess == nil || sess.UserID != "u1" {
		t.Errorf("session = %+v, want u1", sess)
	}
	if got := store.Get(); got == nil || got.UserID != "u1" {
		t.Errorf("store = %+v, want u1", got)
	}
	if ctl.Restoring() {
		t.Error("Restoring() should be false after completion")
	}
}

func TestController_StartRestore_BusyReturnsErrBusy(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	provider := &mockProvider{
		interactiveFn: func(ctx context.Context) (*ProviderResult, error) {
			<-release
			return nil, ctx.Err()
		},
	}
	ctl, _ := newTestController(provider, &mockBackend{}, ControllerConfig{})

	go ctl.SignIn(context.Background())
	deadline := time.After(time.Second)
	for !ctl.State().Busy() {
		select {
		case <-deadline:
			t.Fatal("SignIn never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	_, err := ctl.StartRestore(context.Background())()

	if !errors.Is(err, ErrBusy) {
		t.Errorf("error = %v, want ErrBusy", err)
	}
	if ctl.Restoring() {
		t.Error("a rejected restore must not set Restoring")
	}
}

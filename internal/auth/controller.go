package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/signgate/internal/metrics"
	"github.com/hitoshi/signgate/internal/model"
)

// Mode はサインイン試行の種類。
type Mode string

const (
	// ModeInteractive はユーザー操作を伴うサインイン。
	ModeInteractive Mode = "interactive"
	// ModeSilent は起動時のサイレント復元。
	ModeSilent Mode = "silent"
)

// Phase はControllerの状態機械の現在位置。
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseRequesting Phase = "requesting"
	PhaseExchanging Phase = "exchanging_token"
)

// AttemptStatus はサインイン試行の状態。
type AttemptStatus string

const (
	AttemptIdle       AttemptStatus = "idle"
	AttemptInProgress AttemptStatus = "in_progress"
	AttemptSucceeded  AttemptStatus = "succeeded"
	AttemptFailed     AttemptStatus = "failed"
)

const (
	defaultInteractiveTimeout = 5 * time.Minute
	defaultSilentTimeout      = 15 * time.Second
	defaultExchangeTimeout    = 15 * time.Second
	recordTimeout             = 5 * time.Second
)

// errSupersededBySignOut は試行中にサインアウトされ、結果を破棄したことを示す。
var errSupersededBySignOut = errors.New("sign-in superseded by sign-out")

// Attempt は1回のサインイン試行。永続化しない。
type Attempt struct {
	ID         string
	Mode       Mode
	Status     AttemptStatus
	Err        *Error
	StartedAt  time.Time
	FinishedAt time.Time
}

// State はControllerの状態のスナップショット。
type State struct {
	Phase     Phase
	Restoring bool
	Last      *Attempt
}

// Busy は試行が進行中かを返す。
func (s State) Busy() bool {
	return s.Phase != PhaseIdle
}

// StateListener は状態遷移の通知を受け取る関数。
// Listenerの中からSignIn/RestoreSessionを同期的に呼び出してはならない。
type StateListener func(State)

// ControllerConfig はControllerの設定。ゼロ値の項目にはデフォルト値を使う。
type ControllerConfig struct {
	InteractiveTimeout time.Duration // 対話サインインの上限（デフォルト5分）
	SilentTimeout      time.Duration // サイレント復元のIdP呼び出し上限（デフォルト15秒）
	ExchangeTimeout    time.Duration // トークン交換とサインアウト各呼び出しの上限（デフォルト15秒）
}

// Controller はサインイン試行を1つずつ実行する状態機械。
//
//	Idle → Requesting → ExchangingToken → {Succeeded | Failed} → Idle
//
// Sessionストアを変更するのは成功時のSetとサインアウト時のClearのみ。
type Controller struct {
	provider IdentityProvider
	backend  AuthBackend
	store    SessionStore
	logger   *slog.Logger
	config   ControllerConfig
	recorder AttemptRecorder
	metrics  metrics.AuthMetrics
	now      func() time.Time

	// notifyMu は「状態更新→Listener通知」を直列化する。
	notifyMu sync.Mutex

	mu         sync.Mutex
	phase      Phase
	restoring  bool
	last       *Attempt
	cancel     context.CancelFunc
	idle       chan struct{}
	generation uint64
	listeners  map[uint64]StateListener
	nextID     uint64

	// commitMu は世代チェックとストア更新を不可分にする。
	commitMu sync.Mutex
}

// NewController はControllerを生成する。
func NewController(provider IdentityProvider, backend AuthBackend, store SessionStore, logger *slog.Logger, config ControllerConfig) *Controller {
	if config.InteractiveTimeout <= 0 {
		config.InteractiveTimeout = defaultInteractiveTimeout
	}
	if config.SilentTimeout <= 0 {
		config.SilentTimeout = defaultSilentTimeout
	}
	if config.ExchangeTimeout <= 0 {
		config.ExchangeTimeout = defaultExchangeTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	idle := make(chan struct{})
	close(idle)

	return &Controller{
		provider:  provider,
		backend:   backend,
		store:     store,
		logger:    logger,
		config:    config,
		metrics:   metrics.Nop(),
		now:       time.Now,
		phase:     PhaseIdle,
		idle:      idle,
		listeners: make(map[uint64]StateListener),
	}
}

// WithRecorder は試行の監査ログ記録先を設定する。
func (c *Controller) WithRecorder(r AttemptRecorder) *Controller {
	c.recorder = r
	return c
}

// WithMetrics はメトリクスの記録先を設定する。
func (c *Controller) WithMetrics(m metrics.AuthMetrics) *Controller {
	if m != nil {
		c.metrics = m
	}
	return c
}

// SignIn は対話サインインを1回実行する。
// 試行中に呼ばれた場合はIdPに到達する前にErrBusyを返す。
// 返すエラーは常に*Error。キャンセル時はKindProviderCancelledを返す。
func (c *Controller) SignIn(ctx context.Context) (*model.Session, error) {
	return c.run(ctx, ModeInteractive)
}

// RestoreSession は既存のIdPセッションからサイレントに復元する。
// 既存セッションがない場合は(nil, nil)を返し、エラーとして扱わない。
func (c *Controller) RestoreSession(ctx context.Context) (*model.Session, error) {
	return c.run(ctx, ModeSilent)
}

// StartRestore はサイレント復元を開始し、完了を待つ関数を返す。
// 戻った時点で試行は開始済みでRestoringはtrueになっているため、
// 直後に表示される画面がサインイン画面へ誤ってリダイレクトされることはない。
// 別の試行が進行中の場合、返した関数はErrBusyを返す。
func (c *Controller) StartRestore(ctx context.Context) (wait func() (*model.Session, error)) {
	attemptCtx, attempt, gen, err := c.begin(ctx, ModeSilent)
	if err != nil {
		c.metrics.RecordBusyRejection()
		c.logger.Warn("sign-in rejected: attempt already in progress", slog.String("mode", string(ModeSilent)))
		return func() (*model.Session, error) { return nil, err }
	}

	done := make(chan struct{})
	var (
		sess *model.Session
		rerr error
	)
	go func() {
		defer close(done)
		s, perr := c.perform(attemptCtx, ModeSilent)
		sess, rerr = c.finish(attempt, gen, s, perr)
	}()

	return func() (*model.Session, error) {
		<-done
		return sess, rerr
	}
}

// SignOut はIdP→バックエンドの順にセッション無効化を試みた後、ストアを必ずクリアする。
// 無効化の失敗はログに記録し、まとめて返す。ストアのクリアは失敗の有無に関わらず行う。
// 進行中のサインイン試行はキャンセルされ、その結果はストアに反映されない。
func (c *Controller) SignOut(ctx context.Context) error {
	c.mu.Lock()
	c.generation++
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	var errs []error

	pctx, cancel := context.WithTimeout(ctx, c.config.ExchangeTimeout)
	if err := c.provider.SignOut(pctx); err != nil {
		c.logger.Warn("provider sign-out failed", slog.String("error", err.Error()))
		errs = append(errs, fmt.Errorf("provider sign-out: %w", err))
	}
	cancel()

	bctx, cancel := context.WithTimeout(ctx, c.config.ExchangeTimeout)
	if err := c.backend.SignOut(bctx); err != nil {
		c.logger.Warn("backend sign-out failed", slog.String("error", err.Error()))
		errs = append(errs, fmt.Errorf("backend sign-out: %w", err))
	}
	cancel()

	c.commitMu.Lock()
	c.store.Clear()
	c.commitMu.Unlock()

	c.metrics.RecordSignOut(len(errs) > 0)
	c.metrics.SetSessionActive(false)
	c.logger.Info("signed out", slog.Int("invalidation_failures", len(errs)))

	return errors.Join(errs...)
}

// State は現在の状態のスナップショットを返す。
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Restoring はサイレント復元が進行中かを返す。
func (c *Controller) Restoring() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.restoring
}

// Wait は進行中の試行がアイドルに戻るまで待つ。
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	idle := c.idle
	c.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe は状態遷移の通知を受け取るListenerを登録し、解除関数を返す。
func (c *Controller) Subscribe(l StateListener) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = l
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}

func (c *Controller) run(ctx context.Context, mode Mode) (*model.Session, error) {
	attemptCtx, attempt, gen, err := c.begin(ctx, mode)
	if err != nil {
		c.metrics.RecordBusyRejection()
		c.logger.Warn("sign-in rejected: attempt already in progress", slog.String("mode", string(mode)))
		return nil, err
	}

	sess, err := c.perform(attemptCtx, mode)
	return c.finish(attempt, gen, sess, err)
}

// begin はビジーチェックと試行開始を1ステップで行う。最初の外部呼び出しより前に実行される。
func (c *Controller) begin(ctx context.Context, mode Mode) (context.Context, *Attempt, uint64, error) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if c.phase != PhaseIdle {
		c.mu.Unlock()
		return nil, nil, 0, ErrBusy
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	attempt := &Attempt{
		ID:        uuid.NewString(),
		Mode:      mode,
		Status:    AttemptInProgress,
		StartedAt: c.now(),
	}
	c.phase = PhaseRequesting
	c.restoring = mode == ModeSilent
	c.last = attempt
	c.cancel = cancel
	c.idle = make(chan struct{})
	gen := c.generation
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.logger.Info("sign-in attempt started",
		slog.String("attempt_id", attempt.ID),
		slog.String("mode", string(mode)),
	)
	c.deliver(snap)

	return attemptCtx, attempt, gen, nil
}

// perform はIdP呼び出しとトークン交換の2つの待機点を順に実行する。
// アダプタのpanicもエラーとして扱い、状態機械を必ずアイドルに戻す。
func (c *Controller) perform(ctx context.Context, mode Mode) (sess *model.Session, err error) {
	defer func() {
		if r := recover(); r != nil {
			sess = nil
			err = fmt.Errorf("panic during sign-in: %v", r)
		}
	}()

	result, err := c.requestToken(ctx, mode)
	if err != nil {
		return nil, fmt.Errorf("request identity token: %w", err)
	}
	if result == nil || strings.TrimSpace(result.IDToken) == "" {
		return nil, errMissingToken
	}

	provider := result.Provider
	if provider == "" {
		provider = model.ProviderGoogle
	}

	c.setPhase(PhaseExchanging)

	ectx, cancel := context.WithTimeout(ctx, c.config.ExchangeTimeout)
	defer cancel()

	sess, err = c.backend.ExchangeIdentityToken(ectx, provider, result.IDToken)
	if err != nil {
		return nil, fmt.Errorf("exchange identity token: %w", err)
	}
	if sess == nil || sess.UserID == "" {
		return nil, errEmptyUser
	}
	if sess.Provider == "" {
		sess.Provider = provider
	}
	return sess, nil
}

func (c *Controller) requestToken(ctx context.Context, mode Mode) (*ProviderResult, error) {
	if mode == ModeSilent {
		pctx, cancel := context.WithTimeout(ctx, c.config.SilentTimeout)
		defer cancel()
		return c.provider.SignInSilently(pctx)
	}

	pctx, cancel := context.WithTimeout(ctx, c.config.InteractiveTimeout)
	defer cancel()
	return c.provider.SignInInteractively(pctx)
}

// finish は結果を分類し、成功時のみストアへ反映してからアイドルに戻す。
func (c *Controller) finish(attempt *Attempt, gen uint64, sess *model.Session, err error) (*model.Session, error) {
	status := AttemptSucceeded
	var classified *Error

	switch {
	case attempt.Mode == ModeSilent && errors.Is(err, ErrNoPriorSession):
		status = AttemptIdle
	case err != nil:
		status = AttemptFailed
		classified = Classify(err)
	case !c.commit(gen, sess):
		status = AttemptFailed
		classified = &Error{Kind: KindProviderCancelled, err: errSupersededBySignOut}
		c.revokeDiscarded(attempt)
	}

	c.notifyMu.Lock()
	c.mu.Lock()
	attempt.Status = status
	attempt.Err = classified
	attempt.FinishedAt = c.now()
	c.phase = PhaseIdle
	c.restoring = false
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	close(c.idle)
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.deliver(snap)
	c.notifyMu.Unlock()

	duration := attempt.FinishedAt.Sub(attempt.StartedAt)
	c.observe(attempt, sess, duration, err)

	switch status {
	case AttemptSucceeded:
		return sess, nil
	case AttemptFailed:
		return nil, classified
	default:
		return nil, nil
	}
}

// commit は試行開始後にサインアウトされていなければストアへ反映する。
func (c *Controller) commit(gen uint64, sess *model.Session) bool {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	c.mu.Lock()
	current := c.generation
	c.mu.Unlock()

	if current != gen {
		return false
	}
	c.store.Set(sess)
	return true
}

// revokeDiscarded はサインアウトに追い越された交換結果のバックエンドセッションを無効化する。
// 呼び出し元のコンテキストはキャンセル済みのため、ExchangeTimeoutで区切った独立したコンテキストを使う。
func (c *Controller) revokeDiscarded(attempt *Attempt) {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.ExchangeTimeout)
	defer cancel()

	if err := c.backend.SignOut(ctx); err != nil {
		c.logger.Warn("failed to revoke discarded backend session",
			slog.String("attempt_id", attempt.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	c.logger.Info("revoked backend session discarded by sign-out", slog.String("attempt_id", attempt.ID))
}

func (c *Controller) setPhase(p Phase) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	c.phase = p
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.deliver(snap)
}

// observe はログ・メトリクス・監査ログに試行結果を記録する。
func (c *Controller) observe(attempt *Attempt, sess *model.Session, duration time.Duration, cause error) {
	errorKind := ""
	if attempt.Err != nil {
		errorKind = string(attempt.Err.Kind)
	}

	c.metrics.RecordAttempt(string(attempt.Mode), string(attempt.Status), errorKind)
	c.metrics.RecordAttemptDuration(string(attempt.Mode), duration)

	attrs := []any{
		slog.String("attempt_id", attempt.ID),
		slog.String("mode", string(attempt.Mode)),
		slog.String("status", string(attempt.Status)),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	}

	userID := ""
	switch {
	case attempt.Status == AttemptSucceeded:
		userID = sess.UserID
		c.metrics.SetSessionActive(true)
		c.logger.Info("sign-in succeeded", append(attrs, slog.String("user_id", userID))...)
	case attempt.Status == AttemptIdle:
		c.logger.Info("no prior provider session to restore", attrs...)
	case attempt.Err.Silent():
		c.logger.Info("sign-in cancelled", attrs...)
	default:
		attrs = append(attrs, slog.String("error_kind", errorKind))
		if cause != nil {
			attrs = append(attrs, slog.String("error", cause.Error()))
		}
		c.logger.Warn("sign-in failed", attrs...)
	}

	if c.recorder == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	record := &model.AttemptRecord{
		ID:         attempt.ID,
		Mode:       string(attempt.Mode),
		Status:     string(attempt.Status),
		ErrorCode:  errorKind,
		UserID:     userID,
		DurationMs: duration.Milliseconds(),
		CreatedAt:  attempt.StartedAt,
	}
	if err := c.recorder.Create(ctx, record); err != nil {
		c.logger.Error("failed to record sign-in attempt",
			slog.String("attempt_id", attempt.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Controller) snapshotLocked() State {
	s := State{Phase: c.phase, Restoring: c.restoring}
	if c.last != nil {
		last := *c.last
		s.Last = &last
	}
	return s
}

// deliver はnotifyMuを保持した状態で呼び出す。
func (c *Controller) deliver(s State) {
	c.mu.Lock()
	listeners := make([]StateListener, 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.mu.Unlock()

	for _, l := range listeners {
		l(s)
	}
}

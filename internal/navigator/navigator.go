// Package navigator はセッションの有無に応じた画面遷移のルールを提供する。
package navigator

import (
	"log/slog"
	"sync"

	"github.com/hitoshi/signgate/internal/auth"
	"github.com/hitoshi/signgate/internal/model"
	"github.com/hitoshi/signgate/internal/session"
)

// Surface は遷移先の画面。
type Surface string

const (
	SurfaceSignIn  Surface = "signin"
	SurfaceHome    Surface = "home"
	SurfaceProfile Surface = "profile"
)

// Authenticated はサインイン済みでのみ表示する画面かを返す。
func (s Surface) Authenticated() bool {
	return s == SurfaceHome || s == SurfaceProfile
}

// Path は画面のURLパスを返す。
func (s Surface) Path() string {
	return "/" + string(s)
}

// ParseSurface はURLパスを画面に変換する。"/"はホームとして扱う。
func ParseSurface(path string) (Surface, bool) {
	switch path {
	case "/", "/home":
		return SurfaceHome, true
	case "/signin":
		return SurfaceSignIn, true
	case "/profile":
		return SurfaceProfile, true
	}
	return "", false
}

// Snapshot は遷移判定に使う状態。
type Snapshot struct {
	HasSession bool
	Restoring  bool
}

// Decide は現在の画面と状態から遷移先を決める。遷移が必要な場合のみtrueを返す。
// サイレント復元中は、復元完了前にサインイン画面がちらつかないよう遷移しない。
func Decide(current Surface, snap Snapshot) (Surface, bool) {
	switch {
	case snap.Restoring:
		return current, false
	case !snap.HasSession && current.Authenticated():
		return SurfaceSignIn, true
	case snap.HasSession && current == SurfaceSignIn:
		return SurfaceHome, true
	}
	return current, false
}

// RestoreSource はサイレント復元の進行状況を通知する。auth.Controllerが実装する。
type RestoreSource interface {
	Restoring() bool
	Subscribe(l auth.StateListener) (unsubscribe func())
}

// RedirectFunc は遷移が発生したときに呼ばれる。
type RedirectFunc func(from, to Surface)

// Navigator はSessionストアと復元状態を監視し、変化のたびに現在の画面を再評価する。
type Navigator struct {
	store    *session.Store
	restorer RestoreSource
	logger   *slog.Logger

	mu         sync.Mutex
	current    Surface
	snap       Snapshot
	onRedirect RedirectFunc
	unsubs     []func()
}

// New はNavigatorを生成する。startは最初に表示する画面。
func New(store *session.Store, restorer RestoreSource, start Surface, logger *slog.Logger) *Navigator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Navigator{
		store:    store,
		restorer: restorer,
		logger:   logger,
		current:  start,
	}
}

// OnRedirect は遷移時のコールバックを設定する。
func (n *Navigator) OnRedirect(fn RedirectFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onRedirect = fn
}

// Start は購読を開始し、現在の状態で1回評価する。
func (n *Navigator) Start() {
	unsubStore := n.store.Subscribe(func(s *model.Session) {
		n.update(func(snap *Snapshot) { snap.HasSession = s != nil })
	})
	unsubRestore := n.restorer.Subscribe(func(s auth.State) {
		n.update(func(snap *Snapshot) { snap.Restoring = s.Restoring })
	})

	n.mu.Lock()
	n.unsubs = append(n.unsubs, unsubStore, unsubRestore)
	n.mu.Unlock()

	n.update(func(snap *Snapshot) {
		snap.HasSession = n.store.HasSession()
		snap.Restoring = n.restorer.Restoring()
	})
}

// Stop は購読を解除する。
func (n *Navigator) Stop() {
	n.mu.Lock()
	unsubs := n.unsubs
	n.unsubs = nil
	n.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
}

// Current は現在の画面を返す。
func (n *Navigator) Current() Surface {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current
}

// Snapshot は直近に観測した状態を返す。
func (n *Navigator) Snapshot() Snapshot {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.snap
}

// Visit はユーザーが画面を開いたことを記録し、実際に表示すべき画面を返す。
// 記録・評価・結果の決定は1つのクリティカルセクションで行うため、
// 同時に開かれた別の画面の結果を返すことはない。
func (n *Navigator) Visit(s Surface) Surface {
	n.mu.Lock()
	n.current = s
	t := n.evaluateLocked()
	n.mu.Unlock()

	n.announce(t)
	return t.to
}

func (n *Navigator) update(apply func(*Snapshot)) {
	n.mu.Lock()
	apply(&n.snap)
	t := n.evaluateLocked()
	n.mu.Unlock()

	n.announce(t)
}

// transition は1回の評価結果。toは評価後に表示すべき画面。
type transition struct {
	from, to Surface
	redirect bool
	notify   RedirectFunc
}

// evaluateLocked はn.muを保持した状態で呼ぶ。
func (n *Navigator) evaluateLocked() transition {
	from := n.current
	to, redirect := Decide(from, n.snap)
	if redirect {
		n.current = to
	}
	return transition{from: from, to: n.current, redirect: redirect, notify: n.onRedirect}
}

func (n *Navigator) announce(t transition) {
	if !t.redirect {
		return
	}
	n.logger.Info("navigation redirect",
		slog.String("from", string(t.from)),
		slog.String("to", string(t.to)),
	)
	if t.notify != nil {
		t.notify(t.from, t.to)
	}
}

// Package session はプロセス内で現在のサインイン済みユーザーを保持するストアを提供する。
//
// Storeは起動時に1回だけ生成して各コンポーネントへ注入する。
// プロセス存続中に破棄されることはなく、リセットはClearのみで行う。
package session

import (
	"sync"

	"github.com/hitoshi/signgate/internal/model"
)

// Listener はセッション変更の通知を受け取る関数。
// サインアウト時はnilを受け取る。
// Listenerの中からStoreを変更してはならない（Get/HasSessionの呼び出しは可）。
type Listener func(current *model.Session)

// Store は現在のSessionの唯一の所有者。
// 読み取り側には常にコピーを返し、内部の値を外部に保持させない。
type Store struct {
	// publishMu は「状態の更新→購読者への通知」を1単位として直列化する。
	// 通知の順序が更新の順序と一致することを保証する。
	publishMu sync.Mutex

	mu        sync.RWMutex
	current   *model.Session
	listeners map[uint64]Listener
	nextID    uint64
}

// NewStore は空のStoreを生成する。
func NewStore() *Store {
	return &Store{
		listeners: make(map[uint64]Listener),
	}
}

// Get は現在のSessionのコピーを返す。未サインインの場合はnilを返す。
func (s *Store) Get() *model.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// HasSession はSessionが存在するかを返す。
func (s *Store) HasSession() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current != nil
}

// Set はSessionを丸ごと置き換え、購読者に通知する。
// nilを渡した場合はClearと同じ。
func (s *Store) Set(sess *model.Session) {
	s.publish(sess.Clone())
}

// Clear はSessionを破棄し、購読者に通知する。
func (s *Store) Clear() {
	s.publish(nil)
}

// Subscribe は変更通知を受け取るListenerを登録し、解除関数を返す。
// 解除関数は複数回呼び出しても安全。
func (s *Store) Subscribe(l Listener) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// publish は新しい値を確定させてから購読者に同期的に通知する。
// 通知中はロックを保持しないため、ListenerからGetを呼び出せる。
func (s *Store) publish(next *model.Session) {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	s.mu.Lock()
	s.current = next
	listeners := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l(next.Clone())
	}
}

package sandbox

import "sync"

// Memo records one-time setup facts: an image already pulled, a host
// already bootstrapped. It is an explicit injectable object rather than
// package state, so tests share nothing and Invalidate forces the setup
// to re-run after the fact goes stale.
type Memo struct {
	mu   sync.Mutex
	done map[string]bool
}

func NewMemo() *Memo {
	return &Memo{done: make(map[string]bool)}
}

// Ensure runs fn once per key until invalidated. Concurrent callers for
// the same key serialize; a failed run is not memoized.
func (m *Memo) Ensure(key string, fn func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done[key] {
		return nil
	}
	if err := fn(); err != nil {
		return err
	}
	m.done[key] = true
	return nil
}

// Invalidate drops the memo for one key.
func (m *Memo) Invalidate(key string) {
	m.mu.Lock()
	delete(m.done, key)
	m.mu.Unlock()
}

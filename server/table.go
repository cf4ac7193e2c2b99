package server

import (
	"sync"
	"time"
)

// sessionTable maps a client address to its worker. It is the only state shared
// between the receive loop, the sweeper and the workers.
type sessionTable struct {
	mu      sync.Mutex
	workers map[string]*worker
}

func newSessionTable() *sessionTable {
	return &sessionTable{workers: make(map[string]*worker)}
}

// replace stores w under key and returns the worker it displaced, if any.
func (t *sessionTable) replace(key string, w *worker) *worker {
	t.mu.Lock()
	defer t.mu.Unlock()
	old := t.workers[key]
	t.workers[key] = w
	return old
}

func (t *sessionTable) get(key string) *worker {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.workers[key]
}

// remove deletes key only while it still maps to w, so a stale worker cannot remove
// the session that replaced it.
func (t *sessionTable) remove(key string, w *worker) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.workers[key]; ok && cur == w {
		delete(t.workers, key)
		return true
	}
	return false
}

// expired removes and returns the workers that are done or idle for longer than idle.
func (t *sessionTable) expired(now time.Time, idle time.Duration) []*worker {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*worker
	for key, w := range t.workers {
		if w.session.Done() || now.Sub(w.lastSeen()) > idle {
			delete(t.workers, key)
			out = append(out, w)
		}
	}
	return out
}

func (t *sessionTable) drain() []*worker {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*worker, 0, len(t.workers))
	for key, w := range t.workers {
		delete(t.workers, key)
		out = append(out, w)
	}
	return out
}

func (t *sessionTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.workers)
}

package surface

import (
	"errors"
	"sort"
	"sync"
)

var ErrCallExists = errors.New("call already open for session")

// Registry tracks the calls this process shows, keyed by session id.
// A call leaves the registry once it has ended.
type Registry struct {
	mu    sync.RWMutex
	calls map[string]*Call
}

func NewRegistry() *Registry {
	return &Registry{calls: make(map[string]*Call)}
}

func (r *Registry) Add(c *Call) error {
	r.mu.Lock()
	if prev, ok := r.calls[c.ID()]; ok && prev != c {
		select {
		case <-prev.Ended():
		default:
			r.mu.Unlock()
			return ErrCallExists
		}
	}
	r.calls[c.ID()] = c
	r.mu.Unlock()

	go func() {
		<-c.Ended()
		r.mu.Lock()
		if r.calls[c.ID()] == c {
			delete(r.calls, c.ID())
		}
		r.mu.Unlock()
	}()
	return nil
}

func (r *Registry) Get(sessionID string) (*Call, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.calls[sessionID]
	return c, ok
}

// List returns the current update of every open call, by session id.
func (r *Registry) List() []Update {
	r.mu.RLock()
	out := make([]Update, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, c.Current())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// EndAll hangs up every open call.
func (r *Registry) EndAll() {
	r.mu.RLock()
	calls := make([]*Call, 0, len(r.calls))
	for _, c := range r.calls {
		calls = append(calls, c)
	}
	r.mu.RUnlock()
	for _, c := range calls {
		c.End()
	}
}

package hub

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Registry tracks the hubs resident on this instance. Construction is
// single-flighted so concurrent attaches for the same session share one
// hub instead of racing two into existence.
type Registry struct {
	log  *slog.Logger
	deps Deps

	group singleflight.Group

	mu   sync.Mutex
	hubs map[string]*Hub
}

func NewRegistry(deps Deps, log *slog.Logger) *Registry {
	r := &Registry{
		log:  log,
		deps: deps,
		hubs: make(map[string]*Hub),
	}
	r.deps.OnEvict = r.drop
	return r
}

// GetOrCreate returns the resident hub for sessionID, constructing one if
// needed.
func (r *Registry) GetOrCreate(ctx context.Context, sessionID string) (*Hub, error) {
	if h, ok := r.Get(sessionID); ok {
		return h, nil
	}
	v, err, _ := r.group.Do(sessionID, func() (any, error) {
		if h, ok := r.Get(sessionID); ok {
			return h, nil
		}
		h, err := New(ctx, sessionID, r.deps)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.hubs[sessionID] = h
		r.mu.Unlock()
		r.log.Info("hub created", "session_id", sessionID)
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Hub), nil
}

// Get returns the resident hub, if any. Hubs mid-teardown are reported as
// absent so callers construct a fresh one.
func (r *Registry) Get(sessionID string) (*Hub, bool) {
	r.mu.Lock()
	h, ok := r.hubs[sessionID]
	r.mu.Unlock()
	if !ok || h.Terminated() {
		return nil, false
	}
	return h, true
}

// drop is the hub eviction callback. Identity-checked so a terminating hub
// never unregisters its own replacement.
func (r *Registry) drop(h *Hub) {
	r.mu.Lock()
	if cur, ok := r.hubs[h.sessionID]; ok && cur == h {
		delete(r.hubs, h.sessionID)
	}
	r.mu.Unlock()
}

// Remove tears down the hub for sessionID, if resident, releasing its
// leases.
func (r *Registry) Remove(sessionID string) {
	if h, ok := r.Get(sessionID); ok {
		h.SignalEvict()
	}
}

// Shutdown flushes and evicts every resident hub so a replacement instance
// can adopt the sessions immediately.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	hubs := make([]*Hub, 0, len(r.hubs))
	for _, h := range r.hubs {
		hubs = append(hubs, h)
	}
	r.mu.Unlock()

	for _, h := range hubs {
		h.Shutdown(ctx)
	}
}

package realtime

import (
	"log/slog"
	"sync"

	v1 "emconsole/shared/contracts/feed/v1"
)

// Handler receives one event of a feed. eventType is the envelope type
// (or the local "closed" and "error" events).
type Handler func(eventType string, env v1.Envelope)

type listener struct {
	fn    Handler
	token uint64
}

// Registry is the per-client subscriber table.
//
// Concurrency guarantees:
// - Registration order is dispatch order; re-registering an identity keeps its position.
// - Dispatch runs without holding the lock, so handlers may add or remove listeners.
// - A listener removed during a dispatch is not invoked by that dispatch.
// - A panicking handler is logged and skipped; the remaining handlers still run.
type Registry struct {
	log     *slog.Logger
	feed    string
	metrics *Metrics

	mu      sync.Mutex
	order   []string
	entries map[string]listener
	seq     uint64
}

// NewRegistry constructs an empty registry.
func NewRegistry(log *slog.Logger, feed string, m *Metrics) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:     log,
		feed:    feed,
		metrics: m,
		entries: make(map[string]listener),
	}
}

// AddListener registers fn under id. An existing id gets its callback replaced in place.
func (r *Registry) AddListener(id string, fn Handler) {
	r.add(id, fn)
}

func (r *Registry) add(id string, fn Handler) uint64 {
	if id == "" || fn == nil {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	if _, ok := r.entries[id]; !ok {
		r.order = append(r.order, id)
	}
	r.entries[id] = listener{fn: fn, token: r.seq}
	return r.seq
}

// RemoveListener drops id. Unknown ids are a no-op.
func (r *Registry) RemoveListener(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(id, 0)
}

func (r *Registry) removeLocked(id string, token uint64) {
	cur, ok := r.entries[id]
	if !ok {
		return
	}
	if token != 0 && cur.token != token {
		return
	}
	delete(r.entries, id)
	for i, o := range r.order {
		if o == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Subscribe registers fn under id and returns a handle that removes exactly this registration.
func (r *Registry) Subscribe(id string, fn Handler) *Subscription {
	return &Subscription{registry: r, id: id, token: r.add(id, fn)}
}

// Clear drops every listener.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.order = nil
	r.entries = make(map[string]listener)
	r.mu.Unlock()
}

// Len returns the number of registered listeners.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// Dispatch delivers the event to every listener in registration order and returns
// how many handlers ran to completion.
func (r *Registry) Dispatch(eventType string, env v1.Envelope) int {
	r.mu.Lock()
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	r.mu.Unlock()

	delivered := 0
	for _, id := range ids {
		r.mu.Lock()
		l, ok := r.entries[id]
		r.mu.Unlock()
		if !ok {
			continue
		}
		if r.invoke(id, l.fn, eventType, env) {
			delivered++
		}
	}
	return delivered
}

func (r *Registry) invoke(id string, fn Handler, eventType string, env v1.Envelope) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			ok = false
			r.metrics.listenerPanic(r.feed)
			r.log.Error("feed.listener.panic", "feed", r.feed, "listener", id, "event", eventType, "panic", p)
		}
	}()
	fn(eventType, env)
	return true
}

// Subscription is the handle returned by Registry.Subscribe.
type Subscription struct {
	registry *Registry
	id       string
	token    uint64
	once     sync.Once
}

// ID returns the listener identity.
func (s *Subscription) ID() string {
	if s == nil {
		return ""
	}
	return s.id
}

// Close removes the registration (idempotent). A later registration under the
// same id is left untouched.
func (s *Subscription) Close() {
	if s == nil || s.registry == nil || s.token == 0 {
		return
	}
	s.once.Do(func() {
		s.registry.mu.Lock()
		s.registry.removeLocked(s.id, s.token)
		s.registry.mu.Unlock()
	})
}

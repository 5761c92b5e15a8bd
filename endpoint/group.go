package endpoint

import (
	"sync"
	"sync/atomic"

	"github.com/meridianrpc/corerpc/rpclog"
)

// Listener is notified whenever a Group's snapshot changes.
type Listener func(endpoints []Endpoint)

// Group is an observable collection of endpoints (§3). Implementations
// must publish an immutable, sorted snapshot and notify listeners
// synchronously, without holding any lock, in mutation order (§5).
type Group interface {
	// Endpoints returns the current sorted snapshot. Safe to call
	// without synchronization; never returns a slice that is later
	// mutated.
	Endpoints() []Endpoint

	// Initial returns a channel that is closed exactly once, the first
	// time the snapshot becomes non-empty.
	Initial() <-chan struct{}

	// AddListener registers l to be invoked (synchronously, outside any
	// internal lock) after every mutation that changes the snapshot.
	AddListener(l Listener)

	// RemoveListener unregisters a previously added listener. No-op if
	// l was never registered or was already removed.
	RemoveListener(l Listener)
}

// DynamicGroup is a mutable Group: add, remove, and set operations
// serialize through a mutex but publish the resulting snapshot
// atomically, so concurrent readers never observe a lock (§4.5).
type DynamicGroup struct {
	mu        sync.Mutex
	snapshot  atomic.Pointer[[]Endpoint]
	listeners struct {
		mu sync.Mutex
		l  []Listener
	}
	initialOnce sync.Once
	initialCh   chan struct{}
}

var _ Group = (*DynamicGroup)(nil)

// NewDynamicGroup creates an empty dynamic endpoint group, optionally
// seeded with an initial set of endpoints.
func NewDynamicGroup(initial ...Endpoint) *DynamicGroup {
	g := &DynamicGroup{initialCh: make(chan struct{})}
	empty := []Endpoint{}
	g.snapshot.Store(&empty)
	if len(initial) > 0 {
		g.Set(initial)
	}
	return g
}

func (g *DynamicGroup) Endpoints() []Endpoint {
	return *g.snapshot.Load()
}

func (g *DynamicGroup) Initial() <-chan struct{} {
	return g.initialCh
}

func (g *DynamicGroup) AddListener(l Listener) {
	g.listeners.mu.Lock()
	defer g.listeners.mu.Unlock()
	g.listeners.l = append(g.listeners.l, l)
}

func (g *DynamicGroup) RemoveListener(l Listener) {
	g.listeners.mu.Lock()
	defer g.listeners.mu.Unlock()
	fp := reflectSamePtr(l)
	for i, existing := range g.listeners.l {
		if reflectSamePtr(existing) == fp {
			g.listeners.l = append(g.listeners.l[:i], g.listeners.l[i+1:]...)
			return
		}
	}
}

// Add inserts endpoints into the snapshot, replacing any existing
// endpoint that shares the same authority. It then publishes the
// resulting sorted snapshot and notifies listeners.
func (g *DynamicGroup) Add(endpoints ...Endpoint) {
	g.mutate(func(cur []Endpoint) []Endpoint {
		byAuthority := make(map[string]Endpoint, len(cur)+len(endpoints))
		for _, e := range cur {
			byAuthority[e.Authority] = e
		}
		for _, e := range endpoints {
			byAuthority[e.Authority] = e
		}
		out := make([]Endpoint, 0, len(byAuthority))
		for _, e := range byAuthority {
			out = append(out, e)
		}
		return out
	})
}

// Remove deletes the endpoints (matched by authority) from the
// snapshot.
func (g *DynamicGroup) Remove(endpoints ...Endpoint) {
	g.mutate(func(cur []Endpoint) []Endpoint {
		removed := make(map[string]struct{}, len(endpoints))
		for _, e := range endpoints {
			removed[e.Authority] = struct{}{}
		}
		out := make([]Endpoint, 0, len(cur))
		for _, e := range cur {
			if _, ok := removed[e.Authority]; !ok {
				out = append(out, e)
			}
		}
		return out
	})
}

// Set replaces the entire snapshot.
func (g *DynamicGroup) Set(endpoints []Endpoint) {
	g.mutate(func([]Endpoint) []Endpoint {
		out := make([]Endpoint, len(endpoints))
		copy(out, endpoints)
		return out
	})
}

func (g *DynamicGroup) mutate(fn func(cur []Endpoint) []Endpoint) {
	g.mu.Lock()
	cur := *g.snapshot.Load()
	next := Sorted(fn(cur))
	changed := !Equal(cur, next)
	if changed {
		g.snapshot.Store(&next)
	}
	g.mu.Unlock()

	if !changed {
		return
	}

	if len(next) > 0 {
		g.initialOnce.Do(func() { close(g.initialCh) })
	}

	g.listeners.mu.Lock()
	ls := append([]Listener(nil), g.listeners.l...)
	g.listeners.mu.Unlock()

	for _, l := range ls {
		func() {
			defer func() {
				if r := recover(); r != nil {
					rpclog.L("endpoint").Warn().
						Interface("panic", r).
						Msg("endpoint group listener panicked")
				}
			}()
			l(next)
		}()
	}
}

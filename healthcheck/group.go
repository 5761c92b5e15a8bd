// Package healthcheck implements the health-checked endpoint group
// described in SPEC_FULL §4.6: wrap a delegate endpoint.Group with
// per-endpoint health supervision, exposing only endpoints whose
// reported health clears a threshold.
package healthcheck

import (
	"context"
	"sync"
	"time"

	"github.com/meridianrpc/corerpc/endpoint"
	"github.com/meridianrpc/corerpc/lifecycle"
	"github.com/meridianrpc/corerpc/rpclog"
	"golang.org/x/sync/errgroup"
)

// DefaultThreshold admits any endpoint reporting strictly positive
// health, per spec.md §4.6's default.
const DefaultThreshold = 0.0

// DefaultInterval is the base health-probe retry interval used when no
// Backoff is configured.
const DefaultInterval = 3 * time.Second

type checkerEntry struct {
	checker Checker
}

// Group wraps a delegate endpoint.Group, exposing only the subset of
// its endpoints currently considered healthy.
type Group struct {
	delegate        endpoint.Group
	factory         CheckerFactory
	threshold       float64
	sessionProtocol string
	backoff         Backoff
	executor        Executor

	mu       sync.Mutex
	checkers map[string]*checkerEntry // keyed by Endpoint.Authority
	health   map[string]float64

	inner *endpoint.DynamicGroup

	lc *lifecycle.Component
}

var _ endpoint.Group = (*Group)(nil)

// Option configures a Group at construction time.
type Option func(*Group)

// WithThreshold admits only endpoints reporting health strictly above
// threshold.
func WithThreshold(threshold float64) Option {
	return func(g *Group) { g.threshold = threshold }
}

// WithSessionProtocol sets the session protocol string (h1, h1c, h2,
// h2c, https, http) passed to each CheckerContext.
func WithSessionProtocol(protocol string) Option {
	return func(g *Group) { g.sessionProtocol = protocol }
}

// WithBackoff overrides the default fixed-interval ±20% jitter backoff.
func WithBackoff(b Backoff) Option {
	return func(g *Group) { g.backoff = b }
}

// NewGroup builds a health-checked Group over delegate, constructing a
// Checker via factory for each of its endpoints.
func NewGroup(delegate endpoint.Group, factory CheckerFactory, opts ...Option) *Group {
	g := &Group{
		delegate:  delegate,
		factory:   factory,
		threshold: DefaultThreshold,
		checkers:  make(map[string]*checkerEntry),
		health:    make(map[string]float64),
		inner:     endpoint.NewDynamicGroup(),
		executor:  timerExecutor{},
		backoff:   NewJitterBackoff(DefaultInterval),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.lc = lifecycle.New("healthcheck.Group", g.doStart, g.doStop)
	return g
}

// Start subscribes to the delegate group and begins health-checking
// its current and future endpoints.
func (g *Group) Start(ctx context.Context) *lifecycle.Future { return g.lc.Start(ctx) }

// Stop unsubscribes from the delegate and stops every outstanding
// checker, awaiting them in parallel.
func (g *Group) Stop(ctx context.Context) *lifecycle.Future { return g.lc.Stop(ctx) }

// State reports the Group's start/stop lifecycle state.
func (g *Group) State() lifecycle.State { return g.lc.State() }

func (g *Group) doStart(ctx context.Context) error {
	g.delegate.AddListener(g.onDelegateChange)
	g.onDelegateChange(g.delegate.Endpoints())
	return nil
}

func (g *Group) doStop(ctx context.Context, rollback bool) error {
	g.delegate.RemoveListener(g.onDelegateChange)

	g.mu.Lock()
	entries := make([]*checkerEntry, 0, len(g.checkers))
	for _, e := range g.checkers {
		entries = append(entries, e)
	}
	g.checkers = make(map[string]*checkerEntry)
	g.health = make(map[string]float64)
	g.mu.Unlock()

	eg, egCtx := errgroup.WithContext(ctx)
	for _, e := range entries {
		e := e
		eg.Go(func() error { return e.checker.Stop(egCtx) })
	}
	err := eg.Wait()

	g.inner.Set(nil)
	return err
}

// onDelegateChange starts checkers for newly-seen endpoints, stops
// checkers for endpoints no longer present, and leaves unchanged
// endpoints' checkers untouched.
func (g *Group) onDelegateChange(endpoints []endpoint.Endpoint) {
	g.mu.Lock()

	seen := make(map[string]endpoint.Endpoint, len(endpoints))
	for _, e := range endpoints {
		seen[e.Authority] = e
	}

	var toStop []*checkerEntry
	for authority, entry := range g.checkers {
		if _, ok := seen[authority]; !ok {
			toStop = append(toStop, entry)
			delete(g.checkers, authority)
			delete(g.health, authority)
		}
	}

	var toStart []endpoint.Endpoint
	for authority, e := range seen {
		if _, ok := g.checkers[authority]; !ok {
			toStart = append(toStart, e)
		}
	}

	g.mu.Unlock()

	if len(toStop) > 0 {
		eg, egCtx := errgroup.WithContext(context.Background())
		for _, e := range toStop {
			e := e
			eg.Go(func() error { return e.checker.Stop(egCtx) })
		}
		if err := eg.Wait(); err != nil {
			rpclog.L("healthcheck").Warn().Err(err).Msg("checker stop failed during endpoint removal")
		}
	}

	for _, e := range toStart {
		g.startChecker(e)
	}

	g.republish()
}

func (g *Group) startChecker(e endpoint.Endpoint) {
	authority := e.Authority
	cctx := &CheckerContext{
		Endpoint:        e,
		SessionProtocol: g.sessionProtocol,
		Executor:        g.executor,
		backoff:         g.backoff,
		UpdateHealth: func(value float64) {
			g.updateHealth(authority, value)
		},
	}
	checker := g.factory(cctx)

	g.mu.Lock()
	g.checkers[authority] = &checkerEntry{checker: checker}
	g.mu.Unlock()
}

func (g *Group) updateHealth(authority string, value float64) {
	clamped := clampHealth(value)

	g.mu.Lock()
	if _, stillTracked := g.checkers[authority]; !stillTracked {
		g.mu.Unlock()
		return
	}
	g.health[authority] = clamped
	g.mu.Unlock()

	g.republish()
}

func (g *Group) republish() {
	g.mu.Lock()
	healthy := make([]endpoint.Endpoint, 0, len(g.checkers))
	for authority, e := range g.snapshotLocked() {
		if g.health[authority] > g.threshold {
			healthy = append(healthy, e)
		}
	}
	g.mu.Unlock()

	g.inner.Set(healthy)
}

// snapshotLocked returns the endpoints currently being checked, keyed
// by authority. Must be called with g.mu held.
func (g *Group) snapshotLocked() map[string]endpoint.Endpoint {
	out := make(map[string]endpoint.Endpoint, len(g.checkers))
	for _, e := range g.delegate.Endpoints() {
		if _, tracked := g.checkers[e.Authority]; tracked {
			out[e.Authority] = e
		}
	}
	return out
}

// Endpoints returns the current healthy snapshot.
func (g *Group) Endpoints() []endpoint.Endpoint { return g.inner.Endpoints() }

// Initial returns a channel closed the first time the healthy snapshot
// becomes non-empty.
func (g *Group) Initial() <-chan struct{} { return g.inner.Initial() }

// AddListener registers l to observe changes to the healthy snapshot.
func (g *Group) AddListener(l endpoint.Listener) { g.inner.AddListener(l) }

// RemoveListener unregisters a previously added listener.
func (g *Group) RemoveListener(l endpoint.Listener) { g.inner.RemoveListener(l) }

// Package breaker implements a circuit breaker with a sliding-window
// failure counter and a three-state (CLOSED/OPEN/HALF_OPEN) automaton
// (§4.4), plus a keyed map over breaker instances (§4.4 "Keyed
// mapping").
package breaker

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meridianrpc/corerpc/rpclog"
)

// for testing purposes, following catrate/limiter.go's indirection.
var timeNow = time.Now

// State is the circuit breaker's automaton state (§3).
type State int8

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config holds the breaker's static parameters (§6). Constructed values
// are validated once at NewBreaker time; invalid configuration panics,
// following catrate.NewLimiter's construction-time validation.
type Config struct {
	// FailureRateThreshold is the failure rate above which CLOSED moves
	// to OPEN. Must be in (0.0, 1.0].
	FailureRateThreshold float64
	// MinimumRequestThreshold is the minimum number of events in the
	// window before the failure rate is evaluated.
	MinimumRequestThreshold int64
	// CircuitOpenWindow is how long OPEN lasts before a HALF_OPEN trial
	// is permitted.
	CircuitOpenWindow time.Duration
	// TrialRequestInterval is the pacing between HALF_OPEN trials.
	TrialRequestInterval time.Duration
	// CounterSlidingWindow is W, the sliding window duration.
	CounterSlidingWindow time.Duration
	// CounterUpdateInterval is U, the bucket rotation interval. Must be
	// <= CounterSlidingWindow.
	CounterUpdateInterval time.Duration
}

func (c Config) validate() {
	if c.FailureRateThreshold <= 0 || c.FailureRateThreshold > 1 {
		panic(fmt.Errorf("breaker: failureRateThreshold must be in (0.0, 1.0], got %v", c.FailureRateThreshold))
	}
	if c.MinimumRequestThreshold < 0 {
		panic(fmt.Errorf("breaker: minimumRequestThreshold must be >= 0, got %v", c.MinimumRequestThreshold))
	}
	if c.CounterSlidingWindow <= 0 {
		panic(fmt.Errorf("breaker: counterSlidingWindow must be positive, got %v", c.CounterSlidingWindow))
	}
	if c.CounterUpdateInterval <= 0 || c.CounterUpdateInterval > c.CounterSlidingWindow {
		panic(fmt.Errorf("breaker: counterUpdateInterval must be in (0, counterSlidingWindow], got %v", c.CounterUpdateInterval))
	}
	if c.CircuitOpenWindow <= 0 {
		panic(fmt.Errorf("breaker: circuitOpenWindow must be positive, got %v", c.CircuitOpenWindow))
	}
	if c.TrialRequestInterval <= 0 {
		panic(fmt.Errorf("breaker: trialRequestInterval must be positive, got %v", c.TrialRequestInterval))
	}
}

// Listener observes state changes and count updates. Implementations
// must not panic; if they do, the panic is recovered, logged, and
// swallowed (§4.4 "exceptions in listeners are logged and swallowed,
// never affecting state").
type Listener interface {
	OnStateChange(from, to State)
	OnCountUpdate(count EventCount)
}

// ListenerFuncs adapts plain funcs to Listener; either field may be nil.
type ListenerFuncs struct {
	StateChange func(from, to State)
	CountUpdate func(count EventCount)
}

func (f ListenerFuncs) OnStateChange(from, to State) {
	if f.StateChange != nil {
		f.StateChange(from, to)
	}
}

func (f ListenerFuncs) OnCountUpdate(count EventCount) {
	if f.CountUpdate != nil {
		f.CountUpdate(count)
	}
}

type circuitState struct {
	kind     State
	deadline time.Time // OPEN expiry, or next-permitted-trial time in HALF_OPEN
}

// Breaker is a single circuit breaker instance, keyed externally by the
// caller if it is being used through a Keyed map.
type Breaker struct {
	key    any
	cfg    Config
	state  atomic.Pointer[circuitState]
	window atomic.Pointer[slidingWindow]

	mu        sync.Mutex
	listeners []Listener
}

// New constructs a Breaker in the CLOSED state. key is an opaque label
// used only for logging; pass nil for a standalone breaker not managed
// by a Keyed map.
func New(key any, cfg Config) *Breaker {
	cfg.validate()
	b := &Breaker{key: key, cfg: cfg}
	b.state.Store(&circuitState{kind: Closed})
	b.window.Store(newSlidingWindow(cfg.CounterSlidingWindow, cfg.CounterUpdateInterval))
	return b
}

// AddListener registers l. Safe to call concurrently with itself and
// with CanRequest/OnSuccess/OnFailure.
func (b *Breaker) AddListener(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// State returns the breaker's current automaton state.
func (b *Breaker) State() State {
	return b.state.Load().kind
}

// Count returns the current sliding-window event count (CLOSED state
// accounting only; OPEN/HALF_OPEN do not accumulate into it).
func (b *Breaker) Count() EventCount {
	return b.window.Load().Count()
}

// CanRequest reports whether a new request may proceed, performing the
// CLOSED/OPEN/HALF_OPEN transitions described in §4.4. It never blocks.
func (b *Breaker) CanRequest() bool {
	for {
		cs := b.state.Load()
		now := timeNow()

		switch cs.kind {
		case Closed:
			return true

		case Open:
			if now.Before(cs.deadline) {
				b.emitRejected()
				return false
			}
			next := &circuitState{kind: HalfOpen, deadline: now.Add(b.cfg.TrialRequestInterval)}
			if b.state.CompareAndSwap(cs, next) {
				b.emitStateChange(cs.kind, next.kind)
				return true
			}

		case HalfOpen:
			if now.Before(cs.deadline) {
				b.emitRejected()
				return false
			}
			next := &circuitState{kind: HalfOpen, deadline: now.Add(b.cfg.TrialRequestInterval)}
			if b.state.CompareAndSwap(cs, next) {
				return true
			}
		}
	}
}

// OnSuccess reports a successful call outcome.
func (b *Breaker) OnSuccess() {
	now := timeNow()
	cs := b.state.Load()

	switch cs.kind {
	case Closed:
		count := b.window.Load().Record(now, true)
		b.evaluateClosed(cs, count)

	case HalfOpen:
		next := &circuitState{kind: Closed}
		if b.state.CompareAndSwap(cs, next) {
			b.window.Store(newSlidingWindow(b.cfg.CounterSlidingWindow, b.cfg.CounterUpdateInterval))
			b.emitStateChange(cs.kind, next.kind)
		}
	}
}

// OnFailure reports a failed call outcome.
func (b *Breaker) OnFailure() {
	now := timeNow()
	cs := b.state.Load()

	switch cs.kind {
	case Closed:
		count := b.window.Load().Record(now, false)
		b.evaluateClosed(cs, count)

	case HalfOpen:
		next := &circuitState{kind: Open, deadline: now.Add(b.cfg.CircuitOpenWindow)}
		if b.state.CompareAndSwap(cs, next) {
			b.emitStateChange(cs.kind, next.kind)
		}
	}
}

func (b *Breaker) evaluateClosed(cs *circuitState, count EventCount) {
	b.emitCountUpdate(count)

	if count.Total() > 0 &&
		count.Total() >= b.cfg.MinimumRequestThreshold &&
		count.FailureRate() > b.cfg.FailureRateThreshold {

		next := &circuitState{kind: Open, deadline: timeNow().Add(b.cfg.CircuitOpenWindow)}
		if b.state.CompareAndSwap(cs, next) {
			b.emitStateChange(cs.kind, next.kind)
		}
	}
}

func (b *Breaker) emitStateChange(from, to State) {
	rpclog.L("breaker").Info().
		Interface("key", b.key).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("circuit breaker state change")

	for _, l := range b.snapshotListeners() {
		safeCall(func() { l.OnStateChange(from, to) })
	}
}

func (b *Breaker) emitCountUpdate(count EventCount) {
	for _, l := range b.snapshotListeners() {
		safeCall(func() { l.OnCountUpdate(count) })
	}
}

// emitRejected records a rejected request as a debug log line only; it
// does not construct an rpcerrors.RequestRejectedError or notify
// listeners.
func (b *Breaker) emitRejected() {
	rpclog.L("breaker").Debug().Interface("key", b.key).Msg("request rejected: circuit open")
}

func (b *Breaker) snapshotListeners() []Listener {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Listener(nil), b.listeners...)
}

func safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			rpclog.L("breaker").Warn().Interface("panic", r).Msg("listener panicked")
		}
	}()
	fn()
}

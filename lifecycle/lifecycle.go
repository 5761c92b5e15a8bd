// Package lifecycle implements the reusable async start/stop support
// described in SPEC_FULL §4.7: a STOPPED/STARTING/STARTED/STOPPING
// state machine shared by health-checked groups, servers, and DNS
// groups, with automatic rollback on start failure.
package lifecycle

import (
	"context"
	"sync"

	"github.com/meridianrpc/corerpc/rpcerrors"
	"github.com/meridianrpc/corerpc/rpclog"
)

// State is one node of the lifecycle automaton.
type State int32

const (
	Stopped State = iota
	Starting
	Started
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "STOPPED"
	case Starting:
		return "STARTING"
	case Started:
		return "STARTED"
	case Stopping:
		return "STOPPING"
	default:
		return "UNKNOWN"
	}
}

// StartFunc performs the component's actual startup work.
type StartFunc func(ctx context.Context) error

// StopFunc performs the component's actual shutdown work. rollback is
// true when this call is undoing a failed StartFunc rather than a
// normal stop.
type StopFunc func(ctx context.Context, rollback bool) error

// Listener observes lifecycle state changes.
type Listener interface {
	OnStateChange(from, to State)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(from, to State)

func (f ListenerFunc) OnStateChange(from, to State) { f(from, to) }

// Component is a reusable async life-cycle around a start/stop pair.
type Component struct {
	name    string
	startFn StartFunc
	stopFn  StopFunc

	// RollbackFailed is invoked if StopFunc fails while rolling back a
	// failed start; it never masks the original start error.
	RollbackFailed func(err error)

	mu          sync.Mutex
	state       State
	startFuture *Future
	stopFuture  *Future
	listeners   []Listener
}

// New constructs a Component in the STOPPED state.
func New(name string, startFn StartFunc, stopFn StopFunc) *Component {
	return &Component{name: name, startFn: startFn, stopFn: stopFn, state: Stopped}
}

// AddListener registers l to observe future state changes.
func (c *Component) AddListener(l Listener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
}

// State reports the current lifecycle state.
func (c *Component) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Component) emit(from, to State) {
	c.mu.Lock()
	ls := append([]Listener{}, c.listeners...)
	c.mu.Unlock()
	for _, l := range ls {
		func() {
			defer func() {
				if r := recover(); r != nil {
					rpclog.L("lifecycle").Error().
						Str("component", c.name).
						Interface("panic", r).
						Msg("lifecycle listener panicked")
				}
			}()
			l.OnStateChange(from, to)
		}()
	}
}

// Start transitions STOPPED->STARTING->STARTED, returning a Future
// that settles once the transition (including any rollback) completes.
// A Start call arriving while already STARTING/STARTED returns the
// in-flight (or already-resolved) future rather than failing; use
// StartStrict for a caller that wants that case rejected instead.
func (c *Component) Start(ctx context.Context) *Future {
	return c.start(ctx, false)
}

// StartStrict behaves like Start, except a call arriving while the
// component is already STARTING or STARTED fails immediately with an
// *rpcerrors.IllegalStateError instead of returning the in-flight or
// resolved future (§4.7, "fails immediately with IllegalState if the
// caller requested strictness").
func (c *Component) StartStrict(ctx context.Context) *Future {
	return c.start(ctx, true)
}

func (c *Component) start(ctx context.Context, strict bool) *Future {
	c.mu.Lock()
	switch c.state {
	case Started:
		c.mu.Unlock()
		if strict {
			return completed(rpcerrors.IllegalState("lifecycle: component already started"))
		}
		return completed(nil)
	case Starting:
		f := c.startFuture
		c.mu.Unlock()
		if strict {
			return completed(rpcerrors.IllegalState("lifecycle: component already starting"))
		}
		return f
	case Stopping:
		stopping := c.stopFuture
		c.mu.Unlock()
		chained := newFuture()
		go func() {
			stopping.Wait()
			chained.complete(c.start(ctx, strict).Wait())
		}()
		return chained
	default: // Stopped
		c.state = Starting
		f := newFuture()
		c.startFuture = f
		c.mu.Unlock()
		c.emit(Stopped, Starting)
		go c.runStart(ctx, f)
		return f
	}
}

func (c *Component) runStart(ctx context.Context, f *Future) {
	startErr := c.startFn(ctx)
	if startErr == nil {
		c.mu.Lock()
		c.state = Started
		c.mu.Unlock()
		c.emit(Starting, Started)
		f.complete(nil)
		return
	}

	if rbErr := c.stopFn(ctx, true); rbErr != nil && c.RollbackFailed != nil {
		c.RollbackFailed(rbErr)
	}
	c.mu.Lock()
	c.state = Stopped
	c.mu.Unlock()
	c.emit(Starting, Stopped)
	f.complete(startErr)
}

// Stop transitions STARTED->STOPPING->STOPPED, returning a Future that
// settles once the transition completes.
func (c *Component) Stop(ctx context.Context) *Future {
	c.mu.Lock()
	switch c.state {
	case Stopped:
		c.mu.Unlock()
		return completed(nil)
	case Stopping:
		f := c.stopFuture
		c.mu.Unlock()
		return f
	case Starting:
		starting := c.startFuture
		c.mu.Unlock()
		chained := newFuture()
		go func() {
			starting.Wait()
			chained.complete(c.Stop(ctx).Wait())
		}()
		return chained
	default: // Started
		c.state = Stopping
		f := newFuture()
		c.stopFuture = f
		c.mu.Unlock()
		c.emit(Started, Stopping)
		go func() {
			err := c.stopFn(ctx, false)
			c.mu.Lock()
			c.state = Stopped
			c.mu.Unlock()
			c.emit(Stopping, Stopped)
			f.complete(err)
		}()
		return f
	}
}

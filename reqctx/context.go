// Package reqctx implements the request context primitive described in
// SPEC_FULL §4.11: a goroutine-affine stack of contexts with enter/exit/
// child lifecycle callbacks, and context-aware wrappers that reattach the
// captured context before invoking a wrapped callable on whichever
// goroutine happens to run it.
package reqctx

import (
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Context carries caller-supplied state across an event-loop affine call
// chain. The zero value is not usable; construct with New.
type Context struct {
	// Value is the opaque payload a caller associates with this context
	// (for example, the in-flight request). It is not interpreted here.
	Value any

	// MeterRegistry is the meter instruments are recorded through; see
	// SPEC_FULL §C.5. Defaults to a no-op meter so components that
	// record metrics never need a nil check.
	MeterRegistry metric.Meter

	mu      sync.Mutex
	onEnter []func()
	onExit  []func()
	onChild []func(child *Context)
}

// New constructs a Context carrying value, with a no-op meter registry
// until overridden.
func New(value any) *Context {
	return &Context{Value: value, MeterRegistry: noop.NewMeterProvider().Meter("")}
}

// OnEnter registers a callback invoked every time this context is
// pushed with Push. It is not invoked when the context becomes current
// again because a context pushed on top of it was released.
func (c *Context) OnEnter(cb func()) {
	c.mu.Lock()
	c.onEnter = append(c.onEnter, cb)
	c.mu.Unlock()
}

// OnExit registers a callback invoked every time the Release returned
// by a Push of this context is called. It is not invoked when another
// context is pushed on top of this one.
func (c *Context) OnExit(cb func()) {
	c.mu.Lock()
	c.onExit = append(c.onExit, cb)
	c.mu.Unlock()
}

// OnChild registers a callback invoked when a distinct context is pushed
// on top of this one, before this context itself exits.
func (c *Context) OnChild(cb func(child *Context)) {
	c.mu.Lock()
	c.onChild = append(c.onChild, cb)
	c.mu.Unlock()
}

func (c *Context) runEnter() {
	c.mu.Lock()
	cbs := append([]func(){}, c.onEnter...)
	c.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

func (c *Context) runExit() {
	c.mu.Lock()
	cbs := append([]func(){}, c.onExit...)
	c.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

func (c *Context) runChild(child *Context) {
	c.mu.Lock()
	cbs := append([]func(child *Context){}, c.onChild...)
	c.mu.Unlock()
	for _, cb := range cbs {
		cb(child)
	}
}

package healthcheck

import (
	"context"
	"math"
	"time"

	"github.com/meridianrpc/corerpc/endpoint"
)

// Checker is the asynchronous closeable a CheckerFactory returns for a
// single endpoint: Stop begins (or is a no-op for an already-stopped)
// shutdown and blocks until it completes.
type Checker interface {
	Stop(ctx context.Context) error
}

// StopFunc adapts a plain function to Checker.
type StopFunc func(ctx context.Context) error

func (f StopFunc) Stop(ctx context.Context) error { return f(ctx) }

// Executor lets a Checker schedule its next probe without being able
// to shut down the shared scheduler itself.
type Executor interface {
	Schedule(d time.Duration, fn func())
}

// timerExecutor schedules work via time.AfterFunc; it deliberately has
// no Stop/shutdown method, matching the "scheduled executor
// (shutdown-disabled)" the framework hands to checkers.
type timerExecutor struct{}

func (timerExecutor) Schedule(d time.Duration, fn func()) {
	time.AfterFunc(d, fn)
}

// CheckerContext is everything the framework provides a CheckerFactory
// for a single candidate endpoint.
type CheckerContext struct {
	Endpoint        endpoint.Endpoint
	SessionProtocol string
	Executor        Executor

	backoff Backoff

	// UpdateHealth reports this endpoint's health, clamped to [0, 1].
	UpdateHealth func(value float64)
}

// NextDelay returns the next retry delay from the context's injected
// backoff, recomputed on every call.
func (c *CheckerContext) NextDelay() time.Duration {
	return c.backoff.Next()
}

// CheckerFactory constructs and starts a Checker for a candidate
// endpoint.
type CheckerFactory func(cctx *CheckerContext) Checker

func clampHealth(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

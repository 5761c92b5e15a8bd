// Package connlimit implements the accepted-connection-pool limiter
// described in SPEC_FULL §4.10: cap simultaneous accepted connections
// at M, force-closing the rest and logging drops at a bounded rate.
package connlimit

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meridianrpc/corerpc/rpclog"
)

// for testing purposes
var timeNow = time.Now

const logInterval = time.Second

// Limiter wraps a net.Listener, capping accepted connections at Max.
type Limiter struct {
	net.Listener
	Max int64

	accepted atomic.Int64
	dropped  atomic.Int64

	mu      sync.Mutex
	lastLog time.Time
}

// Wrap returns a Listener that accepts at most max connections at a
// time, force-closing any connection accepted over that bound.
func Wrap(l net.Listener, max int64) *Limiter {
	return &Limiter{Listener: l, Max: max}
}

// Accept accepts the next connection, dropping it (and returning the
// next one instead) if doing so would exceed Max.
func (x *Limiter) Accept() (net.Conn, error) {
	for {
		conn, err := x.Listener.Accept()
		if err != nil {
			return nil, err
		}

		n := x.accepted.Add(1)
		if n <= x.Max {
			return &trackedConn{Conn: conn, limiter: x}, nil
		}

		x.accepted.Add(-1)
		x.drop(conn)
	}
}

// Dropped reports the total number of connections force-closed for
// exceeding Max.
func (x *Limiter) Dropped() int64 {
	return x.dropped.Load()
}

// Accepted reports the number of connections currently held open
// through this Limiter.
func (x *Limiter) Accepted() int64 {
	return x.accepted.Load()
}

func (x *Limiter) drop(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetLinger(0)
	}
	_ = conn.Close()

	total := x.dropped.Add(1)
	x.maybeLogDrop(total)
}

// maybeLogDrop emits a warning at most once per logInterval, adapted
// from the evloop scheduler's CAS-guarded sweep cadence.
func (x *Limiter) maybeLogDrop(total int64) {
	now := timeNow()

	x.mu.Lock()
	if now.Sub(x.lastLog) < logInterval {
		x.mu.Unlock()
		return
	}
	x.lastLog = now
	x.mu.Unlock()

	rpclog.L("connlimit").Warn().
		Int64("max", x.Max).
		Int64("total_dropped", total).
		Msg("dropped connections over accept limit")
}

// trackedConn decrements the limiter's accepted count when closed.
type trackedConn struct {
	net.Conn
	limiter *Limiter
	once    sync.Once
}

func (c *trackedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(func() { c.limiter.accepted.Add(-1) })
	return err
}

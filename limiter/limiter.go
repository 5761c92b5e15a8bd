// Package limiter implements the bounded-concurrency call limiter
// described in SPEC_FULL §4.8: at most N delegate calls run at a time,
// with callers beyond that queued up to an enqueue timeout.
//
// The drain loop below mirrors the CAS-around-a-shared-counter style
// catrate.Limiter.Allow uses for its category reservations, adapted
// from a rate-limiting reservation to an admission-control slot.
package limiter

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/meridianrpc/corerpc/rpcerrors"
)

// for testing purposes
var timeAfterFunc = time.AfterFunc

// Delegate is the call a Limiter admits under its concurrency bound.
type Delegate func() error

// Limiter bounds the number of Delegate calls running concurrently.
// N == 0 disables bounding: every call runs immediately.
type Limiter struct {
	n       int64
	timeout time.Duration

	active atomic.Int64
	mu     sync.Mutex
	queue  []*task
}

type task struct {
	fn    Delegate
	timer *time.Timer
	once  sync.Once
	done  chan error
}

func (t *task) complete(err error) {
	t.once.Do(func() {
		t.done <- err
	})
}

// New builds a Limiter admitting at most n concurrent calls, queuing
// the rest for up to timeout before failing them with
// rpcerrors.ErrRequestTimeout. timeout is ignored when n is 0.
func New(n int, timeout time.Duration) *Limiter {
	if n < 0 {
		panic("limiter: n must be >= 0")
	}
	return &Limiter{n: int64(n), timeout: timeout}
}

// Run executes fn under the concurrency bound, blocking until it is
// admitted and has completed, or until it times out waiting for a
// slot.
func (l *Limiter) Run(fn Delegate) error {
	if l.n == 0 {
		l.active.Add(1)
		defer l.active.Add(-1)
		return fn()
	}

	t := &task{fn: fn, done: make(chan error, 1)}
	if l.timeout > 0 {
		t.timer = timeAfterFunc(l.timeout, func() {
			t.complete(rpcerrors.ErrRequestTimeout)
		})
	}

	l.mu.Lock()
	l.queue = append(l.queue, t)
	l.mu.Unlock()

	l.drain()

	return <-t.done
}

// drain admits queued tasks while active < n, giving back a
// speculatively acquired slot if it loses a race to an empty queue.
func (l *Limiter) drain() {
	for {
		l.mu.Lock()
		empty := len(l.queue) == 0
		l.mu.Unlock()
		if empty {
			return
		}

		active := l.active.Load()
		if active >= l.n {
			return
		}
		if !l.active.CompareAndSwap(active, active+1) {
			continue
		}

		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			l.active.Add(-1)
			continue
		}
		t := l.queue[0]
		l.queue = l.queue[1:]
		l.mu.Unlock()

		go l.run(t)
	}
}

// run executes a dequeued task, first trying to cancel its timeout: if
// the timeout already fired, the task has already been, or is about to
// be, completed by it, so run releases the slot without invoking the
// delegate. A task with no timeout always runs.
func (l *Limiter) run(t *task) {
	if t.timer != nil && !t.timer.Stop() {
		l.active.Add(-1)
		l.drain()
		return
	}

	err := t.fn()
	t.complete(err)
	l.active.Add(-1)
	l.drain()
}

// Active reports the number of delegate calls currently admitted.
func (l *Limiter) Active() int64 {
	return l.active.Load()
}

package stream

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/meridianrpc/corerpc/rpcerrors"
)

type phase int32

const (
	phaseOpen phase = iota
	phaseClosed
	phaseCleanup
)

type kind int

const (
	kindValue kind = iota
	kindTask
)

type item[T any] struct {
	kind  kind
	value T
	task  func()
}

// Stream is a one-subscriber publisher of elements of type T.
type Stream[T any] struct {
	mu        sync.Mutex
	queue     []item[T]
	demand    uint64
	draining  bool
	closeReq  bool
	closeErr  error
	sub       Subscriber[T]
	executor  Executor
	opts      options
	phase     atomic.Int32
	subbed    atomic.Bool
	aborted   atomic.Bool
	cancelled atomic.Bool

	doneOnce sync.Once
	done     chan struct{}
	doneErr  error

	// onRequest and onCancel, when set by NewFromPublisher, forward
	// demand and cancellation to an upstream publisher subscription.
	onRequest func(n uint64)
	onCancel  func()
}

// New constructs an open, unsubscribed Stream.
func New[T any]() *Stream[T] {
	return &Stream[T]{done: make(chan struct{})}
}

// Done returns a channel closed once the stream reaches a terminal
// state (drained, errored, cancelled or aborted).
func (s *Stream[T]) Done() <-chan struct{} { return s.done }

// Err returns the terminal cause once Done is closed: nil for an
// orderly completion, otherwise the error or cancellation cause.
func (s *Stream[T]) Err() error { return s.doneErr }

func (s *Stream[T]) finish(err error) {
	s.doneOnce.Do(func() {
		s.doneErr = err
		close(s.done)
	})
}

// TryWrite enqueues obj, returning false without enqueuing if the
// stream is already closed, aborted, or cancelled. Reference-counted
// elements are still accepted and queued (they are "buffer-like" by
// virtue of implementing Releasable); the stream owns them until
// either they are delivered or discarded, at which point it releases
// them exactly once (see release, terminate).
func (s *Stream[T]) TryWrite(obj T) bool {
	s.mu.Lock()
	if s.phase.Load() != int32(phaseOpen) || s.closeReq || s.aborted.Load() {
		s.mu.Unlock()
		release(obj)
		return false
	}
	s.queue = append(s.queue, item[T]{kind: kindValue, value: obj})
	s.mu.Unlock()
	s.pump()
	return true
}

// Write is TryWrite but returns ErrClosedStream instead of false.
func (s *Stream[T]) Write(obj T) error {
	if !s.TryWrite(obj) {
		return rpcerrors.ErrClosedStream
	}
	return nil
}

// OnDemand schedules task to run once a unit of demand is available,
// in order relative to other queued writes.
func (s *Stream[T]) OnDemand(task func()) error {
	s.mu.Lock()
	if s.phase.Load() != int32(phaseOpen) || s.closeReq {
		s.mu.Unlock()
		return rpcerrors.ErrClosedStream
	}
	s.queue = append(s.queue, item[T]{kind: kindTask, task: task})
	s.mu.Unlock()
	s.pump()
	return nil
}

// Close signals orderly completion after any already-queued elements
// drain.
func (s *Stream[T]) Close() {
	s.mu.Lock()
	s.closeReq = true
	s.mu.Unlock()
	s.pump()
}

// CloseWithCause signals failure after any already-queued elements
// drain.
func (s *Stream[T]) CloseWithCause(cause error) {
	s.mu.Lock()
	s.closeReq = true
	s.closeErr = cause
	s.mu.Unlock()
	s.pump()
}

// Abort signals upstream refusal. Called before Subscribe, it fails
// all future subscribers with ErrAbortedStream; called after, it
// behaves like CloseWithCause(ErrAbortedStream) and drains the queue.
func (s *Stream[T]) Abort() {
	if !s.aborted.CompareAndSwap(false, true) {
		return
	}
	if s.subbed.Load() {
		s.terminate(rpcerrors.ErrAbortedStream, true)
	}
	if s.onCancel != nil {
		s.onCancel()
	}
}

// Subscribe attaches sub as the stream's sole subscriber.
func (s *Stream[T]) Subscribe(sub Subscriber[T], executor Executor, opts ...Option) error {
	if s.aborted.Load() && !s.subbed.Load() {
		runOn(executor, func() { sub.OnError(rpcerrors.ErrAbortedStream) })
		return rpcerrors.ErrAbortedStream
	}
	if !s.subbed.CompareAndSwap(false, true) {
		err := rpcerrors.IllegalState("stream: a subscriber is already attached")
		runOn(executor, func() { sub.OnError(err) })
		return err
	}

	s.mu.Lock()
	s.sub = sub
	s.executor = executor
	for _, o := range opts {
		o(&s.opts)
	}
	s.mu.Unlock()

	runOn(executor, func() { sub.OnSubscribe(&subscription[T]{s: s}) })
	return nil
}

func (s *Stream[T]) request(n uint64) {
	s.mu.Lock()
	if n > math.MaxUint64-s.demand {
		s.demand = math.MaxUint64
	} else {
		s.demand += n
	}
	s.mu.Unlock()
	s.pump()
	if s.onRequest != nil {
		s.onRequest(n)
	}
}

func (s *Stream[T]) cancel() {
	if !s.cancelled.CompareAndSwap(false, true) {
		return
	}
	var notify error
	s.mu.Lock()
	notifyCancellation := s.opts.notifyCancellation
	s.mu.Unlock()
	if notifyCancellation {
		notify = rpcerrors.ErrCancelledSubscription
	}
	s.terminate(notify, false)
	if s.onCancel != nil {
		s.onCancel()
	}
}

// terminate moves the stream to CLOSED/CLEANUP immediately, draining
// and releasing any queued elements, and (if cause is non-nil or
// alwaysDeliver is set) delivers the terminal callback.
func (s *Stream[T]) terminate(cause error, alwaysDeliver bool) {
	s.phase.Store(int32(phaseClosed))

	s.mu.Lock()
	pending := s.queue
	s.queue = nil
	sub := s.sub
	executor := s.executor
	s.mu.Unlock()

	for _, it := range pending {
		if it.kind == kindValue {
			release(it.value)
		}
	}

	s.phase.Store(int32(phaseCleanup))
	s.finish(cause)

	if sub == nil || (!alwaysDeliver && cause == nil) {
		return
	}
	runOn(executor, func() {
		if cause != nil {
			sub.OnError(cause)
		} else {
			sub.OnComplete()
		}
	})
}

// pump runs the (reentrance-safe) notification loop: delivery
// triggered from inside a subscriber callback (e.g. a Request call
// made while being delivered to) is deferred to the same loop instead
// of recursing.
func (s *Stream[T]) pump() {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	defer func() {
		s.mu.Lock()
		s.draining = false
		s.mu.Unlock()
	}()
	s.mu.Unlock()

	for {
		if s.cancelled.Load() || s.phase.Load() != int32(phaseOpen) {
			return
		}

		s.mu.Lock()
		if s.demand == 0 || len(s.queue) == 0 {
			closeNow := s.closeReq && len(s.queue) == 0 && s.sub != nil
			closeErr := s.closeErr
			sub := s.sub
			executor := s.executor
			s.mu.Unlock()
			if closeNow {
				s.phase.Store(int32(phaseClosed))
				s.phase.Store(int32(phaseCleanup))
				s.finish(closeErr)
				if sub != nil {
					runOn(executor, func() {
						if closeErr != nil {
							sub.OnError(closeErr)
						} else {
							sub.OnComplete()
						}
					})
				}
			}
			return
		}

		next := s.queue[0]
		s.queue = s.queue[1:]
		if s.demand != math.MaxUint64 {
			s.demand--
		}
		sub := s.sub
		executor := s.executor
		pooled := s.opts.pooledObjects
		s.mu.Unlock()

		if sub == nil {
			if next.kind == kindValue {
				release(next.value)
			}
			continue
		}
		switch next.kind {
		case kindValue:
			value := next.value
			runOn(executor, func() {
				sub.OnNext(value)
				// non-pooled delivery: the stream retains ownership of a
				// Releasable element and releases it once the subscriber
				// has observed it (§4.2, "released exactly once ...
				// consumed by subscriber"). WithPooledObjects transfers
				// ownership to the subscriber instead.
				if !pooled {
					release(value)
				}
			})
		case kindTask:
			runOn(executor, next.task)
		}
	}
}

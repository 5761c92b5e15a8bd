package stream

import "sync"

// Publisher is an external, push-based source of elements this package
// did not originate (e.g. an HTTP/2 response body reader).
type Publisher[T any] interface {
	Subscribe(sub UpstreamSubscriber[T])
}

// UpstreamSubscriber is the contract an external Publisher drives.
type UpstreamSubscriber[T any] interface {
	OnSubscribe(upstream Subscription)
	OnNext(value T)
	OnError(cause error)
	OnComplete()
}

// NewFromPublisher wraps pub in a Stream: upstream elements are
// relayed through TryWrite, downstream demand is forwarded upstream,
// and an abort or cancel observed downstream cancels the upstream
// subscription exactly once.
func NewFromPublisher[T any](pub Publisher[T]) *Stream[T] {
	s := New[T]()
	a := &adapter[T]{s: s}

	var cancelOnce sync.Once
	s.onCancel = func() {
		cancelOnce.Do(func() {
			a.mu.Lock()
			up := a.upstream
			a.mu.Unlock()
			if up != nil {
				up.Cancel()
			} else {
				a.mu.Lock()
				a.cancelPending = true
				a.mu.Unlock()
			}
		})
	}
	s.onRequest = func(n uint64) {
		a.mu.Lock()
		up := a.upstream
		a.mu.Unlock()
		if up != nil {
			up.Request(n)
		}
	}

	pub.Subscribe(a)
	return s
}

type adapter[T any] struct {
	s *Stream[T]

	mu            sync.Mutex
	upstream      Subscription
	cancelPending bool
}

func (a *adapter[T]) OnSubscribe(upstream Subscription) {
	a.mu.Lock()
	a.upstream = upstream
	pending := a.cancelPending
	a.mu.Unlock()
	if pending {
		upstream.Cancel()
	}
}

func (a *adapter[T]) OnNext(value T) {
	a.s.TryWrite(value)
}

func (a *adapter[T]) OnError(cause error) {
	a.s.CloseWithCause(cause)
}

func (a *adapter[T]) OnComplete() {
	a.s.Close()
}

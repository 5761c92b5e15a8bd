package lifecycle

import "sync"

// Future is the handle Start/Stop return: a single result settled
// exactly once.
type Future struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) complete(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Done reports when the future has settled.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the future settles and returns its error.
func (f *Future) Wait() error {
	<-f.done
	return f.err
}

func completed(err error) *Future {
	f := newFuture()
	f.complete(err)
	return f
}

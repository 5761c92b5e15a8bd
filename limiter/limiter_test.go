package limiter

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/meridianrpc/corerpc/rpcerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZeroLimiterRunsImmediately(t *testing.T) {
	l := New(0, 0)
	var ran bool
	require.NoError(t, l.Run(func() error { ran = true; return nil }))
	assert.True(t, ran)
	assert.Equal(t, int64(0), l.Active())
}

func TestZeroLimiterTracksActiveAroundCall(t *testing.T) {
	l := New(0, 0)
	inside := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = l.Run(func() error {
			close(inside)
			<-release
			return nil
		})
	}()
	<-inside
	assert.Equal(t, int64(1), l.Active())
	close(release)
}

func TestBoundedLimiterAdmitsAtMostN(t *testing.T) {
	l := New(2, time.Second)
	var maxSeen atomic.Int64
	var cur atomic.Int64
	var wg sync.WaitGroup
	release := make(chan struct{})

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Run(func() error {
				n := cur.Add(1)
				for {
					old := maxSeen.Load()
					if n <= old || maxSeen.CompareAndSwap(old, n) {
						break
					}
				}
				<-release
				cur.Add(-1)
				return nil
			})
		}()
	}

	time.Sleep(20 * time.Millisecond)
	assert.LessOrEqual(t, maxSeen.Load(), int64(2))
	close(release)
	wg.Wait()
}

func TestQueuedTaskRunsAfterSlotFrees(t *testing.T) {
	l := New(1, time.Second)
	first := make(chan struct{})
	release := make(chan struct{})
	var secondRan atomic.Bool

	go func() {
		_ = l.Run(func() error {
			close(first)
			<-release
			return nil
		})
	}()
	<-first

	done := make(chan error, 1)
	go func() {
		done <- l.Run(func() error {
			secondRan.Store(true)
			return nil
		})
	}()

	time.Sleep(10 * time.Millisecond)
	assert.False(t, secondRan.Load())

	close(release)
	require.NoError(t, <-done)
	assert.True(t, secondRan.Load())
}

func TestQueuedTaskFailsWithRequestTimeout(t *testing.T) {
	l := New(1, 10*time.Millisecond)
	release := make(chan struct{})
	defer close(release)

	go func() {
		_ = l.Run(func() error {
			<-release
			return nil
		})
	}()
	time.Sleep(5 * time.Millisecond) // let the first call take the only slot

	err := l.Run(func() error {
		t.Fatal("delegate must not run once its timeout has fired")
		return nil
	})
	assert.ErrorIs(t, err, rpcerrors.ErrRequestTimeout)
}

func TestTimedOutTaskNeverInvokesDelegateOnceDequeued(t *testing.T) {
	l := New(1, 5*time.Millisecond)
	holdFirst := make(chan struct{})

	go func() { _ = l.Run(func() error { <-holdFirst; return nil }) }()
	time.Sleep(2 * time.Millisecond)

	var invoked atomic.Bool
	errCh := make(chan error, 1)
	go func() {
		errCh <- l.Run(func() error { invoked.Store(true); return nil })
	}()

	err := <-errCh
	require.ErrorIs(t, err, rpcerrors.ErrRequestTimeout)
	assert.False(t, invoked.Load())

	close(holdFirst)
}

func TestDelegateErrorPropagatesAndFreesSlot(t *testing.T) {
	l := New(1, time.Second)
	boom := errors.New("boom")

	err := l.Run(func() error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(0), l.Active())

	// the slot must be free for the next caller
	require.NoError(t, l.Run(func() error { return nil }))
}

func TestManyQueuedTasksEachRunExactlyOnce(t *testing.T) {
	l := New(3, time.Second)
	const total = 50
	var ran atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < total; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Run(func() error {
				ran.Add(1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(total), ran.Load())
	assert.Equal(t, int64(0), l.Active())
}

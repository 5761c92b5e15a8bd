package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/meridianrpc/corerpc/rpcerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartThenStopHappyPath(t *testing.T) {
	var started, stopped bool
	c := New("svc",
		func(ctx context.Context) error { started = true; return nil },
		func(ctx context.Context, rollback bool) error { stopped = true; return nil },
	)

	require.NoError(t, c.Start(context.Background()).Wait())
	assert.Equal(t, Started, c.State())
	assert.True(t, started)

	require.NoError(t, c.Stop(context.Background()).Wait())
	assert.Equal(t, Stopped, c.State())
	assert.True(t, stopped)
}

func TestStartWhileStartingReturnsSameFuture(t *testing.T) {
	release := make(chan struct{})
	c := New("svc",
		func(ctx context.Context) error { <-release; return nil },
		func(ctx context.Context, rollback bool) error { return nil },
	)

	f1 := c.Start(context.Background())
	f2 := c.Start(context.Background())
	assert.Same(t, f1, f2)

	close(release)
	require.NoError(t, f1.Wait())
}

func TestStartFailureRollsBackToStopped(t *testing.T) {
	var rolledBack bool
	startErr := errors.New("start failed")
	c := New("svc",
		func(ctx context.Context) error { return startErr },
		func(ctx context.Context, rollback bool) error { rolledBack = rollback; return nil },
	)

	err := c.Start(context.Background()).Wait()
	assert.ErrorIs(t, err, startErr)
	assert.True(t, rolledBack)
	assert.Equal(t, Stopped, c.State())
}

func TestRollbackFailureReportedWithoutMaskingStartError(t *testing.T) {
	startErr := errors.New("start failed")
	rollbackErr := errors.New("rollback failed")
	var reported error

	c := New("svc",
		func(ctx context.Context) error { return startErr },
		func(ctx context.Context, rollback bool) error { return rollbackErr },
	)
	c.RollbackFailed = func(err error) { reported = err }

	err := c.Start(context.Background()).Wait()
	assert.ErrorIs(t, err, startErr)
	assert.ErrorIs(t, reported, rollbackErr)
}

func TestStopWhileStartingQueuesAfterStart(t *testing.T) {
	release := make(chan struct{})
	var order []string
	var mu sync.Mutex
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	c := New("svc",
		func(ctx context.Context) error { <-release; record("started"); return nil },
		func(ctx context.Context, rollback bool) error { record("stopped"); return nil },
	)

	startFuture := c.Start(context.Background())
	stopFuture := c.Stop(context.Background())

	close(release)
	require.NoError(t, startFuture.Wait())
	require.NoError(t, stopFuture.Wait())

	assert.Equal(t, []string{"started", "stopped"}, order)
	assert.Equal(t, Stopped, c.State())
}

func TestListenerPanicSwallowed(t *testing.T) {
	c := New("svc",
		func(ctx context.Context) error { return nil },
		func(ctx context.Context, rollback bool) error { return nil },
	)
	c.AddListener(ListenerFunc(func(from, to State) { panic("boom") }))

	assert.NotPanics(t, func() {
		require.NoError(t, c.Start(context.Background()).Wait())
	})
}

func TestIdempotentStopOnAlreadyStopped(t *testing.T) {
	c := New("svc",
		func(ctx context.Context) error { return nil },
		func(ctx context.Context, rollback bool) error { return nil },
	)
	require.NoError(t, c.Stop(context.Background()).Wait())
	assert.Equal(t, Stopped, c.State())
}

func TestStartStrictFailsImmediatelyWhileAlreadyStartingOrStarted(t *testing.T) {
	release := make(chan struct{})
	c := New("svc",
		func(ctx context.Context) error { <-release; return nil },
		func(ctx context.Context, rollback bool) error { return nil },
	)

	f1 := c.Start(context.Background())
	err := c.StartStrict(context.Background()).Wait()
	var illegal *rpcerrors.IllegalStateError
	assert.ErrorAs(t, err, &illegal)

	close(release)
	require.NoError(t, f1.Wait())

	err = c.StartStrict(context.Background()).Wait()
	assert.ErrorAs(t, err, &illegal)
}

func TestDoneChannelClosesOnCompletion(t *testing.T) {
	c := New("svc",
		func(ctx context.Context) error { return nil },
		func(ctx context.Context, rollback bool) error { return nil },
	)
	f := c.Start(context.Background())
	select {
	case <-f.Done():
	case <-time.After(time.Second):
		t.Fatal("future never settled")
	}
}

package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withFakeClock(t *testing.T, start time.Time) func() time.Time {
	cur := start
	old := timeNow
	timeNow = func() time.Time { return cur }
	t.Cleanup(func() { timeNow = old })
	return func() time.Time { return cur }
}

func advance(t *testing.T, d time.Duration) {
	cur := timeNow().Add(d)
	timeNow = func() time.Time { return cur }
}

func TestNewPanicsOnInvalidConfig(t *testing.T) {
	assert.Panics(t, func() {
		New(nil, Config{
			FailureRateThreshold:    0,
			MinimumRequestThreshold: 1,
			CircuitOpenWindow:       time.Second,
			TrialRequestInterval:    time.Second,
			CounterSlidingWindow:    time.Second,
			CounterUpdateInterval:  100 * time.Millisecond,
		})
	})
	assert.Panics(t, func() {
		New(nil, Config{
			FailureRateThreshold:    0.5,
			MinimumRequestThreshold: 1,
			CircuitOpenWindow:       time.Second,
			TrialRequestInterval:    time.Second,
			CounterSlidingWindow:    100 * time.Millisecond,
			CounterUpdateInterval:   time.Second, // U > W
		})
	})
}

func TestBreakerOpenHalfOpenCloseOpenScenario(t *testing.T) {
	withFakeClock(t, time.Unix(0, 0))

	var transitions [][2]State
	var rejections int

	b := New("svc", Config{
		FailureRateThreshold:    0.5,
		MinimumRequestThreshold: 4,
		CircuitOpenWindow:       200 * time.Millisecond,
		TrialRequestInterval:    50 * time.Millisecond,
		CounterSlidingWindow:    time.Second,
		CounterUpdateInterval:   100 * time.Millisecond,
	})
	b.AddListener(ListenerFuncs{
		StateChange: func(from, to State) { transitions = append(transitions, [2]State{from, to}) },
	})

	require.True(t, b.CanRequest())
	b.OnSuccess()
	require.True(t, b.CanRequest())
	b.OnSuccess()
	require.True(t, b.CanRequest())
	b.OnFailure()
	require.True(t, b.CanRequest())
	b.OnFailure()
	require.True(t, b.CanRequest())
	b.OnFailure()

	assert.Equal(t, Open, b.State())
	require.Len(t, transitions, 1)
	assert.Equal(t, [2]State{Closed, Open}, transitions[0])

	// still within the open window: rejected.
	for i := 0; i < 3; i++ {
		if !b.CanRequest() {
			rejections++
		}
		advance(t, 50*time.Millisecond)
	}
	assert.Equal(t, 3, rejections)
	assert.Equal(t, Open, b.State())

	// t is now ~150ms past open; advance past the 200ms deadline.
	advance(t, 60 * time.Millisecond)
	require.True(t, b.CanRequest())
	assert.Equal(t, HalfOpen, b.State())

	// a single success in HALF_OPEN moves to CLOSED.
	b.OnSuccess()
	assert.Equal(t, Closed, b.State())

	// drive it back open via a single failure reported in HALF_OPEN:
	// first force it back into HALF_OPEN the same way, then fail.
	// For this, put it into OPEN by replaying the failure burst again
	// using a fresh breaker.
	b2 := New("svc2", Config{
		FailureRateThreshold:    0.5,
		MinimumRequestThreshold: 1,
		CircuitOpenWindow:       10 * time.Millisecond,
		TrialRequestInterval:    10 * time.Millisecond,
		CounterSlidingWindow:    time.Second,
		CounterUpdateInterval:   100 * time.Millisecond,
	})
	require.True(t, b2.CanRequest())
	b2.OnFailure()
	assert.Equal(t, Open, b2.State())

	advance(t, 20*time.Millisecond)
	require.True(t, b2.CanRequest())
	assert.Equal(t, HalfOpen, b2.State())

	b2.OnFailure()
	assert.Equal(t, Open, b2.State())
}

func TestBreakerRemainsClosedBelowMinimumThreshold(t *testing.T) {
	withFakeClock(t, time.Unix(0, 0))

	b := New(nil, Config{
		FailureRateThreshold:    0.1,
		MinimumRequestThreshold: 100,
		CircuitOpenWindow:       time.Second,
		TrialRequestInterval:    time.Second,
		CounterSlidingWindow:    time.Second,
		CounterUpdateInterval:   100 * time.Millisecond,
	})
	for i := 0; i < 10; i++ {
		b.OnFailure()
	}
	assert.Equal(t, Closed, b.State())
}

func TestBreakerListenerPanicSwallowed(t *testing.T) {
	withFakeClock(t, time.Unix(0, 0))

	b := New(nil, Config{
		FailureRateThreshold:    0.1,
		MinimumRequestThreshold: 1,
		CircuitOpenWindow:       time.Second,
		TrialRequestInterval:    time.Second,
		CounterSlidingWindow:    time.Second,
		CounterUpdateInterval:   100 * time.Millisecond,
	})
	b.AddListener(ListenerFuncs{StateChange: func(State, State) { panic("boom") }})

	assert.NotPanics(t, func() { b.OnFailure() })
	assert.Equal(t, Open, b.State())
}

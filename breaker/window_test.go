package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSlidingWindowRotationScenario(t *testing.T) {
	// W=10s, U=1s, matching spec.md §8's worked example.
	w := newSlidingWindow(10*time.Second, time.Second)

	base := time.Unix(0, 0)
	w.Record(base, false)                                 // t=0, 1 failure
	w.Record(base.Add(500*time.Millisecond), true)         // t=0.5s, 1 success
	got := w.Record(base.Add(1100*time.Millisecond), false) // t=1.1s, 1 failure

	assert.Equal(t, EventCount{Success: 1, Failure: 2}, got)
}

func TestSlidingWindowTrimsExpiredBuckets(t *testing.T) {
	w := newSlidingWindow(2*time.Second, 500*time.Millisecond)
	base := time.Unix(0, 0)

	w.Record(base, true)
	w.Record(base.Add(600*time.Millisecond), true)
	w.Record(base.Add(1200*time.Millisecond), true)

	// by t=3s, everything before (3s - 2s = 1s) should be trimmed.
	got := w.Record(base.Add(3*time.Second), true)
	assert.LessOrEqual(t, got.Success, int64(3))
	assert.GreaterOrEqual(t, got.Success, int64(1))
}

func TestSlidingWindowClockRegression(t *testing.T) {
	w := newSlidingWindow(10*time.Second, time.Second)
	base := time.Unix(100, 0)

	w.Record(base, true)
	got := w.Record(base.Add(-5*time.Second), false) // clock went backwards

	assert.Equal(t, EventCount{Success: 1, Failure: 1}, got)
}

package breaker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/meridianrpc/corerpc/internal/ring"
)

// EventCount is an immutable (success, failure) pair (§3).
type EventCount struct {
	Success int64
	Failure int64
}

// Total returns the number of events recorded.
func (c EventCount) Total() int64 { return c.Success + c.Failure }

// FailureRate returns Failure/(Success+Failure), or 0 if Total is 0.
func (c EventCount) FailureRate() float64 {
	t := c.Total()
	if t == 0 {
		return 0
	}
	return float64(c.Failure) / float64(t)
}

func (c EventCount) add(o EventCount) EventCount {
	return EventCount{Success: c.Success + o.Success, Failure: c.Failure + o.Failure}
}

// bucket holds events for the tail of the sliding window (§3). Once
// displaced from "current", a bucket is never mutated again.
type bucket struct {
	timestampNanos int64
	success        atomic.Int64
	failure        atomic.Int64
}

func (b *bucket) count() EventCount {
	return EventCount{Success: b.success.Load(), Failure: b.failure.Load()}
}

// slidingWindow is the circuit breaker's O(1)-observe event counter
// (§4.4). One *current* bucket receives live atomic increments; buckets
// older than the update interval are displaced into a FIFO reservoir
// whose sum is cached and refreshed only at rotation.
type slidingWindow struct {
	windowDur time.Duration // W
	updateDur time.Duration // U

	current atomic.Pointer[bucket]

	mu          sync.Mutex
	reservoir   *ring.Buffer[int64]
	counts      map[int64]EventCount
	snapshotSum atomic.Pointer[EventCount]
}

func newSlidingWindow(windowDur, updateDur time.Duration) *slidingWindow {
	zero := EventCount{}
	w := &slidingWindow{
		windowDur: windowDur,
		updateDur: updateDur,
		reservoir: ring.New[int64](8),
		counts:    make(map[int64]EventCount),
	}
	w.snapshotSum.Store(&zero)
	return w
}

// Count returns the current aggregate: the cached reservoir sum plus a
// live read of the current bucket's counters.
func (w *slidingWindow) Count() EventCount {
	snap := *w.snapshotSum.Load()
	if cur := w.current.Load(); cur != nil {
		snap = snap.add(cur.count())
	}
	return snap
}

// Record registers one event at time now, returning the resulting
// aggregate count.
func (w *slidingWindow) Record(now time.Time, success bool) EventCount {
	nowNanos := now.UnixNano()

	for {
		cur := w.current.Load()
		if cur == nil {
			nb := &bucket{timestampNanos: nowNanos}
			if w.current.CompareAndSwap(nil, nb) {
				cur = nb
			} else {
				continue
			}
		}

		switch {
		case nowNanos < cur.timestampNanos:
			// clock regression (or pause): record directly into the
			// reservoir as an instant bucket.
			w.addInstant(now, nowNanos, success)
			return w.Count()

		case nowNanos < cur.timestampNanos+int64(w.updateDur):
			if success {
				cur.success.Add(1)
			} else {
				cur.failure.Add(1)
			}
			return w.Count()

		default:
			next := &bucket{timestampNanos: nowNanos}
			if success {
				next.success.Store(1)
			} else {
				next.failure.Store(1)
			}
			if w.current.CompareAndSwap(cur, next) {
				w.rotate(now, cur)
				return w.Count()
			}
			// lost the race: a concurrent writer already rotated.
			// insert our own bucket as an instant entry rather than
			// losing the event or retrying indefinitely.
			w.addInstant(now, nowNanos, success)
			return w.Count()
		}
	}
}

// rotate pushes the displaced bucket into the reservoir, trims entries
// older than the window, and republishes the cached sum.
func (w *slidingWindow) rotate(now time.Time, displaced *bucket) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.insertLocked(displaced.timestampNanos, displaced.count())
	w.trimAndRecomputeLocked(now)
}

func (w *slidingWindow) addInstant(now time.Time, nowNanos int64, success bool) {
	c := EventCount{}
	if success {
		c.Success = 1
	} else {
		c.Failure = 1
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.insertLocked(nowNanos, c)
	w.trimAndRecomputeLocked(now)
}

func (w *slidingWindow) insertLocked(ts int64, c EventCount) {
	idx := w.reservoir.Search(ts)
	if idx < w.reservoir.Len() && w.reservoir.Get(idx) == ts {
		w.counts[ts] = w.counts[ts].add(c)
		return
	}
	w.reservoir.Insert(idx, ts)
	w.counts[ts] = w.counts[ts].add(c)
}

func (w *slidingWindow) trimAndRecomputeLocked(now time.Time) {
	threshold := now.UnixNano() - int64(w.windowDur)
	trim := 0
	for trim < w.reservoir.Len() && w.reservoir.Get(trim) < threshold {
		delete(w.counts, w.reservoir.Get(trim))
		trim++
	}
	if trim > 0 {
		w.reservoir.RemoveBefore(trim)
	}

	var sum EventCount
	for i := 0; i < w.reservoir.Len(); i++ {
		sum = sum.add(w.counts[w.reservoir.Get(i)])
	}
	w.snapshotSum.Store(&sum)
}

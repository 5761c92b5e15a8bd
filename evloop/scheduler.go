// Package evloop implements the event-loop scheduler described in
// SPEC_FULL §4.1: per-authority selection of the least-loaded event
// loop, with lazy entry creation capped at the event-loop count and a
// periodic sweep of idle authority state.
package evloop

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meridianrpc/corerpc/rpclog"
)

var timeNow = time.Now

// cleanupEvery matches SPEC_FULL §C.1: cleanup runs on the 256th
// acquire, gated additionally by the one-per-minute cadence below.
const cleanupEvery = 256

const idleTimeout = time.Minute

// Scheduler binds connections to one of numLoops event loops per
// authority, favoring already-bound loops with the fewest active
// requests.
type Scheduler struct {
	numLoops     int
	authorities  sync.Map // string -> *authorityState
	acquireCount atomic.Uint64
	lastCleanup  atomic.Int64
}

// New constructs a Scheduler over numLoops event loops (identified by
// index 0..numLoops-1 to the caller).
func New(numLoops int) *Scheduler {
	if numLoops <= 0 {
		panic("evloop: numLoops must be positive")
	}
	return &Scheduler{numLoops: numLoops}
}

type authorityState struct {
	mu         sync.Mutex
	h          heap
	aggregate  int64
	lastZeroAt time.Time
	nextLoop   int
	nextID     uint64
}

func newAuthorityState(numLoops int) *authorityState {
	return &authorityState{nextLoop: rand.IntN(numLoops)}
}

// Lease is the release handle returned by Acquire. Release must be
// invoked at most once; calling it more than once is a no-op.
type Lease struct {
	once      sync.Once
	loopIndex int
	release   func()
}

// LoopIndex reports which event loop the lease is bound to.
func (l *Lease) LoopIndex() int { return l.loopIndex }

// Release decrements the entry's active count. Safe to call more than
// once; only the first call has effect.
func (l *Lease) Release() {
	l.once.Do(l.release)
}

// Acquire selects (or creates) the least-loaded event loop entry bound
// to authority and returns a lease over it.
func (s *Scheduler) Acquire(authority string) *Lease {
	v, _ := s.authorities.LoadOrStore(authority, newAuthorityState(s.numLoops))
	st := v.(*authorityState)

	st.mu.Lock()
	var chosen *entry
	root := st.h.root()
	if root == nil || (root.active > 0 && st.h.len() < s.numLoops) {
		st.nextID++
		chosen = &entry{loopIndex: st.nextLoop % s.numLoops, id: st.nextID}
		st.nextLoop++
		st.h.push(chosen)
	} else {
		chosen = root
	}
	chosen.active++
	st.aggregate++
	st.h.fix(chosen)
	st.lastZeroAt = time.Time{}
	st.mu.Unlock()

	lease := &Lease{loopIndex: chosen.loopIndex}
	lease.release = func() { s.release(st, chosen) }

	if s.acquireCount.Add(1)%cleanupEvery == 0 {
		s.maybeCleanup()
	}
	return lease
}

func (s *Scheduler) release(st *authorityState, e *entry) {
	st.mu.Lock()
	e.active--
	st.aggregate--
	st.h.fix(e)
	if st.aggregate == 0 {
		st.lastZeroAt = timeNow()
	}
	st.mu.Unlock()
}

func (s *Scheduler) maybeCleanup() {
	now := timeNow()
	last := s.lastCleanup.Load()
	if last != 0 && now.Sub(time.Unix(0, last)) < idleTimeout {
		return
	}
	if !s.lastCleanup.CompareAndSwap(last, now.UnixNano()) {
		return
	}

	s.authorities.Range(func(k, v any) bool {
		st := v.(*authorityState)
		st.mu.Lock()
		idle := !st.lastZeroAt.IsZero() && st.aggregate == 0 && now.Sub(st.lastZeroAt) >= idleTimeout
		st.mu.Unlock()
		if idle {
			s.authorities.CompareAndDelete(k, v)
			rpclog.L("evloop").Debug().Str("authority", k.(string)).Msg("swept idle authority state")
		}
		return true
	})
}

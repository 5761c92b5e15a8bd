package endpoint

import "sync/atomic"

// Selector picks one endpoint from a snapshot. Implementations must be
// safe for concurrent use.
type Selector interface {
	Select(snapshot []Endpoint) (Endpoint, bool)
}

// RoundRobin cycles through the snapshot in order using a shared atomic
// counter modulo the snapshot length (§4.5). The counter is never reset
// on a snapshot change, so a removal can shift which endpoint the next
// call lands on by the counter's position modulo the new length, rather
// than always restarting at index 0 of the new snapshot.
type RoundRobin struct {
	counter atomic.Uint64
}

var _ Selector = (*RoundRobin)(nil)

func NewRoundRobin() *RoundRobin { return &RoundRobin{} }

func (s *RoundRobin) Select(snapshot []Endpoint) (Endpoint, bool) {
	if len(snapshot) == 0 {
		return Endpoint{}, false
	}
	i := s.counter.Add(1) - 1
	return snapshot[i%uint64(len(snapshot))], true
}

// WeightedRoundRobin implements smooth (Envoy/Armeria-style) weighted
// round robin: each endpoint carries a running "current" value,
// incremented by its own weight every pick; the endpoint with the
// highest current is chosen and then decremented by the total weight.
// This produces the exact worked distribution in spec.md §8 (weights
// 1,2,3 over six picks yields one,two,three) without needing to
// precompute and store a discrete schedule, while still rebuilding its
// per-endpoint state whenever the snapshot identity changes (§4.5,
// "rebuild the pre-computed schedule when the snapshot changes").
type WeightedRoundRobin struct {
	mu    chan struct{} // binary semaphore, cheaper than sync.Mutex for this hot path
	state *wrrState
}

type wrrState struct {
	snapshotKey string
	totalWeight int
	current     []int64 // parallel to the snapshot, in the same sorted order
}

var _ Selector = (*WeightedRoundRobin)(nil)

func NewWeightedRoundRobin() *WeightedRoundRobin {
	w := &WeightedRoundRobin{mu: make(chan struct{}, 1)}
	w.mu <- struct{}{}
	return w
}

func (s *WeightedRoundRobin) Select(snapshot []Endpoint) (Endpoint, bool) {
	if len(snapshot) == 0 {
		return Endpoint{}, false
	}

	<-s.mu
	defer func() { s.mu <- struct{}{} }()

	key := snapshotKey(snapshot)
	if s.state == nil || s.state.snapshotKey != key {
		s.state = newWRRState(snapshot, key)
	}
	st := s.state

	if st.totalWeight <= 0 {
		// every weight is non-positive: degrade to plain round robin
		// over the snapshot order using the same current slots.
		best := 0
		for i := range st.current {
			st.current[i]++
			if st.current[i] > st.current[best] {
				best = i
			}
		}
		st.current[best] -= int64(len(snapshot))
		return snapshot[best], true
	}

	best := 0
	for i := range st.current {
		st.current[i] += int64(snapshot[i].Weight)
		if st.current[i] > st.current[best] {
			best = i
		}
	}
	st.current[best] -= int64(st.totalWeight)

	return snapshot[best], true
}

func newWRRState(snapshot []Endpoint, key string) *wrrState {
	st := &wrrState{snapshotKey: key, current: make([]int64, len(snapshot))}
	for _, e := range snapshot {
		st.totalWeight += e.Weight
	}
	return st
}

// snapshotKey gives a cheap identity for "has the snapshot changed"
// without comparing slice contents on every Select call; it relies on
// the snapshot already being the sorted, deduplicated form a Group
// publishes, so authority+weight pairs in order are a stable fingerprint.
func snapshotKey(snapshot []Endpoint) string {
	// a length-prefixed scheme avoids accidental collisions between
	// e.g. ["a:1:2","b:3"] and ["a:1","2:b:3"].
	b := make([]byte, 0, len(snapshot)*24)
	for _, e := range snapshot {
		b = append(b, byte(len(e.Authority)))
		b = append(b, e.Authority...)
		b = appendInt(b, e.Weight)
	}
	return string(b)
}

func appendInt(b []byte, v int) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

package evloop

// entry binds one event loop to an authority's scheduler state. It is a
// node in the authority's min-heap, ordered by (active, id).
type entry struct {
	loopIndex int
	active    int64
	id        uint64
	idx       int
}

func less(a, b *entry) bool {
	if a.active != b.active {
		return a.active < b.active
	}
	return a.id < b.id
}

// heap is a minimal array-backed binary min-heap over *entry, exposing
// the sift operations the acquire/release protocol needs directly
// (rather than going through container/heap's interface, since both
// sides already know the index of the element being perturbed).
type heap struct {
	items []*entry
}

func (h *heap) push(e *entry) {
	e.idx = len(h.items)
	h.items = append(h.items, e)
	h.siftUp(e.idx)
}

func (h *heap) root() *entry {
	if len(h.items) == 0 {
		return nil
	}
	return h.items[0]
}

func (h *heap) len() int { return len(h.items) }

func (h *heap) siftUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !less(h.items[i], h.items[parent]) {
			break
		}
		h.swap(i, parent)
		i = parent
	}
}

func (h *heap) siftDown(i int) {
	n := len(h.items)
	for {
		l, r := 2*i+1, 2*i+2
		smallest := i
		if l < n && less(h.items[l], h.items[smallest]) {
			smallest = l
		}
		if r < n && less(h.items[r], h.items[smallest]) {
			smallest = r
		}
		if smallest == i {
			return
		}
		h.swap(i, smallest)
		i = smallest
	}
}

func (h *heap) swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].idx = i
	h.items[j].idx = j
}

// fix restores heap order around e after its active count changed,
// trying both directions since the caller doesn't know which way the
// key moved relative to its neighbors.
func (h *heap) fix(e *entry) {
	h.siftDown(e.idx)
	h.siftUp(e.idx)
}

package queue

import (
	"container/heap"
	"time"

	"mixqueue/internal/track"
)

// priorityEntry is one element of the priority lane. Ordering is by rank
// first, then by insertion sequence, so equal-rank tracks play in the order
// they were enqueued.
type priorityEntry struct {
	descriptor *track.Descriptor
	rank       int
	timestamp  time.Time
	seq        uint64
}

type prioHeap []*priorityEntry

var _ heap.Interface = (*prioHeap)(nil)

func (h prioHeap) Len() int { return len(h) }

func (h prioHeap) Less(i, j int) bool {
	if h[i].rank != h[j].rank {
		return h[i].rank < h[j].rank
	}
	return h[i].seq < h[j].seq
}

func (h prioHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *prioHeap) Push(x any) { *h = append(*h, x.(*priorityEntry)) }

func (h *prioHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return entry
}

// peek returns up to n entries in play order without mutating the heap.
func (h prioHeap) peek(n int) []*priorityEntry {
	if n > len(h) {
		n = len(h)
	}
	if n == 0 {
		return nil
	}

	scratch := make(prioHeap, len(h))
	copy(scratch, h)

	out := make([]*priorityEntry, 0, n)
	for len(out) < n {
		out = append(out, heap.Pop(&scratch).(*priorityEntry))
	}
	return out
}

package frontier

import (
	"container/heap"

	"github.com/foofork/riptide/internal/core"
)

// entry is one queued request plus its best-first score. seq preserves
// insertion order as the final tie-break.
type entry struct {
	req   core.CrawlRequest
	score float64
	seq   uint64
	index int
}

// requestHeap is a max-heap on score; equal scores dequeue in insertion
// order. Not safe for concurrent use; the Manager serializes access.
type requestHeap []*entry

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score > h[j].score
	}
	return h[i].seq < h[j].seq
}

func (h requestHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *requestHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

func (h *requestHeap) push(e *entry) {
	heap.Push(h, e)
}

func (h *requestHeap) pop() *entry {
	if h.Len() == 0 {
		return nil
	}
	return heap.Pop(h).(*entry)
}

// removeAt drops the entry at index i, used by TTL cleanup.
func (h *requestHeap) removeAt(i int) *entry {
	return heap.Remove(h, i).(*entry)
}

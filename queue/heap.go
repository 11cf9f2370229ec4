package queue

import "sort"

// itemHeap is a container/heap of *Item ordered by (Score asc, Priority asc,
// URLID asc) — dispatch score ascending (earliest due first), per §4.1/§4.2.
type itemHeap struct {
	items []*Item
}

func (h *itemHeap) Len() int { return len(h.items) }

func (h *itemHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.URLID < b.URLID
}

func (h *itemHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *itemHeap) Push(x any) {
	it := x.(*Item)
	it.index = len(h.items)
	h.items = append(h.items, it)
}

func (h *itemHeap) Pop() any {
	n := len(h.items)
	it := h.items[n-1]
	h.items[n-1] = nil
	h.items = h.items[:n-1]
	return it
}

// sortedIndices returns the positions of h.items in dispatch-score order,
// without mutating the heap, so the queue can scan ready items in strict
// earliest-due-first order while still removing by the heap's real index.
func (h *itemHeap) sortedIndices() []int {
	idx := make([]int, len(h.items))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool {
		return h.Less(idx[a], idx[b])
	})
	return idx
}

package queue

// entryHeap orders by priority, then enqueue time, then insertion sequence.
type entryHeap []*item

type item struct {
	entry Entry
	seq   uint64
	index int
}

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.entry.Priority != b.entry.Priority {
		return a.entry.Priority > b.entry.Priority
	}
	if !a.entry.EnqueuedAt.Equal(b.entry.EnqueuedAt) {
		return a.entry.EnqueuedAt.Before(b.entry.EnqueuedAt)
	}
	return a.seq < b.seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

package job

import "container/heap"

// queueItem is one dispatch-queue entry. Entries are ordered by priority
// (descending) then push sequence (ascending), so dequeue is FIFO within
// a priority band and a retried task re-enters at the tail of its band
// rather than the head.
type queueItem struct {
	taskKey  string
	priority int
	seq      uint64
}

type taskHeap []queueItem

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, k int) bool {
	if h[i].priority != h[k].priority {
		return h[i].priority > h[k].priority
	}
	return h[i].seq < h[k].seq
}

func (h taskHeap) Swap(i, k int) { h[i], h[k] = h[k], h[i] }

func (h *taskHeap) Push(x any) {
	*h = append(*h, x.(queueItem))
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// push adds an entry keeping the heap invariant.
func (h *taskHeap) push(item queueItem) {
	heap.Push(h, item)
}

// pop removes and returns the highest-ordered entry.
func (h *taskHeap) pop() (queueItem, bool) {
	if h.Len() == 0 {
		return queueItem{}, false
	}
	return heap.Pop(h).(queueItem), true
}

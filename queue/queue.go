// Package queue implements the bounded priority queues used by the vector
// indexes for nearest-neighbor candidate tracking.
package queue

import "container/heap"

// Item represents an entry in the priority queue. Seq records insertion
// order and breaks ties between equal distances: the earlier entry ranks
// nearer.
type Item struct {
	Node     uint64
	Distance float32
	Seq      uint64
}

// less orders items by (distance, seq).
func less(a, b Item) bool {
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	return a.Seq < b.Seq
}

// PriorityQueue is a binary heap of Items. A min queue pops the nearest
// item first; a max queue pops the farthest, which makes it a bounded
// "worst of the current top-k" tracker.
type PriorityQueue struct {
	max   bool
	items []Item
}

// Compile time check to ensure PriorityQueue satisfies the heap interface.
var _ heap.Interface = (*PriorityQueue)(nil)

// NewMin creates a min-ordered priority queue with the given capacity hint.
func NewMin(capacity int) *PriorityQueue {
	return &PriorityQueue{items: make([]Item, 0, capacity)}
}

// NewMax creates a max-ordered priority queue with the given capacity hint.
func NewMax(capacity int) *PriorityQueue {
	return &PriorityQueue{max: true, items: make([]Item, 0, capacity)}
}

// Len returns the number of elements in the priority queue.
func (pq *PriorityQueue) Len() int { return len(pq.items) }

// Less reports whether the element with index i should sort before the
// element with index j.
func (pq *PriorityQueue) Less(i, j int) bool {
	if pq.max {
		return less(pq.items[j], pq.items[i])
	}
	return less(pq.items[i], pq.items[j])
}

// Swap swaps the elements with indexes i and j.
func (pq *PriorityQueue) Swap(i, j int) {
	pq.items[i], pq.items[j] = pq.items[j], pq.items[i]
}

// Push adds x to the priority queue. Use PushItem instead.
func (pq *PriorityQueue) Push(x any) {
	pq.items = append(pq.items, x.(Item))
}

// Pop removes and returns the last element. Use PopItem instead.
func (pq *PriorityQueue) Pop() any {
	old := pq.items
	n := len(old)
	item := old[n-1]
	pq.items = old[:n-1]
	return item
}

// PushItem adds an item to the queue.
func (pq *PriorityQueue) PushItem(item Item) {
	heap.Push(pq, item)
}

// PopItem removes and returns the top item.
func (pq *PriorityQueue) PopItem() (Item, bool) {
	if len(pq.items) == 0 {
		return Item{}, false
	}
	return heap.Pop(pq).(Item), true
}

// TopItem returns the top item without removing it.
func (pq *PriorityQueue) TopItem() (Item, bool) {
	if len(pq.items) == 0 {
		return Item{}, false
	}
	return pq.items[0], true
}

// Reset empties the queue, keeping the underlying storage.
func (pq *PriorityQueue) Reset() {
	pq.items = pq.items[:0]
}

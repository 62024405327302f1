package cdc

import "sync"

// Update is one row mutation decoded from the replication stream,
// carrying the coordinates of the event it came from.
type Update struct {
	DB        string
	Table     string
	Column    string
	Key       uint64
	Payload   []byte
	LogFile   string
	LogOffset uint64
}

// Queue is the single-producer, multiple-consumer FIFO between the
// binlog reader and the index update workers. Dequeue blocks on a
// condition variable while the queue is empty; Close unblocks every
// waiter.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []*Update
	closed bool
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends an update and wakes one consumer.
func (q *Queue) Enqueue(u *Update) {
	q.mu.Lock()
	q.items = append(q.items, u)
	q.mu.Unlock()
	q.cond.Signal()
}

// Dequeue removes the oldest update, blocking while the queue is empty.
// It returns false once the queue is closed and drained.
func (q *Queue) Dequeue() (*Update, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}

	u := q.items[0]
	q.items = q.items[1:]
	return u, true
}

// Empty reports whether the queue holds no updates.
func (q *Queue) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0
}

// Close wakes all blocked consumers; pending updates are still drained.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

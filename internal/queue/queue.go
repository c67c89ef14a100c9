// Package queue implements the thread-safe priority queue of pending tasks
// described in spec.md §4.D: a min-priority, FIFO-within-priority queue with
// queued/in-progress/done set bookkeeping for idempotent accounting.
package queue

import (
	"container/heap"
	"errors"
	"sync"
	"time"
)

// ErrEmpty is returned by Get when no item became available before the
// timeout elapsed, or at once by a non-blocking Get with nothing ready. It
// is never returned for any other reason.
var ErrEmpty = errors.New("queue: empty")

// Item is a single queued unit of work, ordered by (Priority, seq).
type Item struct {
	ID       string
	Priority int

	seq int
}

type heapItems []*Item

func (h heapItems) Len() int { return len(h) }
func (h heapItems) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}
func (h heapItems) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *heapItems) Push(x any)        { *h = append(*h, x.(*Item)) }
func (h *heapItems) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// Queue is a thread-safe priority queue with in-progress/done tracking.
type Queue struct {
	mu         sync.Mutex
	items      heapItems
	nextSeq    int
	inProgress map[string]bool
	done       map[string]bool
	notify     chan struct{} // closed and replaced whenever an item is pushed
}

// New returns an empty, ready-to-use Queue.
func New() *Queue {
	q := &Queue{
		inProgress: make(map[string]bool),
		done:       make(map[string]bool),
		notify:     make(chan struct{}),
	}
	heap.Init(&q.items)
	return q
}

// Put enqueues id at the given priority, unless it is already queued,
// in-progress, or done.
func (q *Queue) Put(id string, priority int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.done[id] || q.inProgress[id] {
		return
	}
	for _, it := range q.items {
		if it.ID == id {
			return
		}
	}

	heap.Push(&q.items, &Item{ID: id, Priority: priority, seq: q.nextSeq})
	q.nextSeq++
	close(q.notify)
	q.notify = make(chan struct{})
}

// Get returns the highest-priority, earliest-enqueued item, marking it
// in-progress. It blocks until an item is available or timeout elapses, in
// which case it returns ErrEmpty. block=false makes it return ErrEmpty
// immediately when nothing is ready instead of waiting.
func (q *Queue) Get(block bool, timeout time.Duration) (*Item, error) {
	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			it := heap.Pop(&q.items).(*Item)
			q.inProgress[it.ID] = true
			q.mu.Unlock()
			return it, nil
		}
		wait := q.notify
		q.mu.Unlock()

		if !block {
			return nil, ErrEmpty
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrEmpty
		}
		select {
		case <-wait:
			// an item arrived — loop and try again
		case <-time.After(remaining):
			return nil, ErrEmpty
		}
	}
}

// MarkDone transitions id from in-progress to done. Idempotent.
func (q *Queue) MarkDone(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inProgress, id)
	q.done[id] = true
}

// MarkFailed removes id from in-progress without marking it done, allowing a
// future Put to re-enqueue it (e.g. on resume).
func (q *Queue) MarkFailed(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inProgress, id)
}

// Len returns the number of items currently queued (not in-progress or done).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// InProgressCount returns the number of items currently marked in-progress.
func (q *Queue) InProgressCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inProgress)
}

// IsDone reports whether id has already been processed to completion.
func (q *Queue) IsDone(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.done[id]
}

package scheduler

import (
	"errors"
	"sync"
)

var ErrQueueFull = errors.New("queue full")

// jobQueue is the per-media-type admission queue: FIFO within a priority
// band, with a capacity limit that rejects admission once exceeded
// (backpressure). Retries re-enter without an admission check.
type jobQueue struct {
	mu       sync.Mutex
	capacity int
	items    []queuedItem
	seq      uint64

	// notify wakes the in-process workers; buffered so pushes never block
	notify chan struct{}
}

type queuedItem struct {
	jobID    string
	priority int
	seq      uint64
}

func newJobQueue(capacity int) *jobQueue {
	if capacity <= 0 {
		capacity = 100
	}
	return &jobQueue{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// push admits a job ordered by priority (higher first), FIFO within a band.
// force bypasses the capacity check for retry re-entry.
func (q *jobQueue) push(jobID string, priority int, force bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !force && len(q.items) >= q.capacity {
		return ErrQueueFull
	}

	q.seq++
	item := queuedItem{jobID: jobID, priority: priority, seq: q.seq}

	// insertion point: after every item with priority >= ours
	idx := len(q.items)
	for i, existing := range q.items {
		if existing.priority < priority {
			idx = i
			break
		}
	}
	q.items = append(q.items, queuedItem{})
	copy(q.items[idx+1:], q.items[idx:])
	q.items[idx] = item

	q.signal()
	return nil
}

// pop removes and returns the next eligible job ID.
func (q *jobQueue) pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return "", false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item.jobID, true
}

// remove deletes a queued job (caller-initiated cancel before dispatch).
func (q *jobQueue) remove(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, item := range q.items {
		if item.jobID == jobID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

func (q *jobQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// signal must be called with q.mu held.
func (q *jobQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

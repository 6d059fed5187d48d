package ship

import "sync"

// Queue is the ship's single unbounded FIFO of pending jobs. Enqueue never
// blocks; Dequeue blocks until a job is available or the queue is closed.
//
// Modeled as an explicit value (no package-level singleton) per the
// ShipCore design note: one Queue belongs to one Core.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []*Job
	closed bool

	// onEvent, if set, is notified of queue transitions for the admin
	// /events stream (§1c). It must not block.
	onEvent func(string)
}

// NewQueue returns an empty, open queue.
func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// OnEvent registers fn to be called on every queue transition. Not safe to
// call once the queue is in use.
func (q *Queue) OnEvent(fn func(string)) {
	q.onEvent = fn
}

// Enqueue appends job to the tail of the queue. Non-blocking.
func (q *Queue) Enqueue(job *Job) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, job)
	q.cond.Signal()
	q.mu.Unlock()
	if q.onEvent != nil {
		q.onEvent("job queued")
	}
}

// Dequeue blocks until a job is present and returns the head of the queue in
// enqueue order. It returns ok=false only once the queue has been closed and
// drained.
func (q *Queue) Dequeue() (job *Job, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	job = q.items[0]
	q.items = q.items[1:]
	return job, true
}

// Remove drops job from the queue if it is still present (used when a
// client disconnects while its job is still QUEUED). Reports whether it was
// found and removed.
func (q *Queue) Remove(job *Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, j := range q.items {
		if j == job {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// Len reports the current queue depth, for the admin metrics snapshot.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close marks the queue closed and wakes all blocked dequeuers. Used only on
// process shutdown.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

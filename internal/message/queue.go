package message

import (
	"sync"

	"github.com/eapache/queue"
)

// ContentQueue is the FIFO of body chunks for one in-flight message. It
// shares the lock of its owning CarbonMessage: every method must be called
// with that lock held, which makes push and pop linearizable in arrival order.
type ContentQueue struct {
	chunks *queue.Queue
	cond   *sync.Cond // Signalled on push and on abort
}

func newContentQueue(mu sync.Locker) *ContentQueue {
	return &ContentQueue{
		chunks: queue.New(),
		cond:   sync.NewCond(mu),
	}
}

// Push appends a chunk and wakes one blocked consumer. It never blocks and
// never drops.
func (q *ContentQueue) Push(c Chunk) {
	q.chunks.Add(c)
	q.cond.Signal()
}

// Pop removes and returns the oldest chunk. ok is false when the queue is empty.
func (q *ContentQueue) Pop() (c Chunk, ok bool) {
	if q.chunks.Length() == 0 {
		return Chunk{}, false
	}
	return q.chunks.Remove().(Chunk), true
}

// Len returns the number of queued chunks.
func (q *ContentQueue) Len() int {
	return q.chunks.Length()
}

// wait suspends the caller until the next Push or wake. The lock is released
// while waiting.
func (q *ContentQueue) wait() {
	q.cond.Wait()
}

func (q *ContentQueue) wakeAll() {
	q.cond.Broadcast()
}

// clear drops every queued chunk and returns how many were dropped.
func (q *ContentQueue) clear() int {
	n := q.chunks.Length()
	if n > 0 {
		q.chunks = queue.New()
	}
	return n
}

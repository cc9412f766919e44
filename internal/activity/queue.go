package activity

import (
	"sync"

	"sentra.dev/internal/obs"
)

// boundedQueue hands activities to the monitor in FIFO order. When full it
// silently drops the oldest entry so producers never block; loss under load
// is accepted and counted.
type boundedQueue struct {
	mu    sync.Mutex
	buf   []Activity
	head  int
	count int
}

func newBoundedQueue(capacity int) *boundedQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &boundedQueue{buf: make([]Activity, capacity)}
}

func (q *boundedQueue) push(a Activity) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == len(q.buf) {
		// Drop-oldest: advance head over the stale entry.
		q.head = (q.head + 1) % len(q.buf)
		q.count--
		obs.QueueDropped.Inc()
	}
	q.buf[(q.head+q.count)%len(q.buf)] = a
	q.count++
	obs.QueueDepth.Set(float64(q.count))
}

// drain removes and returns every queued activity in arrival order.
func (q *boundedQueue) drain() []Activity {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return nil
	}
	out := make([]Activity, 0, q.count)
	for i := 0; i < q.count; i++ {
		out = append(out, q.buf[(q.head+i)%len(q.buf)])
	}
	q.head = 0
	q.count = 0
	obs.QueueDepth.Set(0)
	return out
}

func (q *boundedQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

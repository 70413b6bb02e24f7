package reconcile

import (
	"context"
	"sync"
	"time"

	"docker2mqtt/internal/runtime"
)

// Queue is an unbounded FIFO of runtime events. Push never blocks.
type Queue struct {
	mu     sync.Mutex
	items  []runtime.Event
	signal chan struct{}
}

func NewQueue() *Queue {
	return &Queue{signal: make(chan struct{}, 1)}
}

func (q *Queue) Push(ev runtime.Event) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Pop returns the oldest event, waiting at most wait for one to arrive.
// The second result is false on timeout or cancellation.
func (q *Queue) Pop(ctx context.Context, wait time.Duration) (runtime.Event, bool) {
	if ev, ok := q.take(); ok {
		return ev, true
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return runtime.Event{}, false
		case <-timer.C:
			return q.take()
		case <-q.signal:
			if ev, ok := q.take(); ok {
				return ev, true
			}
		}
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) take() (runtime.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return runtime.Event{}, false
	}
	ev := q.items[0]
	q.items[0] = runtime.Event{}
	q.items = q.items[1:]
	return ev, true
}

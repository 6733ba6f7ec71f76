package relay

import "context"

// queue is the bounded FIFO between one reader and one forwarder. push
// suspends while the queue is full.
type queue struct {
	ch chan Event
}

func newQueue(capacity int) *queue {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	return &queue{ch: make(chan Event, capacity)}
}

func (q *queue) push(ctx context.Context, e Event) error {
	select {
	case q.ch <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pop returns the next event. ok is false once the queue is closed and
// drained, or ctx is done.
func (q *queue) pop(ctx context.Context) (Event, bool) {
	select {
	case e, ok := <-q.ch:
		return e, ok
	case <-ctx.Done():
		return Event{}, false
	}
}

// close is called by the producer only.
func (q *queue) close() { close(q.ch) }

func (q *queue) len() int { return len(q.ch) }

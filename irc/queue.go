package irc

import (
	"context"
	"sync"

	"github.com/onnwee/chat-tender/telemetry"
)

// Message is one queued outbound chat line, immutable once enqueued.
type Message struct {
	Channel string
	Text    string
}

// sendQueue is an unbounded FIFO with any number of producers and a single
// consumer (the write loop). It deliberately outlives individual connections:
// a reconnect must not drop queued messages.
type sendQueue struct {
	mu    sync.Mutex
	items []Message
	wake  chan struct{} // cap 1, coalesced wakeups
}

func newSendQueue() *sendQueue {
	return &sendQueue{wake: make(chan struct{}, 1)}
}

func (q *sendQueue) push(m Message) {
	q.mu.Lock()
	q.items = append(q.items, m)
	n := len(q.items)
	q.mu.Unlock()
	telemetry.SetQueueDepth(n)
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// pushFront re-queues a message popped but not sent (e.g. a throttle wait cut
// short by cancellation), preserving FIFO order for the next session.
func (q *sendQueue) pushFront(m Message) {
	q.mu.Lock()
	q.items = append([]Message{m}, q.items...)
	n := len(q.items)
	q.mu.Unlock()
	telemetry.SetQueueDepth(n)
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// pop blocks until a message is available or ctx is done. The second return
// is false only on cancellation.
func (q *sendQueue) pop(ctx context.Context) (Message, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			m := q.items[0]
			q.items = q.items[1:]
			n := len(q.items)
			q.mu.Unlock()
			telemetry.SetQueueDepth(n)
			return m, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return Message{}, false
		case <-q.wake:
		}
	}
}

func (q *sendQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

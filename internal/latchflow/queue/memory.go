package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// MemoryQueue is the in-process reference driver. A buffered channel backs
// EnqueueAction, and a failed handler call puts the message back on the
// channel after a short pause.
type MemoryQueue struct {
	ch     chan ActionMessage
	closed chan struct{}

	mu        sync.Mutex
	consuming bool
	once      sync.Once

	redeliverAfter time.Duration
}

// NewMemoryQueue builds a memory driver holding up to size undelivered
// messages. A size of zero or less selects the default capacity.
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 256
	}
	return &MemoryQueue{
		ch:             make(chan ActionMessage, size),
		closed:         make(chan struct{}),
		redeliverAfter: 50 * time.Millisecond,
	}
}

func (q *MemoryQueue) EnqueueAction(ctx context.Context, msg ActionMessage) error {
	select {
	case <-q.closed:
		return fmt.Errorf("queue: enqueue on closed queue")
	default:
	}
	select {
	case q.ch <- msg:
		return nil
	case <-q.closed:
		return fmt.Errorf("queue: enqueue on closed queue")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) ConsumeActions(ctx context.Context, handler Handler) error {
	q.mu.Lock()
	if q.consuming {
		q.mu.Unlock()
		return fmt.Errorf("queue: consumer already active")
	}
	q.consuming = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.consuming = false
		q.mu.Unlock()
	}()

	for {
		select {
		case msg := <-q.ch:
			if err := handler(ctx, msg); err != nil {
				slog.Warn("queue: handler failed, redelivering",
					"action_definition_id", msg.ActionDefinitionID, "err", err)
				go q.redeliver(msg)
			}
		case <-ctx.Done():
			return nil
		case <-q.closed:
			return nil
		}
	}
}

// redeliver runs off the consumer goroutine so a full channel cannot wedge
// the delivery loop.
func (q *MemoryQueue) redeliver(msg ActionMessage) {
	t := time.NewTimer(q.redeliverAfter)
	defer t.Stop()
	select {
	case <-t.C:
	case <-q.closed:
		return
	}
	select {
	case q.ch <- msg:
	case <-q.closed:
	}
}

func (q *MemoryQueue) Close() error {
	q.once.Do(func() { close(q.closed) })
	return nil
}

package queue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/latchflow/latchflow/internal/latchflow/queue"
)

func collect(t *testing.T, ch <-chan string, n int) []string {
	t.Helper()
	var got []string
	deadline := time.After(5 * time.Second)
	for len(got) < n {
		select {
		case id := <-ch:
			got = append(got, id)
		case <-deadline:
			t.Fatalf("timed out after %d of %d deliveries", len(got), n)
		}
	}
	return got
}

func TestMemoryQueue_DeliversInOrder(t *testing.T) {
	q := queue.NewMemoryQueue(8)
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, id := range []string{"a1", "a2", "a3"} {
		if err := q.EnqueueAction(ctx, queue.ActionMessage{ActionDefinitionID: id, Attempt: 1}); err != nil {
			t.Fatalf("EnqueueAction(%s): %v", id, err)
		}
	}

	seen := make(chan string, 8)
	go func() {
		_ = q.ConsumeActions(ctx, func(_ context.Context, msg queue.ActionMessage) error {
			seen <- msg.ActionDefinitionID
			return nil
		})
	}()

	got := collect(t, seen, 3)
	want := []string{"a1", "a2", "a3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivery order = %v, want %v", got, want)
		}
	}
}

func TestMemoryQueue_RedeliversOnHandlerError(t *testing.T) {
	q := queue.NewMemoryQueue(8)
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	calls := 0
	seen := make(chan string, 8)
	go func() {
		_ = q.ConsumeActions(ctx, func(_ context.Context, msg queue.ActionMessage) error {
			mu.Lock()
			calls++
			first := calls == 1
			mu.Unlock()
			if first {
				return context.DeadlineExceeded
			}
			seen <- msg.ActionDefinitionID
			return nil
		})
	}()

	if err := q.EnqueueAction(ctx, queue.ActionMessage{ActionDefinitionID: "a1", Attempt: 2}); err != nil {
		t.Fatalf("EnqueueAction: %v", err)
	}

	got := collect(t, seen, 1)
	if got[0] != "a1" {
		t.Fatalf("redelivered id = %q, want a1", got[0])
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Fatalf("handler calls = %d, want 2", calls)
	}
}

func TestMemoryQueue_SingleConsumer(t *testing.T) {
	q := queue.NewMemoryQueue(1)
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	go func() {
		close(started)
		_ = q.ConsumeActions(ctx, func(context.Context, queue.ActionMessage) error { return nil })
	}()
	<-started
	time.Sleep(20 * time.Millisecond)

	if err := q.ConsumeActions(ctx, func(context.Context, queue.ActionMessage) error { return nil }); err == nil {
		t.Fatal("second ConsumeActions succeeded, want error")
	}
}

func TestMemoryQueue_CloseStopsConsumer(t *testing.T) {
	q := queue.NewMemoryQueue(1)

	done := make(chan error, 1)
	go func() {
		done <- q.ConsumeActions(context.Background(), func(context.Context, queue.ActionMessage) error { return nil })
	}()

	time.Sleep(20 * time.Millisecond)
	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ConsumeActions after Close: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop after Close")
	}
}

func TestMemoryQueue_EnqueueAfterClose(t *testing.T) {
	q := queue.NewMemoryQueue(1)
	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := q.EnqueueAction(context.Background(), queue.ActionMessage{ActionDefinitionID: "a1"}); err == nil {
		t.Fatal("EnqueueAction on closed queue succeeded, want error")
	}
}

func TestNewQueue_Drivers(t *testing.T) {
	q, err := queue.NewQueue("memory", queue.Options{})
	if err != nil {
		t.Fatalf("NewQueue(memory): %v", err)
	}
	q.Close()

	if _, err := queue.NewQueue("bogus", queue.Options{}); err == nil {
		t.Fatal("NewQueue(bogus) succeeded, want error")
	}
}

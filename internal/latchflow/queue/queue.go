// Package queue carries action dispatches from trigger fan-out to the
// action consumer. Delivery is at-least-once and single-subscriber;
// duplicate deliveries are tolerated because every processing attempt
// records its own invocation row.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
)

// ActionMessage is one queued action dispatch. TriggerEventID is set for
// trigger-initiated runs and ManualInvokerID for manual test runs; exactly
// one of the two is non-empty.
type ActionMessage struct {
	ActionDefinitionID string          `json:"actionDefinitionId"`
	TriggerEventID     string          `json:"triggerEventId,omitempty"`
	ManualInvokerID    string          `json:"manualInvokerId,omitempty"`
	Context            json.RawMessage `json:"context,omitempty"`
	Attempt            int             `json:"attempt"`
}

// Handler processes one delivered message. A nil return acknowledges the
// message; an error asks the driver to redeliver it later.
type Handler func(ctx context.Context, msg ActionMessage) error

// Queue is the transport between trigger fan-out and the action consumer.
type Queue interface {
	// EnqueueAction publishes one dispatch.
	EnqueueAction(ctx context.Context, msg ActionMessage) error

	// ConsumeActions delivers messages to handler until ctx is canceled or
	// the queue is closed, then returns nil. At most one consumer may be
	// active per queue.
	ConsumeActions(ctx context.Context, handler Handler) error

	// Close stops delivery and releases broker resources.
	Close() error
}

// Options carries driver settings for NewQueue.
type Options struct {
	NATSURL    string
	NATSStream string
}

// NewQueue builds the driver selected by name, "memory" or "nats". An empty
// name selects the memory driver.
func NewQueue(name string, opts Options) (Queue, error) {
	switch name {
	case "", "memory":
		return NewMemoryQueue(0), nil
	case "nats":
		return NewNATSQueue(opts.NATSURL, opts.NATSStream)
	default:
		return nil, fmt.Errorf("queue: unknown driver %q", name)
	}
}

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/latchflow/latchflow/common/retry"
)

const (
	natsConsumerName   = "latchflow-actions"
	natsEnsureTimeout  = 10 * time.Second
	natsConnectTimeout = 30 * time.Second

	// natsAckWait must exceed the action execution cap so an in-flight
	// handler is not redelivered mid-run.
	natsAckWait    = 2 * time.Minute
	natsMaxDeliver = 5
)

// NATSQueue is the JetStream driver. One work-queue stream holds every
// dispatch and a single durable consumer drains it with explicit acks.
type NATSQueue struct {
	conn    *nats.Conn
	js      jetstream.JetStream
	stream  string
	subject string

	mu         sync.Mutex
	consuming  bool
	consumeCtx jetstream.ConsumeContext
}

// NewNATSQueue connects to the broker and ensures the stream exists. An
// empty url falls back to the NATS default, an empty stream to
// LATCHFLOW_ACTIONS.
func NewNATSQueue(url, stream string) (*NATSQueue, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	if stream == "" {
		stream = "LATCHFLOW_ACTIONS"
	}

	// The broker often comes up alongside the server; retry the initial
	// connect before giving up.
	var conn *nats.Conn
	connectCtx, cancelConnect := context.WithTimeout(context.Background(), natsConnectTimeout)
	err := retry.Do(connectCtx, retry.Config{MaxAttempts: 5, InitialDelay: time.Second}, func() error {
		var dialErr error
		conn, dialErr = nats.Connect(url,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		return dialErr
	})
	cancelConnect()
	if err != nil {
		return nil, fmt.Errorf("queue: connect nats %s: %w", url, err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("queue: jetstream context: %w", err)
	}

	q := &NATSQueue{
		conn:   conn,
		js:     js,
		stream: stream,
		// Derive the subject from the stream name so two deployments on one
		// cluster cannot claim overlapping subjects.
		subject: strings.ToLower(stream) + ".dispatch",
	}

	ctx, cancel := context.WithTimeout(context.Background(), natsEnsureTimeout)
	defer cancel()
	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      stream,
		Subjects:  []string{q.subject},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
		Replicas:  1,
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("queue: ensure stream %s: %w", stream, err)
	}
	return q, nil
}

func (q *NATSQueue) EnqueueAction(ctx context.Context, msg ActionMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: marshal message: %w", err)
	}
	if _, err := q.js.Publish(ctx, q.subject, data); err != nil {
		return fmt.Errorf("queue: publish %s: %w", q.subject, err)
	}
	return nil
}

func (q *NATSQueue) ConsumeActions(ctx context.Context, handler Handler) error {
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
		q.consumeCtx = nil
		q.mu.Unlock()
	}()

	consumer, err := q.js.CreateOrUpdateConsumer(ctx, q.stream, jetstream.ConsumerConfig{
		Name:          natsConsumerName,
		Durable:       natsConsumerName,
		FilterSubject: q.subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       natsAckWait,
		MaxDeliver:    natsMaxDeliver,
	})
	if err != nil {
		return fmt.Errorf("queue: create consumer: %w", err)
	}

	cc, err := consumer.Consume(func(m jetstream.Msg) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("queue: handler panicked, redelivering", "panic", r)
				if err := m.Nak(); err != nil {
					slog.Warn("queue: nak failed", "err", err)
				}
			}
		}()
		var msg ActionMessage
		if err := json.Unmarshal(m.Data(), &msg); err != nil {
			slog.Error("queue: dropping undecodable message", "err", err)
			if err := m.Term(); err != nil {
				slog.Warn("queue: term failed", "err", err)
			}
			return
		}
		if err := handler(ctx, msg); err != nil {
			slog.Warn("queue: handler failed, redelivering",
				"action_definition_id", msg.ActionDefinitionID, "err", err)
			if err := m.Nak(); err != nil {
				slog.Warn("queue: nak failed", "err", err)
			}
			return
		}
		if err := m.Ack(); err != nil {
			slog.Warn("queue: ack failed", "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("queue: consume: %w", err)
	}

	q.mu.Lock()
	q.consumeCtx = cc
	q.mu.Unlock()

	<-ctx.Done()
	cc.Stop()
	return nil
}

func (q *NATSQueue) Close() error {
	q.mu.Lock()
	if q.consumeCtx != nil {
		q.consumeCtx.Stop()
		q.consumeCtx = nil
	}
	q.mu.Unlock()

	if err := q.conn.Drain(); err != nil {
		q.conn.Close()
		return fmt.Errorf("queue: drain nats: %w", err)
	}
	return nil
}

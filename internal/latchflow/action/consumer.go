// Package action executes queued action dispatches under a concurrency
// bound, with per-execution timeouts and classified retry handling.
// Every processed message produces exactly one ActionInvocation row that
// ends in a terminal status; the queue loop itself never sees an
// execution failure.
package action

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/latchflow/latchflow/internal/latchflow/audit"
	"github.com/latchflow/latchflow/internal/latchflow/db"
	"github.com/latchflow/latchflow/internal/latchflow/metrics"
	"github.com/latchflow/latchflow/internal/latchflow/plugin"
	"github.com/latchflow/latchflow/internal/latchflow/queue"
)

const (
	defaultConcurrency = 10
	defaultTimeout     = 60 * time.Second

	backoffBaseMs = 2_000
	backoffCapMs  = 60_000
)

// Options tunes the consumer.
type Options struct {
	// Concurrency bounds simultaneous executions (default 10).
	Concurrency int
	// Timeout is the per-execution budget (default 60s).
	Timeout time.Duration
}

// Consumer drains the action queue. One Consumer owns the queue
// subscription; executions run on their own goroutines gated by a
// weighted semaphore.
type Consumer struct {
	store    *db.Store
	registry *plugin.Registry
	enc      *plugin.ConfigEncryption
	queue    queue.Queue
	audit    *audit.Recorder
	metrics  *metrics.Metrics
	logger   *slog.Logger

	sem     *semaphore.Weighted
	timeout time.Duration

	wg     sync.WaitGroup
	mu     sync.Mutex
	timers map[*time.Timer]struct{}
}

func NewConsumer(store *db.Store, registry *plugin.Registry, enc *plugin.ConfigEncryption, q queue.Queue, rec *audit.Recorder, m *metrics.Metrics, logger *slog.Logger, opts Options) *Consumer {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		store:    store,
		registry: registry,
		enc:      enc,
		queue:    q,
		audit:    rec,
		metrics:  m,
		logger:   logger.With("component", "action"),
		sem:      semaphore.NewWeighted(int64(opts.Concurrency)),
		timeout:  opts.Timeout,
		timers:   make(map[*time.Timer]struct{}),
	}
}

// Run consumes until ctx is canceled, then waits for in-flight
// executions to finalize and cancels pending retry timers. Retries that
// never fired stay persisted as RETRYING rows with retryAt set.
func (c *Consumer) Run(ctx context.Context) error {
	err := c.queue.ConsumeActions(ctx, func(_ context.Context, msg queue.ActionMessage) error {
		return c.handle(ctx, msg)
	})
	c.wg.Wait()
	c.cancelTimers()
	if err != nil {
		return fmt.Errorf("action: consume: %w", err)
	}
	return nil
}

// handle creates the invocation row and hands the rest to a worker
// goroutine. Only a failed row insert propagates, which nacks the
// message for redelivery.
func (c *Consumer) handle(ctx context.Context, msg queue.ActionMessage) error {
	inv := &db.ActionInvocation{
		ActionDefinitionID: msg.ActionDefinitionID,
		Status:             db.InvocationPending,
		Attempt:            msg.Attempt,
	}
	if msg.TriggerEventID != "" {
		inv.TriggerEventID = sql.NullString{String: msg.TriggerEventID, Valid: true}
	}
	if msg.ManualInvokerID != "" {
		inv.ManualInvokerID = sql.NullString{String: msg.ManualInvokerID, Valid: true}
	}
	if err := c.store.CreateActionInvocation(ctx, inv); err != nil {
		return fmt.Errorf("action: create invocation for %s: %w", msg.ActionDefinitionID, err)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.process(ctx, msg, inv)
	}()
	return nil
}

// process resolves the definition, takes a slot, executes and classifies
// one invocation. All failure paths finalize the row; nothing escapes to
// the queue loop.
func (c *Consumer) process(ctx context.Context, msg queue.ActionMessage, inv *db.ActionInvocation) {
	entry := audit.Entry{
		Kind:           db.CapabilityKindAction,
		DefinitionID:   msg.ActionDefinitionID,
		InvocationID:   inv.ID,
		TriggerEventID: msg.TriggerEventID,
		Attempt:        inv.Attempt,
	}

	def, err := c.store.GetActionDefinition(ctx, msg.ActionDefinitionID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.skipDisabled(ctx, inv)
			return
		}
		c.fail(ctx, inv, entry, db.InvocationFailed, err, 0)
		return
	}
	if !def.IsEnabled {
		c.skipDisabled(ctx, inv)
		return
	}

	ref, err := c.registry.RequireActionByID(def.CapabilityID)
	if err != nil {
		c.fail(ctx, inv, entry, db.InvocationFailedPermanent, err, 0)
		return
	}
	entry.PluginName = ref.PluginName
	entry.CapabilityKey = ref.Capability.Key

	cfg, err := c.enc.Decrypt(def.Config)
	if err != nil {
		c.fail(ctx, inv, entry, db.InvocationFailed, err, 0)
		return
	}

	c.audit.Started(ctx, entry)

	if err := c.sem.Acquire(ctx, 1); err != nil {
		c.fail(ctx, inv, entry, db.InvocationFailed, fmt.Errorf("action: slot wait aborted: %w", err), 0)
		return
	}
	c.metrics.ActionSlots.Inc()
	defer func() {
		c.sem.Release(1)
		c.metrics.ActionSlots.Dec()
	}()

	runtime, err := ref.Factory(plugin.ActionContext{
		Capability: ref.Capability,
		PluginName: ref.PluginName,
		Services: plugin.ActionServices{
			Logger: c.logger.With("definition_id", def.ID, "invocation_id", inv.ID),
		},
	})
	if err == nil && runtime == nil {
		err = &plugin.Error{
			Kind:    plugin.KindFatal,
			Code:    plugin.CodeInvalidRuntime,
			Message: fmt.Sprintf("factory for %s/%s produced no runtime", ref.PluginName, ref.Capability.Key),
		}
	}
	if err != nil {
		c.finish(ctx, msg, inv, entry, nil, err, 0)
		return
	}

	input := plugin.ActionInput{
		Config:  cfg,
		Payload: msg.Context,
		Invocation: plugin.InvocationInfo{
			ID:                 inv.ID,
			ActionDefinitionID: def.ID,
			TriggerEventID:     msg.TriggerEventID,
			ManualInvokerID:    msg.ManualInvokerID,
			Attempt:            inv.Attempt,
		},
	}

	start := time.Now()
	result, execErr := c.execute(ctx, runtime, input)
	elapsed := time.Since(start)

	if d, ok := runtime.(plugin.Disposer); ok {
		if err := d.Dispose(); err != nil {
			c.logger.Warn("action dispose failed", "invocation_id", inv.ID, "error", err)
		}
	}

	c.finish(ctx, msg, inv, entry, result, execErr, elapsed)
}

// execute races the runtime against the per-execution budget. On
// timeout the execution context is canceled and a synthetic fatal
// ACTION_TIMEOUT error is returned; the stray goroutine unblocks
// whenever the plugin honors its context.
func (c *Consumer) execute(ctx context.Context, runtime plugin.ActionRuntime, input plugin.ActionInput) (json.RawMessage, error) {
	execCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type outcome struct {
		result json.RawMessage
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		// A panicking plugin must finalize its invocation like any other
		// failure instead of taking the process down.
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &plugin.Error{
					Kind:    plugin.KindFatal,
					Code:    plugin.CodeActionPanic,
					Message: fmt.Sprintf("execution panicked: %v", r),
				}}
			}
		}()
		result, err := runtime.Execute(execCtx, input)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-execCtx.Done():
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return nil, &plugin.Error{
				Kind:    plugin.KindFatal,
				Code:    plugin.CodeActionTimeout,
				Message: fmt.Sprintf("execution exceeded the %s timeout", c.timeout),
			}
		}
		return nil, execCtx.Err()
	}
}

// finish classifies one completed execution and finalizes the row.
func (c *Consumer) finish(ctx context.Context, msg queue.ActionMessage, inv *db.ActionInvocation, entry audit.Entry, result json.RawMessage, execErr error, elapsed time.Duration) {
	if execErr == nil {
		if retry, ok := plugin.ParseRetry(result); ok {
			delay := Backoff(inv.Attempt)
			if retry.DelayMs != nil {
				delay = time.Duration(max(0, *retry.DelayMs)) * time.Millisecond
			}
			c.retry(ctx, msg, inv, entry, result, "", "", delay, elapsed)
			return
		}
		c.succeed(ctx, inv, entry, result, elapsed)
		return
	}

	pe, classified := plugin.Classify(execErr)
	if classified {
		switch pe.Kind {
		case plugin.KindRetryable, plugin.KindRateLimit:
			delay := Backoff(inv.Attempt)
			if pe.RetryDelayMs > 0 {
				delay = time.Duration(pe.RetryDelayMs) * time.Millisecond
			}
			c.retry(ctx, msg, inv, entry, errorResult(execErr), pe.Code, string(pe.Kind), delay, elapsed)
			return
		case plugin.KindPermission, plugin.KindValidation, plugin.KindFatal:
			c.fail(ctx, inv, entry, db.InvocationFailedPermanent, execErr, elapsed)
			return
		}
	}
	c.fail(ctx, inv, entry, db.InvocationFailed, execErr, elapsed)
}

func (c *Consumer) succeed(ctx context.Context, inv *db.ActionInvocation, entry audit.Entry, result json.RawMessage, elapsed time.Duration) {
	var stored sql.NullString
	if len(result) > 0 {
		stored = sql.NullString{String: string(result), Valid: true}
	}
	c.finalize(ctx, inv, db.InvocationSuccess, stored, sql.NullTime{})
	c.audit.Succeeded(ctx, entry, "")
	c.metrics.RecordActionOutcome(entry.CapabilityKey, db.InvocationSuccess, elapsed)
}

func (c *Consumer) retry(ctx context.Context, msg queue.ActionMessage, inv *db.ActionInvocation, entry audit.Entry, result json.RawMessage, errCode, errKind string, delay time.Duration, elapsed time.Duration) {
	retryAt := time.Now().Add(delay)
	var stored sql.NullString
	if len(result) > 0 {
		stored = sql.NullString{String: string(result), Valid: true}
	}
	c.finalize(ctx, inv, db.InvocationRetrying, stored, sql.NullTime{Time: retryAt, Valid: true})
	c.audit.Retry(ctx, entry, errCode, errKind, delay.Milliseconds(), "")
	c.metrics.RecordActionOutcome(entry.CapabilityKey, db.InvocationRetrying, elapsed)
	c.scheduleRetry(msg, inv.Attempt, delay)
}

func (c *Consumer) fail(ctx context.Context, inv *db.ActionInvocation, entry audit.Entry, status string, execErr error, elapsed time.Duration) {
	var stored sql.NullString
	if raw := errorResult(execErr); len(raw) > 0 {
		stored = sql.NullString{String: string(raw), Valid: true}
	}
	c.finalize(ctx, inv, status, stored, sql.NullTime{})

	code, kind := "", ""
	if pe, ok := plugin.Classify(execErr); ok {
		code, kind = pe.Code, string(pe.Kind)
	}
	c.audit.Failed(ctx, entry, code, kind, execErr.Error())
	c.metrics.RecordActionOutcome(entry.CapabilityKey, status, elapsed)
}

func (c *Consumer) skipDisabled(ctx context.Context, inv *db.ActionInvocation) {
	result := sql.NullString{String: `{"reason":"ACTION_DISABLED"}`, Valid: true}
	c.finalize(ctx, inv, db.InvocationSkippedDisabled, result, sql.NullTime{})
	c.metrics.RecordActionOutcome("", db.InvocationSkippedDisabled, 0)
}

// finalize applies the single terminal update. The store guards against
// double finalization; a conflict here means another path already
// settled the row, which is a bug worth logging loudly.
func (c *Consumer) finalize(ctx context.Context, inv *db.ActionInvocation, status string, result sql.NullString, retryAt sql.NullTime) {
	err := c.store.FinalizeActionInvocation(context.WithoutCancel(ctx), inv.ID, status, result, retryAt)
	if err != nil {
		c.logger.Error("invocation finalize failed",
			"invocation_id", inv.ID, "status", status, "error", err)
	}
}

// scheduleRetry re-enqueues the message with attempt+1 after delay. The
// timer is cancellable so shutdown does not fire retries into a closed
// queue.
func (c *Consumer) scheduleRetry(msg queue.ActionMessage, attempt int, delay time.Duration) {
	next := msg
	next.Attempt = attempt + 1

	c.mu.Lock()
	defer c.mu.Unlock()
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		delete(c.timers, timer)
		c.mu.Unlock()
		if err := c.queue.EnqueueAction(context.Background(), next); err != nil {
			c.logger.Error("retry enqueue failed",
				"action_definition_id", next.ActionDefinitionID,
				"attempt", next.Attempt,
				"error", err)
		}
	})
	c.timers[timer] = struct{}{}
}

func (c *Consumer) cancelTimers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for timer := range c.timers {
		timer.Stop()
	}
	clear(c.timers)
}

// Backoff returns the delay before attempt+1 when the plugin did not
// request a specific one: 2s doubling per attempt, capped at 60s.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	ms := int64(backoffBaseMs) << (attempt - 1)
	if attempt > 6 || ms > backoffCapMs {
		ms = backoffCapMs
	}
	return time.Duration(ms) * time.Millisecond
}

func errorResult(err error) json.RawMessage {
	if err == nil {
		return nil
	}
	body := map[string]any{"message": err.Error()}
	if pe, ok := plugin.Classify(err); ok {
		body = map[string]any{
			"kind":    string(pe.Kind),
			"code":    pe.Code,
			"message": pe.Message,
		}
	}
	raw, jsonErr := json.Marshal(map[string]any{"error": body})
	if jsonErr != nil {
		return nil
	}
	return raw
}

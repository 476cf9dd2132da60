// Package trigger keeps the enabled trigger runtimes alive and turns
// their emissions into persisted events fanned out onto the action
// queue.
package trigger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/latchflow/latchflow/internal/latchflow/db"
	"github.com/latchflow/latchflow/internal/latchflow/plugin"
	"github.com/latchflow/latchflow/internal/latchflow/queue"
)

// Runner persists one logical firing and enqueues its fan-out. The
// TriggerEvent is the source of truth: once it exists, enqueue problems
// are logged but never unwind it.
type Runner struct {
	store  *db.Store
	queue  queue.Queue
	logger *slog.Logger
}

func NewRunner(store *db.Store, q queue.Queue, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{store: store, queue: q, logger: logger.With("component", "trigger")}
}

// FireTriggerOnce records a TriggerEvent for the definition and enqueues
// one ActionMessage per resolved fan-out step, in pipeline order. It
// returns the persisted event id. Only a failed event insert is an
// error; everything after the insert is best-effort.
func (r *Runner) FireTriggerOnce(ctx context.Context, triggerDefinitionID string, payload plugin.TriggerPayload) (string, error) {
	ev := &db.TriggerEvent{TriggerDefinitionID: triggerDefinitionID}
	if len(payload.Context) > 0 {
		ev.Context = sql.NullString{String: string(payload.Context), Valid: true}
	}
	if err := r.store.InsertTriggerEvent(ctx, ev); err != nil {
		return "", fmt.Errorf("trigger: fire %s: %w", triggerDefinitionID, err)
	}

	steps, err := r.store.ResolveFanOut(ctx, triggerDefinitionID)
	if err != nil {
		r.logger.Error("fan-out resolution failed, event persisted without dispatch",
			"definition_id", triggerDefinitionID, "event_id", ev.ID, "error", err)
		return ev.ID, nil
	}

	enqueued := 0
	for _, step := range steps {
		msg := queue.ActionMessage{
			ActionDefinitionID: step.ActionDefinitionID,
			TriggerEventID:     ev.ID,
			Context:            payload.Context,
			Attempt:            1,
		}
		if err := r.queue.EnqueueAction(ctx, msg); err != nil {
			r.logger.Error("enqueue failed",
				"definition_id", triggerDefinitionID,
				"event_id", ev.ID,
				"action_definition_id", step.ActionDefinitionID,
				"error", err)
			continue
		}
		enqueued++
	}

	r.logger.Debug("trigger fired",
		"definition_id", triggerDefinitionID,
		"event_id", ev.ID,
		"steps", len(steps),
		"enqueued", enqueued)
	return ev.ID, nil
}

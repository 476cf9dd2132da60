// Package audit records the execution trail of trigger and action
// runtimes. Writes are best-effort: an audit failure is logged and
// never propagated, so a broken trail cannot take down the runtime it
// observes.
package audit

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/latchflow/latchflow/internal/latchflow/db"
)

// Recorder appends plugin_audit rows on behalf of the trigger manager
// and the action consumer.
type Recorder struct {
	store  *db.Store
	logger *slog.Logger
}

func NewRecorder(store *db.Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger.With("component", "audit")}
}

// Entry identifies one runtime execution. Kind is db.CapabilityKindTrigger
// or db.CapabilityKindAction; the optional fields stay empty when they do
// not apply (triggers have no invocation, a trigger STARTED phase has no
// event yet).
type Entry struct {
	Kind           string
	DefinitionID   string
	PluginName     string
	CapabilityKey  string
	InvocationID   string
	TriggerEventID string
	Attempt        int
}

func (e Entry) row(phase string) *db.PluginAuditRow {
	row := &db.PluginAuditRow{
		Kind:          e.Kind,
		Phase:         phase,
		DefinitionID:  e.DefinitionID,
		PluginName:    e.PluginName,
		CapabilityKey: e.CapabilityKey,
	}
	if e.InvocationID != "" {
		row.InvocationID = sql.NullString{String: e.InvocationID, Valid: true}
	}
	if e.TriggerEventID != "" {
		row.TriggerEventID = sql.NullString{String: e.TriggerEventID, Valid: true}
	}
	if e.Attempt > 0 {
		row.Attempt = sql.NullInt64{Int64: int64(e.Attempt), Valid: true}
	}
	return row
}

// Started records the beginning of an execution.
func (r *Recorder) Started(ctx context.Context, e Entry) {
	r.insert(ctx, e.row(db.AuditStarted))
}

// Succeeded records a completed execution. message is optional context
// (an emitted event ID, a result summary).
func (r *Recorder) Succeeded(ctx context.Context, e Entry, message string) {
	row := e.row(db.AuditSucceeded)
	if message != "" {
		row.Message = sql.NullString{String: message, Valid: true}
	}
	r.insert(ctx, row)
}

// Retry records a failed attempt that will run again after delayMs.
func (r *Recorder) Retry(ctx context.Context, e Entry, errCode, errKind string, delayMs int64, message string) {
	row := e.row(db.AuditRetry)
	row.RetryDelayMs = sql.NullInt64{Int64: delayMs, Valid: true}
	setError(row, errCode, errKind, message)
	r.insert(ctx, row)
}

// Failed records a terminal failure.
func (r *Recorder) Failed(ctx context.Context, e Entry, errCode, errKind, message string) {
	row := e.row(db.AuditFailed)
	setError(row, errCode, errKind, message)
	r.insert(ctx, row)
}

func setError(row *db.PluginAuditRow, code, kind, message string) {
	if code != "" {
		row.ErrorCode = sql.NullString{String: code, Valid: true}
	}
	if kind != "" {
		row.ErrorKind = sql.NullString{String: kind, Valid: true}
	}
	if message != "" {
		row.Message = sql.NullString{String: message, Valid: true}
	}
}

func (r *Recorder) insert(ctx context.Context, row *db.PluginAuditRow) {
	// Detach from the caller's deadline: a timed-out action still gets
	// its FAILED row.
	if err := r.store.InsertPluginAudit(context.WithoutCancel(ctx), row); err != nil {
		r.logger.Warn("audit write failed",
			"kind", row.Kind,
			"phase", row.Phase,
			"definition_id", row.DefinitionID,
			"error", err)
	}
}

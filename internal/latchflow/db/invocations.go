package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Invocation statuses. PENDING is the only non-terminal state; a retry
// creates a new row rather than reopening this one.
const (
	InvocationPending         = "PENDING"
	InvocationSuccess         = "SUCCESS"
	InvocationRetrying        = "RETRYING"
	InvocationFailed          = "FAILED"
	InvocationFailedPermanent = "FAILED_PERMANENT"
	InvocationSkippedDisabled = "SKIPPED_DISABLED"
)

// TriggerEvent records one logical firing of a trigger definition.
type TriggerEvent struct {
	ID                  string
	TriggerDefinitionID string
	Context             sql.NullString
	CreatedAt           time.Time
}

// ActionInvocation is one attempt to execute an action definition.
type ActionInvocation struct {
	ID                 string
	ActionDefinitionID string
	TriggerEventID     sql.NullString
	ManualInvokerID    sql.NullString
	Status             string
	Attempt            int
	Result             sql.NullString
	RetryAt            sql.NullTime
	CompletedAt        sql.NullTime
	CreatedAt          time.Time
}

// InsertTriggerEvent persists an immutable firing record.
func (s *Store) InsertTriggerEvent(ctx context.Context, ev *TriggerEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.CreatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trigger_events (id, trigger_definition_id, context, created_at)
		VALUES (?, ?, ?, ?)
	`, ev.ID, ev.TriggerDefinitionID, ev.Context, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("db: insert trigger event: %w", err)
	}
	return nil
}

// GetTriggerEvent retrieves one firing record.
func (s *Store) GetTriggerEvent(ctx context.Context, id string) (*TriggerEvent, error) {
	ev := &TriggerEvent{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, trigger_definition_id, context, created_at
		FROM trigger_events WHERE id = ?
	`, id).Scan(&ev.ID, &ev.TriggerDefinitionID, &ev.Context, &ev.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("db: trigger event %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("db: get trigger event: %w", err)
	}
	return ev, nil
}

// ListTriggerEvents returns a definition's firings, newest first.
func (s *Store) ListTriggerEvents(ctx context.Context, triggerDefinitionID string, limit int) ([]*TriggerEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trigger_definition_id, context, created_at
		FROM trigger_events WHERE trigger_definition_id = ?
		ORDER BY created_at DESC, id LIMIT ?
	`, triggerDefinitionID, limit)
	if err != nil {
		return nil, fmt.Errorf("db: list trigger events: %w", err)
	}
	defer rows.Close()

	var out []*TriggerEvent
	for rows.Next() {
		ev := &TriggerEvent{}
		if err := rows.Scan(&ev.ID, &ev.TriggerDefinitionID, &ev.Context, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("db: scan trigger event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db: iterate trigger events: %w", err)
	}
	return out, nil
}

// CreateActionInvocation inserts a new invocation row in PENDING.
func (s *Store) CreateActionInvocation(ctx context.Context, inv *ActionInvocation) error {
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	if inv.Status == "" {
		inv.Status = InvocationPending
	}
	if inv.Attempt < 1 {
		inv.Attempt = 1
	}
	inv.CreatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO action_invocations (id, action_definition_id, trigger_event_id, manual_invoker_id, status, attempt, result, retry_at, completed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, inv.ID, inv.ActionDefinitionID, inv.TriggerEventID, inv.ManualInvokerID, inv.Status, inv.Attempt,
		inv.Result, inv.RetryAt, inv.CompletedAt, inv.CreatedAt)
	if err != nil {
		return fmt.Errorf("db: create action invocation: %w", err)
	}
	return nil
}

// FinalizeActionInvocation moves a PENDING invocation to a terminal status.
// The PENDING guard makes the finalizing update happen at most once per row.
func (s *Store) FinalizeActionInvocation(ctx context.Context, id, status string, result sql.NullString, retryAt sql.NullTime) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE action_invocations
		SET status = ?, result = ?, retry_at = ?, completed_at = ?
		WHERE id = ? AND status = ?
	`, status, result, retryAt, time.Now(), id, InvocationPending)
	if err != nil {
		return fmt.Errorf("db: finalize invocation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("db: invocation %q not pending: %w", id, ErrNotFound)
	}
	return nil
}

// GetActionInvocation retrieves one invocation.
func (s *Store) GetActionInvocation(ctx context.Context, id string) (*ActionInvocation, error) {
	inv := &ActionInvocation{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, action_definition_id, trigger_event_id, manual_invoker_id, status, attempt, result, retry_at, completed_at, created_at
		FROM action_invocations WHERE id = ?
	`, id).Scan(&inv.ID, &inv.ActionDefinitionID, &inv.TriggerEventID, &inv.ManualInvokerID, &inv.Status,
		&inv.Attempt, &inv.Result, &inv.RetryAt, &inv.CompletedAt, &inv.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("db: invocation %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("db: get invocation: %w", err)
	}
	return inv, nil
}

// ListActionInvocations returns an action definition's invocations, oldest
// first so attempt chains read in order.
func (s *Store) ListActionInvocations(ctx context.Context, actionDefinitionID string, limit int) ([]*ActionInvocation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action_definition_id, trigger_event_id, manual_invoker_id, status, attempt, result, retry_at, completed_at, created_at
		FROM action_invocations WHERE action_definition_id = ?
		ORDER BY created_at, id LIMIT ?
	`, actionDefinitionID, limit)
	if err != nil {
		return nil, fmt.Errorf("db: list invocations: %w", err)
	}
	defer rows.Close()

	var out []*ActionInvocation
	for rows.Next() {
		inv := &ActionInvocation{}
		if err := rows.Scan(&inv.ID, &inv.ActionDefinitionID, &inv.TriggerEventID, &inv.ManualInvokerID, &inv.Status,
			&inv.Attempt, &inv.Result, &inv.RetryAt, &inv.CompletedAt, &inv.CreatedAt); err != nil {
			return nil, fmt.Errorf("db: scan invocation: %w", err)
		}
		out = append(out, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db: iterate invocations: %w", err)
	}
	return out, nil
}

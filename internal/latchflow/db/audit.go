package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Plugin audit phases.
const (
	AuditStarted   = "STARTED"
	AuditSucceeded = "SUCCEEDED"
	AuditRetry     = "RETRY"
	AuditFailed    = "FAILED"
)

// PluginAuditRow is one entry of the plugin execution trail.
type PluginAuditRow struct {
	ID             string
	Kind           string
	Phase          string
	DefinitionID   string
	InvocationID   sql.NullString
	TriggerEventID sql.NullString
	PluginName     string
	CapabilityKey  string
	Attempt        sql.NullInt64
	ErrorCode      sql.NullString
	ErrorKind      sql.NullString
	RetryDelayMs   sql.NullInt64
	Message        sql.NullString
	CreatedAt      time.Time
}

// AuthzDecisionRow records one authorization verdict.
type AuthzDecisionRow struct {
	ID        string
	Decision  string
	Reason    string
	Signature string
	UserID    sql.NullString
	TokenID   sql.NullString
	CreatedAt time.Time
}

// InsertPluginAudit appends an execution trail entry.
func (s *Store) InsertPluginAudit(ctx context.Context, row *PluginAuditRow) error {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plugin_audit (id, kind, phase, definition_id, invocation_id, trigger_event_id,
		                          plugin_name, capability_key, attempt, error_code, error_kind, retry_delay_ms,
		                          message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, row.ID, row.Kind, row.Phase, row.DefinitionID, row.InvocationID, row.TriggerEventID,
		row.PluginName, row.CapabilityKey, row.Attempt, row.ErrorCode, row.ErrorKind, row.RetryDelayMs,
		row.Message, row.CreatedAt)
	if err != nil {
		return fmt.Errorf("db: insert plugin audit: %w", err)
	}
	return nil
}

// ListPluginAuditForDefinition returns a definition's trail, newest first,
// capped at limit (default 50).
func (s *Store) ListPluginAuditForDefinition(ctx context.Context, definitionID string, limit int) ([]*PluginAuditRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, phase, definition_id, invocation_id, trigger_event_id,
		       plugin_name, capability_key, attempt, error_code, error_kind, retry_delay_ms,
		       message, created_at
		FROM plugin_audit
		WHERE definition_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?
	`, definitionID, limit)
	if err != nil {
		return nil, fmt.Errorf("db: list plugin audit: %w", err)
	}
	defer rows.Close()
	return collectPluginAuditRows(rows)
}

// ListPluginAuditForInvocation returns one invocation's trail, oldest
// first.
func (s *Store) ListPluginAuditForInvocation(ctx context.Context, invocationID string) ([]*PluginAuditRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, phase, definition_id, invocation_id, trigger_event_id,
		       plugin_name, capability_key, attempt, error_code, error_kind, retry_delay_ms,
		       message, created_at
		FROM plugin_audit
		WHERE invocation_id = ?
		ORDER BY created_at, id
	`, invocationID)
	if err != nil {
		return nil, fmt.Errorf("db: list invocation audit: %w", err)
	}
	defer rows.Close()
	return collectPluginAuditRows(rows)
}

func collectPluginAuditRows(rows *sql.Rows) ([]*PluginAuditRow, error) {
	var out []*PluginAuditRow
	for rows.Next() {
		row := &PluginAuditRow{}
		if err := rows.Scan(
			&row.ID, &row.Kind, &row.Phase, &row.DefinitionID, &row.InvocationID, &row.TriggerEventID,
			&row.PluginName, &row.CapabilityKey, &row.Attempt, &row.ErrorCode, &row.ErrorKind, &row.RetryDelayMs,
			&row.Message, &row.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("db: scan plugin audit row: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db: iterate plugin audit: %w", err)
	}
	return out, nil
}

// InsertAuthzDecision records an authorization verdict.
func (s *Store) InsertAuthzDecision(ctx context.Context, row *AuthzDecisionRow) error {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO authz_decisions (id, decision, reason, signature, user_id, token_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, row.ID, row.Decision, row.Reason, row.Signature, row.UserID, row.TokenID, row.CreatedAt)
	if err != nil {
		return fmt.Errorf("db: insert authz decision: %w", err)
	}
	return nil
}

// ListAuthzDecisions returns recent verdicts, newest first, capped at
// limit (default 50).
func (s *Store) ListAuthzDecisions(ctx context.Context, limit int) ([]*AuthzDecisionRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, decision, reason, signature, user_id, token_id, created_at
		FROM authz_decisions
		ORDER BY created_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("db: list authz decisions: %w", err)
	}
	defer rows.Close()

	var out []*AuthzDecisionRow
	for rows.Next() {
		row := &AuthzDecisionRow{}
		if err := rows.Scan(&row.ID, &row.Decision, &row.Reason, &row.Signature, &row.UserID, &row.TokenID, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("db: scan authz decision: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db: iterate authz decisions: %w", err)
	}
	return out, nil
}

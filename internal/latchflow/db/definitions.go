package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TriggerDefinition parameterizes a trigger capability.
type TriggerDefinition struct {
	ID           string
	CapabilityID string
	Name         string
	Config       json.RawMessage
	IsEnabled    bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CreatedBy    sql.NullString
	UpdatedBy    sql.NullString
}

// ActionDefinition parameterizes an action capability.
type ActionDefinition struct {
	ID           string
	CapabilityID string
	Name         string
	Config       json.RawMessage
	IsEnabled    bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CreatedBy    sql.NullString
	UpdatedBy    sql.NullString
}

// CreateTriggerDefinitionTx inserts a definition inside tx so the caller can
// append the version-1 change-log row atomically.
func CreateTriggerDefinitionTx(ctx context.Context, tx *sql.Tx, d *TriggerDefinition) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	now := time.Now()
	d.CreatedAt, d.UpdatedAt = now, now
	if len(d.Config) == 0 {
		d.Config = json.RawMessage("{}")
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO trigger_definitions (id, capability_id, name, config, is_enabled, created_at, updated_at, created_by, updated_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.CapabilityID, d.Name, string(d.Config), d.IsEnabled, d.CreatedAt, d.UpdatedAt, d.CreatedBy, d.UpdatedBy)
	if err != nil {
		return fmt.Errorf("db: create trigger definition: %w", err)
	}
	return nil
}

// CreateActionDefinitionTx inserts an action definition inside tx.
func CreateActionDefinitionTx(ctx context.Context, tx *sql.Tx, d *ActionDefinition) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	now := time.Now()
	d.CreatedAt, d.UpdatedAt = now, now
	if len(d.Config) == 0 {
		d.Config = json.RawMessage("{}")
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO action_definitions (id, capability_id, name, config, is_enabled, created_at, updated_at, created_by, updated_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.CapabilityID, d.Name, string(d.Config), d.IsEnabled, d.CreatedAt, d.UpdatedAt, d.CreatedBy, d.UpdatedBy)
	if err != nil {
		return fmt.Errorf("db: create action definition: %w", err)
	}
	return nil
}

// UpdateTriggerDefinitionTx rewrites name, config and enablement.
func UpdateTriggerDefinitionTx(ctx context.Context, tx *sql.Tx, d *TriggerDefinition) error {
	d.UpdatedAt = time.Now()
	if len(d.Config) == 0 {
		d.Config = json.RawMessage("{}")
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE trigger_definitions SET name = ?, config = ?, is_enabled = ?, updated_at = ?, updated_by = ?
		WHERE id = ?
	`, d.Name, string(d.Config), d.IsEnabled, d.UpdatedAt, d.UpdatedBy, d.ID)
	if err != nil {
		return fmt.Errorf("db: update trigger definition: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("db: trigger definition %q: %w", d.ID, ErrNotFound)
	}
	return nil
}

// UpdateActionDefinitionTx rewrites name, config and enablement.
func UpdateActionDefinitionTx(ctx context.Context, tx *sql.Tx, d *ActionDefinition) error {
	d.UpdatedAt = time.Now()
	if len(d.Config) == 0 {
		d.Config = json.RawMessage("{}")
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE action_definitions SET name = ?, config = ?, is_enabled = ?, updated_at = ?, updated_by = ?
		WHERE id = ?
	`, d.Name, string(d.Config), d.IsEnabled, d.UpdatedAt, d.UpdatedBy, d.ID)
	if err != nil {
		return fmt.Errorf("db: update action definition: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("db: action definition %q: %w", d.ID, ErrNotFound)
	}
	return nil
}

// GetTriggerDefinition retrieves one trigger definition.
func (s *Store) GetTriggerDefinition(ctx context.Context, id string) (*TriggerDefinition, error) {
	d := &TriggerDefinition{}
	var config string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, capability_id, name, config, is_enabled, created_at, updated_at, created_by, updated_by
		FROM trigger_definitions WHERE id = ?
	`, id).Scan(&d.ID, &d.CapabilityID, &d.Name, &config, &d.IsEnabled, &d.CreatedAt, &d.UpdatedAt, &d.CreatedBy, &d.UpdatedBy)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("db: trigger definition %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("db: get trigger definition: %w", err)
	}
	d.Config = json.RawMessage(config)
	return d, nil
}

// GetActionDefinition retrieves one action definition.
func (s *Store) GetActionDefinition(ctx context.Context, id string) (*ActionDefinition, error) {
	d := &ActionDefinition{}
	var config string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, capability_id, name, config, is_enabled, created_at, updated_at, created_by, updated_by
		FROM action_definitions WHERE id = ?
	`, id).Scan(&d.ID, &d.CapabilityID, &d.Name, &config, &d.IsEnabled, &d.CreatedAt, &d.UpdatedAt, &d.CreatedBy, &d.UpdatedBy)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("db: action definition %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("db: get action definition: %w", err)
	}
	d.Config = json.RawMessage(config)
	return d, nil
}

// ListTriggerDefinitions returns trigger definitions, newest first.
func (s *Store) ListTriggerDefinitions(ctx context.Context, enabledOnly bool) ([]*TriggerDefinition, error) {
	query := `
		SELECT id, capability_id, name, config, is_enabled, created_at, updated_at, created_by, updated_by
		FROM trigger_definitions`
	if enabledOnly {
		query += ` WHERE is_enabled = 1`
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("db: list trigger definitions: %w", err)
	}
	defer rows.Close()

	var out []*TriggerDefinition
	for rows.Next() {
		d := &TriggerDefinition{}
		var config string
		if err := rows.Scan(&d.ID, &d.CapabilityID, &d.Name, &config, &d.IsEnabled, &d.CreatedAt, &d.UpdatedAt, &d.CreatedBy, &d.UpdatedBy); err != nil {
			return nil, fmt.Errorf("db: scan trigger definition: %w", err)
		}
		d.Config = json.RawMessage(config)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db: iterate trigger definitions: %w", err)
	}
	return out, nil
}

// ListActionDefinitions returns action definitions, newest first.
func (s *Store) ListActionDefinitions(ctx context.Context, enabledOnly bool) ([]*ActionDefinition, error) {
	query := `
		SELECT id, capability_id, name, config, is_enabled, created_at, updated_at, created_by, updated_by
		FROM action_definitions`
	if enabledOnly {
		query += ` WHERE is_enabled = 1`
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("db: list action definitions: %w", err)
	}
	defer rows.Close()

	var out []*ActionDefinition
	for rows.Next() {
		d := &ActionDefinition{}
		var config string
		if err := rows.Scan(&d.ID, &d.CapabilityID, &d.Name, &config, &d.IsEnabled, &d.CreatedAt, &d.UpdatedAt, &d.CreatedBy, &d.UpdatedBy); err != nil {
			return nil, fmt.Errorf("db: scan action definition: %w", err)
		}
		d.Config = json.RawMessage(config)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db: iterate action definitions: %w", err)
	}
	return out, nil
}

// DeleteTriggerDefinition removes a definition unless dependents exist.
// Deletion never cascades.
func (s *Store) DeleteTriggerDefinition(ctx context.Context, id string) error {
	var dependents int
	err := s.db.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM pipeline_triggers WHERE trigger_id = ?)
		     + (SELECT COUNT(*) FROM trigger_events WHERE trigger_definition_id = ?)
	`, id, id).Scan(&dependents)
	if err != nil {
		return fmt.Errorf("db: count trigger dependents: %w", err)
	}
	if dependents > 0 {
		return fmt.Errorf("db: trigger definition %q has %d dependents: %w", id, dependents, ErrInUse)
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM trigger_definitions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("db: delete trigger definition: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("db: trigger definition %q: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteActionDefinition removes a definition unless dependents exist.
func (s *Store) DeleteActionDefinition(ctx context.Context, id string) error {
	var dependents int
	err := s.db.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM pipeline_steps WHERE action_id = ?)
		     + (SELECT COUNT(*) FROM action_invocations WHERE action_definition_id = ?)
	`, id, id).Scan(&dependents)
	if err != nil {
		return fmt.Errorf("db: count action dependents: %w", err)
	}
	if dependents > 0 {
		return fmt.Errorf("db: action definition %q has %d dependents: %w", id, dependents, ErrInUse)
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM action_definitions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("db: delete action definition: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("db: action definition %q: %w", id, ErrNotFound)
	}
	return nil
}

package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Plugin is an installed plugin bundle of capabilities.
type Plugin struct {
	ID          string
	Name        string
	Description sql.NullString
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PluginCapability is one trigger or action kind a plugin offers.
type PluginCapability struct {
	ID           string
	PluginID     string
	Kind         string
	Key          string
	DisplayName  string
	ConfigSchema sql.NullString
	IsEnabled    bool
}

const (
	CapabilityKindTrigger = "TRIGGER"
	CapabilityKindAction  = "ACTION"
)

// UpsertPlugin inserts a plugin by name or returns the existing row.
// Registration runs at startup, so rediscovery must be idempotent.
func (s *Store) UpsertPlugin(ctx context.Context, name, description string) (*Plugin, error) {
	existing, err := s.GetPluginByName(ctx, name)
	if err == nil {
		return existing, nil
	}

	p := &Plugin{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if description != "" {
		p.Description = sql.NullString{String: description, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plugins (id, name, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, p.ID, p.Name, p.Description, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return s.GetPluginByName(ctx, name)
		}
		return nil, fmt.Errorf("db: upsert plugin: %w", err)
	}
	return p, nil
}

// GetPluginByName retrieves a plugin by its unique name.
func (s *Store) GetPluginByName(ctx context.Context, name string) (*Plugin, error) {
	p := &Plugin{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, created_at, updated_at
		FROM plugins WHERE name = ?
	`, name).Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("db: plugin %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("db: get plugin: %w", err)
	}
	return p, nil
}

// ListPlugins returns all plugins ordered by name.
func (s *Store) ListPlugins(ctx context.Context) ([]*Plugin, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, created_at, updated_at
		FROM plugins ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("db: list plugins: %w", err)
	}
	defer rows.Close()

	var out []*Plugin
	for rows.Next() {
		p := &Plugin{}
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("db: scan plugin: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db: iterate plugins: %w", err)
	}
	return out, nil
}

// UpsertCapability inserts a capability or refreshes its display name and
// schema when the (plugin, kind, key) triple already exists.
func (s *Store) UpsertCapability(ctx context.Context, c *PluginCapability) (*PluginCapability, error) {
	existing, err := s.GetCapabilityByKey(ctx, c.PluginID, c.Kind, c.Key)
	if err == nil {
		_, uerr := s.db.ExecContext(ctx, `
			UPDATE plugin_capabilities SET display_name = ?, config_schema = ? WHERE id = ?
		`, c.DisplayName, c.ConfigSchema, existing.ID)
		if uerr != nil {
			return nil, fmt.Errorf("db: refresh capability: %w", uerr)
		}
		existing.DisplayName = c.DisplayName
		existing.ConfigSchema = c.ConfigSchema
		return existing, nil
	}

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plugin_capabilities (id, plugin_id, kind, key, display_name, config_schema, is_enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.PluginID, c.Kind, c.Key, c.DisplayName, c.ConfigSchema, c.IsEnabled)
	if err != nil {
		return nil, fmt.Errorf("db: insert capability: %w", err)
	}
	return c, nil
}

// GetCapability retrieves a capability by id.
func (s *Store) GetCapability(ctx context.Context, id string) (*PluginCapability, error) {
	return scanCapability(s.db.QueryRowContext(ctx, `
		SELECT id, plugin_id, kind, key, display_name, config_schema, is_enabled
		FROM plugin_capabilities WHERE id = ?
	`, id))
}

// GetCapabilityByKey retrieves a capability by its unique triple.
func (s *Store) GetCapabilityByKey(ctx context.Context, pluginID, kind, key string) (*PluginCapability, error) {
	return scanCapability(s.db.QueryRowContext(ctx, `
		SELECT id, plugin_id, kind, key, display_name, config_schema, is_enabled
		FROM plugin_capabilities WHERE plugin_id = ? AND kind = ? AND key = ?
	`, pluginID, kind, key))
}

// ListCapabilities returns every capability joined with its plugin name.
func (s *Store) ListCapabilities(ctx context.Context) ([]*CapabilityWithPlugin, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.plugin_id, c.kind, c.key, c.display_name, c.config_schema, c.is_enabled, p.name
		FROM plugin_capabilities c
		JOIN plugins p ON p.id = c.plugin_id
		ORDER BY p.name, c.kind, c.key
	`)
	if err != nil {
		return nil, fmt.Errorf("db: list capabilities: %w", err)
	}
	defer rows.Close()

	var out []*CapabilityWithPlugin
	for rows.Next() {
		c := &CapabilityWithPlugin{}
		if err := rows.Scan(&c.ID, &c.PluginID, &c.Kind, &c.Key, &c.DisplayName, &c.ConfigSchema, &c.IsEnabled, &c.PluginName); err != nil {
			return nil, fmt.Errorf("db: scan capability: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db: iterate capabilities: %w", err)
	}
	return out, nil
}

// CapabilityWithPlugin joins a capability with its owning plugin's name.
type CapabilityWithPlugin struct {
	PluginCapability
	PluginName string
}

// SetCapabilityEnabled toggles a capability.
func (s *Store) SetCapabilityEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE plugin_capabilities SET is_enabled = ? WHERE id = ?`, enabled, id)
	if err != nil {
		return fmt.Errorf("db: toggle capability: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("db: capability %q: %w", id, ErrNotFound)
	}
	return nil
}

func scanCapability(row *sql.Row) (*PluginCapability, error) {
	c := &PluginCapability{}
	err := row.Scan(&c.ID, &c.PluginID, &c.Kind, &c.Key, &c.DisplayName, &c.ConfigSchema, &c.IsEnabled)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("db: capability: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("db: scan capability: %w", err)
	}
	return c, nil
}

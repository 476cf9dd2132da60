package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Change kinds distinguish parent edits from child membership edits.
const (
	ChangeUpdateParent = "UPDATE_PARENT"
	ChangeUpdateChild  = "UPDATE_CHILD"
	ChangeAddChild     = "ADD_CHILD"
	ChangeRemoveChild  = "REMOVE_CHILD"
)

// Actor types attribute a change to an admin, to an executing action, or
// to the system itself.
const (
	ActorUser   = "USER"
	ActorAction = "ACTION"
	ActorSystem = "SYSTEM"
)

// ChangeLogRow is one version of a tracked entity. Snapshots carry the
// full serialized state in Payload; deltas carry a merge patch against the
// previous version. Hash digests the full state at this version either way.
type ChangeLogRow struct {
	ID                      string
	EntityType              string
	EntityID                string
	Version                 int64
	IsSnapshot              bool
	Hash                    string
	Payload                 string
	ChangeNote              sql.NullString
	ChangedPath             sql.NullString
	ChangeKind              string
	ActorType               string
	ActorUserID             sql.NullString
	ActorInvocationID       sql.NullString
	ActorActionDefinitionID sql.NullString
	OnBehalfOfUserID        sql.NullString
	CreatedAt               time.Time
}

// LatestVersionTx returns the entity's newest recorded version inside tx,
// or zero when no history exists yet.
func LatestVersionTx(ctx context.Context, tx *sql.Tx, entityType, entityID string) (int64, error) {
	var version int64
	err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0) FROM change_log
		WHERE entity_type = ? AND entity_id = ?
	`, entityType, entityID).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("db: latest version: %w", err)
	}
	return version, nil
}

// AppendChangeLogTx records a new version inside tx. The unique index on
// (entity_type, entity_id, version) rejects concurrent appends at the same
// version.
func AppendChangeLogTx(ctx context.Context, tx *sql.Tx, row *ChangeLogRow) error {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO change_log (id, entity_type, entity_id, version, is_snapshot, hash, payload,
		                        change_note, changed_path, change_kind, actor_type,
		                        actor_user_id, actor_invocation_id, actor_action_definition_id, on_behalf_of_user_id,
		                        created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, row.ID, row.EntityType, row.EntityID, row.Version, row.IsSnapshot, row.Hash, row.Payload,
		row.ChangeNote, row.ChangedPath, row.ChangeKind, row.ActorType,
		row.ActorUserID, row.ActorInvocationID, row.ActorActionDefinitionID, row.OnBehalfOfUserID,
		row.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("db: version %d of %s %q: %w", row.Version, row.EntityType, row.EntityID, ErrDuplicate)
		}
		return fmt.Errorf("db: append change log: %w", err)
	}
	return nil
}

// GetChangeLogEntry retrieves one version of an entity.
func (s *Store) GetChangeLogEntry(ctx context.Context, entityType, entityID string, version int64) (*ChangeLogRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, entity_type, entity_id, version, is_snapshot, hash, payload,
		       change_note, changed_path, change_kind, actor_type,
		       actor_user_id, actor_invocation_id, actor_action_definition_id, on_behalf_of_user_id,
		       created_at
		FROM change_log
		WHERE entity_type = ? AND entity_id = ? AND version = ?
	`, entityType, entityID, version)
	entry, err := scanChangeLogRow(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("db: version %d of %s %q: %w", version, entityType, entityID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("db: get change log entry: %w", err)
	}
	return entry, nil
}

// ListChangeLog returns an entity's versions, newest first, capped at
// limit (default 50).
func (s *Store) ListChangeLog(ctx context.Context, entityType, entityID string, limit int) ([]*ChangeLogRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, version, is_snapshot, hash, payload,
		       change_note, changed_path, change_kind, actor_type,
		       actor_user_id, actor_invocation_id, actor_action_definition_id, on_behalf_of_user_id,
		       created_at
		FROM change_log
		WHERE entity_type = ? AND entity_id = ?
		ORDER BY version DESC LIMIT ?
	`, entityType, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("db: list change log: %w", err)
	}
	defer rows.Close()
	return collectChangeLogRows(rows)
}

// ChainToVersion returns the most recent snapshot at or below the target
// version followed by every delta up to it, oldest first. This is the
// minimal chain a reader must replay to materialize the target version.
func (s *Store) ChainToVersion(ctx context.Context, entityType, entityID string, version int64) ([]*ChangeLogRow, error) {
	return chainToVersion(ctx, s.db, entityType, entityID, version)
}

// ChainToVersionTx is ChainToVersion inside tx, for writers that must read
// the previous state before appending.
func ChainToVersionTx(ctx context.Context, tx *sql.Tx, entityType, entityID string, version int64) ([]*ChangeLogRow, error) {
	return chainToVersion(ctx, tx, entityType, entityID, version)
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func chainToVersion(ctx context.Context, q rowQuerier, entityType, entityID string, version int64) ([]*ChangeLogRow, error) {
	var base int64
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0) FROM change_log
		WHERE entity_type = ? AND entity_id = ? AND version <= ? AND is_snapshot = 1
	`, entityType, entityID, version).Scan(&base)
	if err != nil {
		return nil, fmt.Errorf("db: find snapshot: %w", err)
	}
	if base == 0 {
		return nil, fmt.Errorf("db: no snapshot at or below version %d of %s %q: %w", version, entityType, entityID, ErrNotFound)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, version, is_snapshot, hash, payload,
		       change_note, changed_path, change_kind, actor_type,
		       actor_user_id, actor_invocation_id, actor_action_definition_id, on_behalf_of_user_id,
		       created_at
		FROM change_log
		WHERE entity_type = ? AND entity_id = ? AND version BETWEEN ? AND ?
		ORDER BY version
	`, entityType, entityID, base, version)
	if err != nil {
		return nil, fmt.Errorf("db: load version chain: %w", err)
	}
	defer rows.Close()

	chain, err := collectChangeLogRows(rows)
	if err != nil {
		return nil, err
	}
	if len(chain) == 0 || chain[len(chain)-1].Version != version {
		return nil, fmt.Errorf("db: version %d of %s %q: %w", version, entityType, entityID, ErrNotFound)
	}
	return chain, nil
}

func collectChangeLogRows(rows *sql.Rows) ([]*ChangeLogRow, error) {
	var out []*ChangeLogRow
	for rows.Next() {
		entry, err := scanChangeLogRow(rows)
		if err != nil {
			return nil, fmt.Errorf("db: scan change log row: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db: iterate change log: %w", err)
	}
	return out, nil
}

func scanChangeLogRow(row interface{ Scan(...any) error }) (*ChangeLogRow, error) {
	entry := &ChangeLogRow{}
	err := row.Scan(
		&entry.ID, &entry.EntityType, &entry.EntityID, &entry.Version, &entry.IsSnapshot, &entry.Hash, &entry.Payload,
		&entry.ChangeNote, &entry.ChangedPath, &entry.ChangeKind, &entry.ActorType,
		&entry.ActorUserID, &entry.ActorInvocationID, &entry.ActorActionDefinitionID, &entry.OnBehalfOfUserID,
		&entry.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

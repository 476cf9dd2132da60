package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/latchflow/latchflow/common/crypto"
	"github.com/latchflow/latchflow/internal/latchflow/db"
)

// Tracked entity types.
const (
	EntityTriggerDefinition = "TRIGGER_DEFINITION"
	EntityActionDefinition  = "ACTION_DEFINITION"
	EntityPipeline          = "PIPELINE"
	EntityBundle            = "BUNDLE"
	EntityRecipient         = "RECIPIENT"
)

// ErrCorrupt is returned when a materialized state does not digest to the
// hash stored with its version.
var ErrCorrupt = errors.New("history: stored hash mismatch")

// Actor identifies who caused a change.
type Actor struct {
	Type               string
	UserID             string
	InvocationID       string
	ActionDefinitionID string
	OnBehalfOfUserID   string
}

// SystemActor attributes a change to the service itself.
func SystemActor() Actor {
	return Actor{Type: db.ActorSystem}
}

// UserActor attributes a change to an admin.
func UserActor(userID string) Actor {
	return Actor{Type: db.ActorUser, UserID: userID}
}

// ActionActor attributes a change to an executing action.
func ActionActor(invocationID, actionDefinitionID, onBehalfOf string) Actor {
	return Actor{
		Type:               db.ActorAction,
		InvocationID:       invocationID,
		ActionDefinitionID: actionDefinitionID,
		OnBehalfOfUserID:   onBehalfOf,
	}
}

// Change describes one recorded mutation.
type Change struct {
	Kind  string
	Note  string
	Path  string
	Actor Actor
}

// Tracker appends versions and materializes past state. Snapshots are
// written at version 1 and then every snapshotInterval versions; a delta
// run is never allowed to reach maxChainDepth.
type Tracker struct {
	snapshotInterval int64
	maxChainDepth    int64
}

// New returns a Tracker. Non-positive arguments fall back to 20 and 200.
func New(snapshotInterval, maxChainDepth int) *Tracker {
	t := &Tracker{snapshotInterval: int64(snapshotInterval), maxChainDepth: int64(maxChainDepth)}
	if t.snapshotInterval <= 0 {
		t.snapshotInterval = 20
	}
	if t.maxChainDepth <= 0 {
		t.maxChainDepth = 200
	}
	return t
}

// RecordTx appends the entity's next version inside tx. state is the full
// serialized entity after the mutation; the previous version, when one
// exists and no snapshot is due, is replayed from the log to compute the
// stored delta. Returns the new version number.
func (t *Tracker) RecordTx(ctx context.Context, tx *sql.Tx, entityType, entityID string, state map[string]any, change Change) (int64, error) {
	// Normalize to generic JSON values so diffs against replayed state
	// compare like with like.
	canonical, generic, err := normalize(state)
	if err != nil {
		return 0, fmt.Errorf("history: encode state: %w", err)
	}

	latest, err := db.LatestVersionTx(ctx, tx, entityType, entityID)
	if err != nil {
		return 0, err
	}
	version := latest + 1

	isSnapshot := (version-1)%t.snapshotInterval == 0
	payload := canonical
	if !isSnapshot {
		chain, err := db.ChainToVersionTx(ctx, tx, entityType, entityID, latest)
		if err != nil {
			return 0, err
		}
		if int64(len(chain)) >= t.maxChainDepth {
			// The delta run hit the guardrail; cut it with a snapshot.
			isSnapshot = true
		} else {
			previous, err := replay(chain)
			if err != nil {
				return 0, err
			}
			delta, err := json.Marshal(MergeDiff(previous, generic))
			if err != nil {
				return 0, fmt.Errorf("history: encode delta: %w", err)
			}
			payload = delta
		}
	}

	row := &db.ChangeLogRow{
		EntityType: entityType,
		EntityID:   entityID,
		Version:    version,
		IsSnapshot: isSnapshot,
		Hash:       crypto.HashBytes(canonical),
		Payload:    string(payload),
		ChangeKind: change.Kind,
		ActorType:  change.Actor.Type,
	}
	if change.Note != "" {
		row.ChangeNote = sql.NullString{String: change.Note, Valid: true}
	}
	if change.Path != "" {
		row.ChangedPath = sql.NullString{String: change.Path, Valid: true}
	}
	if change.Actor.UserID != "" {
		row.ActorUserID = sql.NullString{String: change.Actor.UserID, Valid: true}
	}
	if change.Actor.InvocationID != "" {
		row.ActorInvocationID = sql.NullString{String: change.Actor.InvocationID, Valid: true}
	}
	if change.Actor.ActionDefinitionID != "" {
		row.ActorActionDefinitionID = sql.NullString{String: change.Actor.ActionDefinitionID, Valid: true}
	}
	if change.Actor.OnBehalfOfUserID != "" {
		row.OnBehalfOfUserID = sql.NullString{String: change.Actor.OnBehalfOfUserID, Valid: true}
	}

	if err := db.AppendChangeLogTx(ctx, tx, row); err != nil {
		return 0, err
	}
	return version, nil
}

// StateAt materializes the entity as of the given version and verifies the
// result against the stored hash.
func (t *Tracker) StateAt(ctx context.Context, s *db.Store, entityType, entityID string, version int64) (map[string]any, error) {
	chain, err := s.ChainToVersion(ctx, entityType, entityID, version)
	if err != nil {
		return nil, err
	}
	if int64(len(chain)) > t.maxChainDepth {
		return nil, fmt.Errorf("history: chain of %d rows exceeds depth limit %d", len(chain), t.maxChainDepth)
	}

	state, err := replay(chain)
	if err != nil {
		return nil, err
	}

	canonical, _, err := normalize(state)
	if err != nil {
		return nil, fmt.Errorf("history: encode state: %w", err)
	}
	if got, want := crypto.HashBytes(canonical), chain[len(chain)-1].Hash; got != want {
		return nil, fmt.Errorf("history: %s %q version %d: %w", entityType, entityID, version, ErrCorrupt)
	}
	return state, nil
}

// replay folds a snapshot-rooted chain into the state at its last version.
func replay(chain []*db.ChangeLogRow) (map[string]any, error) {
	if len(chain) == 0 || !chain[0].IsSnapshot {
		return nil, errors.New("history: chain must start at a snapshot")
	}
	var state map[string]any
	if err := json.Unmarshal([]byte(chain[0].Payload), &state); err != nil {
		return nil, fmt.Errorf("history: decode snapshot v%d: %w", chain[0].Version, err)
	}
	for _, row := range chain[1:] {
		if row.IsSnapshot {
			if err := json.Unmarshal([]byte(row.Payload), &state); err != nil {
				return nil, fmt.Errorf("history: decode snapshot v%d: %w", row.Version, err)
			}
			continue
		}
		var patch map[string]any
		if err := json.Unmarshal([]byte(row.Payload), &patch); err != nil {
			return nil, fmt.Errorf("history: decode delta v%d: %w", row.Version, err)
		}
		state = MergeApply(state, patch)
	}
	return state, nil
}

// normalize round-trips state through generic JSON values so map keys
// serialize sorted, equal states digest equally, and diffs compare JSON
// types rather than Go types.
func normalize(state map[string]any) ([]byte, map[string]any, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, nil, err
	}
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, nil, err
	}
	canonical, err := json.Marshal(generic)
	if err != nil {
		return nil, nil, err
	}
	return canonical, generic, nil
}

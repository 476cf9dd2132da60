package history_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/latchflow/latchflow/internal/latchflow/db"
	"github.com/latchflow/latchflow/internal/latchflow/history"
)

func newTestStore(t *testing.T) *db.Store {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "latchflow-history-*.db")
	if err != nil {
		t.Fatalf("failed to create temp db file: %v", err)
	}
	f.Close()

	s, err := db.Open(f.Name())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	return s
}

func record(t *testing.T, s *db.Store, tracker *history.Tracker, state map[string]any) int64 {
	t.Helper()
	var version int64
	err := s.RunInTransaction(context.Background(), func(tx *sql.Tx) error {
		var err error
		version, err = tracker.RecordTx(context.Background(), tx, history.EntityBundle, "b1", state, history.Change{
			Kind:  db.ChangeUpdateParent,
			Actor: history.SystemActor(),
		})
		return err
	})
	if err != nil {
		t.Fatalf("RecordTx: %v", err)
	}
	return version
}

func TestRecord_SnapshotCadence(t *testing.T) {
	s := newTestStore(t)
	tracker := history.New(3, 200)

	for i := 1; i <= 7; i++ {
		v := record(t, s, tracker, map[string]any{"name": fmt.Sprintf("n%d", i)})
		if v != int64(i) {
			t.Fatalf("version: got %d, want %d", v, i)
		}
	}

	// Interval 3 snapshots versions 1, 4 and 7.
	wantSnapshots := map[int64]bool{1: true, 2: false, 3: false, 4: true, 5: false, 6: false, 7: true}
	rows, err := s.ListChangeLog(context.Background(), history.EntityBundle, "b1", 0)
	if err != nil {
		t.Fatalf("ListChangeLog: %v", err)
	}
	if len(rows) != 7 {
		t.Fatalf("expected 7 versions, got %d", len(rows))
	}
	for _, row := range rows {
		if row.IsSnapshot != wantSnapshots[row.Version] {
			t.Errorf("version %d: snapshot=%v, want %v", row.Version, row.IsSnapshot, wantSnapshots[row.Version])
		}
	}
}

func TestStateAt_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tracker := history.New(3, 200)

	states := []map[string]any{
		{"name": "alpha", "isEnabled": true, "objects": []any{}},
		{"name": "alpha", "isEnabled": true, "objects": []any{
			map[string]any{"fileId": "f1", "sortOrder": float64(1)},
		}},
		{"name": "alpha", "isEnabled": false, "objects": []any{
			map[string]any{"fileId": "f1", "sortOrder": float64(1)},
		}, "description": "frozen"},
		{"name": "alpha-2", "isEnabled": false, "objects": []any{
			map[string]any{"fileId": "f1", "sortOrder": float64(1)},
			map[string]any{"fileId": "f2", "sortOrder": float64(2)},
		}},
	}
	for _, state := range states {
		record(t, s, tracker, state)
	}

	for i, want := range states {
		version := int64(i + 1)
		got, err := tracker.StateAt(ctx, s, history.EntityBundle, "b1", version)
		if err != nil {
			t.Fatalf("StateAt(%d): %v", version, err)
		}
		if got["name"] != want["name"] {
			t.Errorf("v%d name: got %v, want %v", version, got["name"], want["name"])
		}
		if got["isEnabled"] != want["isEnabled"] {
			t.Errorf("v%d isEnabled: got %v, want %v", version, got["isEnabled"], want["isEnabled"])
		}
		gotObjects := got["objects"].([]any)
		wantObjects := want["objects"].([]any)
		if len(gotObjects) != len(wantObjects) {
			t.Errorf("v%d objects: got %d, want %d", version, len(gotObjects), len(wantObjects))
		}
		_, gotDesc := got["description"]
		_, wantDesc := want["description"]
		if gotDesc != wantDesc {
			t.Errorf("v%d description presence: got %v, want %v", version, gotDesc, wantDesc)
		}
	}
}

func TestStateAt_UnknownVersion(t *testing.T) {
	s := newTestStore(t)
	tracker := history.New(20, 200)

	record(t, s, tracker, map[string]any{"name": "alpha"})

	_, err := tracker.StateAt(context.Background(), s, history.EntityBundle, "b1", 2)
	if !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRecord_ChainDepthForcesSnapshot(t *testing.T) {
	s := newTestStore(t)
	// Interval larger than the depth cap: the cap must cut the chain.
	tracker := history.New(100, 4)

	for i := 1; i <= 6; i++ {
		record(t, s, tracker, map[string]any{"name": fmt.Sprintf("n%d", i)})
	}

	rows, err := s.ListChangeLog(context.Background(), history.EntityBundle, "b1", 0)
	if err != nil {
		t.Fatalf("ListChangeLog: %v", err)
	}
	snapshots := 0
	for _, row := range rows {
		if row.IsSnapshot {
			snapshots++
		}
	}
	if snapshots < 2 {
		t.Fatalf("expected the depth cap to force a second snapshot, got %d snapshot(s)", snapshots)
	}

	// Every version must still materialize.
	for v := int64(1); v <= 6; v++ {
		if _, err := tracker.StateAt(context.Background(), s, history.EntityBundle, "b1", v); err != nil {
			t.Errorf("StateAt(%d): %v", v, err)
		}
	}
}

func TestStateAt_DetectsCorruption(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tracker := history.New(20, 200)

	record(t, s, tracker, map[string]any{"name": "alpha"})

	// Forge a delta whose stored hash does not match the replayed state.
	err := s.RunInTransaction(ctx, func(tx *sql.Tx) error {
		return db.AppendChangeLogTx(ctx, tx, &db.ChangeLogRow{
			EntityType: history.EntityBundle,
			EntityID:   "b1",
			Version:    2,
			Hash:       "bogus",
			Payload:    `{"name":"beta"}`,
			ChangeKind: db.ChangeUpdateParent,
			ActorType:  db.ActorSystem,
		})
	})
	if err != nil {
		t.Fatalf("forge row: %v", err)
	}

	_, err = tracker.StateAt(ctx, s, history.EntityBundle, "b1", 2)
	if !errors.Is(err, history.ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestEntityStates_OmitAbsentOptionals(t *testing.T) {
	b := &db.Bundle{ID: "b1", Name: "alpha", IsEnabled: true}
	state := history.BundleState(b, nil)
	if _, ok := state["description"]; ok {
		t.Error("absent description must be omitted, not null")
	}
	if _, ok := state["storagePath"]; ok {
		t.Error("build pointer must not be part of tracked state")
	}

	b.Description = sql.NullString{String: "docs", Valid: true}
	state = history.BundleState(b, nil)
	if state["description"] != "docs" {
		t.Errorf("description: got %v, want %q", state["description"], "docs")
	}
}

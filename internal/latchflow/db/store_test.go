package db_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/latchflow/latchflow/internal/latchflow/db"
)

func newTestStore(t *testing.T) *db.Store {
	t.Helper()
	// Use a temp file that is cleaned up after the test
	f, err := os.CreateTemp(t.TempDir(), "latchflow-test-*.db")
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

// --- Migrations ---

func TestMigrations_Idempotent(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "latchflow-test-idempotent-*.db")
	if err != nil {
		t.Fatalf("failed to create temp db: %v", err)
	}
	f.Close()

	// Open same database twice - migrations should only run once
	s1, err := db.Open(f.Name())
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	s1.Close()

	s2, err := db.Open(f.Name())
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	s2.Close()
}

// --- Plugins ---

func TestUpsertPlugin_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.UpsertPlugin(ctx, "builtin", "built-in triggers and actions")
	if err != nil {
		t.Fatalf("UpsertPlugin: %v", err)
	}

	second, err := s.UpsertPlugin(ctx, "builtin", "changed description")
	if err != nil {
		t.Fatalf("UpsertPlugin again: %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("expected stable plugin id, got %q then %q", first.ID, second.ID)
	}

	plugins, err := s.ListPlugins(ctx)
	if err != nil {
		t.Fatalf("ListPlugins: %v", err)
	}
	if len(plugins) != 1 {
		t.Fatalf("expected 1 plugin, got %d", len(plugins))
	}
}

func TestUpsertCapability(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.UpsertPlugin(ctx, "builtin", "0.1.0")
	if err != nil {
		t.Fatalf("UpsertPlugin: %v", err)
	}

	cap1, err := s.UpsertCapability(ctx, &db.PluginCapability{
		PluginID:    p.ID,
		Kind:        db.CapabilityKindTrigger,
		Key:         "cron",
		DisplayName: "Cron",
		IsEnabled:   true,
	})
	if err != nil {
		t.Fatalf("UpsertCapability: %v", err)
	}

	cap2, err := s.UpsertCapability(ctx, &db.PluginCapability{
		PluginID:    p.ID,
		Kind:        db.CapabilityKindTrigger,
		Key:         "cron",
		DisplayName: "Cron schedule",
		IsEnabled:   true,
	})
	if err != nil {
		t.Fatalf("UpsertCapability again: %v", err)
	}

	if cap1.ID != cap2.ID {
		t.Errorf("expected stable capability id, got %q then %q", cap1.ID, cap2.ID)
	}
	if cap2.DisplayName != "Cron schedule" {
		t.Errorf("DisplayName: got %q, want %q", cap2.DisplayName, "Cron schedule")
	}

	caps, err := s.ListCapabilities(ctx)
	if err != nil {
		t.Fatalf("ListCapabilities: %v", err)
	}
	if len(caps) != 1 {
		t.Fatalf("expected 1 capability, got %d", len(caps))
	}
	if caps[0].PluginName != "builtin" {
		t.Errorf("PluginName: got %q, want %q", caps[0].PluginName, "builtin")
	}
}

func TestGetCapability_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetCapability(context.Background(), "nonexistent")
	if !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// --- Change log ---

func TestAppendChangeLog_DuplicateVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	appendV1 := func() error {
		return s.RunInTransaction(ctx, func(tx *sql.Tx) error {
			return db.AppendChangeLogTx(ctx, tx, &db.ChangeLogRow{
				EntityType: "BUNDLE",
				EntityID:   "b1",
				Version:    1,
				IsSnapshot: true,
				Hash:       "abc",
				Payload:    `{"name":"alpha"}`,
				ChangeKind: db.ChangeUpdateParent,
				ActorType:  db.ActorSystem,
			})
		})
	}

	if err := appendV1(); err != nil {
		t.Fatalf("first append: %v", err)
	}
	if err := appendV1(); !errors.Is(err, db.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate on same version, got %v", err)
	}
}

func TestChainToVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rows := []*db.ChangeLogRow{
		{Version: 1, IsSnapshot: true, Payload: `{"name":"a"}`},
		{Version: 2, Payload: `{"name":"b"}`},
		{Version: 3, IsSnapshot: true, Payload: `{"name":"c"}`},
		{Version: 4, Payload: `{"name":"d"}`},
	}
	for _, row := range rows {
		row.EntityType = "BUNDLE"
		row.EntityID = "b1"
		row.Hash = "h"
		row.ChangeKind = db.ChangeUpdateParent
		row.ActorType = db.ActorSystem
		err := s.RunInTransaction(ctx, func(tx *sql.Tx) error {
			return db.AppendChangeLogTx(ctx, tx, row)
		})
		if err != nil {
			t.Fatalf("append version %d: %v", row.Version, err)
		}
	}

	chain, err := s.ChainToVersion(ctx, "BUNDLE", "b1", 4)
	if err != nil {
		t.Fatalf("ChainToVersion: %v", err)
	}
	if len(chain) != 2 {
		t.Fatalf("expected chain of 2 starting at snapshot v3, got %d", len(chain))
	}
	if chain[0].Version != 3 || !chain[0].IsSnapshot {
		t.Errorf("chain[0]: got version %d snapshot=%v, want 3 true", chain[0].Version, chain[0].IsSnapshot)
	}
	if chain[1].Version != 4 {
		t.Errorf("chain[1]: got version %d, want 4", chain[1].Version)
	}

	chain, err = s.ChainToVersion(ctx, "BUNDLE", "b1", 2)
	if err != nil {
		t.Fatalf("ChainToVersion(2): %v", err)
	}
	if len(chain) != 2 || chain[0].Version != 1 {
		t.Fatalf("expected chain v1..v2, got %d rows starting at %d", len(chain), chain[0].Version)
	}

	if _, err := s.ChainToVersion(ctx, "BUNDLE", "b1", 9); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing version, got %v", err)
	}
}

func TestLatestVersionTx_Empty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.RunInTransaction(ctx, func(tx *sql.Tx) error {
		v, err := db.LatestVersionTx(ctx, tx, "BUNDLE", "missing")
		if err != nil {
			return err
		}
		if v != 0 {
			t.Errorf("expected version 0 for unknown entity, got %d", v)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("LatestVersionTx: %v", err)
	}
}

// --- Plugin audit ---

func TestPluginAuditTrail(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entries := []struct {
		phase string
	}{
		{db.AuditStarted},
		{db.AuditRetry},
		{db.AuditSucceeded},
	}
	for _, e := range entries {
		err := s.InsertPluginAudit(ctx, &db.PluginAuditRow{
			Kind:         "ACTION",
			Phase:        e.phase,
			DefinitionID: "ad1",
			InvocationID: nullString("inv1"),
		})
		if err != nil {
			t.Fatalf("InsertPluginAudit(%s): %v", e.phase, err)
		}
	}

	trail, err := s.ListPluginAuditForInvocation(ctx, "inv1")
	if err != nil {
		t.Fatalf("ListPluginAuditForInvocation: %v", err)
	}
	if len(trail) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(trail))
	}
	if trail[0].Phase != db.AuditStarted || trail[2].Phase != db.AuditSucceeded {
		t.Errorf("trail out of order: %s .. %s", trail[0].Phase, trail[2].Phase)
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: true}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

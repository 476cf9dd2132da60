package db_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/latchflow/latchflow/internal/latchflow/db"
)

type graphFixture struct {
	store    *db.Store
	trigger  *db.TriggerDefinition
	action   *db.ActionDefinition
	pipeline *db.Pipeline
}

// newGraphFixture wires one trigger, one action and one empty pipeline.
func newGraphFixture(t *testing.T) *graphFixture {
	t.Helper()
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.UpsertPlugin(ctx, "builtin", "")
	if err != nil {
		t.Fatalf("UpsertPlugin: %v", err)
	}
	trigCap, err := s.UpsertCapability(ctx, &db.PluginCapability{
		PluginID: p.ID, Kind: db.CapabilityKindTrigger, Key: "cron", DisplayName: "Cron", IsEnabled: true,
	})
	if err != nil {
		t.Fatalf("UpsertCapability(trigger): %v", err)
	}
	actCap, err := s.UpsertCapability(ctx, &db.PluginCapability{
		PluginID: p.ID, Kind: db.CapabilityKindAction, Key: "email_send", DisplayName: "Send email", IsEnabled: true,
	})
	if err != nil {
		t.Fatalf("UpsertCapability(action): %v", err)
	}

	fx := &graphFixture{store: s}
	err = s.RunInTransaction(ctx, func(tx *sql.Tx) error {
		fx.trigger = &db.TriggerDefinition{
			CapabilityID: trigCap.ID,
			Name:         "nightly",
			Config:       mustJSON(t, map[string]string{"schedule": "0 2 * * *"}),
			IsEnabled:    true,
		}
		if err := db.CreateTriggerDefinitionTx(ctx, tx, fx.trigger); err != nil {
			return err
		}
		fx.action = &db.ActionDefinition{
			CapabilityID: actCap.ID,
			Name:         "notify",
			Config:       mustJSON(t, map[string]string{"to": "ops@example.com"}),
			IsEnabled:    true,
		}
		if err := db.CreateActionDefinitionTx(ctx, tx, fx.action); err != nil {
			return err
		}
		fx.pipeline = &db.Pipeline{Name: "release", IsEnabled: true}
		return db.CreatePipelineTx(ctx, tx, fx.pipeline)
	})
	if err != nil {
		t.Fatalf("fixture setup: %v", err)
	}
	return fx
}

// --- Definitions ---

func TestTriggerDefinition_CreateAndGet(t *testing.T) {
	fx := newGraphFixture(t)
	ctx := context.Background()

	got, err := fx.store.GetTriggerDefinition(ctx, fx.trigger.ID)
	if err != nil {
		t.Fatalf("GetTriggerDefinition: %v", err)
	}
	if got.Name != "nightly" {
		t.Errorf("Name: got %q, want %q", got.Name, "nightly")
	}
	if string(got.Config) != `{"schedule":"0 2 * * *"}` {
		t.Errorf("Config: got %s", got.Config)
	}
	if !got.IsEnabled {
		t.Error("expected trigger enabled")
	}
}

func TestDeleteTriggerDefinition_InUse(t *testing.T) {
	fx := newGraphFixture(t)
	ctx := context.Background()

	err := fx.store.RunInTransaction(ctx, func(tx *sql.Tx) error {
		return db.AttachPipelineTriggerTx(ctx, tx, &db.PipelineTrigger{
			PipelineID: fx.pipeline.ID, TriggerID: fx.trigger.ID, IsEnabled: true,
		})
	})
	if err != nil {
		t.Fatalf("AttachPipelineTriggerTx: %v", err)
	}

	if err := fx.store.DeleteTriggerDefinition(ctx, fx.trigger.ID); !errors.Is(err, db.ErrInUse) {
		t.Fatalf("expected ErrInUse while attached, got %v", err)
	}
}

func TestDeleteActionDefinition_FreeAfterDetach(t *testing.T) {
	fx := newGraphFixture(t)
	ctx := context.Background()

	var step db.PipelineStep
	err := fx.store.RunInTransaction(ctx, func(tx *sql.Tx) error {
		step = db.PipelineStep{PipelineID: fx.pipeline.ID, ActionID: fx.action.ID, IsEnabled: true}
		return db.AddPipelineStepTx(ctx, tx, &step)
	})
	if err != nil {
		t.Fatalf("AddPipelineStepTx: %v", err)
	}

	if err := fx.store.DeleteActionDefinition(ctx, fx.action.ID); !errors.Is(err, db.ErrInUse) {
		t.Fatalf("expected ErrInUse while referenced by step, got %v", err)
	}

	err = fx.store.RunInTransaction(ctx, func(tx *sql.Tx) error {
		return db.RemovePipelineStepTx(ctx, tx, step.ID)
	})
	if err != nil {
		t.Fatalf("RemovePipelineStepTx: %v", err)
	}

	if err := fx.store.DeleteActionDefinition(ctx, fx.action.ID); err != nil {
		t.Fatalf("DeleteActionDefinition after detach: %v", err)
	}
	if _, err := fx.store.GetActionDefinition(ctx, fx.action.ID); !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestListTriggerDefinitions_EnabledOnly(t *testing.T) {
	fx := newGraphFixture(t)
	ctx := context.Background()

	fx.trigger.IsEnabled = false
	err := fx.store.RunInTransaction(ctx, func(tx *sql.Tx) error {
		return db.UpdateTriggerDefinitionTx(ctx, tx, fx.trigger)
	})
	if err != nil {
		t.Fatalf("UpdateTriggerDefinitionTx: %v", err)
	}

	all, err := fx.store.ListTriggerDefinitions(ctx, false)
	if err != nil {
		t.Fatalf("ListTriggerDefinitions(all): %v", err)
	}
	if len(all) != 1 {
		t.Errorf("expected 1 definition, got %d", len(all))
	}

	enabled, err := fx.store.ListTriggerDefinitions(ctx, true)
	if err != nil {
		t.Fatalf("ListTriggerDefinitions(enabled): %v", err)
	}
	if len(enabled) != 0 {
		t.Errorf("expected 0 enabled definitions, got %d", len(enabled))
	}
}

// --- Pipelines and fan-out ---

func TestResolveFanOut_OrderAndEnablement(t *testing.T) {
	fx := newGraphFixture(t)
	ctx := context.Background()
	s := fx.store

	var second, third db.ActionDefinition
	err := s.RunInTransaction(ctx, func(tx *sql.Tx) error {
		second = db.ActionDefinition{CapabilityID: fx.action.CapabilityID, Name: "archive", IsEnabled: true}
		if err := db.CreateActionDefinitionTx(ctx, tx, &second); err != nil {
			return err
		}
		third = db.ActionDefinition{CapabilityID: fx.action.CapabilityID, Name: "cleanup", IsEnabled: true}
		if err := db.CreateActionDefinitionTx(ctx, tx, &third); err != nil {
			return err
		}
		if err := db.AttachPipelineTriggerTx(ctx, tx, &db.PipelineTrigger{
			PipelineID: fx.pipeline.ID, TriggerID: fx.trigger.ID, IsEnabled: true,
		}); err != nil {
			return err
		}
		if err := db.AddPipelineStepTx(ctx, tx, &db.PipelineStep{
			PipelineID: fx.pipeline.ID, ActionID: second.ID, SortOrder: 2, IsEnabled: true,
		}); err != nil {
			return err
		}
		if err := db.AddPipelineStepTx(ctx, tx, &db.PipelineStep{
			PipelineID: fx.pipeline.ID, ActionID: fx.action.ID, SortOrder: 1, IsEnabled: true,
		}); err != nil {
			return err
		}
		// Disabled steps never fan out.
		return db.AddPipelineStepTx(ctx, tx, &db.PipelineStep{
			PipelineID: fx.pipeline.ID, ActionID: third.ID, SortOrder: 0, IsEnabled: false,
		})
	})
	if err != nil {
		t.Fatalf("fan-out setup: %v", err)
	}

	steps, err := s.ResolveFanOut(ctx, fx.trigger.ID)
	if err != nil {
		t.Fatalf("ResolveFanOut: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(steps))
	}
	if steps[0].ActionDefinitionID != fx.action.ID {
		t.Errorf("step order: got %q first, want %q", steps[0].ActionDefinitionID, fx.action.ID)
	}
	if steps[1].ActionDefinitionID != second.ID {
		t.Errorf("step order: got %q second, want %q", steps[1].ActionDefinitionID, second.ID)
	}

	// Disabling the pipeline silences the whole fan-out.
	fx.pipeline.IsEnabled = false
	err = s.RunInTransaction(ctx, func(tx *sql.Tx) error {
		return db.UpdatePipelineTx(ctx, tx, fx.pipeline)
	})
	if err != nil {
		t.Fatalf("UpdatePipelineTx: %v", err)
	}

	steps, err = s.ResolveFanOut(ctx, fx.trigger.ID)
	if err != nil {
		t.Fatalf("ResolveFanOut(disabled): %v", err)
	}
	if len(steps) != 0 {
		t.Errorf("expected no steps for disabled pipeline, got %d", len(steps))
	}
}

func TestAttachPipelineTrigger_Duplicate(t *testing.T) {
	fx := newGraphFixture(t)
	ctx := context.Background()

	attach := func() error {
		return fx.store.RunInTransaction(ctx, func(tx *sql.Tx) error {
			return db.AttachPipelineTriggerTx(ctx, tx, &db.PipelineTrigger{
				PipelineID: fx.pipeline.ID, TriggerID: fx.trigger.ID, IsEnabled: true,
			})
		})
	}

	if err := attach(); err != nil {
		t.Fatalf("first attach: %v", err)
	}
	if err := attach(); !errors.Is(err, db.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate on second attach, got %v", err)
	}
}

// --- Invocations ---

func TestFinalizeActionInvocation_Once(t *testing.T) {
	fx := newGraphFixture(t)
	ctx := context.Background()
	s := fx.store

	ev := &db.TriggerEvent{TriggerDefinitionID: fx.trigger.ID}
	if err := s.InsertTriggerEvent(ctx, ev); err != nil {
		t.Fatalf("InsertTriggerEvent: %v", err)
	}

	inv := &db.ActionInvocation{
		ActionDefinitionID: fx.action.ID,
		TriggerEventID:     nullString(ev.ID),
	}
	if err := s.CreateActionInvocation(ctx, inv); err != nil {
		t.Fatalf("CreateActionInvocation: %v", err)
	}
	if inv.Status != db.InvocationPending {
		t.Fatalf("Status: got %q, want %q", inv.Status, db.InvocationPending)
	}
	if inv.Attempt != 1 {
		t.Fatalf("Attempt: got %d, want 1", inv.Attempt)
	}

	err := s.FinalizeActionInvocation(ctx, inv.ID, db.InvocationSuccess, nullString(`{"ok":true}`), sql.NullTime{})
	if err != nil {
		t.Fatalf("FinalizeActionInvocation: %v", err)
	}

	// A second finalize must lose: the row is no longer PENDING.
	err = s.FinalizeActionInvocation(ctx, inv.ID, db.InvocationFailed, nullString(`{"ok":false}`), sql.NullTime{})
	if !errors.Is(err, db.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on double finalize, got %v", err)
	}

	got, err := s.GetActionInvocation(ctx, inv.ID)
	if err != nil {
		t.Fatalf("GetActionInvocation: %v", err)
	}
	if got.Status != db.InvocationSuccess {
		t.Errorf("Status: got %q, want %q", got.Status, db.InvocationSuccess)
	}
	if !got.CompletedAt.Valid {
		t.Error("CompletedAt should be set after finalize")
	}
}

func TestListActionInvocations_OldestFirst(t *testing.T) {
	fx := newGraphFixture(t)
	ctx := context.Background()
	s := fx.store

	var ids []string
	for i := 0; i < 3; i++ {
		inv := &db.ActionInvocation{ActionDefinitionID: fx.action.ID, Attempt: i + 1}
		if err := s.CreateActionInvocation(ctx, inv); err != nil {
			t.Fatalf("CreateActionInvocation(%d): %v", i, err)
		}
		ids = append(ids, inv.ID)
	}

	rows, err := s.ListActionInvocations(ctx, fx.action.ID, 0)
	if err != nil {
		t.Fatalf("ListActionInvocations: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 invocations, got %d", len(rows))
	}
	if rows[0].ID != ids[0] {
		t.Errorf("expected oldest first, got %q", rows[0].ID)
	}
	if rows[0].Attempt != 1 || rows[2].Attempt != 3 {
		t.Errorf("attempts out of order: %d .. %d", rows[0].Attempt, rows[2].Attempt)
	}
}

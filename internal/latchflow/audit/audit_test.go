package audit_test

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/latchflow/latchflow/internal/latchflow/audit"
	"github.com/latchflow/latchflow/internal/latchflow/db"
)

func newTestStore(t *testing.T) *db.Store {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "latchflow-audit-*.db")
	if err != nil {
		t.Fatalf("temp db: %v", err)
	}
	f.Close()

	s, err := db.Open(f.Name())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecorder_ActionLifecycle(t *testing.T) {
	s := newTestStore(t)
	rec := audit.NewRecorder(s, slog.Default())
	ctx := context.Background()

	e := audit.Entry{
		Kind:          db.CapabilityKindAction,
		DefinitionID:  "ad1",
		PluginName:    "builtin",
		CapabilityKey: "email_send",
		InvocationID:  "inv1",
		Attempt:       1,
	}

	rec.Started(ctx, e)
	rec.Retry(ctx, e, "RATE_LIMITED", "RATE_LIMIT", 2000, "provider throttled")

	e.Attempt = 2
	rec.Succeeded(ctx, e, "")

	trail, err := s.ListPluginAuditForInvocation(ctx, "inv1")
	if err != nil {
		t.Fatalf("ListPluginAuditForInvocation: %v", err)
	}
	if len(trail) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(trail))
	}
	if trail[0].Phase != db.AuditStarted {
		t.Errorf("first phase: got %s, want STARTED", trail[0].Phase)
	}
	if trail[1].Phase != db.AuditRetry || trail[1].RetryDelayMs.Int64 != 2000 {
		t.Errorf("retry row: phase=%s delay=%d", trail[1].Phase, trail[1].RetryDelayMs.Int64)
	}
	if trail[1].ErrorKind.String != "RATE_LIMIT" {
		t.Errorf("retry error kind: got %q", trail[1].ErrorKind.String)
	}
	if trail[2].Phase != db.AuditSucceeded || trail[2].Attempt.Int64 != 2 {
		t.Errorf("final row: phase=%s attempt=%d", trail[2].Phase, trail[2].Attempt.Int64)
	}
}

func TestRecorder_SurvivesCanceledContext(t *testing.T) {
	s := newTestStore(t)
	rec := audit.NewRecorder(s, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec.Failed(ctx, audit.Entry{
		Kind:         db.CapabilityKindTrigger,
		DefinitionID: "td1",
	}, "INVALID_RUNTIME", "FATAL", "boom")

	trail, err := s.ListPluginAuditForDefinition(context.Background(), "td1", 10)
	if err != nil {
		t.Fatalf("ListPluginAuditForDefinition: %v", err)
	}
	if len(trail) != 1 {
		t.Fatalf("expected 1 row despite canceled caller context, got %d", len(trail))
	}
	if trail[0].ErrorCode.String != "INVALID_RUNTIME" {
		t.Errorf("error code: got %q", trail[0].ErrorCode.String)
	}
}

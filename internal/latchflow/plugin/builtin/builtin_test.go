package builtin_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/latchflow/latchflow/internal/latchflow/email"
	"github.com/latchflow/latchflow/internal/latchflow/plugin"
	"github.com/latchflow/latchflow/internal/latchflow/plugin/builtin"
)

// emitRecorder collects trigger emissions.
type emitRecorder struct {
	mu       sync.Mutex
	payloads []plugin.TriggerPayload
	ch       chan struct{}
}

func newEmitRecorder() *emitRecorder {
	return &emitRecorder{ch: make(chan struct{}, 64)}
}

func (r *emitRecorder) emit(_ context.Context, p plugin.TriggerPayload) (string, error) {
	r.mu.Lock()
	r.payloads = append(r.payloads, p)
	n := len(r.payloads)
	r.mu.Unlock()
	select {
	case r.ch <- struct{}{}:
	default:
	}
	return fmt.Sprintf("evt-%d", n), nil
}

func (r *emitRecorder) services() plugin.TriggerServices {
	return plugin.TriggerServices{Logger: slog.Default(), Emit: r.emit}
}

func (r *emitRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

func (r *emitRecorder) first(t *testing.T) plugin.TriggerPayload {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.payloads) == 0 {
		t.Fatal("no emissions recorded")
	}
	return r.payloads[0]
}

func (r *emitRecorder) waitForEmit(t *testing.T) {
	t.Helper()
	select {
	case <-r.ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for an emission")
	}
}

// --- Webhook ---

func webhookRuntime(t *testing.T, hub *builtin.WebhookHub, rec *emitRecorder, defID, config string) plugin.TriggerRuntime {
	t.Helper()
	rt, err := hub.Factory(plugin.TriggerContext{
		DefinitionID: defID,
		Config:       json.RawMessage(config),
		Services:     rec.services(),
	})
	if err != nil {
		t.Fatalf("webhook factory: %v", err)
	}
	return rt
}

func TestWebhook_ReceiveLifecycle(t *testing.T) {
	hub := builtin.NewWebhookHub()
	rec := newEmitRecorder()
	ctx := context.Background()

	rt := webhookRuntime(t, hub, rec, "def-1", `{"secret":"hunter2hunter2"}`)

	if _, err := hub.Receive(ctx, "def-1", "", nil); !errors.Is(err, builtin.ErrUnknownHook) {
		t.Fatalf("Receive before Start: %v, want ErrUnknownHook", err)
	}

	if err := rt.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !hub.Active("def-1") {
		t.Fatal("hub does not report the trigger active")
	}

	if _, err := hub.Receive(ctx, "def-1", "wrong", json.RawMessage(`{}`)); !errors.Is(err, builtin.ErrBadSecret) {
		t.Fatalf("Receive with bad secret: %v, want ErrBadSecret", err)
	}

	eventID, err := hub.Receive(ctx, "def-1", "hunter2hunter2", json.RawMessage(`{"ref":"v1.2.3"}`))
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if eventID != "evt-1" {
		t.Fatalf("event id: got %q, want evt-1", eventID)
	}
	if got := string(rec.first(t).Context); got != `{"ref":"v1.2.3"}` {
		t.Fatalf("emitted context: %s", got)
	}

	if err := rt.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := hub.Receive(ctx, "def-1", "hunter2hunter2", nil); !errors.Is(err, builtin.ErrUnknownHook) {
		t.Fatalf("Receive after Stop: %v, want ErrUnknownHook", err)
	}
}

func TestWebhook_SecretRotation(t *testing.T) {
	hub := builtin.NewWebhookHub()
	rec := newEmitRecorder()
	ctx := context.Background()

	rt := webhookRuntime(t, hub, rec, "def-2", `{}`)
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer rt.Stop(ctx)

	// No secret configured: any caller passes.
	if _, err := hub.Receive(ctx, "def-2", "", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Receive without secret: %v", err)
	}

	reloader, ok := rt.(plugin.ConfigReloader)
	if !ok {
		t.Fatal("webhook runtime does not reload config")
	}
	if err := reloader.OnConfigChange(ctx, json.RawMessage(`{"secret":"rotated-secret"}`)); err != nil {
		t.Fatalf("OnConfigChange: %v", err)
	}

	if _, err := hub.Receive(ctx, "def-2", "", json.RawMessage(`{}`)); !errors.Is(err, builtin.ErrBadSecret) {
		t.Fatalf("Receive with stale secret: %v, want ErrBadSecret", err)
	}
	if _, err := hub.Receive(ctx, "def-2", "rotated-secret", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Receive with rotated secret: %v", err)
	}
}

// --- Cron ---

func TestCron_ConfigValidation(t *testing.T) {
	rec := newEmitRecorder()
	for _, bad := range []string{``, `{}`, `{"schedule":""}`, `{"schedule":"not a cron"}`} {
		_, err := builtin.NewCronTrigger(plugin.TriggerContext{
			DefinitionID: "def-c",
			Config:       json.RawMessage(bad),
			Services:     rec.services(),
		})
		if err == nil {
			t.Fatalf("config %q accepted, want error", bad)
		}
		pe, ok := plugin.Classify(err)
		if !ok || pe.Kind != plugin.KindValidation {
			t.Fatalf("config %q: expected VALIDATION error, got %v", bad, err)
		}
	}
}

func TestCron_EmitsOnSchedule(t *testing.T) {
	rec := newEmitRecorder()
	rt, err := builtin.NewCronTrigger(plugin.TriggerContext{
		DefinitionID: "def-c",
		Config:       json.RawMessage(`{"schedule":"@every 10ms"}`),
		Services:     rec.services(),
	})
	if err != nil {
		t.Fatalf("cron factory: %v", err)
	}

	ctx := context.Background()
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	rec.waitForEmit(t)

	if err := rt.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// No further ticks once Stop has drained.
	settled := rec.count()
	time.Sleep(50 * time.Millisecond)
	if rec.count() > settled {
		t.Fatalf("cron kept firing after Stop: %d -> %d", settled, rec.count())
	}

	first := rec.first(t)
	if first.ScheduledFor == nil {
		t.Fatal("cron emission missing ScheduledFor")
	}
	var payload map[string]any
	if err := json.Unmarshal(first.Context, &payload); err != nil {
		t.Fatalf("emitted context: %v", err)
	}
	if payload["schedule"] != "@every 10ms" {
		t.Fatalf("emitted schedule: %v", payload["schedule"])
	}
}

// --- email_send ---

type failingProvider struct{}

func (failingProvider) SendEmail(context.Context, email.Message) error {
	return errors.New("relay down")
}

func execEmailSend(t *testing.T, provider email.Provider, config, payload string) (json.RawMessage, error) {
	t.Helper()
	rt, err := builtin.EmailSendFactory(provider)(plugin.ActionContext{
		Services: plugin.ActionServices{Logger: slog.Default()},
	})
	if err != nil {
		t.Fatalf("email_send factory: %v", err)
	}
	return rt.Execute(context.Background(), plugin.ActionInput{
		Config:  json.RawMessage(config),
		Payload: json.RawMessage(payload),
		Invocation: plugin.InvocationInfo{
			ID:                 "inv-1",
			ActionDefinitionID: "act-1",
			Attempt:            1,
		},
	})
}

func TestEmailSend_RendersTemplates(t *testing.T) {
	provider := email.NewMemoryProvider()

	result, err := execEmailSend(t, provider,
		`{"to":"{{.email}}","subject":"Bundle {{.bundle}} ready","body":"Fetch {{.bundle}} now."}`,
		`{"email":"dev@example.com","bundle":"quarterly"}`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	var out map[string]any
	if err := json.Unmarshal(result, &out); err != nil {
		t.Fatalf("result: %v", err)
	}
	if out["sent"] != true || out["to"] != "dev@example.com" {
		t.Fatalf("result = %v", out)
	}

	got := provider.Messages()
	if len(got) != 1 {
		t.Fatalf("messages = %d, want 1", len(got))
	}
	if got[0].Subject != "Bundle quarterly ready" {
		t.Fatalf("subject = %q", got[0].Subject)
	}
	if got[0].TextBody != "Fetch quarterly now." {
		t.Fatalf("body = %q", got[0].TextBody)
	}
}

func TestEmailSend_ConfigValidation(t *testing.T) {
	provider := email.NewMemoryProvider()

	cases := []string{
		`{"to":"a@b.c"}`,
		`{"subject":"s","body":"b"}`,
		`not json`,
		`{"to":"{{.email}}","subject":"s","body":"b"}`,
	}
	for _, cfg := range cases {
		_, err := execEmailSend(t, provider, cfg, `{}`)
		if err == nil {
			t.Fatalf("config %q accepted, want error", cfg)
		}
		pe, ok := plugin.Classify(err)
		if !ok || pe.Kind != plugin.KindValidation {
			t.Fatalf("config %q: expected VALIDATION, got %v", cfg, err)
		}
	}
	if len(provider.Messages()) != 0 {
		t.Fatal("invalid configs still sent mail")
	}
}

func TestEmailSend_ProviderFailureIsRetryable(t *testing.T) {
	_, err := execEmailSend(t, failingProvider{},
		`{"to":"a@b.c","subject":"s","body":"b"}`, `{}`)
	if err == nil {
		t.Fatal("provider failure swallowed")
	}
	pe, ok := plugin.Classify(err)
	if !ok {
		t.Fatalf("not a plugin error: %v", err)
	}
	if pe.Kind != plugin.KindRetryable {
		t.Fatalf("kind = %q, want RETRYABLE", pe.Kind)
	}
}

package httpapi_test

import (
	"net/http"
	"testing"
)

func TestTriggers_DefinitionLifecycle(t *testing.T) {
	fx := newFixture(t)
	admin := fx.loginAdmin(t, "ops@example.com")
	capID := fx.capabilityID(t, admin, "TRIGGER", "cron")

	res := do(t, admin, http.MethodPost, fx.ts.URL+"/triggers",
		map[string]any{"name": "hourly sweep", "capability_id": capID, "config": map[string]any{"schedule": "@hourly"}}, nil)
	wantStatus(t, res, http.StatusCreated)
	created := asMap(t, res)
	id := created["id"].(string)
	cfg, _ := created["config"].(map[string]any)
	if cfg["schedule"] != "@hourly" {
		t.Fatalf("created config %v, want the submitted schedule", created["config"])
	}

	// The enabled definition is running.
	res = do(t, admin, http.MethodGet, fx.ts.URL+"/status", nil, nil)
	wantStatus(t, res, http.StatusOK)
	if st := asMap(t, res); st["triggers_running"].(float64) != 1 {
		t.Fatalf("triggers_running %v, want 1", st["triggers_running"])
	}

	res = do(t, admin, http.MethodPatch, fx.ts.URL+"/triggers/"+id,
		map[string]any{"is_enabled": false}, nil)
	wantStatus(t, res, http.StatusOK)
	res.Body.Close()

	res = do(t, admin, http.MethodGet, fx.ts.URL+"/status", nil, nil)
	wantStatus(t, res, http.StatusOK)
	if st := asMap(t, res); st["triggers_running"].(float64) != 0 {
		t.Fatalf("triggers_running after disable %v, want 0", st["triggers_running"])
	}

	res = do(t, admin, http.MethodDelete, fx.ts.URL+"/triggers/"+id, nil, nil)
	wantStatus(t, res, http.StatusNoContent)
	res.Body.Close()

	res = do(t, admin, http.MethodGet, fx.ts.URL+"/triggers/"+id, nil, nil)
	wantEnvelope(t, res, http.StatusNotFound, "NOT_FOUND")
}

func TestTriggers_CreateRejectsBadDefinitions(t *testing.T) {
	fx := newFixture(t)
	admin := fx.loginAdmin(t, "ops@example.com")
	cronCap := fx.capabilityID(t, admin, "TRIGGER", "cron")
	emailCap := fx.capabilityID(t, admin, "ACTION", "email_send")

	// Config schema violation.
	res := do(t, admin, http.MethodPost, fx.ts.URL+"/triggers",
		map[string]any{"name": "broken", "capability_id": cronCap, "config": map[string]any{}}, nil)
	wantEnvelope(t, res, http.StatusBadRequest, "BAD_REQUEST")

	// An action capability cannot back a trigger.
	res = do(t, admin, http.MethodPost, fx.ts.URL+"/triggers",
		map[string]any{"name": "mismatched", "capability_id": emailCap, "config": map[string]any{"schedule": "@hourly"}}, nil)
	wantEnvelope(t, res, http.StatusBadRequest, "BAD_REQUEST")

	res = do(t, admin, http.MethodPost, fx.ts.URL+"/triggers",
		map[string]any{"name": "orphan", "capability_id": "no-such-cap", "config": map[string]any{"schedule": "@hourly"}}, nil)
	wantEnvelope(t, res, http.StatusNotFound, "NOT_FOUND")
}

func TestCapabilities_DisableGatesNewDefinitions(t *testing.T) {
	fx := newFixture(t)
	admin := fx.loginAdmin(t, "ops@example.com")
	capID := fx.capabilityID(t, admin, "TRIGGER", "cron")

	res := do(t, admin, http.MethodPatch, fx.ts.URL+"/plugins/capabilities/"+capID,
		map[string]any{"is_enabled": false}, nil)
	wantStatus(t, res, http.StatusOK)
	if row := asMap(t, res); row["is_enabled"] != false {
		t.Fatalf("capability row %v, want disabled", row)
	}

	res = do(t, admin, http.MethodPost, fx.ts.URL+"/triggers",
		map[string]any{"name": "blocked", "capability_id": capID, "config": map[string]any{"schedule": "@hourly"}}, nil)
	wantEnvelope(t, res, http.StatusConflict, "CONFLICT")

	res = do(t, admin, http.MethodPatch, fx.ts.URL+"/plugins/capabilities/"+capID,
		map[string]any{"is_enabled": true}, nil)
	wantStatus(t, res, http.StatusOK)
	res.Body.Close()
}

func TestTriggers_ManualFireRecordsEvent(t *testing.T) {
	fx := newFixture(t)
	admin := fx.loginAdmin(t, "ops@example.com")
	capID := fx.capabilityID(t, admin, "TRIGGER", "cron")

	res := do(t, admin, http.MethodPost, fx.ts.URL+"/triggers",
		map[string]any{"name": "sweep", "capability_id": capID, "config": map[string]any{"schedule": "@daily"}}, nil)
	wantStatus(t, res, http.StatusCreated)
	id := asMap(t, res)["id"].(string)

	res = do(t, admin, http.MethodPost, fx.ts.URL+"/triggers/"+id+"/fire",
		map[string]any{"context": map[string]any{"reason": "smoke test"}}, nil)
	wantStatus(t, res, http.StatusAccepted)
	fired := asMap(t, res)
	eventID, _ := fired["event_id"].(string)
	if eventID == "" {
		t.Fatalf("fire response %v", fired)
	}

	res = do(t, admin, http.MethodGet, fx.ts.URL+"/triggers/"+id+"/events", nil, nil)
	wantStatus(t, res, http.StatusOK)
	events := asList(t, res)
	if len(events) != 1 || events[0]["id"] != eventID {
		t.Fatalf("event listing %v", events)
	}
	ctx, _ := events[0]["context"].(map[string]any)
	if ctx["reason"] != "smoke test" {
		t.Fatalf("event context %v", events[0]["context"])
	}
}

func TestWebhook_IngestOverHTTP(t *testing.T) {
	fx := newFixture(t)
	admin := fx.loginAdmin(t, "ops@example.com")
	capID := fx.capabilityID(t, admin, "TRIGGER", "webhook")

	res := do(t, admin, http.MethodPost, fx.ts.URL+"/triggers",
		map[string]any{"name": "deploy hook", "capability_id": capID,
			"config": map[string]any{"secret": "super-secret-1"}}, nil)
	wantStatus(t, res, http.StatusCreated)
	id := asMap(t, res)["id"].(string)

	hook := fx.newClient(t)
	res = do(t, hook, http.MethodPost, fx.ts.URL+"/hooks/"+id,
		map[string]any{"ref": "main"},
		http.Header{"X-Latchflow-Secret": []string{"wrong"}})
	wantEnvelope(t, res, http.StatusForbidden, "FORBIDDEN")

	res = do(t, hook, http.MethodPost, fx.ts.URL+"/hooks/"+id,
		map[string]any{"ref": "main"},
		http.Header{"X-Latchflow-Secret": []string{"super-secret-1"}})
	wantStatus(t, res, http.StatusAccepted)
	accepted := asMap(t, res)
	if accepted["event_id"] == "" {
		t.Fatalf("hook response %v", accepted)
	}

	res = do(t, hook, http.MethodPost, fx.ts.URL+"/hooks/no-such-definition", map[string]any{}, nil)
	wantEnvelope(t, res, http.StatusNotFound, "NOT_FOUND")

	// The accepted hook landed as a trigger event with the posted body.
	res = do(t, admin, http.MethodGet, fx.ts.URL+"/triggers/"+id+"/events", nil, nil)
	wantStatus(t, res, http.StatusOK)
	events := asList(t, res)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	ctx, _ := events[0]["context"].(map[string]any)
	if ctx["ref"] != "main" {
		t.Fatalf("event context %v", events[0]["context"])
	}

	// Disabling the definition detaches the hook.
	res = do(t, admin, http.MethodPatch, fx.ts.URL+"/triggers/"+id,
		map[string]any{"is_enabled": false}, nil)
	wantStatus(t, res, http.StatusOK)
	res.Body.Close()

	res = do(t, hook, http.MethodPost, fx.ts.URL+"/hooks/"+id,
		map[string]any{"ref": "main"},
		http.Header{"X-Latchflow-Secret": []string{"super-secret-1"}})
	wantEnvelope(t, res, http.StatusNotFound, "NOT_FOUND")
}

func TestActions_DefinitionAndManualInvoke(t *testing.T) {
	fx := newFixture(t)
	admin := fx.loginAdmin(t, "ops@example.com")
	capID := fx.capabilityID(t, admin, "ACTION", "email_send")

	res := do(t, admin, http.MethodPost, fx.ts.URL+"/actions",
		map[string]any{"name": "notify ops", "capability_id": capID,
			"config": map[string]any{"to": "ops@example.com", "subject": "ping", "body": "pong"}}, nil)
	wantStatus(t, res, http.StatusCreated)
	created := asMap(t, res)
	id := created["id"].(string)
	cfg, _ := created["config"].(map[string]any)
	if cfg["to"] != "ops@example.com" {
		t.Fatalf("created config %v", created["config"])
	}

	// Schema violations are rejected before anything is stored.
	res = do(t, admin, http.MethodPost, fx.ts.URL+"/actions",
		map[string]any{"name": "broken", "capability_id": capID, "config": map[string]any{"to": "x@example.com"}}, nil)
	wantEnvelope(t, res, http.StatusBadRequest, "BAD_REQUEST")

	res = do(t, admin, http.MethodPost, fx.ts.URL+"/actions/"+id+"/invoke",
		map[string]any{"context": map[string]any{"note": "manual"}}, nil)
	wantStatus(t, res, http.StatusAccepted)
	if out := asMap(t, res); out["status"] != "queued" {
		t.Fatalf("invoke response %v", out)
	}

	// No consumer runs in this fixture, so the ledger stays empty.
	res = do(t, admin, http.MethodGet, fx.ts.URL+"/actions/"+id+"/invocations", nil, nil)
	wantStatus(t, res, http.StatusOK)
	if l := asList(t, res); len(l) != 0 {
		t.Fatalf("invocations %v, want none yet", l)
	}

	res = do(t, admin, http.MethodPatch, fx.ts.URL+"/actions/"+id,
		map[string]any{"config": map[string]any{"to": "oncall@example.com", "subject": "ping", "body": "pong"}}, nil)
	wantStatus(t, res, http.StatusOK)
	updated := asMap(t, res)
	cfg, _ = updated["config"].(map[string]any)
	if cfg["to"] != "oncall@example.com" {
		t.Fatalf("updated config %v", updated["config"])
	}

	res = do(t, admin, http.MethodDelete, fx.ts.URL+"/actions/"+id, nil, nil)
	wantStatus(t, res, http.StatusNoContent)
	res.Body.Close()
}

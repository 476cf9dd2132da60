package metrics_test

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/latchflow/latchflow/internal/latchflow/metrics"
)

func TestHandler_ReportsCounters(t *testing.T) {
	m := metrics.New()

	m.RecordTriggerFire("cron")
	m.RecordTriggerFire("cron")
	m.RecordActionOutcome("email_send", "SUCCESS", 120*time.Millisecond)
	m.RecordDownload("ok")
	m.RecordDownload("max_downloads")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, req)

	body := rr.Body.String()
	for _, want := range []string{
		`latchflow_trigger_fires_total{capability="cron"} 2`,
		`latchflow_action_outcomes_total{capability="email_send",status="SUCCESS"} 1`,
		`latchflow_downloads_total{result="max_downloads"} 1`,
		`latchflow_downloads_total{result="ok"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestNew_IsolatedRegistries(t *testing.T) {
	// Two instances must not collide on registration.
	a := metrics.New()
	b := metrics.New()

	a.RecordBundleBuild("success", time.Second)
	b.RecordBundleBuild("failure", time.Second)

	snaps, err := a.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	var builds float64
	for _, s := range snaps {
		if s.Name == "latchflow_bundle_builds_total" {
			builds = s.Total
		}
	}
	if builds != 1 {
		t.Errorf("expected registry a to hold exactly its own build count, got %v", builds)
	}
}

func TestActionSlotsGauge(t *testing.T) {
	m := metrics.New()
	m.ActionSlots.Inc()
	m.ActionSlots.Inc()
	m.ActionSlots.Dec()

	snaps, err := m.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, s := range snaps {
		if s.Name == "latchflow_action_slots_in_use" && s.Total != 1 {
			t.Errorf("slots gauge: got %v, want 1", s.Total)
		}
	}
}

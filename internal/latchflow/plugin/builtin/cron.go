package builtin

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/latchflow/latchflow/internal/latchflow/plugin"
)

// cronTrigger emits on a cron schedule. Standard five-field expressions and
// descriptors like @hourly are accepted.
type cronTrigger struct {
	definitionID string
	services     plugin.TriggerServices

	mu       sync.Mutex
	schedule string
	runner   *cron.Cron
	entry    cron.EntryID
}

func cronParser() cron.Parser {
	return cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

func parseCronConfig(raw json.RawMessage) (string, error) {
	var cfg struct {
		Schedule string `json:"schedule"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return "", &plugin.Error{Kind: plugin.KindValidation, Code: plugin.CodeInvalidConfig, Message: "cron config is not valid JSON"}
		}
	}
	schedule := strings.TrimSpace(cfg.Schedule)
	if schedule == "" {
		return "", &plugin.Error{Kind: plugin.KindValidation, Code: plugin.CodeInvalidConfig, Message: "cron config requires a schedule"}
	}
	if _, err := cronParser().Parse(schedule); err != nil {
		return "", &plugin.Error{Kind: plugin.KindValidation, Code: plugin.CodeInvalidConfig, Message: "invalid cron schedule: " + err.Error()}
	}
	return schedule, nil
}

// NewCronTrigger is the factory registered for the cron capability.
func NewCronTrigger(tc plugin.TriggerContext) (plugin.TriggerRuntime, error) {
	schedule, err := parseCronConfig(tc.Config)
	if err != nil {
		return nil, err
	}
	return &cronTrigger{
		definitionID: tc.DefinitionID,
		services:     tc.Services,
		schedule:     schedule,
	}, nil
}

func (t *cronTrigger) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.runner != nil {
		return nil
	}
	runner := cron.New(cron.WithParser(cronParser()))
	entry, err := runner.AddFunc(t.schedule, t.fire)
	if err != nil {
		return &plugin.Error{Kind: plugin.KindValidation, Code: plugin.CodeInvalidConfig, Message: "invalid cron schedule: " + err.Error()}
	}
	runner.Start()
	t.runner = runner
	t.entry = entry
	return nil
}

func (t *cronTrigger) Stop(ctx context.Context) error {
	t.mu.Lock()
	runner := t.runner
	t.runner = nil
	t.mu.Unlock()
	if runner == nil {
		return nil
	}

	// Stop returns a context that is done once running jobs finish.
	drained := runner.Stop()
	select {
	case <-drained.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// OnConfigChange swaps the schedule without tearing the runner down.
func (t *cronTrigger) OnConfigChange(ctx context.Context, cfg json.RawMessage) error {
	schedule, err := parseCronConfig(cfg)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.schedule = schedule
	if t.runner == nil {
		return nil
	}
	entry, err := t.runner.AddFunc(schedule, t.fire)
	if err != nil {
		return &plugin.Error{Kind: plugin.KindValidation, Code: plugin.CodeInvalidConfig, Message: "invalid cron schedule: " + err.Error()}
	}
	t.runner.Remove(t.entry)
	t.entry = entry
	return nil
}

func (t *cronTrigger) fire() {
	now := time.Now().UTC()
	payloadCtx, _ := json.Marshal(map[string]any{
		"schedule":    t.currentSchedule(),
		"scheduledAt": now.Format(time.RFC3339),
	})

	// Ticks outlive the Start call; emissions run under their own deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	eventID, err := t.services.Emit(ctx, plugin.TriggerPayload{
		Context:      payloadCtx,
		ScheduledFor: &now,
	})
	if err != nil {
		t.services.Logger.Warn("cron tick emit failed", "definition_id", t.definitionID, "err", err)
		return
	}
	t.services.Logger.Debug("cron tick emitted", "definition_id", t.definitionID, "event_id", eventID)
}

func (t *cronTrigger) currentSchedule() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.schedule
}

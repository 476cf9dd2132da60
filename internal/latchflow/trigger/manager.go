package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/latchflow/latchflow/internal/latchflow/audit"
	"github.com/latchflow/latchflow/internal/latchflow/db"
	"github.com/latchflow/latchflow/internal/latchflow/metrics"
	"github.com/latchflow/latchflow/internal/latchflow/plugin"
)

// Manager owns the live trigger runtimes, one per enabled definition.
// Runtimes emit through the manager so every firing gets the same audit
// sandwich regardless of which plugin produced it.
type Manager struct {
	store    *db.Store
	registry *plugin.Registry
	enc      *plugin.ConfigEncryption
	runner   *Runner
	audit    *audit.Recorder
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu       sync.Mutex
	runtimes map[string]*managedTrigger
}

type managedTrigger struct {
	ref     plugin.TriggerRef
	runtime plugin.TriggerRuntime
}

func NewManager(store *db.Store, registry *plugin.Registry, enc *plugin.ConfigEncryption, runner *Runner, rec *audit.Recorder, m *metrics.Metrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    store,
		registry: registry,
		enc:      enc,
		runner:   runner,
		audit:    rec,
		metrics:  m,
		logger:   logger.With("component", "trigger"),
		runtimes: make(map[string]*managedTrigger),
	}
}

// StartAll brings up a runtime for every enabled definition. Individual
// failures are logged and skipped so one broken definition cannot keep
// the rest down.
func (m *Manager) StartAll(ctx context.Context) error {
	defs, err := m.store.ListTriggerDefinitions(ctx, true)
	if err != nil {
		return fmt.Errorf("trigger: list enabled definitions: %w", err)
	}
	started := 0
	for _, def := range defs {
		if err := m.startTrigger(ctx, def); err != nil {
			m.logger.Error("trigger start failed", "definition_id", def.ID, "name", def.Name, "error", err)
			continue
		}
		started++
	}
	m.logger.Info("trigger runtimes started", "started", started, "total", len(defs))
	return nil
}

// StopAll stops every managed runtime in parallel and disposes the ones
// that ask for it. Errors are logged, never propagated; shutdown keeps
// going.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	running := m.runtimes
	m.runtimes = make(map[string]*managedTrigger)
	m.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for id, mt := range running {
		id, mt := id, mt
		g.Go(func() error {
			if err := mt.runtime.Stop(ctx); err != nil {
				m.logger.Warn("trigger stop failed", "definition_id", id, "error", err)
			}
			if d, ok := mt.runtime.(plugin.Disposer); ok {
				if err := d.Dispose(); err != nil {
					m.logger.Warn("trigger dispose failed", "definition_id", id, "error", err)
				}
			}
			return nil
		})
	}
	g.Wait()
	m.logger.Info("trigger runtimes stopped", "count", len(running))
}

// ReloadTrigger tears down the runtime for defID (if any) and starts a
// fresh one when the definition still exists and is enabled.
func (m *Manager) ReloadTrigger(ctx context.Context, defID string) error {
	m.stopOne(ctx, defID)

	def, err := m.store.GetTriggerDefinition(ctx, defID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("trigger: reload %s: %w", defID, err)
	}
	if !def.IsEnabled {
		return nil
	}
	return m.startTrigger(ctx, def)
}

// NotifyConfigChange hands the new (decrypted) config to a runtime that
// can hot-apply it; runtimes without OnConfigChange get a full reload.
func (m *Manager) NotifyConfigChange(ctx context.Context, defID string, cfg json.RawMessage) error {
	m.mu.Lock()
	mt, ok := m.runtimes[defID]
	m.mu.Unlock()
	if !ok {
		return m.ReloadTrigger(ctx, defID)
	}
	reloader, ok := mt.runtime.(plugin.ConfigReloader)
	if !ok {
		return m.ReloadTrigger(ctx, defID)
	}

	decrypted, err := m.enc.Decrypt(cfg)
	if err != nil {
		return fmt.Errorf("trigger: decrypt config for %s: %w", defID, err)
	}
	if err := reloader.OnConfigChange(ctx, decrypted); err != nil {
		return fmt.Errorf("trigger: apply config to %s: %w", defID, err)
	}
	return nil
}

// Fire records the audit sandwich around one firing and delegates the
// event + fan-out to the runner. Used by runtime emits and by the
// manual fire endpoint.
func (m *Manager) Fire(ctx context.Context, defID string, payload plugin.TriggerPayload) (string, error) {
	entry := m.auditEntry(ctx, defID)
	m.audit.Started(ctx, entry)

	eventID, err := m.runner.FireTriggerOnce(ctx, defID, payload)
	if err != nil {
		m.audit.Failed(ctx, entry, "", string(plugin.KindFatal), err.Error())
		return "", err
	}

	entry.TriggerEventID = eventID
	m.audit.Succeeded(ctx, entry, eventID)
	if m.metrics != nil {
		m.metrics.RecordTriggerFire(entry.CapabilityKey)
	}
	return eventID, nil
}

// Count reports how many runtimes are currently managed.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runtimes)
}

func (m *Manager) stopOne(ctx context.Context, defID string) {
	m.mu.Lock()
	mt, ok := m.runtimes[defID]
	delete(m.runtimes, defID)
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := mt.runtime.Stop(ctx); err != nil {
		m.logger.Warn("trigger stop failed", "definition_id", defID, "error", err)
	}
	if d, ok := mt.runtime.(plugin.Disposer); ok {
		if err := d.Dispose(); err != nil {
			m.logger.Warn("trigger dispose failed", "definition_id", defID, "error", err)
		}
	}
}

func (m *Manager) startTrigger(ctx context.Context, def *db.TriggerDefinition) error {
	ref, err := m.registry.RequireTriggerByID(def.CapabilityID)
	if err != nil {
		return fmt.Errorf("trigger: start %s: %w", def.ID, err)
	}

	cfg, err := m.enc.Decrypt(def.Config)
	if err != nil {
		return fmt.Errorf("trigger: decrypt config for %s: %w", def.ID, err)
	}

	defID := def.ID
	tc := plugin.TriggerContext{
		DefinitionID: defID,
		Capability:   ref.Capability,
		PluginName:   ref.PluginName,
		Config:       cfg,
		Services: plugin.TriggerServices{
			Logger: m.logger.With("definition_id", defID, "capability", ref.Capability.Key),
			Emit: func(ctx context.Context, payload plugin.TriggerPayload) (string, error) {
				return m.Fire(ctx, defID, payload)
			},
		},
	}

	runtime, err := ref.Factory(tc)
	if err != nil {
		return fmt.Errorf("trigger: build runtime for %s: %w", def.ID, err)
	}
	if runtime == nil {
		return &plugin.Error{
			Kind:    plugin.KindFatal,
			Code:    plugin.CodeInvalidRuntime,
			Message: fmt.Sprintf("factory for %s/%s produced no runtime", ref.PluginName, ref.Capability.Key),
		}
	}
	if err := runtime.Start(ctx); err != nil {
		return fmt.Errorf("trigger: start runtime for %s: %w", def.ID, err)
	}

	m.mu.Lock()
	prior, had := m.runtimes[defID]
	m.runtimes[defID] = &managedTrigger{ref: ref, runtime: runtime}
	m.mu.Unlock()
	if had {
		// Lost a reload race; retire the older runtime.
		if err := prior.runtime.Stop(ctx); err != nil {
			m.logger.Warn("stale trigger stop failed", "definition_id", defID, "error", err)
		}
	}

	m.logger.Info("trigger runtime started",
		"definition_id", defID, "name", def.Name,
		"plugin", ref.PluginName, "capability", ref.Capability.Key)
	return nil
}

// auditEntry resolves the audit identity for a definition, preferring
// the managed runtime's ref and falling back to store + registry for
// manual fires of unmanaged definitions.
func (m *Manager) auditEntry(ctx context.Context, defID string) audit.Entry {
	entry := audit.Entry{Kind: db.CapabilityKindTrigger, DefinitionID: defID}

	m.mu.Lock()
	mt, ok := m.runtimes[defID]
	m.mu.Unlock()
	if ok {
		entry.PluginName = mt.ref.PluginName
		entry.CapabilityKey = mt.ref.Capability.Key
		return entry
	}

	def, err := m.store.GetTriggerDefinition(ctx, defID)
	if err != nil {
		return entry
	}
	if ref, err := m.registry.RequireTriggerByID(def.CapabilityID); err == nil {
		entry.PluginName = ref.PluginName
		entry.CapabilityKey = ref.Capability.Key
	}
	return entry
}

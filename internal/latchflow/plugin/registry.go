package plugin

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/latchflow/latchflow/internal/latchflow/db"
)

// Capability describes one registered trigger or action kind.
type Capability struct {
	ID           string
	PluginID     string
	Kind         string
	Key          string
	DisplayName  string
	ConfigSchema string
}

// TriggerRef binds a trigger capability to its factory.
type TriggerRef struct {
	PluginName string
	Capability Capability
	Factory    TriggerFactory
}

// ActionRef binds an action capability to its factory.
type ActionRef struct {
	PluginName string
	Capability Capability
	Factory    ActionFactory
}

// Registry indexes capabilities by id and by (pluginName, key). It is safe
// for concurrent use; registration happens at startup, lookups at runtime.
type Registry struct {
	mu         sync.RWMutex
	triggers   map[string]TriggerRef
	actions    map[string]ActionRef
	triggerKey map[string]string
	actionKey  map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		triggers:   make(map[string]TriggerRef),
		actions:    make(map[string]ActionRef),
		triggerKey: make(map[string]string),
		actionKey:  make(map[string]string),
	}
}

func capKey(pluginName, key string) string {
	return pluginName + "\x00" + key
}

func (r *Registry) RegisterTrigger(ref TriggerRef) error {
	if ref.Capability.ID == "" || ref.Factory == nil {
		return fmt.Errorf("plugin: register trigger %s/%s: incomplete ref", ref.PluginName, ref.Capability.Key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.triggers[ref.Capability.ID]; exists {
		return fmt.Errorf("plugin: trigger capability %s already registered", ref.Capability.ID)
	}
	r.triggers[ref.Capability.ID] = ref
	r.triggerKey[capKey(ref.PluginName, ref.Capability.Key)] = ref.Capability.ID
	slog.Debug("plugin: registered trigger capability",
		"plugin", ref.PluginName, "key", ref.Capability.Key, "capability_id", ref.Capability.ID)
	return nil
}

func (r *Registry) RegisterAction(ref ActionRef) error {
	if ref.Capability.ID == "" || ref.Factory == nil {
		return fmt.Errorf("plugin: register action %s/%s: incomplete ref", ref.PluginName, ref.Capability.Key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.actions[ref.Capability.ID]; exists {
		return fmt.Errorf("plugin: action capability %s already registered", ref.Capability.ID)
	}
	r.actions[ref.Capability.ID] = ref
	r.actionKey[capKey(ref.PluginName, ref.Capability.Key)] = ref.Capability.ID
	slog.Debug("plugin: registered action capability",
		"plugin", ref.PluginName, "key", ref.Capability.Key, "capability_id", ref.Capability.ID)
	return nil
}

// RequireTriggerByID resolves a trigger capability or fails with
// CAPABILITY_NOT_FOUND. A miss usually means a stale definition row or a
// registration race during reload.
func (r *Registry) RequireTriggerByID(id string) (TriggerRef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ref, ok := r.triggers[id]
	if !ok {
		return TriggerRef{}, &Error{
			Kind:    KindFatal,
			Code:    CodeCapabilityNotFound,
			Message: fmt.Sprintf("trigger capability %s is not registered", id),
		}
	}
	return ref, nil
}

// RequireActionByID resolves an action capability or fails with
// CAPABILITY_NOT_FOUND.
func (r *Registry) RequireActionByID(id string) (ActionRef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ref, ok := r.actions[id]
	if !ok {
		return ActionRef{}, &Error{
			Kind:    KindFatal,
			Code:    CodeCapabilityNotFound,
			Message: fmt.Sprintf("action capability %s is not registered", id),
		}
	}
	return ref, nil
}

func (r *Registry) TriggerByKey(pluginName, key string) (TriggerRef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.triggerKey[capKey(pluginName, key)]
	if !ok {
		return TriggerRef{}, false
	}
	ref, ok := r.triggers[id]
	return ref, ok
}

func (r *Registry) ActionByKey(pluginName, key string) (ActionRef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.actionKey[capKey(pluginName, key)]
	if !ok {
		return ActionRef{}, false
	}
	ref, ok := r.actions[id]
	return ref, ok
}

// Capabilities lists every registered capability, triggers first, each group
// ordered by plugin name then key.
func (r *Registry) Capabilities() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Capability, 0, len(r.triggers)+len(r.actions))
	for _, ref := range r.triggers {
		out = append(out, ref.Capability)
	}
	for _, ref := range r.actions {
		out = append(out, ref.Capability)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind > out[j].Kind
		}
		if out[i].PluginID != out[j].PluginID {
			return out[i].PluginID < out[j].PluginID
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// --- DB-backed registration ---

// Registrar persists plugin and capability rows while wiring factories into
// a registry. Registration is idempotent so startup rediscovery reuses
// existing capability ids.
type Registrar struct {
	Store    *db.Store
	Registry *Registry
}

// CapabilitySpec declares one capability a plugin offers.
type CapabilitySpec struct {
	Key          string
	DisplayName  string
	ConfigSchema string
}

// Plugin upserts the plugin row registration hangs off of.
func (r *Registrar) Plugin(ctx context.Context, name, description string) (*db.Plugin, error) {
	p, err := r.Store.UpsertPlugin(ctx, name, description)
	if err != nil {
		return nil, fmt.Errorf("plugin: upsert plugin %s: %w", name, err)
	}
	return p, nil
}

// Trigger persists the capability row and registers its factory.
func (r *Registrar) Trigger(ctx context.Context, p *db.Plugin, spec CapabilitySpec, factory TriggerFactory) error {
	c, err := r.upsertCapability(ctx, p, db.CapabilityKindTrigger, spec)
	if err != nil {
		return err
	}
	return r.Registry.RegisterTrigger(TriggerRef{
		PluginName: p.Name,
		Capability: c,
		Factory:    factory,
	})
}

// Action persists the capability row and registers its factory.
func (r *Registrar) Action(ctx context.Context, p *db.Plugin, spec CapabilitySpec, factory ActionFactory) error {
	c, err := r.upsertCapability(ctx, p, db.CapabilityKindAction, spec)
	if err != nil {
		return err
	}
	return r.Registry.RegisterAction(ActionRef{
		PluginName: p.Name,
		Capability: c,
		Factory:    factory,
	})
}

func (r *Registrar) upsertCapability(ctx context.Context, p *db.Plugin, kind string, spec CapabilitySpec) (Capability, error) {
	row := &db.PluginCapability{
		PluginID:    p.ID,
		Kind:        kind,
		Key:         spec.Key,
		DisplayName: spec.DisplayName,
		IsEnabled:   true,
	}
	if spec.ConfigSchema != "" {
		row.ConfigSchema = sql.NullString{String: spec.ConfigSchema, Valid: true}
	}
	stored, err := r.Store.UpsertCapability(ctx, row)
	if err != nil {
		return Capability{}, fmt.Errorf("plugin: upsert capability %s/%s: %w", p.Name, spec.Key, err)
	}
	return capabilityFromRow(stored), nil
}

func capabilityFromRow(row *db.PluginCapability) Capability {
	c := Capability{
		ID:          row.ID,
		PluginID:    row.PluginID,
		Kind:        row.Kind,
		Key:         row.Key,
		DisplayName: row.DisplayName,
	}
	if row.ConfigSchema.Valid {
		c.ConfigSchema = row.ConfigSchema.String
	}
	return c
}

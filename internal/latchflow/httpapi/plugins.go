package httpapi

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/latchflow/latchflow/internal/latchflow/db"
	"github.com/latchflow/latchflow/internal/latchflow/history"
	"github.com/latchflow/latchflow/internal/latchflow/plugin"
	"github.com/latchflow/latchflow/internal/latchflow/queue"
)

func (s *Server) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	plugins, err := s.store.ListPlugins(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(plugins))
	for _, p := range plugins {
		out = append(out, pluginJSON(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListCapabilities(w http.ResponseWriter, r *http.Request) {
	caps, err := s.store.ListCapabilities(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(caps))
	for _, c := range caps {
		out = append(out, capabilityJSON(c))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleToggleCapability flips a capability's enabled flag. Existing
// definitions keep running; the flag only gates new ones.
func (s *Server) handleToggleCapability(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		IsEnabled *bool `json:"is_enabled"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.IsEnabled == nil {
		badRequest(w, "is_enabled is required")
		return
	}
	if _, err := s.store.GetCapability(r.Context(), id); err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := s.store.SetCapabilityEnabled(r.Context(), id, *req.IsEnabled); err != nil {
		s.respondError(w, r, err)
		return
	}
	caps, err := s.store.ListCapabilities(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	for _, c := range caps {
		if c.ID == id {
			writeJSON(w, http.StatusOK, capabilityJSON(c))
			return
		}
	}
	s.respondError(w, r, db.ErrNotFound)
}

func (s *Server) handleListTriggers(w http.ResponseWriter, r *http.Request) {
	defs, err := s.store.ListTriggerDefinitions(r.Context(), false)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(defs))
	for _, d := range defs {
		cfg, err := s.enc.Decrypt(d.Config)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		out = append(out, triggerJSON(d, cfg))
	}
	writeJSON(w, http.StatusOK, out)
}

type definitionRequest struct {
	Name         string          `json:"name"`
	CapabilityID string          `json:"capability_id"`
	Config       json.RawMessage `json:"config"`
	IsEnabled    *bool           `json:"is_enabled"`
}

// checkTriggerCapability resolves and gates the capability for a new or
// re-pointed trigger definition. On error the response is written.
func (s *Server) checkTriggerCapability(w http.ResponseWriter, r *http.Request, capabilityID string, config json.RawMessage) bool {
	row, err := s.store.GetCapability(r.Context(), capabilityID)
	if err != nil {
		s.respondError(w, r, err)
		return false
	}
	if row.Kind != db.CapabilityKindTrigger {
		badRequest(w, "capability is not a trigger")
		return false
	}
	if !row.IsEnabled {
		writeError(w, http.StatusConflict, "CONFLICT", "capability is disabled")
		return false
	}
	ref, err := s.registry.RequireTriggerByID(capabilityID)
	if err != nil {
		badRequest(w, "capability has no registered runtime")
		return false
	}
	if err := plugin.ValidateConfig(ref.Capability, config); err != nil {
		s.respondError(w, r, err)
		return false
	}
	return true
}

func (s *Server) checkActionCapability(w http.ResponseWriter, r *http.Request, capabilityID string, config json.RawMessage) bool {
	row, err := s.store.GetCapability(r.Context(), capabilityID)
	if err != nil {
		s.respondError(w, r, err)
		return false
	}
	if row.Kind != db.CapabilityKindAction {
		badRequest(w, "capability is not an action")
		return false
	}
	if !row.IsEnabled {
		writeError(w, http.StatusConflict, "CONFLICT", "capability is disabled")
		return false
	}
	ref, err := s.registry.RequireActionByID(capabilityID)
	if err != nil {
		badRequest(w, "capability has no registered runtime")
		return false
	}
	if err := plugin.ValidateConfig(ref.Capability, config); err != nil {
		s.respondError(w, r, err)
		return false
	}
	return true
}

func (s *Server) handleCreateTrigger(w http.ResponseWriter, r *http.Request) {
	var req definitionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || req.CapabilityID == "" {
		badRequest(w, "name and capability_id are required")
		return
	}
	if !s.checkTriggerCapability(w, r, req.CapabilityID, req.Config) {
		return
	}
	stored, err := s.enc.Encrypt(req.Config)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	userID := identityUserID(r.Context())
	d := &db.TriggerDefinition{
		CapabilityID: req.CapabilityID,
		Name:         req.Name,
		Config:       stored,
		IsEnabled:    true,
		CreatedBy:    sql.NullString{String: userID, Valid: userID != ""},
	}
	if req.IsEnabled != nil {
		d.IsEnabled = *req.IsEnabled
	}
	actor := actorFrom(r.Context())
	err = s.store.RunInTransaction(r.Context(), func(tx *sql.Tx) error {
		if err := db.CreateTriggerDefinitionTx(r.Context(), tx, d); err != nil {
			return err
		}
		_, err := s.history.RecordTx(r.Context(), tx, history.EntityTriggerDefinition, d.ID,
			history.TriggerDefinitionState(d),
			history.Change{Kind: db.ChangeUpdateParent, Note: "created", Actor: actor})
		return err
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if d.IsEnabled {
		if err := s.triggers.ReloadTrigger(r.Context(), d.ID); err != nil {
			s.log.Warn("start trigger runtime", "definition_id", d.ID, "error", err)
		}
	}
	writeJSON(w, http.StatusCreated, triggerJSON(d, req.Config))
}

func (s *Server) handleGetTrigger(w http.ResponseWriter, r *http.Request) {
	d, err := s.store.GetTriggerDefinition(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	cfg, err := s.enc.Decrypt(d.Config)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, triggerJSON(d, cfg))
}

type definitionUpdateRequest struct {
	Name      *string         `json:"name"`
	Config    json.RawMessage `json:"config"`
	IsEnabled *bool           `json:"is_enabled"`
}

func (s *Server) handleUpdateTrigger(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req definitionUpdateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	d, err := s.store.GetTriggerDefinition(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			badRequest(w, "name must not be empty")
			return
		}
		d.Name = name
	}
	configChanged := len(req.Config) > 0
	if configChanged {
		if !s.checkTriggerCapability(w, r, d.CapabilityID, req.Config) {
			return
		}
		stored, err := s.enc.Encrypt(req.Config)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		d.Config = stored
	}
	enabledChanged := req.IsEnabled != nil && *req.IsEnabled != d.IsEnabled
	if req.IsEnabled != nil {
		d.IsEnabled = *req.IsEnabled
	}
	userID := identityUserID(r.Context())
	d.UpdatedBy = sql.NullString{String: userID, Valid: userID != ""}
	actor := actorFrom(r.Context())
	err = s.store.RunInTransaction(r.Context(), func(tx *sql.Tx) error {
		if err := db.UpdateTriggerDefinitionTx(r.Context(), tx, d); err != nil {
			return err
		}
		_, err := s.history.RecordTx(r.Context(), tx, history.EntityTriggerDefinition, d.ID,
			history.TriggerDefinitionState(d),
			history.Change{Kind: db.ChangeUpdateParent, Note: "updated", Actor: actor})
		return err
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	// Runtime follow-up: enable/disable wants a full reload, a config-only
	// change can hot-apply.
	switch {
	case enabledChanged:
		if err := s.triggers.ReloadTrigger(r.Context(), d.ID); err != nil {
			s.log.Warn("reload trigger runtime", "definition_id", d.ID, "error", err)
		}
	case configChanged && d.IsEnabled:
		if err := s.triggers.NotifyConfigChange(r.Context(), d.ID, d.Config); err != nil {
			s.log.Warn("apply trigger config", "definition_id", d.ID, "error", err)
		}
	}

	cfg, err := s.enc.Decrypt(d.Config)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, triggerJSON(d, cfg))
}

func (s *Server) handleDeleteTrigger(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.store.DeleteTriggerDefinition(r.Context(), id); err != nil {
		s.respondError(w, r, err)
		return
	}
	// The definition row is gone, so reload reduces to a stop.
	if err := s.triggers.ReloadTrigger(r.Context(), id); err != nil {
		s.log.Warn("stop trigger runtime", "definition_id", id, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

type fireRequest struct {
	Context json.RawMessage `json:"context"`
}

func (s *Server) handleFireTrigger(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req fireRequest
	if r.ContentLength > 0 && !decodeJSON(w, r, &req) {
		return
	}
	if _, err := s.store.GetTriggerDefinition(r.Context(), id); err != nil {
		s.respondError(w, r, err)
		return
	}
	eventID, err := s.triggers.Fire(r.Context(), id, plugin.TriggerPayload{Context: req.Context})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"event_id": eventID})
}

func (s *Server) handleTriggerEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.store.GetTriggerDefinition(r.Context(), id); err != nil {
		s.respondError(w, r, err)
		return
	}
	events, err := s.store.ListTriggerEvents(r.Context(), id, queryLimit(r, 50))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(events))
	for _, ev := range events {
		out = append(out, eventJSON(ev))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	defs, err := s.store.ListActionDefinitions(r.Context(), false)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(defs))
	for _, d := range defs {
		cfg, err := s.enc.Decrypt(d.Config)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		out = append(out, actionJSON(d, cfg))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateAction(w http.ResponseWriter, r *http.Request) {
	var req definitionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || req.CapabilityID == "" {
		badRequest(w, "name and capability_id are required")
		return
	}
	if !s.checkActionCapability(w, r, req.CapabilityID, req.Config) {
		return
	}
	stored, err := s.enc.Encrypt(req.Config)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	userID := identityUserID(r.Context())
	d := &db.ActionDefinition{
		CapabilityID: req.CapabilityID,
		Name:         req.Name,
		Config:       stored,
		IsEnabled:    true,
		CreatedBy:    sql.NullString{String: userID, Valid: userID != ""},
	}
	if req.IsEnabled != nil {
		d.IsEnabled = *req.IsEnabled
	}
	actor := actorFrom(r.Context())
	err = s.store.RunInTransaction(r.Context(), func(tx *sql.Tx) error {
		if err := db.CreateActionDefinitionTx(r.Context(), tx, d); err != nil {
			return err
		}
		_, err := s.history.RecordTx(r.Context(), tx, history.EntityActionDefinition, d.ID,
			history.ActionDefinitionState(d),
			history.Change{Kind: db.ChangeUpdateParent, Note: "created", Actor: actor})
		return err
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, actionJSON(d, req.Config))
}

func (s *Server) handleGetAction(w http.ResponseWriter, r *http.Request) {
	d, err := s.store.GetActionDefinition(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	cfg, err := s.enc.Decrypt(d.Config)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, actionJSON(d, cfg))
}

// handleUpdateAction persists the new definition; running invocations keep
// the config they started with, the next dispatch reads the new one.
func (s *Server) handleUpdateAction(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req definitionUpdateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	d, err := s.store.GetActionDefinition(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			badRequest(w, "name must not be empty")
			return
		}
		d.Name = name
	}
	if len(req.Config) > 0 {
		if !s.checkActionCapability(w, r, d.CapabilityID, req.Config) {
			return
		}
		stored, err := s.enc.Encrypt(req.Config)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		d.Config = stored
	}
	if req.IsEnabled != nil {
		d.IsEnabled = *req.IsEnabled
	}
	userID := identityUserID(r.Context())
	d.UpdatedBy = sql.NullString{String: userID, Valid: userID != ""}
	actor := actorFrom(r.Context())
	err = s.store.RunInTransaction(r.Context(), func(tx *sql.Tx) error {
		if err := db.UpdateActionDefinitionTx(r.Context(), tx, d); err != nil {
			return err
		}
		_, err := s.history.RecordTx(r.Context(), tx, history.EntityActionDefinition, d.ID,
			history.ActionDefinitionState(d),
			history.Change{Kind: db.ChangeUpdateParent, Note: "updated", Actor: actor})
		return err
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	cfg, err := s.enc.Decrypt(d.Config)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, actionJSON(d, cfg))
}

func (s *Server) handleDeleteAction(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteActionDefinition(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type invokeRequest struct {
	Context json.RawMessage `json:"context"`
}

// handleInvokeAction queues a manual test run. Disabled definitions are
// still queued; the consumer records them as skipped, which is exactly
// the audit trail a manual test of a disabled action should leave.
func (s *Server) handleInvokeAction(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req invokeRequest
	if r.ContentLength > 0 && !decodeJSON(w, r, &req) {
		return
	}
	if _, err := s.store.GetActionDefinition(r.Context(), id); err != nil {
		s.respondError(w, r, err)
		return
	}
	msg := queue.ActionMessage{
		ActionDefinitionID: id,
		ManualInvokerID:    identityUserID(r.Context()),
		Context:            req.Context,
	}
	if err := s.queue.EnqueueAction(r.Context(), msg); err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued"})
}

func (s *Server) handleActionInvocations(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.store.GetActionDefinition(r.Context(), id); err != nil {
		s.respondError(w, r, err)
		return
	}
	invocations, err := s.store.ListActionInvocations(r.Context(), id, queryLimit(r, 50))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(invocations))
	for _, inv := range invocations {
		out = append(out, invocationJSON(inv))
	}
	writeJSON(w, http.StatusOK, out)
}

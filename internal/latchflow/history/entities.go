package history

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/latchflow/latchflow/internal/latchflow/db"
)

// The serializers below fix the historical shape of each tracked
// aggregate. Children are embedded ordered by (sortOrder, id) so equal
// logical states always digest equally. Absent optionals are omitted
// rather than serialized as null, because a merge-patch null means
// "remove the key" on replay.

// TriggerDefinitionState serializes a trigger definition.
func TriggerDefinitionState(d *db.TriggerDefinition) map[string]any {
	return map[string]any{
		"id":           d.ID,
		"capabilityId": d.CapabilityID,
		"name":         d.Name,
		"config":       rawJSON(d.Config),
		"isEnabled":    d.IsEnabled,
		"createdAt":    stamp(d.CreatedAt),
	}
}

// ActionDefinitionState serializes an action definition.
func ActionDefinitionState(d *db.ActionDefinition) map[string]any {
	return map[string]any{
		"id":           d.ID,
		"capabilityId": d.CapabilityID,
		"name":         d.Name,
		"config":       rawJSON(d.Config),
		"isEnabled":    d.IsEnabled,
		"createdAt":    stamp(d.CreatedAt),
	}
}

// PipelineState serializes a pipeline with its steps and attached
// triggers.
func PipelineState(p *db.Pipeline, steps []*db.PipelineStep, triggers []*db.PipelineTrigger) map[string]any {
	stepStates := make([]any, 0, len(steps))
	for _, st := range steps {
		stepStates = append(stepStates, map[string]any{
			"id":        st.ID,
			"actionId":  st.ActionID,
			"sortOrder": st.SortOrder,
			"isEnabled": st.IsEnabled,
		})
	}
	triggerStates := make([]any, 0, len(triggers))
	for _, pt := range triggers {
		triggerStates = append(triggerStates, map[string]any{
			"id":        pt.ID,
			"triggerId": pt.TriggerID,
			"sortOrder": pt.SortOrder,
			"isEnabled": pt.IsEnabled,
		})
	}
	state := map[string]any{
		"id":        p.ID,
		"name":      p.Name,
		"isEnabled": p.IsEnabled,
		"createdAt": stamp(p.CreatedAt),
		"steps":     stepStates,
		"triggers":  triggerStates,
	}
	setOptional(state, "description", p.Description)
	return state
}

// BundleState serializes a bundle with its objects. The build pointer
// (storagePath, checksum, digest) is deliberately excluded: rebuilding the
// same logical content must not create a new version.
func BundleState(b *db.Bundle, objects []*db.BundleObjectWithFile) map[string]any {
	objectStates := make([]any, 0, len(objects))
	for _, o := range objects {
		objectStates = append(objectStates, map[string]any{
			"id":        o.BundleObject.ID,
			"fileId":    o.FileID,
			"sortOrder": o.SortOrder,
			"required":  o.Required,
			"isEnabled": o.BundleObject.IsEnabled,
		})
	}
	state := map[string]any{
		"id":        b.ID,
		"name":      b.Name,
		"isEnabled": b.IsEnabled,
		"createdAt": stamp(b.CreatedAt),
		"objects":   objectStates,
	}
	setOptional(state, "description", b.Description)
	return state
}

// RecipientState serializes a recipient with its assignments.
func RecipientState(r *db.Recipient, assignments []*db.BundleAssignment) map[string]any {
	assignmentStates := make([]any, 0, len(assignments))
	for _, a := range assignments {
		as := map[string]any{
			"id":        a.ID,
			"bundleId":  a.BundleID,
			"isEnabled": a.IsEnabled,
		}
		if a.MaxDownloads.Valid {
			as["maxDownloads"] = a.MaxDownloads.Int64
		}
		if a.CooldownSeconds.Valid {
			as["cooldownSeconds"] = a.CooldownSeconds.Int64
		}
		assignmentStates = append(assignmentStates, as)
	}
	state := map[string]any{
		"id":          r.ID,
		"email":       r.Email,
		"isEnabled":   r.IsEnabled,
		"createdAt":   stamp(r.CreatedAt),
		"assignments": assignmentStates,
	}
	setOptional(state, "name", r.Name)
	return state
}

func rawJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

func setOptional(state map[string]any, key string, s sql.NullString) {
	if s.Valid {
		state[key] = s.String
	}
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

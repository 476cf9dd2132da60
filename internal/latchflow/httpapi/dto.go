package httpapi

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/latchflow/latchflow/common/redact"
	"github.com/latchflow/latchflow/internal/latchflow/db"
)

// Response bodies are built as maps so handlers can splice in
// request-scoped extras (a raw token at issue time, build state, counts)
// without a one-off struct per endpoint. Null columns are omitted rather
// than serialized as JSON null.

func userJSON(u *db.User) map[string]any {
	m := map[string]any{
		"id":         u.ID,
		"email":      u.Email,
		"is_admin":   u.IsAdmin,
		"created_at": u.CreatedAt,
	}
	setOptString(m, "name", u.Name)
	return m
}

func recipientJSON(rec *db.Recipient) map[string]any {
	m := map[string]any{
		"id":         rec.ID,
		"email":      rec.Email,
		"is_enabled": rec.IsEnabled,
		"created_at": rec.CreatedAt,
		"updated_at": rec.UpdatedAt,
	}
	setOptString(m, "name", rec.Name)
	return m
}

func tokenJSON(t *db.APIToken) map[string]any {
	m := map[string]any{
		"id":         t.ID,
		"prefix":     t.Prefix,
		"scopes":     t.Scopes,
		"created_at": t.CreatedAt,
	}
	setOptString(m, "name", t.Name)
	setOptTime(m, "expires_at", t.ExpiresAt)
	setOptTime(m, "revoked_at", t.RevokedAt)
	setOptTime(m, "last_used_at", t.LastUsedAt)
	return m
}

func bundleJSON(b *db.Bundle) map[string]any {
	m := map[string]any{
		"id":         b.ID,
		"name":       b.Name,
		"is_enabled": b.IsEnabled,
		"created_at": b.CreatedAt,
		"updated_at": b.UpdatedAt,
	}
	setOptString(m, "description", b.Description)
	if b.StoragePath != "" {
		m["storage_path"] = b.StoragePath
	}
	if b.Checksum != "" {
		m["checksum"] = b.Checksum
	}
	if b.BundleDigest != "" {
		m["digest"] = b.BundleDigest
	}
	return m
}

func bundleObjectJSON(o *db.BundleObjectWithFile) map[string]any {
	return map[string]any{
		"id":           o.ID,
		"bundle_id":    o.BundleID,
		"file_id":      o.FileID,
		"file_key":     o.File.Key,
		"sort_order":   o.SortOrder,
		"required":     o.Required,
		"is_enabled":   o.IsEnabled,
		"size":         o.File.Size,
		"content_type": o.File.ContentType,
	}
}

func fileJSON(f *db.File) map[string]any {
	m := map[string]any{
		"id":           f.ID,
		"key":          f.Key,
		"storage_key":  f.StorageKey,
		"size":         f.Size,
		"content_type": f.ContentType,
		"content_hash": f.ContentHash,
		"created_at":   f.CreatedAt,
		"updated_at":   f.UpdatedAt,
	}
	setOptString(m, "etag", f.ETag)
	if f.Metadata.Valid && f.Metadata.String != "" {
		m["metadata"] = json.RawMessage(f.Metadata.String)
	}
	return m
}

func assignmentJSON(a *db.BundleAssignment) map[string]any {
	m := map[string]any{
		"id":           a.ID,
		"bundle_id":    a.BundleID,
		"recipient_id": a.RecipientID,
		"is_enabled":   a.IsEnabled,
		"created_at":   a.CreatedAt,
	}
	setOptInt(m, "max_downloads", a.MaxDownloads)
	setOptInt(m, "cooldown_seconds", a.CooldownSeconds)
	setOptTime(m, "last_download_at", a.LastDownloadAt)
	return m
}

func assignmentBundleJSON(a *db.AssignmentWithBundle) map[string]any {
	m := assignmentJSON(&a.BundleAssignment)
	m["bundle_name"] = a.BundleName
	if a.BundleDigest != "" {
		m["bundle_digest"] = a.BundleDigest
	}
	return m
}

func downloadEventJSON(ev *db.DownloadEvent) map[string]any {
	return map[string]any{
		"id":            ev.ID,
		"assignment_id": ev.AssignmentID,
		"downloaded_at": ev.DownloadedAt,
		"ip":            ev.IP,
		"user_agent":    ev.UserAgent,
	}
}

// triggerJSON and actionJSON take the config separately because rows hold
// it encrypted; callers pass the decrypted bytes.
func triggerJSON(d *db.TriggerDefinition, config json.RawMessage) map[string]any {
	m := map[string]any{
		"id":            d.ID,
		"capability_id": d.CapabilityID,
		"name":          d.Name,
		"config":        rawOrNull(config),
		"is_enabled":    d.IsEnabled,
		"created_at":    d.CreatedAt,
		"updated_at":    d.UpdatedAt,
	}
	setOptString(m, "created_by", d.CreatedBy)
	setOptString(m, "updated_by", d.UpdatedBy)
	return m
}

func actionJSON(d *db.ActionDefinition, config json.RawMessage) map[string]any {
	m := map[string]any{
		"id":            d.ID,
		"capability_id": d.CapabilityID,
		"name":          d.Name,
		"config":        rawOrNull(config),
		"is_enabled":    d.IsEnabled,
		"created_at":    d.CreatedAt,
		"updated_at":    d.UpdatedAt,
	}
	setOptString(m, "created_by", d.CreatedBy)
	setOptString(m, "updated_by", d.UpdatedBy)
	return m
}

func pipelineJSON(p *db.Pipeline, steps []*db.PipelineStep, triggers []*db.PipelineTrigger) map[string]any {
	stepOut := make([]map[string]any, 0, len(steps))
	for _, st := range steps {
		stepOut = append(stepOut, map[string]any{
			"id":         st.ID,
			"action_id":  st.ActionID,
			"sort_order": st.SortOrder,
			"is_enabled": st.IsEnabled,
		})
	}
	trigOut := make([]map[string]any, 0, len(triggers))
	for _, pt := range triggers {
		trigOut = append(trigOut, map[string]any{
			"id":         pt.ID,
			"trigger_id": pt.TriggerID,
			"sort_order": pt.SortOrder,
			"is_enabled": pt.IsEnabled,
		})
	}
	m := map[string]any{
		"id":         p.ID,
		"name":       p.Name,
		"is_enabled": p.IsEnabled,
		"steps":      stepOut,
		"triggers":   trigOut,
		"created_at": p.CreatedAt,
		"updated_at": p.UpdatedAt,
	}
	setOptString(m, "description", p.Description)
	return m
}

func eventJSON(ev *db.TriggerEvent) map[string]any {
	m := map[string]any{
		"id":                    ev.ID,
		"trigger_definition_id": ev.TriggerDefinitionID,
		"created_at":            ev.CreatedAt,
	}
	if ev.Context.Valid && ev.Context.String != "" {
		m["context"] = json.RawMessage(ev.Context.String)
	}
	return m
}

// invocationJSON redacts result payloads; action plugins echo parts of
// their config there and those parts can hold credentials.
func invocationJSON(inv *db.ActionInvocation) map[string]any {
	m := map[string]any{
		"id":                   inv.ID,
		"action_definition_id": inv.ActionDefinitionID,
		"status":               inv.Status,
		"attempt":              inv.Attempt,
		"created_at":           inv.CreatedAt,
	}
	setOptString(m, "trigger_event_id", inv.TriggerEventID)
	setOptString(m, "manual_invoker_id", inv.ManualInvokerID)
	setOptTime(m, "retry_at", inv.RetryAt)
	setOptTime(m, "completed_at", inv.CompletedAt)
	if inv.Result.Valid && inv.Result.String != "" {
		m["result"] = redactedJSON(inv.Result.String)
	}
	return m
}

func pluginJSON(p *db.Plugin) map[string]any {
	m := map[string]any{
		"id":         p.ID,
		"name":       p.Name,
		"created_at": p.CreatedAt,
	}
	setOptString(m, "description", p.Description)
	return m
}

func capabilityJSON(c *db.CapabilityWithPlugin) map[string]any {
	m := map[string]any{
		"id":           c.ID,
		"plugin_id":    c.PluginID,
		"plugin_name":  c.PluginName,
		"kind":         c.Kind,
		"key":          c.Key,
		"display_name": c.DisplayName,
		"is_enabled":   c.IsEnabled,
	}
	if c.ConfigSchema.Valid && c.ConfigSchema.String != "" {
		m["config_schema"] = json.RawMessage(c.ConfigSchema.String)
	}
	return m
}

func changeRowJSON(row *db.ChangeLogRow) map[string]any {
	m := map[string]any{
		"version":     row.Version,
		"is_snapshot": row.IsSnapshot,
		"kind":        row.ChangeKind,
		"actor_type":  row.ActorType,
		"created_at":  row.CreatedAt,
	}
	setOptString(m, "note", row.ChangeNote)
	setOptString(m, "path", row.ChangedPath)
	setOptString(m, "actor_user_id", row.ActorUserID)
	setOptString(m, "actor_invocation_id", row.ActorInvocationID)
	setOptString(m, "actor_action_definition_id", row.ActorActionDefinitionID)
	setOptString(m, "on_behalf_of_user_id", row.OnBehalfOfUserID)
	return m
}

// redactedJSON blanks secret-looking keys in a stored JSON object. Payloads
// that are not objects pass through verbatim.
func redactedJSON(raw string) any {
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return json.RawMessage(raw)
	}
	return redact.Map(obj)
}

func rawOrNull(raw json.RawMessage) any {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}

func setOptString(m map[string]any, key string, v sql.NullString) {
	if v.Valid && v.String != "" {
		m[key] = v.String
	}
}

func setOptTime(m map[string]any, key string, v sql.NullTime) {
	if v.Valid {
		m[key] = v.Time
	}
}

func setOptInt(m map[string]any, key string, v sql.NullInt64) {
	if v.Valid {
		m[key] = v.Int64
	}
}

func daysToDuration(days int) time.Duration {
	return time.Duration(days) * 24 * time.Hour
}

// queryLimit reads ?limit=N, clamped to keep listings bounded.
func queryLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	if n > 500 {
		return 500
	}
	return n
}

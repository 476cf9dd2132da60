package httpapi

import (
	"net/http"
	"time"

	"github.com/latchflow/latchflow/common/version"
)

// handleHealthz is the liveness probe: process up, database reachable.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.log.Warn("health check failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "database unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleStatus is the authenticated operational snapshot.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"version":          s.version,
		"uptime_seconds":   int64(time.Since(s.started).Seconds()),
		"triggers_running": s.triggers.Count(),
		"policy_rules":     s.authz.RuleCount(),
		"storage_presign":  s.storage.SupportsSignedPut(),
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	v := s.version
	if v == "" {
		v = version.Version
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": v,
		"commit":  version.GitCommit,
		"built":   version.BuildTime,
	})
}

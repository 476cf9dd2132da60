package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/latchflow/latchflow/internal/latchflow/plugin/builtin"
)

// handleWebhook ingests one inbound hook for a webhook trigger definition.
// The shared secret travels in a header; the body becomes the trigger
// event's context verbatim.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	definitionID := mux.Vars(r)["definitionId"]
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		badRequest(w, "request body too large or unreadable")
		return
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	if !json.Valid(body) {
		badRequest(w, "body must be JSON")
		return
	}

	eventID, err := s.hooks.Receive(r.Context(), definitionID, r.Header.Get(builtin.SecretHeader), body)
	switch {
	case errors.Is(err, builtin.ErrUnknownHook):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no webhook trigger for this definition")
		return
	case errors.Is(err, builtin.ErrBadSecret):
		writeError(w, http.StatusForbidden, "FORBIDDEN", "secret mismatch")
		return
	case err != nil:
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"event_id": eventID})
}

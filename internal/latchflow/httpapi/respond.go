package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/latchflow/latchflow/internal/latchflow/auth"
	"github.com/latchflow/latchflow/internal/latchflow/db"
	"github.com/latchflow/latchflow/internal/latchflow/download"
	"github.com/latchflow/latchflow/internal/latchflow/plugin"
	"github.com/latchflow/latchflow/internal/latchflow/storage"
)

// maxBodyBytes caps JSON request bodies. File uploads stream separately
// and are not subject to this limit.
const maxBodyBytes = 1 << 20

// errHandled tells a caller that the response has already been written.
// It never reaches a client.
var errHandled = errors.New("httpapi: response already written")

// errorBody is the wire shape of every non-2xx response.
type errorBody struct {
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Status: "error", Code: code, Message: message})
}

// badRequest is the shorthand for malformed input.
func badRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, "BAD_REQUEST", message)
}

// decodeJSON reads a JSON body into dst, rejecting unknown fields and
// oversized payloads. Failures answer 400 here; the caller just returns.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			badRequest(w, "request body is empty")
		} else {
			badRequest(w, err.Error())
		}
		return false
	}
	return true
}

// respondError maps a domain error onto the status-code contract. Unknown
// errors become opaque 500s; their detail stays in the log.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var cooldown *download.CooldownError

	if pe, ok := plugin.Classify(err); ok && pe.Kind == plugin.KindValidation {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", pe.Message)
		return
	}

	switch {
	case errors.Is(err, db.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "resource not found")
	case errors.Is(err, db.ErrDuplicate):
		writeError(w, http.StatusConflict, "CONFLICT", "resource already exists")
	case errors.Is(err, db.ErrInUse):
		writeError(w, http.StatusConflict, "IN_USE", "resource has dependents")

	case errors.Is(err, download.ErrForbidden):
		writeError(w, http.StatusForbidden, "FORBIDDEN", "bundle is not assigned to you")
	case errors.Is(err, download.ErrQuotaExceeded):
		writeError(w, http.StatusForbidden, "MAX_DOWNLOADS_EXCEEDED", "download limit reached")
	case errors.As(err, &cooldown):
		writeError(w, http.StatusTooManyRequests, "COOLDOWN_ACTIVE",
			fmt.Sprintf("retry in %d seconds", int(cooldown.Remaining.Seconds())+1))
	case errors.Is(err, download.ErrBundleUnavailable):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "bundle unavailable")
	case errors.Is(err, download.ErrNoArchive):
		writeError(w, http.StatusConflict, "NO_STORAGE_PATH", "bundle has not been built yet")

	case errors.Is(err, storage.ErrNotImplemented):
		writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "storage driver does not support this operation")
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "stored object not found")

	case errors.Is(err, auth.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many attempts, slow down")
	case errors.Is(err, auth.ErrTooManyAttempts):
		writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many attempts for this code")
	case errors.Is(err, auth.ErrSlowDown):
		writeError(w, http.StatusTooManyRequests, "SLOW_DOWN", "polling faster than the advertised interval")
	case errors.Is(err, auth.ErrExpired):
		writeError(w, http.StatusGone, "EXPIRED", "code expired")
	case errors.Is(err, auth.ErrRevoked):
		writeError(w, http.StatusGone, "REVOKED", "authorization revoked")
	case errors.Is(err, auth.ErrUnavailable):
		writeError(w, http.StatusGone, "UNAVAILABLE", "token already collected")
	case errors.Is(err, auth.ErrInvalidCode):
		writeError(w, http.StatusBadRequest, "INVALID_CODE", "unknown code")
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid credentials")

	default:
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

package httpapi

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/latchflow/latchflow/internal/latchflow/db"
	"github.com/latchflow/latchflow/internal/latchflow/download"
)

// Portal routes authenticate with the recipient session cookie, not the
// admin guard. Responses expose only what a recipient needs: their own
// grants and the manifests of bundles assigned to them.

func (s *Server) handlePortalMe(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.currentRecipient(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, recipientJSON(rec))
}

func (s *Server) handlePortalBundles(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.currentRecipient(w, r)
	if !ok {
		return
	}
	assignments, err := s.store.ListAssignmentsForRecipient(r.Context(), rec.ID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(assignments))
	for _, a := range assignments {
		if !a.IsEnabled {
			continue
		}
		b, err := s.store.GetBundle(r.Context(), a.BundleID)
		if err != nil || !b.IsEnabled {
			continue
		}
		entry := map[string]any{
			"bundle_id": a.BundleID,
			"name":      a.BundleName,
			"built":     b.StoragePath != "",
		}
		if a.BundleDigest != "" {
			entry["digest"] = a.BundleDigest
		}
		if a.MaxDownloads.Valid {
			used, err := s.store.CountDownloadEvents(r.Context(), a.ID)
			if err != nil {
				s.respondError(w, r, err)
				return
			}
			entry["max_downloads"] = a.MaxDownloads.Int64
			entry["downloads_used"] = used
		}
		if a.CooldownSeconds.Valid {
			entry["cooldown_seconds"] = a.CooldownSeconds.Int64
		}
		if a.LastDownloadAt.Valid {
			entry["last_download_at"] = a.LastDownloadAt.Time
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePortalAssignments(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.currentRecipient(w, r)
	if !ok {
		return
	}
	assignments, err := s.store.ListAssignmentsForRecipient(r.Context(), rec.ID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(assignments))
	for _, a := range assignments {
		entry := assignmentBundleJSON(a)
		used, err := s.store.CountDownloadEvents(r.Context(), a.ID)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		entry["downloads_used"] = used
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePortalBundleObjects(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.currentRecipient(w, r)
	if !ok {
		return
	}
	bundleID := mux.Vars(r)["bundleId"]
	if !s.recipientHasBundle(r, rec, bundleID) {
		s.respondError(w, r, download.ErrForbidden)
		return
	}
	objects, err := s.store.ListEnabledBundleObjects(r.Context(), bundleID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(objects))
	for _, o := range objects {
		out = append(out, map[string]any{
			"key":          o.File.Key,
			"size":         o.File.Size,
			"content_type": o.File.ContentType,
			"required":     o.Required,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handlePortalDownload streams the bundle archive. Admission control,
// quota, cooldown and the download event all live in the download service;
// this handler only translates HTTP.
func (s *Server) handlePortalDownload(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.currentRecipient(w, r)
	if !ok {
		return
	}
	st, err := s.downloads.Download(r.Context(), download.Request{
		BundleID:    mux.Vars(r)["bundleId"],
		RecipientID: rec.ID,
		IP:          clientIP(r),
		UserAgent:   r.UserAgent(),
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	defer st.Body.Close()

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", st.Filename))
	if st.ETag != "" {
		w.Header().Set("ETag", `"`+st.ETag+`"`)
	}
	if st.Size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(st.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, st.Body); err != nil {
		s.log.Warn("bundle stream interrupted", "recipient_id", rec.ID, "error", err)
	}
}

func (s *Server) recipientHasBundle(r *http.Request, rec *db.Recipient, bundleID string) bool {
	assignments, err := s.store.ListAssignmentsForRecipient(r.Context(), rec.ID)
	if err != nil {
		return false
	}
	for _, a := range assignments {
		if a.BundleID == bundleID && a.IsEnabled {
			return true
		}
	}
	return false
}

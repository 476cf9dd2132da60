package httpapi

import (
	"database/sql"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/latchflow/latchflow/internal/latchflow/db"
	"github.com/latchflow/latchflow/internal/latchflow/history"
)

func (s *Server) handleListBundles(w http.ResponseWriter, r *http.Request) {
	bundles, err := s.store.ListBundles(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(bundles))
	for _, b := range bundles {
		out = append(out, bundleJSON(b))
	}
	writeJSON(w, http.StatusOK, out)
}

type createBundleRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	IsEnabled   *bool  `json:"is_enabled"`
}

func (s *Server) handleCreateBundle(w http.ResponseWriter, r *http.Request) {
	var req createBundleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		badRequest(w, "name is required")
		return
	}
	b := &db.Bundle{Name: req.Name, IsEnabled: true}
	if req.Description != "" {
		b.Description = sql.NullString{String: req.Description, Valid: true}
	}
	if req.IsEnabled != nil {
		b.IsEnabled = *req.IsEnabled
	}
	actor := actorFrom(r.Context())
	err := s.store.RunInTransaction(r.Context(), func(tx *sql.Tx) error {
		if err := db.CreateBundleTx(r.Context(), tx, b); err != nil {
			return err
		}
		_, err := s.history.RecordTx(r.Context(), tx, history.EntityBundle, b.ID,
			history.BundleState(b, nil),
			history.Change{Kind: db.ChangeUpdateParent, Note: "created", Actor: actor})
		return err
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, bundleJSON(b))
}

func (s *Server) handleGetBundle(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["bundleId"]
	b, err := s.store.GetBundle(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	objects, err := s.store.ListBundleObjects(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	body := bundleJSON(b)
	objOut := make([]map[string]any, 0, len(objects))
	for _, o := range objects {
		objOut = append(objOut, bundleObjectJSON(o))
	}
	body["objects"] = objOut
	writeJSON(w, http.StatusOK, body)
}

type updateBundleRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	IsEnabled   *bool   `json:"is_enabled"`
}

func (s *Server) handleUpdateBundle(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["bundleId"]
	var req updateBundleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	b, err := s.store.GetBundle(r.Context(), id)
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
		b.Name = name
	}
	if req.Description != nil {
		b.Description = sql.NullString{String: *req.Description, Valid: *req.Description != ""}
	}
	if req.IsEnabled != nil {
		b.IsEnabled = *req.IsEnabled
	}
	objects, err := s.store.ListBundleObjects(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	actor := actorFrom(r.Context())
	err = s.store.RunInTransaction(r.Context(), func(tx *sql.Tx) error {
		if err := db.UpdateBundleTx(r.Context(), tx, b); err != nil {
			return err
		}
		_, err := s.history.RecordTx(r.Context(), tx, history.EntityBundle, b.ID,
			history.BundleState(b, objects),
			history.Change{Kind: db.ChangeUpdateParent, Note: "updated", Actor: actor})
		return err
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bundleJSON(b))
}

func (s *Server) handleDeleteBundle(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["bundleId"]
	if err := s.store.DeleteBundle(r.Context(), id); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListBundleObjects(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["bundleId"]
	if _, err := s.store.GetBundle(r.Context(), id); err != nil {
		s.respondError(w, r, err)
		return
	}
	objects, err := s.store.ListBundleObjects(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(objects))
	for _, o := range objects {
		out = append(out, bundleObjectJSON(o))
	}
	writeJSON(w, http.StatusOK, out)
}

type addObjectRequest struct {
	FileID    string `json:"file_id"`
	SortOrder *int   `json:"sort_order"`
	Required  bool   `json:"required"`
}

type addObjectsRequest struct {
	Objects []addObjectRequest `json:"objects"`
}

func (s *Server) handleAddBundleObjects(w http.ResponseWriter, r *http.Request) {
	bundleID := mux.Vars(r)["bundleId"]
	var req addObjectsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Objects) == 0 {
		badRequest(w, "objects is required")
		return
	}
	b, err := s.store.GetBundle(r.Context(), bundleID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	existing, err := s.store.ListBundleObjects(r.Context(), bundleID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	nextOrder := len(existing)
	added := make([]*db.BundleObject, 0, len(req.Objects))
	for _, in := range req.Objects {
		if in.FileID == "" {
			badRequest(w, "file_id is required")
			return
		}
		if _, err := s.store.GetFile(r.Context(), in.FileID); err != nil {
			s.respondError(w, r, err)
			return
		}
		o := &db.BundleObject{
			BundleID:  bundleID,
			FileID:    in.FileID,
			SortOrder: nextOrder,
			Required:  in.Required,
			IsEnabled: true,
		}
		if in.SortOrder != nil {
			o.SortOrder = *in.SortOrder
		} else {
			nextOrder++
		}
		added = append(added, o)
	}
	actor := actorFrom(r.Context())
	err = s.store.RunInTransaction(r.Context(), func(tx *sql.Tx) error {
		for _, o := range added {
			if err := db.AddBundleObjectTx(r.Context(), tx, o); err != nil {
				return err
			}
		}
		objects, err := db.ListBundleObjectsTx(r.Context(), tx, bundleID)
		if err != nil {
			return err
		}
		_, err = s.history.RecordTx(r.Context(), tx, history.EntityBundle, bundleID,
			history.BundleState(b, objects),
			history.Change{
				Kind:  db.ChangeAddChild,
				Note:  fmt.Sprintf("attached %d file(s)", len(added)),
				Path:  "objects",
				Actor: actor,
			})
		return err
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.scheduler.Schedule(bundleID, false)
	objects, err := s.store.ListBundleObjects(r.Context(), bundleID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(objects))
	for _, o := range objects {
		out = append(out, bundleObjectJSON(o))
	}
	writeJSON(w, http.StatusCreated, out)
}

type updateObjectRequest struct {
	IsEnabled *bool `json:"is_enabled"`
	Required  *bool `json:"required"`
	SortOrder *int  `json:"sort_order"`
	Remove    bool  `json:"remove"`
}

// handleToggleBundleObject updates or removes one attachment. Removal goes
// through here rather than DELETE so a single change-log write covers both.
func (s *Server) handleToggleBundleObject(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	bundleID, objectID := vars["bundleId"], vars["id"]
	var req updateObjectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	b, err := s.store.GetBundle(r.Context(), bundleID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	o, err := s.store.GetBundleObject(r.Context(), objectID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if o.BundleID != bundleID {
		s.respondError(w, r, db.ErrNotFound)
		return
	}
	if req.IsEnabled != nil {
		o.IsEnabled = *req.IsEnabled
	}
	if req.Required != nil {
		o.Required = *req.Required
	}
	if req.SortOrder != nil {
		o.SortOrder = *req.SortOrder
	}
	kind, note := db.ChangeUpdateChild, "updated attachment"
	if req.Remove {
		kind, note = db.ChangeRemoveChild, "detached file"
	}
	actor := actorFrom(r.Context())
	err = s.store.RunInTransaction(r.Context(), func(tx *sql.Tx) error {
		if req.Remove {
			if err := db.RemoveBundleObjectTx(r.Context(), tx, o.ID); err != nil {
				return err
			}
		} else if err := db.UpdateBundleObjectTx(r.Context(), tx, o); err != nil {
			return err
		}
		objects, err := db.ListBundleObjectsTx(r.Context(), tx, bundleID)
		if err != nil {
			return err
		}
		_, err = s.history.RecordTx(r.Context(), tx, history.EntityBundle, bundleID,
			history.BundleState(b, objects),
			history.Change{Kind: kind, Note: note, Path: "objects/" + o.FileID, Actor: actor})
		return err
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.scheduler.Schedule(bundleID, false)
	if req.Remove {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":         o.ID,
		"bundle_id":  o.BundleID,
		"file_id":    o.FileID,
		"sort_order": o.SortOrder,
		"required":   o.Required,
		"is_enabled": o.IsEnabled,
	})
}

func (s *Server) handleBundleVersions(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["bundleId"]
	if _, err := s.store.GetBundle(r.Context(), id); err != nil {
		s.respondError(w, r, err)
		return
	}
	rows, err := s.store.ListChangeLog(r.Context(), history.EntityBundle, id, queryLimit(r, 50))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		out = append(out, changeRowJSON(row))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBundleVersionAt(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["bundleId"]
	version, err := strconv.ParseInt(vars["version"], 10, 64)
	if err != nil || version < 1 {
		badRequest(w, "version must be a positive integer")
		return
	}
	state, err := s.history.StateAt(r.Context(), s.store, history.EntityBundle, id, version)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"version": version, "state": state})
}

type buildRequest struct {
	Force bool `json:"force"`
}

func (s *Server) handleBuildBundle(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["bundleId"]
	if _, err := s.store.GetBundle(r.Context(), id); err != nil {
		s.respondError(w, r, err)
		return
	}
	var req buildRequest
	if r.ContentLength > 0 && !decodeJSON(w, r, &req) {
		return
	}
	s.scheduler.Schedule(id, req.Force)
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued"})
}

func (s *Server) handleBuildStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["bundleId"]
	if _, err := s.store.GetBundle(r.Context(), id); err != nil {
		s.respondError(w, r, err)
		return
	}
	st := s.scheduler.Status(id)
	body := map[string]any{"state": st.State}
	if st.Last != nil {
		last := map[string]any{
			"digest":       st.Last.Digest,
			"completed_at": st.Last.CompletedAt,
			"bytes":        st.Last.Bytes,
		}
		if st.Last.Error != "" {
			last["error"] = st.Last.Error
		}
		body["last_build"] = last
	}
	writeJSON(w, http.StatusOK, body)
}

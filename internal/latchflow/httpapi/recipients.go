package httpapi

import (
	"database/sql"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/latchflow/latchflow/internal/latchflow/db"
	"github.com/latchflow/latchflow/internal/latchflow/history"
)

func (s *Server) handleListRecipients(w http.ResponseWriter, r *http.Request) {
	recipients, err := s.store.ListRecipients(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(recipients))
	for _, rec := range recipients {
		out = append(out, recipientJSON(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

type createRecipientRequest struct {
	Email     string `json:"email"`
	Name      string `json:"name"`
	IsEnabled *bool  `json:"is_enabled"`
}

func (s *Server) handleCreateRecipient(w http.ResponseWriter, r *http.Request) {
	var req createRecipientRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if !strings.Contains(email, "@") {
		badRequest(w, "a valid email is required")
		return
	}
	rec := &db.Recipient{Email: email, IsEnabled: true}
	if req.Name != "" {
		rec.Name = sql.NullString{String: req.Name, Valid: true}
	}
	if req.IsEnabled != nil {
		rec.IsEnabled = *req.IsEnabled
	}
	actor := actorFrom(r.Context())
	err := s.store.RunInTransaction(r.Context(), func(tx *sql.Tx) error {
		if err := db.CreateRecipientTx(r.Context(), tx, rec); err != nil {
			return err
		}
		_, err := s.history.RecordTx(r.Context(), tx, history.EntityRecipient, rec.ID,
			history.RecipientState(rec, nil),
			history.Change{Kind: db.ChangeUpdateParent, Note: "created", Actor: actor})
		return err
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, recipientJSON(rec))
}

func (s *Server) handleGetRecipient(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["recipientId"]
	rec, err := s.store.GetRecipient(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	assignments, err := s.store.ListAssignmentsForRecipient(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	body := recipientJSON(rec)
	asOut := make([]map[string]any, 0, len(assignments))
	for _, a := range assignments {
		asOut = append(asOut, assignmentBundleJSON(a))
	}
	body["assignments"] = asOut
	writeJSON(w, http.StatusOK, body)
}

type updateRecipientRequest struct {
	Email     *string `json:"email"`
	Name      *string `json:"name"`
	IsEnabled *bool   `json:"is_enabled"`
}

func (s *Server) handleUpdateRecipient(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["recipientId"]
	var req updateRecipientRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	rec, err := s.store.GetRecipient(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if req.Email != nil {
		email := strings.ToLower(strings.TrimSpace(*req.Email))
		if !strings.Contains(email, "@") {
			badRequest(w, "a valid email is required")
			return
		}
		rec.Email = email
	}
	if req.Name != nil {
		rec.Name = sql.NullString{String: *req.Name, Valid: *req.Name != ""}
	}
	if req.IsEnabled != nil {
		rec.IsEnabled = *req.IsEnabled
	}
	assignments, err := s.recipientAssignments(r, id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	actor := actorFrom(r.Context())
	err = s.store.RunInTransaction(r.Context(), func(tx *sql.Tx) error {
		if err := db.UpdateRecipientTx(r.Context(), tx, rec); err != nil {
			return err
		}
		_, err := s.history.RecordTx(r.Context(), tx, history.EntityRecipient, rec.ID,
			history.RecipientState(rec, assignments),
			history.Change{Kind: db.ChangeUpdateParent, Note: "updated", Actor: actor})
		return err
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recipientJSON(rec))
}

func (s *Server) handleDeleteRecipient(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteRecipient(r.Context(), mux.Vars(r)["recipientId"]); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListAssignments(w http.ResponseWriter, r *http.Request) {
	bundleID := mux.Vars(r)["bundleId"]
	if _, err := s.store.GetBundle(r.Context(), bundleID); err != nil {
		s.respondError(w, r, err)
		return
	}
	assignments, err := s.store.ListAssignmentsForBundle(r.Context(), bundleID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(assignments))
	for _, a := range assignments {
		out = append(out, assignmentJSON(a))
	}
	writeJSON(w, http.StatusOK, out)
}

type assignRequest struct {
	RecipientID     string `json:"recipient_id"`
	MaxDownloads    *int64 `json:"max_downloads"`
	CooldownSeconds *int64 `json:"cooldown_seconds"`
	IsEnabled       *bool  `json:"is_enabled"`
}

func (s *Server) handleAssignRecipient(w http.ResponseWriter, r *http.Request) {
	bundleID := mux.Vars(r)["bundleId"]
	var req assignRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	a, err := s.assignOne(w, r, bundleID, req)
	if err != nil {
		return
	}
	writeJSON(w, http.StatusCreated, assignmentJSON(a))
}

type assignBatchRequest struct {
	Assignments []assignRequest `json:"assignments"`
}

// handleAssignRecipientsBatch grants several recipients in one call. Grants
// are independent; the first failure stops the loop and reports what landed.
func (s *Server) handleAssignRecipientsBatch(w http.ResponseWriter, r *http.Request) {
	bundleID := mux.Vars(r)["bundleId"]
	var req assignBatchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Assignments) == 0 {
		badRequest(w, "assignments is required")
		return
	}
	out := make([]map[string]any, 0, len(req.Assignments))
	for _, in := range req.Assignments {
		a, err := s.assignOne(w, r, bundleID, in)
		if err != nil {
			return
		}
		out = append(out, assignmentJSON(a))
	}
	writeJSON(w, http.StatusCreated, out)
}

// assignOne creates one assignment and records it against the recipient's
// history. On error the response has already been written.
func (s *Server) assignOne(w http.ResponseWriter, r *http.Request, bundleID string, req assignRequest) (*db.BundleAssignment, error) {
	if req.RecipientID == "" {
		badRequest(w, "recipient_id is required")
		return nil, errHandled
	}
	if req.MaxDownloads != nil && *req.MaxDownloads < 1 {
		badRequest(w, "max_downloads must be at least 1")
		return nil, errHandled
	}
	if req.CooldownSeconds != nil && *req.CooldownSeconds < 0 {
		badRequest(w, "cooldown_seconds must not be negative")
		return nil, errHandled
	}
	if _, err := s.store.GetBundle(r.Context(), bundleID); err != nil {
		s.respondError(w, r, err)
		return nil, errHandled
	}
	rec, err := s.store.GetRecipient(r.Context(), req.RecipientID)
	if err != nil {
		s.respondError(w, r, err)
		return nil, errHandled
	}
	a := &db.BundleAssignment{
		BundleID:    bundleID,
		RecipientID: rec.ID,
		IsEnabled:   true,
	}
	if req.IsEnabled != nil {
		a.IsEnabled = *req.IsEnabled
	}
	if req.MaxDownloads != nil {
		a.MaxDownloads = sql.NullInt64{Int64: *req.MaxDownloads, Valid: true}
	}
	if req.CooldownSeconds != nil {
		a.CooldownSeconds = sql.NullInt64{Int64: *req.CooldownSeconds, Valid: true}
	}
	existing, err := s.recipientAssignments(r, rec.ID)
	if err != nil {
		s.respondError(w, r, err)
		return nil, errHandled
	}
	actor := actorFrom(r.Context())
	err = s.store.RunInTransaction(r.Context(), func(tx *sql.Tx) error {
		if err := db.CreateAssignmentTx(r.Context(), tx, a); err != nil {
			return err
		}
		_, err := s.history.RecordTx(r.Context(), tx, history.EntityRecipient, rec.ID,
			history.RecipientState(rec, append(existing, a)),
			history.Change{Kind: db.ChangeAddChild, Note: "assigned bundle", Path: "assignments/" + bundleID, Actor: actor})
		return err
	})
	if err != nil {
		s.respondError(w, r, err)
		return nil, errHandled
	}
	return a, nil
}

// handleUnassignRecipient revokes access. The grant is addressed by
// ?recipient_id= or directly by ?assignment_id=.
func (s *Server) handleUnassignRecipient(w http.ResponseWriter, r *http.Request) {
	bundleID := mux.Vars(r)["bundleId"]
	assignmentID := r.URL.Query().Get("assignment_id")
	recipientID := r.URL.Query().Get("recipient_id")
	if assignmentID == "" && recipientID == "" {
		badRequest(w, "assignment_id or recipient_id is required")
		return
	}

	var target *db.BundleAssignment
	if assignmentID != "" {
		a, err := s.store.GetAssignment(r.Context(), assignmentID)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		target = a
	} else {
		assignments, err := s.store.ListAssignmentsForBundle(r.Context(), bundleID)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		for _, a := range assignments {
			if a.RecipientID == recipientID {
				target = a
				break
			}
		}
	}
	if target == nil || target.BundleID != bundleID {
		s.respondError(w, r, db.ErrNotFound)
		return
	}

	rec, err := s.store.GetRecipient(r.Context(), target.RecipientID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	existing, err := s.recipientAssignments(r, rec.ID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	remaining := existing[:0]
	for _, a := range existing {
		if a.ID != target.ID {
			remaining = append(remaining, a)
		}
	}
	actor := actorFrom(r.Context())
	err = s.store.RunInTransaction(r.Context(), func(tx *sql.Tx) error {
		if err := db.RemoveAssignmentTx(r.Context(), tx, target.ID); err != nil {
			return err
		}
		_, err := s.history.RecordTx(r.Context(), tx, history.EntityRecipient, rec.ID,
			history.RecipientState(rec, remaining),
			history.Change{Kind: db.ChangeRemoveChild, Note: "unassigned bundle", Path: "assignments/" + bundleID, Actor: actor})
		return err
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// recipientAssignments loads a recipient's grants as bare rows for history
// snapshots.
func (s *Server) recipientAssignments(r *http.Request, recipientID string) ([]*db.BundleAssignment, error) {
	withBundles, err := s.store.ListAssignmentsForRecipient(r.Context(), recipientID)
	if err != nil {
		return nil, err
	}
	out := make([]*db.BundleAssignment, 0, len(withBundles))
	for _, a := range withBundles {
		a := a
		out = append(out, &a.BundleAssignment)
	}
	return out, nil
}

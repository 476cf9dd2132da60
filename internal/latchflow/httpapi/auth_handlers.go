package httpapi

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/latchflow/latchflow/internal/latchflow/auth"
	"github.com/latchflow/latchflow/internal/latchflow/authz"
	"github.com/latchflow/latchflow/internal/latchflow/db"
)

// --- Admin magic link ---

type adminStartRequest struct {
	Email string `json:"email"`
}

func (s *Server) handleAdminStart(w http.ResponseWriter, r *http.Request) {
	var req adminStartRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.auth.StartAdminLogin(r.Context(), req.Email, clientIP(r))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAdminCallback(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		badRequest(w, "token query parameter is required")
		return
	}
	raw, u, err := s.auth.CompleteAdminLogin(r.Context(), token)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.auth.SetAdminCookie(w, raw)
	writeJSON(w, http.StatusOK, userJSON(u))
}

func (s *Server) handleAdminLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.auth.LogoutAdmin(r.Context(), r); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.auth.ClearAdminCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// --- Recipient OTP ---

type recipientStartRequest struct {
	Email       string `json:"email,omitempty"`
	RecipientID string `json:"recipient_id,omitempty"`
}

func (req *recipientStartRequest) identity() string {
	if req.Email != "" {
		return req.Email
	}
	return req.RecipientID
}

// handleRecipientStart serves both the initial request and the resend: a
// fresh code replaces any earlier one either way.
func (s *Server) handleRecipientStart(w http.ResponseWriter, r *http.Request) {
	var req recipientStartRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.identity() == "" {
		badRequest(w, "email or recipient_id is required")
		return
	}
	if err := s.auth.StartRecipientOTP(r.Context(), req.identity(), clientIP(r)); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type recipientVerifyRequest struct {
	Email       string `json:"email,omitempty"`
	RecipientID string `json:"recipient_id,omitempty"`
	OTP         string `json:"otp"`
}

func (s *Server) handleRecipientVerify(w http.ResponseWriter, r *http.Request) {
	var req recipientVerifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	identity := req.Email
	if identity == "" {
		identity = req.RecipientID
	}
	if identity == "" || req.OTP == "" {
		badRequest(w, "identity and otp are required")
		return
	}
	raw, rec, err := s.auth.VerifyRecipientOTP(r.Context(), identity, req.OTP, clientIP(r))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.auth.SetRecipientCookie(w, raw)
	writeJSON(w, http.StatusOK, recipientJSON(rec))
}

func (s *Server) handleRecipientLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.auth.LogoutRecipient(r.Context(), r); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.auth.ClearRecipientCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// --- Device-code flow ---

type deviceStartRequest struct {
	Email      string `json:"email"`
	DeviceName string `json:"device_name,omitempty"`
}

func (s *Server) handleDeviceStart(w http.ResponseWriter, r *http.Request) {
	var req deviceStartRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.auth.StartDeviceAuth(r.Context(), req.Email, req.DeviceName, clientIP(r))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type deviceApproveRequest struct {
	UserCode string `json:"user_code"`
}

// handleDeviceApprove requires a live admin session; an API token cannot
// approve a device login that would mint another token.
func (s *Server) handleDeviceApprove(w http.ResponseWriter, r *http.Request) {
	admin, err := s.auth.AdminFromRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "admin session required")
		return
	}
	if !admin.IsAdmin {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "not permitted")
		return
	}
	var req deviceApproveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.UserCode == "" {
		badRequest(w, "user_code is required")
		return
	}
	if err := s.auth.ApproveDeviceAuth(r.Context(), req.UserCode, admin, clientIP(r)); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDeviceReject needs the same admin session as approve.
func (s *Server) handleDeviceReject(w http.ResponseWriter, r *http.Request) {
	admin, err := s.auth.AdminFromRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "admin session required")
		return
	}
	if !admin.IsAdmin {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "not permitted")
		return
	}
	var req deviceApproveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.UserCode == "" {
		badRequest(w, "user_code is required")
		return
	}
	if err := s.auth.RevokeDeviceAuth(r.Context(), req.UserCode); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type devicePollRequest struct {
	DeviceCode string `json:"device_code"`
}

type devicePollResponse struct {
	Status string `json:"status"`
	Token  string `json:"access_token,omitempty"`
}

func (s *Server) handleDevicePoll(w http.ResponseWriter, r *http.Request) {
	var req devicePollRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.DeviceCode == "" {
		badRequest(w, "device_code is required")
		return
	}
	raw, err := s.auth.PollDeviceAuth(r.Context(), req.DeviceCode)
	if err != nil {
		if errors.Is(err, auth.ErrPending) {
			writeJSON(w, http.StatusAccepted, devicePollResponse{Status: "pending"})
			return
		}
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, devicePollResponse{Status: "approved", Token: raw})
}

// --- API token management ---

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	userID := identityUserID(r.Context())
	tokens, err := s.auth.Tokens(r.Context(), userID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	out := make([]any, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, tokenJSON(t))
	}
	writeJSON(w, http.StatusOK, out)
}

type createTokenRequest struct {
	Name    string   `json:"name,omitempty"`
	Scopes  []string `json:"scopes,omitempty"`
	TTLDays int      `json:"ttl_days,omitempty"`
}

func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	var req createTokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	for _, sc := range req.Scopes {
		if !auth.ValidScope(sc) {
			badRequest(w, "unknown scope "+sc)
			return
		}
	}
	userID := identityUserID(r.Context())
	raw, t, err := s.auth.IssueToken(r.Context(), userID, req.Name, req.Scopes, daysToDuration(req.TTLDays))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	body := tokenJSON(t)
	body["token"] = raw
	writeJSON(w, http.StatusCreated, body)
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	userID := identityUserID(r.Context())
	if err := s.auth.RevokeToken(r.Context(), userID, mux.Vars(r)["id"]); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRotateToken(w http.ResponseWriter, r *http.Request) {
	userID := identityUserID(r.Context())
	raw, t, err := s.auth.RotateToken(r.Context(), userID, mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	body := tokenJSON(t)
	body["token"] = raw
	writeJSON(w, http.StatusOK, body)
}

// handleWhoami reports the authenticated principal back to the caller.
func (s *Server) handleWhoami(w http.ResponseWriter, r *http.Request) {
	id, ok := authz.IdentityFrom(r.Context())
	if !ok || id.User == nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
		return
	}
	body := map[string]any{
		"user_id":  id.User.ID,
		"email":    id.User.Email,
		"is_admin": id.User.IsAdmin,
		"via":      "session",
	}
	if id.Token != nil {
		body["via"] = "token"
		t := map[string]any{
			"id":     id.Token.ID,
			"scopes": id.Token.Scopes,
		}
		setOptString(t, "name", id.Token.Name)
		body["token"] = t
	}
	writeJSON(w, http.StatusOK, body)
}

// currentRecipient authenticates a portal request, writing the 401 itself.
func (s *Server) currentRecipient(w http.ResponseWriter, r *http.Request) (*db.Recipient, bool) {
	rec, err := s.auth.RecipientFromRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "recipient session required")
		return nil, false
	}
	return rec, true
}

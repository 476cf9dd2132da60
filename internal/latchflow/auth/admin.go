package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/latchflow/latchflow/common/crypto"
	"github.com/latchflow/latchflow/internal/latchflow/db"
	"github.com/latchflow/latchflow/internal/latchflow/email"
)

// StartAdminResult is the response of StartAdminLogin. LoginURL is only
// populated when dev auth is allowed; production callers get the link by
// mail and an empty result.
type StartAdminResult struct {
	LoginURL string `json:"login_url,omitempty"`
}

// StartAdminLogin upserts the user and issues a single-use magic link.
func (s *Service) StartAdminLogin(ctx context.Context, emailAddr, ip string) (*StartAdminResult, error) {
	emailAddr = strings.ToLower(strings.TrimSpace(emailAddr))
	if emailAddr == "" || !strings.Contains(emailAddr, "@") {
		return nil, fmt.Errorf("auth: start admin login: %w", ErrInvalidCredentials)
	}
	if !s.allow(ip, emailAddr) {
		s.record("admin_magic_link", "rate_limited")
		return nil, ErrRateLimited
	}

	u, err := s.store.EnsureUser(ctx, emailAddr)
	if err != nil {
		return nil, err
	}

	raw, err := crypto.NewToken()
	if err != nil {
		return nil, err
	}
	ml := &db.MagicLink{
		UserID:    u.ID,
		TokenHash: crypto.HashToken(raw),
		ExpiresAt: time.Now().Add(s.opts.MagicLinkTTL),
	}
	if err := s.store.CreateMagicLink(ctx, ml); err != nil {
		return nil, err
	}

	loginURL := fmt.Sprintf("%s/auth/admin/callback?token=%s",
		strings.TrimRight(s.opts.BaseURL, "/"), url.QueryEscape(raw))

	msg := email.Message{
		To:      []email.Address{{Address: u.Email}},
		Subject: "Latchflow sign-in link",
		TextBody: fmt.Sprintf("Follow this link to sign in: %s\nThe link expires in %d minutes and works once.",
			loginURL, int(s.opts.MagicLinkTTL.Minutes())),
	}
	if err := s.mail.SendEmail(ctx, msg); err != nil {
		if !s.opts.AllowDevAuth {
			return nil, fmt.Errorf("auth: deliver magic link: %w", err)
		}
		// Dev mode hands the URL back directly, so delivery is advisory.
		s.log.Warn("magic link delivery failed", "user_id", u.ID, "error", err)
	}

	s.log.Info("magic link issued", "user_id", u.ID, "ttl", s.opts.MagicLinkTTL)

	res := &StartAdminResult{}
	if s.opts.AllowDevAuth {
		res.LoginURL = loginURL
	}
	return res, nil
}

// CompleteAdminLogin consumes a magic link and opens an admin session.
// Consumption is atomic: two racing callbacks redeem the link once.
func (s *Service) CompleteAdminLogin(ctx context.Context, token string) (string, *db.User, error) {
	if token == "" {
		return "", nil, ErrInvalidCredentials
	}

	userID, err := s.store.ConsumeMagicLink(ctx, crypto.HashToken(token), time.Now())
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.record("admin_magic_link", "failure")
			return "", nil, ErrInvalidCredentials
		}
		return "", nil, err
	}
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return "", nil, err
	}

	raw, err := crypto.NewToken()
	if err != nil {
		return "", nil, err
	}
	sess := &db.Session{
		UserID:    u.ID,
		TokenHash: crypto.HashToken(raw),
		ExpiresAt: time.Now().Add(s.opts.AdminSessionTTL),
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return "", nil, err
	}

	s.record("admin_magic_link", "success")
	s.log.Info("admin signed in", "user_id", u.ID)
	return raw, u, nil
}

// AdminFromRequest resolves the admin session cookie to its user.
func (s *Service) AdminFromRequest(r *http.Request) (*db.User, error) {
	c, err := r.Cookie(s.opts.AdminSessionCookie)
	if err != nil || c.Value == "" {
		return nil, ErrInvalidCredentials
	}
	sess, err := s.store.GetSessionByTokenHash(r.Context(), crypto.HashToken(c.Value), time.Now())
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	u, err := s.store.GetUser(r.Context(), sess.UserID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	return u, nil
}

// LogoutAdmin revokes the session named by the request cookie, if any.
func (s *Service) LogoutAdmin(ctx context.Context, r *http.Request) error {
	c, err := r.Cookie(s.opts.AdminSessionCookie)
	if err != nil || c.Value == "" {
		return nil
	}
	if err := s.store.RevokeSession(ctx, crypto.HashToken(c.Value)); err != nil && !errors.Is(err, db.ErrNotFound) {
		return err
	}
	return nil
}

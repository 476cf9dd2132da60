package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/latchflow/latchflow/common/crypto"
	"github.com/latchflow/latchflow/internal/latchflow/db"
	"github.com/latchflow/latchflow/internal/latchflow/email"
)

// StartRecipientOTP generates a fresh one-time code for the recipient named
// by identity (email or id) and mails it. Unknown or disabled recipients
// return nil so the endpoint cannot be used to probe for addresses; only
// rate limiting is surfaced.
func (s *Service) StartRecipientOTP(ctx context.Context, identity, ip string) error {
	if !s.allow(ip, strings.ToLower(identity)) {
		s.record("recipient_otp", "rate_limited")
		return ErrRateLimited
	}

	rec, err := s.lookupRecipient(ctx, identity)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.log.Info("otp requested for unknown recipient", "identity", identity)
			return nil
		}
		return err
	}
	if !rec.IsEnabled {
		s.log.Info("otp requested for disabled recipient", "recipient_id", rec.ID)
		return nil
	}

	code, err := crypto.NumericCode(s.opts.OTPLength)
	if err != nil {
		return err
	}
	otp := &db.RecipientOTP{
		RecipientID: rec.ID,
		OTPHash:     crypto.HashToken(code),
		ExpiresAt:   time.Now().Add(s.opts.OTPTTL),
	}
	if err := s.store.CreateRecipientOTP(ctx, otp); err != nil {
		return err
	}

	msg := email.Message{
		To:       []email.Address{{Address: rec.Email, DisplayName: rec.Name.String}},
		Subject:  "Your Latchflow access code",
		TextBody: fmt.Sprintf("Your access code is %s. It expires in %d minutes.", code, int(s.opts.OTPTTL.Minutes())),
	}
	if err := s.mail.SendEmail(ctx, msg); err != nil {
		// Delivery failures must not turn the 204 into a recipient oracle.
		s.log.Warn("otp delivery failed", "recipient_id", rec.ID, "error", err)
	}

	s.log.Info("otp issued", "recipient_id", rec.ID, "ttl", s.opts.OTPTTL)
	return nil
}

// VerifyRecipientOTP checks a submitted code and, on success, opens a portal
// session. The raw session token is returned for the cookie; only its hash
// is stored. Each issued code survives at most OTPMaxAttempts guesses.
func (s *Service) VerifyRecipientOTP(ctx context.Context, identity, code, ip string) (string, *db.Recipient, error) {
	if !s.allow(ip, strings.ToLower(identity)) {
		s.record("recipient_otp", "rate_limited")
		return "", nil, ErrRateLimited
	}

	rec, err := s.lookupRecipient(ctx, identity)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.record("recipient_otp", "failure")
			return "", nil, ErrInvalidCredentials
		}
		return "", nil, err
	}
	if !rec.IsEnabled {
		s.record("recipient_otp", "failure")
		return "", nil, ErrInvalidCredentials
	}

	otp, err := s.store.GetActiveRecipientOTP(ctx, rec.ID, time.Now())
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.record("recipient_otp", "failure")
			return "", nil, ErrInvalidCredentials
		}
		return "", nil, err
	}

	attempts, err := s.store.IncrementOTPAttempts(ctx, otp.ID)
	if err != nil {
		return "", nil, err
	}
	if attempts > OTPMaxAttempts {
		s.record("recipient_otp", "failure")
		return "", nil, ErrTooManyAttempts
	}
	if !crypto.TokensEqual(crypto.HashToken(code), otp.OTPHash) {
		s.record("recipient_otp", "failure")
		return "", nil, ErrInvalidCredentials
	}

	// Matched: the code is single-use.
	if err := s.store.DeleteRecipientOTP(ctx, otp.ID); err != nil {
		return "", nil, err
	}

	raw, err := crypto.NewToken()
	if err != nil {
		return "", nil, err
	}
	sess := &db.RecipientSession{
		RecipientID: rec.ID,
		TokenHash:   crypto.HashToken(raw),
		ExpiresAt:   time.Now().Add(s.opts.RecipientSessionTTL),
	}
	if err := s.store.CreateRecipientSession(ctx, sess); err != nil {
		return "", nil, err
	}

	s.record("recipient_otp", "success")
	s.log.Info("recipient signed in", "recipient_id", rec.ID)
	return raw, rec, nil
}

// RecipientFromRequest resolves the portal session cookie to its recipient.
func (s *Service) RecipientFromRequest(r *http.Request) (*db.Recipient, error) {
	c, err := r.Cookie(s.opts.RecipientSessionCookie)
	if err != nil || c.Value == "" {
		return nil, ErrInvalidCredentials
	}
	sess, err := s.store.GetRecipientSessionByTokenHash(r.Context(), crypto.HashToken(c.Value), time.Now())
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	rec, err := s.store.GetRecipient(r.Context(), sess.RecipientID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !rec.IsEnabled {
		return nil, ErrInvalidCredentials
	}
	return rec, nil
}

// LogoutRecipient revokes the session named by the request cookie, if any.
// Always succeeds so logout is idempotent.
func (s *Service) LogoutRecipient(ctx context.Context, r *http.Request) error {
	c, err := r.Cookie(s.opts.RecipientSessionCookie)
	if err != nil || c.Value == "" {
		return nil
	}
	if err := s.store.RevokeRecipientSession(ctx, crypto.HashToken(c.Value)); err != nil && !errors.Is(err, db.ErrNotFound) {
		return err
	}
	return nil
}

// lookupRecipient accepts an email address or a recipient id.
func (s *Service) lookupRecipient(ctx context.Context, identity string) (*db.Recipient, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil, db.ErrNotFound
	}
	if strings.Contains(identity, "@") {
		return s.store.GetRecipientByEmail(ctx, strings.ToLower(identity))
	}
	return s.store.GetRecipient(ctx, identity)
}

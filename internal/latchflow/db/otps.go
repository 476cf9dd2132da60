package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RecipientOTP is a short-lived numeric login code for the recipient
// portal. At most one is active per recipient.
type RecipientOTP struct {
	ID          string
	RecipientID string
	OTPHash     string
	Attempts    int
	ExpiresAt   time.Time
	CreatedAt   time.Time
}

// RecipientSession is a server-side portal session keyed by token digest.
type RecipientSession struct {
	ID          string
	RecipientID string
	TokenHash   string
	ExpiresAt   time.Time
	RevokedAt   sql.NullTime
	CreatedAt   time.Time
}

// CreateRecipientOTP stores a fresh code, replacing any earlier codes for
// the recipient so only the latest one can be redeemed.
func (s *Store) CreateRecipientOTP(ctx context.Context, o *RecipientOTP) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	o.CreatedAt = time.Now()
	return s.RunInTransaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM recipient_otps WHERE recipient_id = ?`, o.RecipientID,
		); err != nil {
			return fmt.Errorf("db: clear earlier otps: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO recipient_otps (id, recipient_id, otp_hash, attempts, expires_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, o.ID, o.RecipientID, o.OTPHash, o.Attempts, o.ExpiresAt, o.CreatedAt); err != nil {
			return fmt.Errorf("db: create otp: %w", err)
		}
		return nil
	})
}

// GetActiveRecipientOTP retrieves the recipient's unexpired code.
func (s *Store) GetActiveRecipientOTP(ctx context.Context, recipientID string, now time.Time) (*RecipientOTP, error) {
	o := &RecipientOTP{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, recipient_id, otp_hash, attempts, expires_at, created_at
		FROM recipient_otps
		WHERE recipient_id = ? AND expires_at > ?
		ORDER BY created_at DESC LIMIT 1
	`, recipientID, now).Scan(&o.ID, &o.RecipientID, &o.OTPHash, &o.Attempts, &o.ExpiresAt, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("db: otp for recipient %q: %w", recipientID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("db: get otp: %w", err)
	}
	return o, nil
}

// IncrementOTPAttempts bumps the failure counter and returns the new value.
func (s *Store) IncrementOTPAttempts(ctx context.Context, id string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE recipient_otps SET attempts = attempts + 1 WHERE id = ?`, id,
	)
	if err != nil {
		return 0, fmt.Errorf("db: increment otp attempts: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, fmt.Errorf("db: otp %q: %w", id, ErrNotFound)
	}
	var attempts int
	if err := s.db.QueryRowContext(ctx,
		`SELECT attempts FROM recipient_otps WHERE id = ?`, id,
	).Scan(&attempts); err != nil {
		return 0, fmt.Errorf("db: read otp attempts: %w", err)
	}
	return attempts, nil
}

// DeleteRecipientOTP removes a code after redemption or lockout.
func (s *Store) DeleteRecipientOTP(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM recipient_otps WHERE id = ?`, id,
	); err != nil {
		return fmt.Errorf("db: delete otp: %w", err)
	}
	return nil
}

// CreateRecipientSession stores a new portal session.
func (s *Store) CreateRecipientSession(ctx context.Context, sess *RecipientSession) error {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	sess.CreatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recipient_sessions (id, recipient_id, token_hash, expires_at, revoked_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sess.ID, sess.RecipientID, sess.TokenHash, sess.ExpiresAt, sess.RevokedAt, sess.CreatedAt)
	if err != nil {
		return fmt.Errorf("db: create recipient session: %w", err)
	}
	return nil
}

// GetRecipientSessionByTokenHash retrieves a live portal session.
func (s *Store) GetRecipientSessionByTokenHash(ctx context.Context, tokenHash string, now time.Time) (*RecipientSession, error) {
	sess := &RecipientSession{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, recipient_id, token_hash, expires_at, revoked_at, created_at
		FROM recipient_sessions
		WHERE token_hash = ? AND revoked_at IS NULL AND expires_at > ?
	`, tokenHash, now).Scan(&sess.ID, &sess.RecipientID, &sess.TokenHash, &sess.ExpiresAt, &sess.RevokedAt, &sess.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("db: recipient session: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("db: get recipient session: %w", err)
	}
	return sess, nil
}

// RevokeRecipientSession marks a portal session revoked by token digest.
func (s *Store) RevokeRecipientSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE recipient_sessions SET revoked_at = ? WHERE token_hash = ? AND revoked_at IS NULL
	`, time.Now(), tokenHash)
	if err != nil {
		return fmt.Errorf("db: revoke recipient session: %w", err)
	}
	return nil
}

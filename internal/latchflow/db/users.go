package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// User is an administrator account. Accounts are created on first login.
type User struct {
	ID        string
	Email     string
	Name      sql.NullString
	IsAdmin   bool
	CreatedAt time.Time
}

// Session is a server-side admin session. The cookie carries the raw
// token; only its digest is stored.
type Session struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	RevokedAt sql.NullTime
	CreatedAt time.Time
}

// MagicLink is a single-use admin login token delivered over email.
type MagicLink struct {
	ID         string
	UserID     string
	TokenHash  string
	ExpiresAt  time.Time
	ConsumedAt sql.NullTime
	CreatedAt  time.Time
}

// EnsureUser returns the user with the given email, creating one on first
// login.
func (s *Store) EnsureUser(ctx context.Context, email string) (*User, error) {
	u, err := s.GetUserByEmail(ctx, email)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	u = &User{
		ID:        uuid.NewString(),
		Email:     email,
		IsAdmin:   true,
		CreatedAt: time.Now(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, name, is_admin, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, u.ID, u.Email, u.Name, u.IsAdmin, u.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return s.GetUserByEmail(ctx, email)
		}
		return nil, fmt.Errorf("db: create user: %w", err)
	}
	return u, nil
}

// GetUser retrieves a user by id.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	return s.getUserWhere(ctx, "id = ?", id)
}

// GetUserByEmail retrieves a user by email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.getUserWhere(ctx, "email = ?", email)
}

func (s *Store) getUserWhere(ctx context.Context, where string, arg any) (*User, error) {
	u := &User{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, name, is_admin, created_at FROM users WHERE `+where,
		arg,
	).Scan(&u.ID, &u.Email, &u.Name, &u.IsAdmin, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("db: user %v: %w", arg, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("db: get user: %w", err)
	}
	return u, nil
}

// CreateSession stores a new admin session keyed by token digest.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	sess.CreatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, token_hash, expires_at, revoked_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sess.ID, sess.UserID, sess.TokenHash, sess.ExpiresAt, sess.RevokedAt, sess.CreatedAt)
	if err != nil {
		return fmt.Errorf("db: create session: %w", err)
	}
	return nil
}

// GetSessionByTokenHash retrieves a live session by token digest. Expired
// and revoked sessions are reported as not found.
func (s *Store) GetSessionByTokenHash(ctx context.Context, tokenHash string, now time.Time) (*Session, error) {
	sess := &Session{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, token_hash, expires_at, revoked_at, created_at
		FROM sessions
		WHERE token_hash = ? AND revoked_at IS NULL AND expires_at > ?
	`, tokenHash, now).Scan(&sess.ID, &sess.UserID, &sess.TokenHash, &sess.ExpiresAt, &sess.RevokedAt, &sess.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("db: session: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("db: get session: %w", err)
	}
	return sess, nil
}

// RevokeSession marks a session revoked by token digest.
func (s *Store) RevokeSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET revoked_at = ? WHERE token_hash = ? AND revoked_at IS NULL
	`, time.Now(), tokenHash)
	if err != nil {
		return fmt.Errorf("db: revoke session: %w", err)
	}
	return nil
}

// CreateMagicLink stores a pending login link keyed by token digest.
func (s *Store) CreateMagicLink(ctx context.Context, ml *MagicLink) error {
	if ml.ID == "" {
		ml.ID = uuid.NewString()
	}
	ml.CreatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO magic_links (id, user_id, token_hash, expires_at, consumed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ml.ID, ml.UserID, ml.TokenHash, ml.ExpiresAt, ml.ConsumedAt, ml.CreatedAt)
	if err != nil {
		return fmt.Errorf("db: create magic link: %w", err)
	}
	return nil
}

// ConsumeMagicLink atomically consumes an unexpired, unconsumed link and
// returns its user id. A second consume of the same token reports not
// found, which keeps links single-use under concurrent redemption.
func (s *Store) ConsumeMagicLink(ctx context.Context, tokenHash string, now time.Time) (string, error) {
	var userID string
	err := s.RunInTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE magic_links SET consumed_at = ?
			WHERE token_hash = ? AND consumed_at IS NULL AND expires_at > ?
		`, now, tokenHash, now)
		if err != nil {
			return fmt.Errorf("db: consume magic link: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("db: magic link: %w", ErrNotFound)
		}
		err = tx.QueryRowContext(ctx,
			`SELECT user_id FROM magic_links WHERE token_hash = ?`, tokenHash,
		).Scan(&userID)
		if err != nil {
			return fmt.Errorf("db: read consumed magic link: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return userID, nil
}

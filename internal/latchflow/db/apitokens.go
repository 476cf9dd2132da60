package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Device authorization states.
const (
	DeviceAuthPending  = "PENDING"
	DeviceAuthApproved = "APPROVED"
	DeviceAuthConsumed = "CONSUMED"
	DeviceAuthRevoked  = "REVOKED"
)

// APIToken is a long-lived programmatic credential. The raw value is shown
// once at issuance; only its digest and display prefix are stored.
type APIToken struct {
	ID         string
	UserID     string
	Name       sql.NullString
	TokenHash  string
	Prefix     string
	Scopes     []string
	ExpiresAt  sql.NullTime
	RevokedAt  sql.NullTime
	LastUsedAt sql.NullTime
	CreatedAt  time.Time
}

// DeviceAuth is a pending device-code login. Both codes are stored as
// digests; the device code is the poll credential, the user code is what
// an admin approves.
type DeviceAuth struct {
	ID              string
	UserEmail       string
	DeviceName      sql.NullString
	DeviceCodeHash  string
	UserCodeHash    string
	Status          string
	APITokenID      sql.NullString
	ApprovedBy      sql.NullString
	IntervalSeconds int
	LastPollAt      sql.NullTime
	ExpiresAt       time.Time
	CreatedAt       time.Time
}

// CreateAPIToken stores a new token keyed by digest.
func (s *Store) CreateAPIToken(ctx context.Context, t *APIToken) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.CreatedAt = time.Now()
	scopes, err := json.Marshal(t.Scopes)
	if err != nil {
		return fmt.Errorf("db: marshal scopes: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO api_tokens (id, user_id, name, token_hash, prefix, scopes, expires_at, revoked_at, last_used_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.UserID, t.Name, t.TokenHash, t.Prefix, string(scopes), t.ExpiresAt, t.RevokedAt, t.LastUsedAt, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("db: create api token: %w", err)
	}
	return nil
}

// GetAPIToken retrieves a token by id, live or not.
func (s *Store) GetAPIToken(ctx context.Context, id string) (*APIToken, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, token_hash, prefix, scopes, expires_at, revoked_at, last_used_at, created_at
		FROM api_tokens WHERE id = ?
	`, id)
	t, err := scanAPIToken(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("db: api token %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("db: get api token: %w", err)
	}
	return t, nil
}

// GetLiveAPITokenByHash retrieves an unrevoked, unexpired token by digest.
func (s *Store) GetLiveAPITokenByHash(ctx context.Context, tokenHash string, now time.Time) (*APIToken, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, token_hash, prefix, scopes, expires_at, revoked_at, last_used_at, created_at
		FROM api_tokens
		WHERE token_hash = ? AND revoked_at IS NULL AND (expires_at IS NULL OR expires_at > ?)
	`, tokenHash, now)
	t, err := scanAPIToken(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("db: api token: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("db: get api token by hash: %w", err)
	}
	return t, nil
}

// ListAPITokens returns a user's tokens, newest first.
func (s *Store) ListAPITokens(ctx context.Context, userID string) ([]*APIToken, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, token_hash, prefix, scopes, expires_at, revoked_at, last_used_at, created_at
		FROM api_tokens WHERE user_id = ? ORDER BY created_at DESC, id DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("db: list api tokens: %w", err)
	}
	defer rows.Close()

	var out []*APIToken
	for rows.Next() {
		t, err := scanAPIToken(rows)
		if err != nil {
			return nil, fmt.Errorf("db: scan api token: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db: iterate api tokens: %w", err)
	}
	return out, nil
}

// RevokeAPIToken marks a token revoked. Revoking twice is a no-op.
func (s *Store) RevokeAPIToken(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE api_tokens SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL
	`, time.Now(), id)
	if err != nil {
		return fmt.Errorf("db: revoke api token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetAPIToken(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// RotateAPIToken revokes the old token and issues a replacement with the
// same owner, name and scopes under a new digest, atomically.
func (s *Store) RotateAPIToken(ctx context.Context, id, newTokenHash, newPrefix string) (*APIToken, error) {
	old, err := s.GetAPIToken(ctx, id)
	if err != nil {
		return nil, err
	}

	replacement := &APIToken{
		ID:        uuid.NewString(),
		UserID:    old.UserID,
		Name:      old.Name,
		TokenHash: newTokenHash,
		Prefix:    newPrefix,
		Scopes:    old.Scopes,
		ExpiresAt: old.ExpiresAt,
		CreatedAt: time.Now(),
	}
	scopes, err := json.Marshal(replacement.Scopes)
	if err != nil {
		return nil, fmt.Errorf("db: marshal scopes: %w", err)
	}

	err = s.RunInTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE api_tokens SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL
		`, time.Now(), id)
		if err != nil {
			return fmt.Errorf("db: revoke rotated token: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("db: api token %q already revoked: %w", id, ErrInUse)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO api_tokens (id, user_id, name, token_hash, prefix, scopes, expires_at, revoked_at, last_used_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?)
		`, replacement.ID, replacement.UserID, replacement.Name, replacement.TokenHash, replacement.Prefix, string(scopes), replacement.ExpiresAt, replacement.CreatedAt)
		if err != nil {
			return fmt.Errorf("db: insert rotated token: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return replacement, nil
}

// TouchAPIToken stamps last use. Best effort; callers may ignore the error.
func (s *Store) TouchAPIToken(ctx context.Context, id string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE api_tokens SET last_used_at = ? WHERE id = ?`, at, id,
	); err != nil {
		return fmt.Errorf("db: touch api token: %w", err)
	}
	return nil
}

func scanAPIToken(row interface{ Scan(...any) error }) (*APIToken, error) {
	t := &APIToken{}
	var scopes string
	err := row.Scan(&t.ID, &t.UserID, &t.Name, &t.TokenHash, &t.Prefix, &scopes, &t.ExpiresAt, &t.RevokedAt, &t.LastUsedAt, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(scopes), &t.Scopes); err != nil {
		return nil, fmt.Errorf("db: decode scopes: %w", err)
	}
	return t, nil
}

// CreateDeviceAuth stores a new pending device login.
func (s *Store) CreateDeviceAuth(ctx context.Context, d *DeviceAuth) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Status == "" {
		d.Status = DeviceAuthPending
	}
	if d.IntervalSeconds <= 0 {
		d.IntervalSeconds = 5
	}
	d.CreatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_auths (id, user_email, device_name, device_code_hash, user_code_hash, status, api_token_id, approved_by, interval_seconds, last_poll_at, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.UserEmail, d.DeviceName, d.DeviceCodeHash, d.UserCodeHash, d.Status, d.APITokenID, d.ApprovedBy, d.IntervalSeconds, d.LastPollAt, d.ExpiresAt, d.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("db: device auth codes: %w", ErrDuplicate)
		}
		return fmt.Errorf("db: create device auth: %w", err)
	}
	return nil
}

// GetDeviceAuthByDeviceCodeHash retrieves a device login by its poll
// credential digest.
func (s *Store) GetDeviceAuthByDeviceCodeHash(ctx context.Context, hash string) (*DeviceAuth, error) {
	return s.getDeviceAuthWhere(ctx, "device_code_hash = ?", hash)
}

// GetDeviceAuthByUserCodeHash retrieves a device login by its approval
// code digest.
func (s *Store) GetDeviceAuthByUserCodeHash(ctx context.Context, hash string) (*DeviceAuth, error) {
	return s.getDeviceAuthWhere(ctx, "user_code_hash = ?", hash)
}

func (s *Store) getDeviceAuthWhere(ctx context.Context, where string, arg any) (*DeviceAuth, error) {
	d := &DeviceAuth{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_email, device_name, device_code_hash, user_code_hash, status, api_token_id, approved_by, interval_seconds, last_poll_at, expires_at, created_at
		FROM device_auths WHERE `+where,
		arg,
	).Scan(&d.ID, &d.UserEmail, &d.DeviceName, &d.DeviceCodeHash, &d.UserCodeHash, &d.Status, &d.APITokenID, &d.ApprovedBy, &d.IntervalSeconds, &d.LastPollAt, &d.ExpiresAt, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("db: device auth: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("db: get device auth: %w", err)
	}
	return d, nil
}

// ListDeviceAuths returns device logins in a given state, newest first.
func (s *Store) ListDeviceAuths(ctx context.Context, status string) ([]*DeviceAuth, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_email, device_name, device_code_hash, user_code_hash, status, api_token_id, approved_by, interval_seconds, last_poll_at, expires_at, created_at
		FROM device_auths WHERE status = ? ORDER BY created_at DESC, id DESC
	`, status)
	if err != nil {
		return nil, fmt.Errorf("db: list device auths: %w", err)
	}
	defer rows.Close()

	var out []*DeviceAuth
	for rows.Next() {
		d := &DeviceAuth{}
		if err := rows.Scan(&d.ID, &d.UserEmail, &d.DeviceName, &d.DeviceCodeHash, &d.UserCodeHash, &d.Status, &d.APITokenID, &d.ApprovedBy, &d.IntervalSeconds, &d.LastPollAt, &d.ExpiresAt, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("db: scan device auth: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db: iterate device auths: %w", err)
	}
	return out, nil
}

// ApproveDeviceAuth moves a pending login to APPROVED and binds the token
// that the poll will release. Approving a non-pending login fails.
func (s *Store) ApproveDeviceAuth(ctx context.Context, id, approvedBy, apiTokenID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE device_auths SET status = ?, approved_by = ?, api_token_id = ?
		WHERE id = ? AND status = ?
	`, DeviceAuthApproved, approvedBy, apiTokenID, id, DeviceAuthPending)
	if err != nil {
		return fmt.Errorf("db: approve device auth: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("db: device auth %q not pending: %w", id, ErrNotFound)
	}
	return nil
}

// ConsumeDeviceAuth moves an approved login to CONSUMED. Exactly one poll
// wins; later polls see zero rows updated and report not found.
func (s *Store) ConsumeDeviceAuth(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE device_auths SET status = ? WHERE id = ? AND status = ?
	`, DeviceAuthConsumed, id, DeviceAuthApproved)
	if err != nil {
		return fmt.Errorf("db: consume device auth: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("db: device auth %q not approved: %w", id, ErrNotFound)
	}
	return nil
}

// RevokeDeviceAuth rejects a pending login.
func (s *Store) RevokeDeviceAuth(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE device_auths SET status = ? WHERE id = ? AND status = ?
	`, DeviceAuthRevoked, id, DeviceAuthPending)
	if err != nil {
		return fmt.Errorf("db: revoke device auth: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("db: device auth %q not pending: %w", id, ErrNotFound)
	}
	return nil
}

// MarkDevicePoll stamps the most recent poll time.
func (s *Store) MarkDevicePoll(ctx context.Context, id string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE device_auths SET last_poll_at = ? WHERE id = ?`, at, id,
	); err != nil {
		return fmt.Errorf("db: mark device poll: %w", err)
	}
	return nil
}

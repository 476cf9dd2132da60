package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Recipient is an external party that may download assigned bundles.
type Recipient struct {
	ID        string
	Email     string
	Name      sql.NullString
	IsEnabled bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// BundleAssignment grants one recipient access to one bundle, optionally
// capped by a download quota and a per-download cooldown. A NULL limit
// means unlimited.
type BundleAssignment struct {
	ID              string
	BundleID        string
	RecipientID     string
	IsEnabled       bool
	MaxDownloads    sql.NullInt64
	CooldownSeconds sql.NullInt64
	LastDownloadAt  sql.NullTime
	VerificationMet bool
	CreatedAt       time.Time
}

// AssignmentWithBundle joins an assignment with its bundle for listings.
type AssignmentWithBundle struct {
	BundleAssignment
	BundleName   string
	BundleDigest string
}

// DownloadEvent records one successful download under an assignment.
type DownloadEvent struct {
	ID           string
	AssignmentID string
	DownloadedAt time.Time
	IP           string
	UserAgent    string
}

// CreateRecipientTx inserts a recipient inside tx.
func CreateRecipientTx(ctx context.Context, tx *sql.Tx, r *Recipient) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := time.Now()
	r.CreatedAt, r.UpdatedAt = now, now
	_, err := tx.ExecContext(ctx, `
		INSERT INTO recipients (id, email, name, is_enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.ID, r.Email, r.Name, r.IsEnabled, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("db: recipient email %q: %w", r.Email, ErrDuplicate)
		}
		return fmt.Errorf("db: create recipient: %w", err)
	}
	return nil
}

// UpdateRecipientTx rewrites a recipient inside tx.
func UpdateRecipientTx(ctx context.Context, tx *sql.Tx, r *Recipient) error {
	r.UpdatedAt = time.Now()
	res, err := tx.ExecContext(ctx, `
		UPDATE recipients SET email = ?, name = ?, is_enabled = ?, updated_at = ?
		WHERE id = ?
	`, r.Email, r.Name, r.IsEnabled, r.UpdatedAt, r.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("db: recipient email %q: %w", r.Email, ErrDuplicate)
		}
		return fmt.Errorf("db: update recipient: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("db: recipient %q: %w", r.ID, ErrNotFound)
	}
	return nil
}

// GetRecipient retrieves a recipient by id.
func (s *Store) GetRecipient(ctx context.Context, id string) (*Recipient, error) {
	return s.getRecipientWhere(ctx, "id = ?", id)
}

// GetRecipientByEmail retrieves a recipient by email.
func (s *Store) GetRecipientByEmail(ctx context.Context, email string) (*Recipient, error) {
	return s.getRecipientWhere(ctx, "email = ?", email)
}

func (s *Store) getRecipientWhere(ctx context.Context, where string, arg any) (*Recipient, error) {
	r := &Recipient{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, name, is_enabled, created_at, updated_at
		FROM recipients WHERE `+where,
		arg,
	).Scan(&r.ID, &r.Email, &r.Name, &r.IsEnabled, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("db: recipient %v: %w", arg, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("db: get recipient: %w", err)
	}
	return r, nil
}

// ListRecipients returns all recipients ordered by email.
func (s *Store) ListRecipients(ctx context.Context) ([]*Recipient, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, email, name, is_enabled, created_at, updated_at
		FROM recipients ORDER BY email
	`)
	if err != nil {
		return nil, fmt.Errorf("db: list recipients: %w", err)
	}
	defer rows.Close()

	var out []*Recipient
	for rows.Next() {
		r := &Recipient{}
		if err := rows.Scan(&r.ID, &r.Email, &r.Name, &r.IsEnabled, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("db: scan recipient: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db: iterate recipients: %w", err)
	}
	return out, nil
}

// DeleteRecipient removes a recipient, refusing while assignments exist.
func (s *Store) DeleteRecipient(ctx context.Context, id string) error {
	var dependents int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM bundle_assignments WHERE recipient_id = ?`, id,
	).Scan(&dependents)
	if err != nil {
		return fmt.Errorf("db: count recipient dependents: %w", err)
	}
	if dependents > 0 {
		return fmt.Errorf("db: recipient %q has %d assignments: %w", id, dependents, ErrInUse)
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM recipients WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("db: delete recipient: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("db: recipient %q: %w", id, ErrNotFound)
	}
	return nil
}

// CreateAssignmentTx grants a recipient access to a bundle inside tx. A
// pair can be assigned at most once.
func CreateAssignmentTx(ctx context.Context, tx *sql.Tx, a *BundleAssignment) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.CreatedAt = time.Now()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO bundle_assignments (id, bundle_id, recipient_id, is_enabled, max_downloads, cooldown_seconds, last_download_at, verification_met, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.BundleID, a.RecipientID, a.IsEnabled, a.MaxDownloads, a.CooldownSeconds, a.LastDownloadAt, a.VerificationMet, a.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("db: recipient %q already assigned to bundle %q: %w", a.RecipientID, a.BundleID, ErrDuplicate)
		}
		return fmt.Errorf("db: create assignment: %w", err)
	}
	return nil
}

// UpdateAssignmentTx rewrites an assignment's limits and flags inside tx.
func UpdateAssignmentTx(ctx context.Context, tx *sql.Tx, a *BundleAssignment) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE bundle_assignments
		SET is_enabled = ?, max_downloads = ?, cooldown_seconds = ?, verification_met = ?
		WHERE id = ?
	`, a.IsEnabled, a.MaxDownloads, a.CooldownSeconds, a.VerificationMet, a.ID)
	if err != nil {
		return fmt.Errorf("db: update assignment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("db: assignment %q: %w", a.ID, ErrNotFound)
	}
	return nil
}

// RemoveAssignmentTx revokes an assignment inside tx. Download history
// under it is removed first so the grant leaves no dangling events.
func RemoveAssignmentTx(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM download_events WHERE bundle_assignment_id = ?`, id); err != nil {
		return fmt.Errorf("db: clear download events: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM bundle_assignments WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("db: remove assignment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("db: assignment %q: %w", id, ErrNotFound)
	}
	return nil
}

// GetAssignment retrieves one assignment by id.
func (s *Store) GetAssignment(ctx context.Context, id string) (*BundleAssignment, error) {
	a := &BundleAssignment{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, bundle_id, recipient_id, is_enabled, max_downloads, cooldown_seconds, last_download_at, verification_met, created_at
		FROM bundle_assignments WHERE id = ?
	`, id).Scan(&a.ID, &a.BundleID, &a.RecipientID, &a.IsEnabled, &a.MaxDownloads, &a.CooldownSeconds, &a.LastDownloadAt, &a.VerificationMet, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("db: assignment %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("db: get assignment: %w", err)
	}
	return a, nil
}

// ListAssignmentsForBundle returns all grants on a bundle.
func (s *Store) ListAssignmentsForBundle(ctx context.Context, bundleID string) ([]*BundleAssignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, bundle_id, recipient_id, is_enabled, max_downloads, cooldown_seconds, last_download_at, verification_met, created_at
		FROM bundle_assignments WHERE bundle_id = ? ORDER BY created_at, id
	`, bundleID)
	if err != nil {
		return nil, fmt.Errorf("db: list assignments: %w", err)
	}
	defer rows.Close()
	return scanAssignments(rows)
}

// ListAssignmentsForRecipient returns a recipient's grants joined with the
// bundle name and digest, for the portal listing.
func (s *Store) ListAssignmentsForRecipient(ctx context.Context, recipientID string) ([]*AssignmentWithBundle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.bundle_id, a.recipient_id, a.is_enabled, a.max_downloads, a.cooldown_seconds, a.last_download_at, a.verification_met, a.created_at,
		       b.name, b.bundle_digest
		FROM bundle_assignments a
		JOIN bundles b ON b.id = a.bundle_id
		WHERE a.recipient_id = ? AND a.is_enabled = 1 AND b.is_enabled = 1
		ORDER BY b.name
	`, recipientID)
	if err != nil {
		return nil, fmt.Errorf("db: list recipient assignments: %w", err)
	}
	defer rows.Close()

	var out []*AssignmentWithBundle
	for rows.Next() {
		item := &AssignmentWithBundle{}
		if err := rows.Scan(
			&item.ID, &item.BundleID, &item.RecipientID, &item.IsEnabled,
			&item.MaxDownloads, &item.CooldownSeconds, &item.LastDownloadAt, &item.VerificationMet, &item.CreatedAt,
			&item.BundleName, &item.BundleDigest,
		); err != nil {
			return nil, fmt.Errorf("db: scan recipient assignment: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db: iterate recipient assignments: %w", err)
	}
	return out, nil
}

func scanAssignments(rows *sql.Rows) ([]*BundleAssignment, error) {
	var out []*BundleAssignment
	for rows.Next() {
		a := &BundleAssignment{}
		if err := rows.Scan(&a.ID, &a.BundleID, &a.RecipientID, &a.IsEnabled, &a.MaxDownloads, &a.CooldownSeconds, &a.LastDownloadAt, &a.VerificationMet, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("db: scan assignment: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db: iterate assignments: %w", err)
	}
	return out, nil
}

// GetAssignmentForDownloadTx reads the grant for a bundle/recipient pair
// inside the download transaction, so quota and cooldown checks observe a
// consistent row.
func GetAssignmentForDownloadTx(ctx context.Context, tx *sql.Tx, bundleID, recipientID string) (*BundleAssignment, error) {
	a := &BundleAssignment{}
	err := tx.QueryRowContext(ctx, `
		SELECT id, bundle_id, recipient_id, is_enabled, max_downloads, cooldown_seconds, last_download_at, verification_met, created_at
		FROM bundle_assignments WHERE bundle_id = ? AND recipient_id = ?
	`, bundleID, recipientID).Scan(&a.ID, &a.BundleID, &a.RecipientID, &a.IsEnabled, &a.MaxDownloads, &a.CooldownSeconds, &a.LastDownloadAt, &a.VerificationMet, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("db: assignment for bundle %q recipient %q: %w", bundleID, recipientID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("db: get assignment for download: %w", err)
	}
	return a, nil
}

// CountDownloadEventsTx counts completed downloads under an assignment
// inside the download transaction.
func CountDownloadEventsTx(ctx context.Context, tx *sql.Tx, assignmentID string) (int64, error) {
	return countDownloadEvents(ctx, tx, assignmentID)
}

// CountDownloadEvents is CountDownloadEventsTx outside a transaction, for
// portal listings that report quota consumption.
func (s *Store) CountDownloadEvents(ctx context.Context, assignmentID string) (int64, error) {
	return countDownloadEvents(ctx, s.db, assignmentID)
}

func countDownloadEvents(ctx context.Context, q rowQuerier, assignmentID string) (int64, error) {
	var n int64
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM download_events WHERE bundle_assignment_id = ?`, assignmentID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("db: count download events: %w", err)
	}
	return n, nil
}

// InsertDownloadEventTx records a download inside the download transaction.
func InsertDownloadEventTx(ctx context.Context, tx *sql.Tx, ev *DownloadEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.DownloadedAt.IsZero() {
		ev.DownloadedAt = time.Now()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO download_events (id, bundle_assignment_id, downloaded_at, ip, user_agent)
		VALUES (?, ?, ?, ?, ?)
	`, ev.ID, ev.AssignmentID, ev.DownloadedAt, ev.IP, ev.UserAgent)
	if err != nil {
		return fmt.Errorf("db: insert download event: %w", err)
	}
	return nil
}

// TouchAssignmentDownloadTx stamps the assignment's last download time
// inside the download transaction.
func TouchAssignmentDownloadTx(ctx context.Context, tx *sql.Tx, assignmentID string, at time.Time) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE bundle_assignments SET last_download_at = ? WHERE id = ?`, at, assignmentID,
	)
	if err != nil {
		return fmt.Errorf("db: touch assignment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("db: assignment %q: %w", assignmentID, ErrNotFound)
	}
	return nil
}

// ListDownloadEvents returns an assignment's download history, newest
// first, capped at limit (default 50).
func (s *Store) ListDownloadEvents(ctx context.Context, assignmentID string, limit int) ([]*DownloadEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, bundle_assignment_id, downloaded_at, ip, user_agent
		FROM download_events WHERE bundle_assignment_id = ?
		ORDER BY downloaded_at DESC, id DESC LIMIT ?
	`, assignmentID, limit)
	if err != nil {
		return nil, fmt.Errorf("db: list download events: %w", err)
	}
	defer rows.Close()

	var out []*DownloadEvent
	for rows.Next() {
		ev := &DownloadEvent{}
		if err := rows.Scan(&ev.ID, &ev.AssignmentID, &ev.DownloadedAt, &ev.IP, &ev.UserAgent); err != nil {
			return nil, fmt.Errorf("db: scan download event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db: iterate download events: %w", err)
	}
	return out, nil
}

package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Bundle is a named logical archive. StoragePath/Checksum/BundleDigest are
// empty until the first successful build; an empty digest means "pending"
// and the bundle is not downloadable.
type Bundle struct {
	ID           string
	Name         string
	Description  sql.NullString
	StoragePath  string
	Checksum     string
	BundleDigest string
	IsEnabled    bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// BundleObject includes a file in a bundle at a position.
type BundleObject struct {
	ID        string
	BundleID  string
	FileID    string
	SortOrder int
	Required  bool
	IsEnabled bool
}

// BundleObjectWithFile joins an object with its file row for builds.
type BundleObjectWithFile struct {
	BundleObject
	File File
}

// CreateBundleTx inserts a bundle inside tx.
func CreateBundleTx(ctx context.Context, tx *sql.Tx, b *Bundle) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	now := time.Now()
	b.CreatedAt, b.UpdatedAt = now, now
	_, err := tx.ExecContext(ctx, `
		INSERT INTO bundles (id, name, description, storage_path, checksum, bundle_digest, is_enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, b.ID, b.Name, b.Description, b.StoragePath, b.Checksum, b.BundleDigest, b.IsEnabled, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("db: bundle name %q: %w", b.Name, ErrDuplicate)
		}
		return fmt.Errorf("db: create bundle: %w", err)
	}
	return nil
}

// UpdateBundleTx rewrites a bundle's metadata, not its build pointer.
func UpdateBundleTx(ctx context.Context, tx *sql.Tx, b *Bundle) error {
	b.UpdatedAt = time.Now()
	res, err := tx.ExecContext(ctx, `
		UPDATE bundles SET name = ?, description = ?, is_enabled = ?, updated_at = ?
		WHERE id = ?
	`, b.Name, b.Description, b.IsEnabled, b.UpdatedAt, b.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("db: bundle name %q: %w", b.Name, ErrDuplicate)
		}
		return fmt.Errorf("db: update bundle: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("db: bundle %q: %w", b.ID, ErrNotFound)
	}
	return nil
}

// CommitBundleBuild atomically moves the bundle's storage pointer to a
// freshly built archive. Readers racing this update observe either the old
// or the new pointer, never a mix.
func (s *Store) CommitBundleBuild(ctx context.Context, id, storagePath, checksum, digest string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE bundles SET storage_path = ?, checksum = ?, bundle_digest = ?, updated_at = ?
		WHERE id = ?
	`, storagePath, checksum, digest, time.Now(), id)
	if err != nil {
		return fmt.Errorf("db: commit bundle build: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("db: bundle %q: %w", id, ErrNotFound)
	}
	return nil
}

// GetBundle retrieves a bundle by id.
func (s *Store) GetBundle(ctx context.Context, id string) (*Bundle, error) {
	b := &Bundle{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, storage_path, checksum, bundle_digest, is_enabled, created_at, updated_at
		FROM bundles WHERE id = ?
	`, id).Scan(&b.ID, &b.Name, &b.Description, &b.StoragePath, &b.Checksum, &b.BundleDigest, &b.IsEnabled, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("db: bundle %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("db: get bundle: %w", err)
	}
	return b, nil
}

// ListBundles returns all bundles ordered by name.
func (s *Store) ListBundles(ctx context.Context) ([]*Bundle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, storage_path, checksum, bundle_digest, is_enabled, created_at, updated_at
		FROM bundles ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("db: list bundles: %w", err)
	}
	defer rows.Close()

	var out []*Bundle
	for rows.Next() {
		b := &Bundle{}
		if err := rows.Scan(&b.ID, &b.Name, &b.Description, &b.StoragePath, &b.Checksum, &b.BundleDigest, &b.IsEnabled, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("db: scan bundle: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db: iterate bundles: %w", err)
	}
	return out, nil
}

// DeleteBundle removes a bundle, refusing while objects or assignments
// still reference it.
func (s *Store) DeleteBundle(ctx context.Context, id string) error {
	var dependents int
	err := s.db.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM bundle_objects WHERE bundle_id = ?)
		     + (SELECT COUNT(*) FROM bundle_assignments WHERE bundle_id = ?)
	`, id, id).Scan(&dependents)
	if err != nil {
		return fmt.Errorf("db: count bundle dependents: %w", err)
	}
	if dependents > 0 {
		return fmt.Errorf("db: bundle %q has %d dependents: %w", id, dependents, ErrInUse)
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM bundles WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("db: delete bundle: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("db: bundle %q: %w", id, ErrNotFound)
	}
	return nil
}

// AddBundleObjectTx attaches a file to a bundle inside tx. A file can be in
// a bundle at most once.
func AddBundleObjectTx(ctx context.Context, tx *sql.Tx, o *BundleObject) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO bundle_objects (id, bundle_id, file_id, sort_order, required, is_enabled)
		VALUES (?, ?, ?, ?, ?, ?)
	`, o.ID, o.BundleID, o.FileID, o.SortOrder, o.Required, o.IsEnabled)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("db: file %q already in bundle %q: %w", o.FileID, o.BundleID, ErrDuplicate)
		}
		return fmt.Errorf("db: add bundle object: %w", err)
	}
	return nil
}

// UpdateBundleObjectTx rewrites position, required and enablement flags.
func UpdateBundleObjectTx(ctx context.Context, tx *sql.Tx, o *BundleObject) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE bundle_objects SET sort_order = ?, required = ?, is_enabled = ? WHERE id = ?
	`, o.SortOrder, o.Required, o.IsEnabled, o.ID)
	if err != nil {
		return fmt.Errorf("db: update bundle object: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("db: bundle object %q: %w", o.ID, ErrNotFound)
	}
	return nil
}

// RemoveBundleObjectTx detaches a file from a bundle inside tx.
func RemoveBundleObjectTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM bundle_objects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("db: remove bundle object: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("db: bundle object %q: %w", id, ErrNotFound)
	}
	return nil
}

// GetBundleObject retrieves one object row.
func (s *Store) GetBundleObject(ctx context.Context, id string) (*BundleObject, error) {
	o := &BundleObject{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, bundle_id, file_id, sort_order, required, is_enabled
		FROM bundle_objects WHERE id = ?
	`, id).Scan(&o.ID, &o.BundleID, &o.FileID, &o.SortOrder, &o.Required, &o.IsEnabled)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("db: bundle object %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("db: get bundle object: %w", err)
	}
	return o, nil
}

// ListBundleObjects returns every object of a bundle in order, enabled or
// not, joined with its file.
func (s *Store) ListBundleObjects(ctx context.Context, bundleID string) ([]*BundleObjectWithFile, error) {
	return listBundleObjects(ctx, s.db, bundleID, false)
}

// ListBundleObjectsTx is ListBundleObjects inside tx, for writers that
// snapshot the attachment list alongside a mutation.
func ListBundleObjectsTx(ctx context.Context, tx *sql.Tx, bundleID string) ([]*BundleObjectWithFile, error) {
	return listBundleObjects(ctx, tx, bundleID, false)
}

// ListEnabledBundleObjects returns the logical contents of a bundle: its
// enabled objects ordered by sort order, ties broken by id.
func (s *Store) ListEnabledBundleObjects(ctx context.Context, bundleID string) ([]*BundleObjectWithFile, error) {
	return listBundleObjects(ctx, s.db, bundleID, true)
}

func listBundleObjects(ctx context.Context, q rowQuerier, bundleID string, enabledOnly bool) ([]*BundleObjectWithFile, error) {
	query := `
		SELECT o.id, o.bundle_id, o.file_id, o.sort_order, o.required, o.is_enabled,
		       f.id, f.key, f.storage_key, f.size, f.content_type, f.content_hash, f.etag, f.metadata, f.created_at, f.updated_at
		FROM bundle_objects o
		JOIN files f ON f.id = o.file_id
		WHERE o.bundle_id = ?`
	if enabledOnly {
		query += ` AND o.is_enabled = 1`
	}
	query += ` ORDER BY o.sort_order, o.id`

	rows, err := q.QueryContext(ctx, query, bundleID)
	if err != nil {
		return nil, fmt.Errorf("db: list bundle objects: %w", err)
	}
	defer rows.Close()

	var out []*BundleObjectWithFile
	for rows.Next() {
		item := &BundleObjectWithFile{}
		if err := rows.Scan(
			&item.BundleObject.ID, &item.BundleID, &item.FileID, &item.SortOrder, &item.Required, &item.BundleObject.IsEnabled,
			&item.File.ID, &item.File.Key, &item.File.StorageKey, &item.File.Size, &item.File.ContentType,
			&item.File.ContentHash, &item.File.ETag, &item.File.Metadata, &item.File.CreatedAt, &item.File.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("db: scan bundle object: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db: iterate bundle objects: %w", err)
	}
	return out, nil
}

// BundleIDsForFiles resolves the distinct bundles that contain any of the
// given files, for rebuild scheduling after file mutations.
func (s *Store) BundleIDsForFiles(ctx context.Context, fileIDs []string) ([]string, error) {
	if len(fileIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(fileIDs)), ",")
	args := make([]any, len(fileIDs))
	for i, id := range fileIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT bundle_id FROM bundle_objects WHERE file_id IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("db: bundles for files: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("db: scan bundle id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db: iterate bundle ids: %w", err)
	}
	return out, nil
}

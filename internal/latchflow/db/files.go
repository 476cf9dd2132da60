package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// File is a content-addressed blob reference. The bytes live in storage
// under StorageKey; ContentHash is the sha256 hex of those bytes.
type File struct {
	ID          string
	Key         string
	StorageKey  string
	Size        int64
	ContentType string
	ContentHash string
	ETag        sql.NullString
	Metadata    sql.NullString
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CreateFile inserts a file row. Key collisions return ErrDuplicate.
func (s *Store) CreateFile(ctx context.Context, f *File) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	now := time.Now()
	f.CreatedAt, f.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO files (id, key, storage_key, size, content_type, content_hash, etag, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, f.ID, f.Key, f.StorageKey, f.Size, f.ContentType, f.ContentHash, f.ETag, f.Metadata, f.CreatedAt, f.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("db: file key %q: %w", f.Key, ErrDuplicate)
		}
		return fmt.Errorf("db: create file: %w", err)
	}
	return nil
}

// GetFile retrieves a file by id.
func (s *Store) GetFile(ctx context.Context, id string) (*File, error) {
	return s.getFileWhere(ctx, "id = ?", id)
}

// GetFileByKey retrieves a file by its logical key.
func (s *Store) GetFileByKey(ctx context.Context, key string) (*File, error) {
	return s.getFileWhere(ctx, "key = ?", key)
}

func (s *Store) getFileWhere(ctx context.Context, where string, arg any) (*File, error) {
	f := &File{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, key, storage_key, size, content_type, content_hash, etag, metadata, created_at, updated_at
		FROM files WHERE `+where, arg).Scan(
		&f.ID, &f.Key, &f.StorageKey, &f.Size, &f.ContentType, &f.ContentHash, &f.ETag, &f.Metadata, &f.CreatedAt, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("db: file: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("db: get file: %w", err)
	}
	return f, nil
}

// ListFiles returns files ordered by key, optionally filtered by key prefix.
func (s *Store) ListFiles(ctx context.Context, prefix string, limit int) ([]*File, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, key, storage_key, size, content_type, content_hash, etag, metadata, created_at, updated_at
		FROM files WHERE key LIKE ? ORDER BY key LIMIT ?
	`, prefix+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("db: list files: %w", err)
	}
	defer rows.Close()

	var out []*File
	for rows.Next() {
		f := &File{}
		if err := rows.Scan(&f.ID, &f.Key, &f.StorageKey, &f.Size, &f.ContentType, &f.ContentHash, &f.ETag, &f.Metadata, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("db: scan file: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db: iterate files: %w", err)
	}
	return out, nil
}

// RenameFile changes a file's logical key.
func (s *Store) RenameFile(ctx context.Context, id, newKey string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE files SET key = ?, updated_at = ? WHERE id = ?
	`, newKey, time.Now(), id)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("db: file key %q: %w", newKey, ErrDuplicate)
		}
		return fmt.Errorf("db: rename file: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("db: file %q: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteFile removes a file row. Files referenced by bundle objects are
// refused with ErrInUse.
func (s *Store) DeleteFile(ctx context.Context, id string) error {
	var dependents int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM bundle_objects WHERE file_id = ?
	`, id).Scan(&dependents); err != nil {
		return fmt.Errorf("db: count file dependents: %w", err)
	}
	if dependents > 0 {
		return fmt.Errorf("db: file %q referenced by %d bundle objects: %w", id, dependents, ErrInUse)
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("db: delete file: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("db: file %q: %w", id, ErrNotFound)
	}
	return nil
}

// CountFilesByStorageKey reports how many file rows still point at a
// storage object, so physical deletion can wait for the last reference.
func (s *Store) CountFilesByStorageKey(ctx context.Context, storageKey string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM files WHERE storage_key = ?
	`, storageKey).Scan(&n); err != nil {
		return 0, fmt.Errorf("db: count storage refs: %w", err)
	}
	return n, nil
}

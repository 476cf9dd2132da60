package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FSDriver stores objects as plain files under a base directory, one
// subdirectory per bucket. Puts write to a temp file and rename into
// place, so readers never observe partial objects.
type FSDriver struct {
	base string
}

// NewFSDriver returns a driver rooted at base, creating it if needed.
func NewFSDriver(base string) (*FSDriver, error) {
	if base == "" {
		return nil, fmt.Errorf("storage: fs driver needs a base path")
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create base path: %w", err)
	}
	return &FSDriver{base: base}, nil
}

func (d *FSDriver) resolve(bucket, key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("storage: invalid key %q", key)
	}
	return filepath.Join(d.base, bucket, clean), nil
}

// Put writes an object atomically.
func (d *FSDriver) Put(ctx context.Context, req PutRequest) (PutResult, error) {
	target, err := d.resolve(req.Bucket, req.Key)
	if err != nil {
		return PutResult{}, err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return PutResult{}, fmt.Errorf("storage: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".put-*")
	if err != nil {
		return PutResult{}, fmt.Errorf("storage: temp file: %w", err)
	}
	size, err := io.Copy(tmp, req.Body)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return PutResult{}, fmt.Errorf("storage: write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return PutResult{}, fmt.Errorf("storage: close object: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return PutResult{}, fmt.Errorf("storage: move object into place: %w", err)
	}
	return PutResult{Size: size}, nil
}

// GetStream opens an object for reading, honoring an optional byte range.
func (d *FSDriver) GetStream(ctx context.Context, req GetRequest) (io.ReadCloser, error) {
	target, err := d.resolve(req.Bucket, req.Key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("storage: %s: %w", req.Key, ErrNotFound)
		}
		return nil, fmt.Errorf("storage: open object: %w", err)
	}
	if req.Range == nil {
		return f, nil
	}

	if _, err := f.Seek(req.Range.Start, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("storage: seek: %w", err)
	}
	if req.Range.End < 0 {
		return f, nil
	}
	return &limitedFile{f: f, r: io.LimitReader(f, req.Range.End-req.Range.Start+1)}, nil
}

// Head stats an object. The filesystem keeps no etag; callers fall back
// to the recorded checksum.
func (d *FSDriver) Head(ctx context.Context, req HeadRequest) (HeadResult, error) {
	target, err := d.resolve(req.Bucket, req.Key)
	if err != nil {
		return HeadResult{}, err
	}
	info, err := os.Stat(target)
	if err != nil {
		if os.IsNotExist(err) {
			return HeadResult{}, fmt.Errorf("storage: %s: %w", req.Key, ErrNotFound)
		}
		return HeadResult{}, fmt.Errorf("storage: stat object: %w", err)
	}
	return HeadResult{Size: info.Size()}, nil
}

// Del removes an object. Deleting a missing object is a no-op.
func (d *FSDriver) Del(ctx context.Context, bucket, key string) error {
	target, err := d.resolve(bucket, key)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: delete object: %w", err)
	}
	return nil
}

type limitedFile struct {
	f *os.File
	r io.Reader
}

func (l *limitedFile) Read(p []byte) (int, error) { return l.r.Read(p) }
func (l *limitedFile) Close() error               { return l.f.Close() }

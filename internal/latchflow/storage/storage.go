// Package storage stores file bodies and bundle archives behind a driver
// interface. Uploads are content addressed: the object key is derived from
// the SHA-256 of the bytes, so identical uploads land on the same key.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"time"
)

var (
	// ErrNotFound is returned when an object does not exist.
	ErrNotFound = errors.New("storage: object not found")
	// ErrNotImplemented is returned by drivers without presign support.
	ErrNotImplemented = errors.New("storage: not implemented")
)

// PutRequest describes one upload.
type PutRequest struct {
	Bucket      string
	Key         string
	Body        io.Reader
	ContentType string
	Metadata    map[string]string
}

// PutResult reports what the driver stored.
type PutResult struct {
	ETag string
	Size int64
}

// GetRequest describes one download. A nil Range requests the whole
// object.
type GetRequest struct {
	Bucket string
	Key    string
	Range  *ByteRange
}

// ByteRange selects [Start, End] inclusive; End < 0 means "to the end".
type ByteRange struct {
	Start int64
	End   int64
}

// HeadRequest describes one metadata probe.
type HeadRequest struct {
	Bucket string
	Key    string
}

// HeadResult carries object metadata.
type HeadResult struct {
	Size              int64
	ETag              string
	ContentType       string
	Metadata          map[string]string
	ChecksumSHA256Hex string
}

// Driver is the low-level object interface. Implementations must be safe
// for concurrent use.
type Driver interface {
	Put(ctx context.Context, req PutRequest) (PutResult, error)
	GetStream(ctx context.Context, req GetRequest) (io.ReadCloser, error)
	Head(ctx context.Context, req HeadRequest) (HeadResult, error)
	Del(ctx context.Context, bucket, key string) error
}

// Presigner is the optional presigned-URL extension.
type Presigner interface {
	CreateSignedPutURL(ctx context.Context, bucket, key string, expiry time.Duration) (string, error)
	CreateSignedGetURL(ctx context.Context, bucket, key string, expiry time.Duration) (string, error)
}

// StoredObject is what the service reports after an upload.
type StoredObject struct {
	StorageKey string
	Size       int64
	SHA256     string
	ETag       string
}

// Service wraps a driver with the bucket and key layout.
type Service struct {
	driver Driver
	bucket string
	prefix string
}

// NewService returns a Service writing under the given bucket and key
// prefix.
func NewService(driver Driver, bucket, prefix string) *Service {
	return &Service{driver: driver, bucket: bucket, prefix: prefix}
}

// NewDriver constructs a named driver. basePath is only meaningful for
// "fs".
func NewDriver(name, basePath string) (Driver, error) {
	switch name {
	case "fs":
		return NewFSDriver(basePath)
	case "memory":
		return NewMemoryDriver(), nil
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", name)
	}
}

// SupportsSignedPut reports whether the underlying driver can presign.
func (s *Service) SupportsSignedPut() bool {
	_, ok := s.driver.(Presigner)
	return ok
}

// StagingKey derives the storage key for a direct-upload staging object.
// The caller supplies a unique id.
func (s *Service) StagingKey(id string) string {
	return s.withPrefix(path.Join("staging", id))
}

// SignedPutURL presigns an upload to key. Drivers without presign support
// get ErrNotImplemented.
func (s *Service) SignedPutURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	p, ok := s.driver.(Presigner)
	if !ok {
		return "", ErrNotImplemented
	}
	url, err := p.CreateSignedPutURL(ctx, s.bucket, key, expiry)
	if err != nil {
		return "", fmt.Errorf("storage: presign put: %w", err)
	}
	return url, nil
}

// PutFile uploads a file body under its content-addressed key. The body
// is spooled to a temp file first so the digest is known before the
// driver sees a key.
func (s *Service) PutFile(ctx context.Context, body io.Reader, contentType string) (StoredObject, error) {
	spool, digest, size, err := s.spool(body)
	if err != nil {
		return StoredObject{}, err
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	key := s.objectKey(digest)
	res, err := s.driver.Put(ctx, PutRequest{
		Bucket:      s.bucket,
		Key:         key,
		Body:        spool,
		ContentType: contentType,
	})
	if err != nil {
		return StoredObject{}, fmt.Errorf("storage: put file: %w", err)
	}
	return StoredObject{StorageKey: key, Size: size, SHA256: digest, ETag: coalesce(res.ETag, digest)}, nil
}

// PutBundleArchive uploads a built archive under a digest-derived key, so
// rebuilding unchanged content overwrites the same object.
func (s *Service) PutBundleArchive(ctx context.Context, bundleID, bundleDigest string, body io.Reader) (StoredObject, error) {
	spool, checksum, size, err := s.spool(body)
	if err != nil {
		return StoredObject{}, err
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	short := bundleDigest
	if len(short) > 16 {
		short = short[:16]
	}
	key := s.withPrefix(path.Join("bundles", bundleID, short+".zip"))
	res, err := s.driver.Put(ctx, PutRequest{
		Bucket:      s.bucket,
		Key:         key,
		Body:        spool,
		ContentType: "application/zip",
	})
	if err != nil {
		return StoredObject{}, fmt.Errorf("storage: put archive: %w", err)
	}
	return StoredObject{StorageKey: key, Size: size, SHA256: checksum, ETag: coalesce(res.ETag, checksum)}, nil
}

// GetStream opens a stored object by key.
func (s *Service) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	return s.driver.GetStream(ctx, GetRequest{Bucket: s.bucket, Key: key})
}

// Head probes a stored object by key.
func (s *Service) Head(ctx context.Context, key string) (HeadResult, error) {
	return s.driver.Head(ctx, HeadRequest{Bucket: s.bucket, Key: key})
}

// Del removes a stored object by key.
func (s *Service) Del(ctx context.Context, key string) error {
	return s.driver.Del(ctx, s.bucket, key)
}

// objectKey derives the content-addressed key for a digest, fanned out
// over two hex levels to keep directories small.
func (s *Service) objectKey(digest string) string {
	return s.withPrefix(path.Join("objects", "sha256", digest[:2], digest[2:4], digest))
}

func (s *Service) withPrefix(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

// spool copies body to a temp file while digesting it. The returned file
// is positioned at the start; the caller removes it.
func (s *Service) spool(body io.Reader) (*os.File, string, int64, error) {
	spool, err := os.CreateTemp("", "latchflow-upload-*")
	if err != nil {
		return nil, "", 0, fmt.Errorf("storage: spool: %w", err)
	}
	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(spool, hasher), body)
	if err != nil {
		spool.Close()
		os.Remove(spool.Name())
		return nil, "", 0, fmt.Errorf("storage: spool copy: %w", err)
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		spool.Close()
		os.Remove(spool.Name())
		return nil, "", 0, fmt.Errorf("storage: spool rewind: %w", err)
	}
	return spool, hex.EncodeToString(hasher.Sum(nil)), size, nil
}

func coalesce(etag, fallback string) string {
	if etag != "" {
		return etag
	}
	return fallback
}

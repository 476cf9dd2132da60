package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
)

// MemoryDriver holds objects in process memory. Intended for tests and
// single-node development runs.
type MemoryDriver struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
}

type memoryObject struct {
	data        []byte
	contentType string
	metadata    map[string]string
	etag        string
}

// NewMemoryDriver returns an empty in-memory driver.
func NewMemoryDriver() *MemoryDriver {
	return &MemoryDriver{objects: make(map[string]memoryObject)}
}

func memKey(bucket, key string) string { return bucket + "\x00" + key }

// Put stores an object, replacing any previous bytes under the key.
func (d *MemoryDriver) Put(ctx context.Context, req PutRequest) (PutResult, error) {
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return PutResult{}, fmt.Errorf("storage: read body: %w", err)
	}
	sum := sha256.Sum256(data)
	obj := memoryObject{
		data:        data,
		contentType: req.ContentType,
		metadata:    req.Metadata,
		etag:        hex.EncodeToString(sum[:]),
	}

	d.mu.Lock()
	d.objects[memKey(req.Bucket, req.Key)] = obj
	d.mu.Unlock()

	return PutResult{ETag: obj.etag, Size: int64(len(data))}, nil
}

// GetStream returns a reader over a copy of the stored bytes.
func (d *MemoryDriver) GetStream(ctx context.Context, req GetRequest) (io.ReadCloser, error) {
	d.mu.RLock()
	obj, ok := d.objects[memKey(req.Bucket, req.Key)]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("storage: %s: %w", req.Key, ErrNotFound)
	}

	data := obj.data
	if req.Range != nil {
		start := req.Range.Start
		if start > int64(len(data)) {
			start = int64(len(data))
		}
		end := int64(len(data))
		if req.Range.End >= 0 && req.Range.End+1 < end {
			end = req.Range.End + 1
		}
		data = data[start:end]
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Head returns stored metadata, including the content checksum.
func (d *MemoryDriver) Head(ctx context.Context, req HeadRequest) (HeadResult, error) {
	d.mu.RLock()
	obj, ok := d.objects[memKey(req.Bucket, req.Key)]
	d.mu.RUnlock()
	if !ok {
		return HeadResult{}, fmt.Errorf("storage: %s: %w", req.Key, ErrNotFound)
	}
	return HeadResult{
		Size:              int64(len(obj.data)),
		ETag:              obj.etag,
		ContentType:       obj.contentType,
		Metadata:          obj.metadata,
		ChecksumSHA256Hex: obj.etag,
	}, nil
}

// Del removes an object. Deleting a missing object is a no-op.
func (d *MemoryDriver) Del(ctx context.Context, bucket, key string) error {
	d.mu.Lock()
	delete(d.objects, memKey(bucket, key))
	d.mu.Unlock()
	return nil
}

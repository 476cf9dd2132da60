package bundle

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"time"

	"github.com/latchflow/latchflow/internal/latchflow/db"
	"github.com/latchflow/latchflow/internal/latchflow/storage"
)

// archiveEpoch is the fixed timestamp stamped on every archive entry so
// identical contents produce identical archives.
var archiveEpoch = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)

// Builder materializes bundle archives. It is stateless; the scheduler
// provides serialization per bundle.
type Builder struct {
	store   *db.Store
	storage *storage.Service
	logger  *slog.Logger
}

func NewBuilder(store *db.Store, svc *storage.Service, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{store: store, storage: svc, logger: logger.With("component", "bundle")}
}

// BuildResult reports one build. Unchanged marks a digest match that
// skipped the archive write.
type BuildResult struct {
	Digest     string
	StorageKey string
	Checksum   string
	Bytes      int64
	Unchanged  bool
}

// Build recomputes the digest for bundleID and, when it differs from
// the stored one (or force is set), writes a fresh archive and commits
// the new storage pointer. The row update is the commit point: readers
// see the old or the new pointer, never a half-built one.
func (b *Builder) Build(ctx context.Context, bundleID string, force bool) (BuildResult, error) {
	bundle, err := b.store.GetBundle(ctx, bundleID)
	if err != nil {
		return BuildResult{}, fmt.Errorf("bundle: build %s: %w", bundleID, err)
	}
	objects, err := b.store.ListEnabledBundleObjects(ctx, bundleID)
	if err != nil {
		return BuildResult{}, fmt.Errorf("bundle: build %s: %w", bundleID, err)
	}

	digest := ComputeDigest(bundleID, objects)
	if digest == bundle.BundleDigest && !force {
		return BuildResult{
			Digest:     digest,
			StorageKey: bundle.StoragePath,
			Checksum:   bundle.Checksum,
			Unchanged:  true,
		}, nil
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(b.writeArchive(ctx, objects, pw))
	}()

	obj, err := b.storage.PutBundleArchive(ctx, bundleID, digest, pr)
	if err != nil {
		pr.Close()
		return BuildResult{}, fmt.Errorf("bundle: store archive for %s: %w", bundleID, err)
	}

	if err := b.store.CommitBundleBuild(ctx, bundleID, obj.StorageKey, obj.ETag, digest); err != nil {
		return BuildResult{}, fmt.Errorf("bundle: commit build for %s: %w", bundleID, err)
	}

	b.logger.Info("bundle built",
		"bundle_id", bundleID,
		"digest", digest,
		"storage_key", obj.StorageKey,
		"bytes", obj.Size,
		"entries", len(objects))
	return BuildResult{
		Digest:     digest,
		StorageKey: obj.StorageKey,
		Checksum:   obj.ETag,
		Bytes:      obj.Size,
	}, nil
}

// Drifted reports whether the stored digest no longer matches the
// logical contents. Used by the download path for lazy self-healing.
func (b *Builder) Drifted(ctx context.Context, bundleID string) (bool, error) {
	bundle, err := b.store.GetBundle(ctx, bundleID)
	if err != nil {
		return false, fmt.Errorf("bundle: drift check %s: %w", bundleID, err)
	}
	objects, err := b.store.ListEnabledBundleObjects(ctx, bundleID)
	if err != nil {
		return false, fmt.Errorf("bundle: drift check %s: %w", bundleID, err)
	}
	return ComputeDigest(bundleID, objects) != bundle.BundleDigest, nil
}

// writeArchive streams the ordered entries into one zip. Entry names
// carry the build position so archive order survives extraction tools
// that sort by name.
func (b *Builder) writeArchive(ctx context.Context, objects []*db.BundleObjectWithFile, w io.Writer) error {
	zw := zip.NewWriter(w)
	for i, obj := range objects {
		hdr := &zip.FileHeader{
			Name:     fmt.Sprintf("%04d_%s", i, path.Base(obj.File.Key)),
			Method:   zip.Deflate,
			Modified: archiveEpoch,
		}
		entry, err := zw.CreateHeader(hdr)
		if err != nil {
			return fmt.Errorf("bundle: archive entry %s: %w", obj.File.Key, err)
		}
		src, err := b.storage.GetStream(ctx, obj.File.StorageKey)
		if err != nil {
			return fmt.Errorf("bundle: open file %s: %w", obj.File.Key, err)
		}
		_, err = io.Copy(entry, src)
		src.Close()
		if err != nil {
			return fmt.Errorf("bundle: copy file %s: %w", obj.File.Key, err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("bundle: close archive: %w", err)
	}
	return nil
}

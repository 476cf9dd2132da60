// Package download enforces the per-assignment quota and cooldown rules
// and hands out bundle archive streams. The admission checks and the
// download record land in one transaction so concurrent requests against
// the same assignment cannot both pass a nearly-spent quota.
package download

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/latchflow/latchflow/internal/latchflow/bundle"
	"github.com/latchflow/latchflow/internal/latchflow/db"
	"github.com/latchflow/latchflow/internal/latchflow/metrics"
	"github.com/latchflow/latchflow/internal/latchflow/storage"
)

// Admission failures. Handlers map these onto status codes.
var (
	// ErrForbidden covers a missing or disabled assignment.
	ErrForbidden = errors.New("download: assignment missing or disabled")
	// ErrQuotaExceeded means the assignment's download cap is spent.
	ErrQuotaExceeded = errors.New("download: max downloads exceeded")
	// ErrBundleUnavailable means the bundle is gone or disabled.
	ErrBundleUnavailable = errors.New("download: bundle unavailable")
	// ErrNoArchive means the bundle has never completed a build.
	ErrNoArchive = errors.New("download: bundle has no archive")
)

// CooldownError rejects a download until the assignment's cooldown lapses.
type CooldownError struct {
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("download: cooldown active for another %s", e.Remaining.Round(time.Second))
}

// Request identifies one download attempt.
type Request struct {
	BundleID    string
	RecipientID string
	IP          string
	UserAgent   string
}

// Stream is an admitted download ready to serve. The caller owns Body.
type Stream struct {
	Body     io.ReadCloser
	Filename string
	ETag     string
	Size     int64 // -1 when unknown
}

// Service admits downloads and serves archive streams.
type Service struct {
	store     *db.Store
	storage   *storage.Service
	builder   *bundle.Builder
	scheduler *bundle.Scheduler
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func NewService(store *db.Store, st *storage.Service, builder *bundle.Builder, scheduler *bundle.Scheduler, m *metrics.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		storage:   st,
		builder:   builder,
		scheduler: scheduler,
		metrics:   m,
		logger:    logger.With("component", "download"),
	}
}

// Download admits one download for the recipient and returns the archive
// stream. Quota and cooldown are checked and the DownloadEvent recorded
// atomically; the bundle's availability is checked only after that commit,
// so a served event is never lost to a later failure.
func (s *Service) Download(ctx context.Context, req Request) (*Stream, error) {
	now := time.Now()
	err := s.store.RunInTransaction(ctx, func(tx *sql.Tx) error {
		a, err := db.GetAssignmentForDownloadTx(ctx, tx, req.BundleID, req.RecipientID)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return ErrForbidden
			}
			return err
		}
		if !a.IsEnabled {
			return ErrForbidden
		}

		used, err := db.CountDownloadEventsTx(ctx, tx, a.ID)
		if err != nil {
			return err
		}
		if a.MaxDownloads.Valid && used >= a.MaxDownloads.Int64 {
			return ErrQuotaExceeded
		}

		if a.CooldownSeconds.Valid && a.LastDownloadAt.Valid {
			next := a.LastDownloadAt.Time.Add(time.Duration(a.CooldownSeconds.Int64) * time.Second)
			if next.After(now) {
				return &CooldownError{Remaining: next.Sub(now)}
			}
		}

		ev := &db.DownloadEvent{
			AssignmentID: a.ID,
			DownloadedAt: now,
			IP:           req.IP,
			UserAgent:    req.UserAgent,
		}
		if err := db.InsertDownloadEventTx(ctx, tx, ev); err != nil {
			return err
		}
		return db.TouchAssignmentDownloadTx(ctx, tx, a.ID, now)
	})
	if err != nil {
		s.metrics.RecordDownload(denialResult(err))
		return nil, err
	}

	st, err := s.open(ctx, req.BundleID)
	if err != nil {
		s.metrics.RecordDownload(denialResult(err))
		return nil, err
	}
	s.metrics.RecordDownload("success")

	// Self-healing: if the committed digest no longer matches the enabled
	// membership, queue a rebuild. The recipient still gets the current
	// archive.
	go s.checkDrift(req.BundleID)

	return st, nil
}

// open resolves the bundle's archive pointer and opens the stream.
func (s *Service) open(ctx context.Context, bundleID string) (*Stream, error) {
	b, err := s.store.GetBundle(ctx, bundleID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrBundleUnavailable
		}
		return nil, err
	}
	if !b.IsEnabled {
		return nil, ErrBundleUnavailable
	}
	if b.StoragePath == "" {
		return nil, ErrNoArchive
	}

	st := &Stream{
		Filename: b.Name + ".zip",
		ETag:     b.Checksum,
		Size:     -1,
	}
	if head, err := s.storage.Head(ctx, b.StoragePath); err == nil {
		if head.ETag != "" {
			st.ETag = head.ETag
		}
		st.Size = head.Size
	}

	body, err := s.storage.GetStream(ctx, b.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("download: open archive for bundle %q: %w", bundleID, err)
	}
	st.Body = body
	return st, nil
}

// checkDrift recomputes the digest off the request path and schedules a
// rebuild when membership changed under the committed archive.
func (s *Service) checkDrift(bundleID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	drifted, err := s.builder.Drifted(ctx, bundleID)
	if err != nil {
		s.logger.Warn("drift check failed", "bundle_id", bundleID, "error", err)
		return
	}
	if drifted {
		s.logger.Info("bundle drifted, scheduling rebuild", "bundle_id", bundleID)
		s.scheduler.Schedule(bundleID, false)
	}
}

func denialResult(err error) string {
	var cd *CooldownError
	switch {
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.As(err, &cd):
		return "cooldown"
	case errors.Is(err, ErrBundleUnavailable):
		return "unavailable"
	case errors.Is(err, ErrNoArchive):
		return "no_archive"
	default:
		return "error"
	}
}

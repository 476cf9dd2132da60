package download_test

import (
	"archive/zip"
	"bytes"
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/latchflow/latchflow/internal/latchflow/bundle"
	"github.com/latchflow/latchflow/internal/latchflow/db"
	"github.com/latchflow/latchflow/internal/latchflow/download"
	"github.com/latchflow/latchflow/internal/latchflow/metrics"
	"github.com/latchflow/latchflow/internal/latchflow/storage"
)

type env struct {
	store     *db.Store
	storage   *storage.Service
	builder   *bundle.Builder
	scheduler *bundle.Scheduler
	svc       *download.Service
}

func newEnv(t *testing.T) *env {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "latchflow-download-*.db")
	if err != nil {
		t.Fatalf("temp db: %v", err)
	}
	f.Close()
	store, err := db.Open(f.Name())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	st := storage.NewService(storage.NewMemoryDriver(), "latchflow", "")
	builder := bundle.NewBuilder(store, st, slog.Default())
	m := metrics.New()
	scheduler := bundle.NewScheduler(store, builder, m, slog.Default(), 10*time.Millisecond)
	t.Cleanup(scheduler.Stop)

	return &env{
		store:     store,
		storage:   st,
		builder:   builder,
		scheduler: scheduler,
		svc:       download.NewService(store, st, builder, scheduler, m, slog.Default()),
	}
}

func (e *env) addFile(t *testing.T, key, content string) *db.File {
	t.Helper()
	obj, err := e.storage.PutFile(context.Background(), strings.NewReader(content), "text/plain")
	if err != nil {
		t.Fatalf("PutFile: %v", err)
	}
	file := &db.File{
		Key:         key,
		StorageKey:  obj.StorageKey,
		Size:        obj.Size,
		ContentType: "text/plain",
		ContentHash: obj.SHA256,
	}
	if err := e.store.CreateFile(context.Background(), file); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	return file
}

// builtBundle creates a bundle holding the files and runs one build so
// the archive pointer is committed.
func (e *env) builtBundle(t *testing.T, name string, files ...*db.File) *db.Bundle {
	t.Helper()
	ctx := context.Background()
	b := &db.Bundle{Name: name, IsEnabled: true}
	err := e.store.RunInTransaction(ctx, func(tx *sql.Tx) error {
		if err := db.CreateBundleTx(ctx, tx, b); err != nil {
			return err
		}
		for i, f := range files {
			o := &db.BundleObject{BundleID: b.ID, FileID: f.ID, SortOrder: i + 1, IsEnabled: true}
			if err := db.AddBundleObjectTx(ctx, tx, o); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("create bundle: %v", err)
	}
	if len(files) > 0 {
		if _, err := e.builder.Build(ctx, b.ID, false); err != nil {
			t.Fatalf("Build: %v", err)
		}
	}
	return b
}

func (e *env) createRecipient(t *testing.T, email string) *db.Recipient {
	t.Helper()
	ctx := context.Background()
	r := &db.Recipient{Email: email, IsEnabled: true}
	err := e.store.RunInTransaction(ctx, func(tx *sql.Tx) error {
		return db.CreateRecipientTx(ctx, tx, r)
	})
	if err != nil {
		t.Fatalf("create recipient: %v", err)
	}
	return r
}

func (e *env) assign(t *testing.T, bundleID, recipientID string, maxDownloads, cooldownSeconds int64) *db.BundleAssignment {
	t.Helper()
	ctx := context.Background()
	a := &db.BundleAssignment{BundleID: bundleID, RecipientID: recipientID, IsEnabled: true}
	if maxDownloads > 0 {
		a.MaxDownloads = sql.NullInt64{Int64: maxDownloads, Valid: true}
	}
	if cooldownSeconds > 0 {
		a.CooldownSeconds = sql.NullInt64{Int64: cooldownSeconds, Valid: true}
	}
	err := e.store.RunInTransaction(ctx, func(tx *sql.Tx) error {
		return db.CreateAssignmentTx(ctx, tx, a)
	})
	if err != nil {
		t.Fatalf("create assignment: %v", err)
	}
	return a
}

// backdate moves an assignment's last download into the past, as if the
// cooldown had already lapsed.
func (e *env) backdate(t *testing.T, assignmentID string, by time.Duration) {
	t.Helper()
	ctx := context.Background()
	err := e.store.RunInTransaction(ctx, func(tx *sql.Tx) error {
		return db.TouchAssignmentDownloadTx(ctx, tx, assignmentID, time.Now().Add(-by))
	})
	if err != nil {
		t.Fatalf("backdate assignment: %v", err)
	}
}

func request(bundleID, recipientID string) download.Request {
	return download.Request{
		BundleID:    bundleID,
		RecipientID: recipientID,
		IP:          "203.0.113.9",
		UserAgent:   "download_test",
	}
}

func TestDownload_StreamsCommittedArchive(t *testing.T) {
	e := newEnv(t)
	readme := e.addFile(t, "docs/readme.txt", "hello")
	b := e.builtBundle(t, "release", readme)
	r := e.createRecipient(t, "dl@example.com")
	e.assign(t, b.ID, r.ID, 0, 0)

	st, err := e.svc.Download(context.Background(), request(b.ID, r.ID))
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	defer st.Body.Close()

	if st.Filename != "release.zip" {
		t.Errorf("filename: got %q", st.Filename)
	}
	if st.ETag == "" {
		t.Error("ETag is empty")
	}
	data, err := io.ReadAll(st.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if st.Size >= 0 && int64(len(data)) != st.Size {
		t.Errorf("size: header %d, body %d", st.Size, len(data))
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("zip open: %v", err)
	}
	if len(zr.File) != 1 || zr.File[0].Name != "0000_readme.txt" {
		t.Fatalf("unexpected archive contents: %+v", zr.File)
	}

	evs, err := e.store.ListDownloadEvents(context.Background(), assignmentID(t, e, b.ID, r.ID), 0)
	if err != nil {
		t.Fatalf("ListDownloadEvents: %v", err)
	}
	if len(evs) != 1 {
		t.Fatalf("download events: got %d, want 1", len(evs))
	}
	if evs[0].IP != "203.0.113.9" || evs[0].UserAgent != "download_test" {
		t.Errorf("event provenance: %+v", evs[0])
	}
}

func TestDownload_RejectsMissingOrDisabledAssignment(t *testing.T) {
	e := newEnv(t)
	f := e.addFile(t, "a.txt", "a")
	b := e.builtBundle(t, "gated", f)
	r := e.createRecipient(t, "nobody@example.com")

	if _, err := e.svc.Download(context.Background(), request(b.ID, r.ID)); !errors.Is(err, download.ErrForbidden) {
		t.Errorf("unassigned recipient: got %v, want ErrForbidden", err)
	}

	a := e.assign(t, b.ID, r.ID, 0, 0)
	a.IsEnabled = false
	err := e.store.RunInTransaction(context.Background(), func(tx *sql.Tx) error {
		return db.UpdateAssignmentTx(context.Background(), tx, a)
	})
	if err != nil {
		t.Fatalf("disable assignment: %v", err)
	}
	if _, err := e.svc.Download(context.Background(), request(b.ID, r.ID)); !errors.Is(err, download.ErrForbidden) {
		t.Errorf("disabled assignment: got %v, want ErrForbidden", err)
	}
}

func TestDownload_QuotaEnforcedUnderConcurrency(t *testing.T) {
	e := newEnv(t)
	f := e.addFile(t, "big.bin", strings.Repeat("x", 2048))
	b := e.builtBundle(t, "capped", f)
	r := e.createRecipient(t, "capped@example.com")
	a := e.assign(t, b.ID, r.ID, 2, 0)

	const attempts = 5
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		served int
		denied int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := e.svc.Download(context.Background(), request(b.ID, r.ID))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				st.Body.Close()
				served++
			case errors.Is(err, download.ErrQuotaExceeded):
				denied++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if served != 2 || denied != attempts-2 {
		t.Errorf("served %d denied %d, want 2/%d", served, denied, attempts-2)
	}
	evs, err := e.store.ListDownloadEvents(context.Background(), a.ID, 0)
	if err != nil {
		t.Fatalf("ListDownloadEvents: %v", err)
	}
	if len(evs) != 2 {
		t.Errorf("download events: got %d, want exactly the quota", len(evs))
	}
}

func TestDownload_CooldownWindow(t *testing.T) {
	e := newEnv(t)
	f := e.addFile(t, "c.txt", "c")
	b := e.builtBundle(t, "cooled", f)
	r := e.createRecipient(t, "cooled@example.com")
	a := e.assign(t, b.ID, r.ID, 0, 60)

	st, err := e.svc.Download(context.Background(), request(b.ID, r.ID))
	if err != nil {
		t.Fatalf("first download: %v", err)
	}
	st.Body.Close()

	_, err = e.svc.Download(context.Background(), request(b.ID, r.ID))
	var cd *download.CooldownError
	if !errors.As(err, &cd) {
		t.Fatalf("second download: got %v, want CooldownError", err)
	}
	if cd.Remaining <= 0 || cd.Remaining > 60*time.Second {
		t.Errorf("remaining: %s", cd.Remaining)
	}

	// Once the window has passed the next attempt is admitted again.
	e.backdate(t, a.ID, 61*time.Second)
	st, err = e.svc.Download(context.Background(), request(b.ID, r.ID))
	if err != nil {
		t.Fatalf("post-cooldown download: %v", err)
	}
	st.Body.Close()
}

func TestDownload_EventRecordedEvenWhenBundleWithheld(t *testing.T) {
	e := newEnv(t)
	f := e.addFile(t, "w.txt", "w")
	b := e.builtBundle(t, "withheld", f)
	r := e.createRecipient(t, "withheld@example.com")
	a := e.assign(t, b.ID, r.ID, 0, 0)

	ctx := context.Background()
	b.IsEnabled = false
	err := e.store.RunInTransaction(ctx, func(tx *sql.Tx) error {
		return db.UpdateBundleTx(ctx, tx, b)
	})
	if err != nil {
		t.Fatalf("disable bundle: %v", err)
	}

	if _, err := e.svc.Download(ctx, request(b.ID, r.ID)); !errors.Is(err, download.ErrBundleUnavailable) {
		t.Fatalf("disabled bundle: got %v, want ErrBundleUnavailable", err)
	}

	// Admission committed before the availability check, so the attempt
	// still consumed quota.
	evs, err := e.store.ListDownloadEvents(ctx, a.ID, 0)
	if err != nil {
		t.Fatalf("ListDownloadEvents: %v", err)
	}
	if len(evs) != 1 {
		t.Errorf("download events: got %d, want 1", len(evs))
	}
}

func TestDownload_UnbuiltBundleHasNoArchive(t *testing.T) {
	e := newEnv(t)
	b := e.builtBundle(t, "empty-shell")
	r := e.createRecipient(t, "early@example.com")
	e.assign(t, b.ID, r.ID, 0, 0)

	if _, err := e.svc.Download(context.Background(), request(b.ID, r.ID)); !errors.Is(err, download.ErrNoArchive) {
		t.Errorf("unbuilt bundle: got %v, want ErrNoArchive", err)
	}
}

func TestDownload_DriftSchedulesRebuild(t *testing.T) {
	e := newEnv(t)
	keep := e.addFile(t, "keep.txt", "keep")
	drop := e.addFile(t, "drop.txt", "drop")
	b := e.builtBundle(t, "healing", keep, drop)
	r := e.createRecipient(t, "heal@example.com")
	e.assign(t, b.ID, r.ID, 0, 0)

	ctx := context.Background()
	before, err := e.store.GetBundle(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetBundle: %v", err)
	}

	// Change membership without rebuilding: the archive is now stale.
	objs, err := e.store.ListBundleObjects(ctx, b.ID)
	if err != nil {
		t.Fatalf("ListBundleObjects: %v", err)
	}
	var stale *db.BundleObject
	for _, o := range objs {
		o := o
		if o.FileID == drop.ID {
			stale = &o.BundleObject
		}
	}
	if stale == nil {
		t.Fatal("dropped file is not a bundle object")
	}
	stale.IsEnabled = false
	err = e.store.RunInTransaction(ctx, func(tx *sql.Tx) error {
		return db.UpdateBundleObjectTx(ctx, tx, stale)
	})
	if err != nil {
		t.Fatalf("disable object: %v", err)
	}

	st, err := e.svc.Download(ctx, request(b.ID, r.ID))
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	st.Body.Close()

	// The drift check runs off the request path; wait for the rebuild.
	deadline := time.Now().Add(5 * time.Second)
	for {
		cur, err := e.store.GetBundle(ctx, b.ID)
		if err != nil {
			t.Fatalf("GetBundle: %v", err)
		}
		if cur.BundleDigest != before.BundleDigest {
			if cur.StoragePath == before.StoragePath {
				t.Errorf("digest moved but storage path did not: %q", cur.StoragePath)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("bundle was never rebuilt after drift")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// assignmentID looks up the grant created by assign for event assertions.
func assignmentID(t *testing.T, e *env, bundleID, recipientID string) string {
	t.Helper()
	as, err := e.store.ListAssignmentsForBundle(context.Background(), bundleID)
	if err != nil {
		t.Fatalf("ListAssignmentsForBundle: %v", err)
	}
	for _, a := range as {
		if a.RecipientID == recipientID {
			return a.ID
		}
	}
	t.Fatalf("no assignment for recipient %s", recipientID)
	return ""
}

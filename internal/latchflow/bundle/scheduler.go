package bundle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/latchflow/latchflow/internal/latchflow/db"
	"github.com/latchflow/latchflow/internal/latchflow/metrics"
)

const defaultDebounce = 500 * time.Millisecond

// Build states reported by Status.
const (
	StateIdle    = "idle"
	StateQueued  = "queued"
	StateRunning = "running"
	StateFailed  = "failed"
)

// LastBuild summarizes the most recent completed build of a bundle.
type LastBuild struct {
	Digest      string
	CompletedAt time.Time
	Bytes       int64
	Error       string
}

// Status is the scheduler's view of one bundle.
type Status struct {
	State string
	Last  *LastBuild
}

// Scheduler debounces and serializes bundle builds. Requests inside the
// debounce window coalesce into one build; requests during a running
// build mark it pending and re-run once. Build failures park the bundle
// in failed until the next request; there is no retry backoff here.
type Scheduler struct {
	builder  *Builder
	metrics  *metrics.Metrics
	logger   *slog.Logger
	debounce time.Duration
	store    *db.Store

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]*bundleState
	closed  bool
	wg      sync.WaitGroup
}

type bundleState struct {
	timer     *time.Timer
	running   bool
	pending   bool
	forceNext bool
	state     string
	last      *LastBuild
}

func NewScheduler(store *db.Store, builder *Builder, m *metrics.Metrics, logger *slog.Logger, debounce time.Duration) *Scheduler {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		builder:  builder,
		metrics:  m,
		logger:   logger.With("component", "bundle"),
		debounce: debounce,
		store:    store,
		ctx:      ctx,
		cancel:   cancel,
		entries:  make(map[string]*bundleState),
	}
}

// Schedule requests a rebuild of bundleID after the debounce window.
// force skips the digest short-circuit of the resulting build.
func (s *Scheduler) Schedule(bundleID string, force bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	e := s.entry(bundleID)
	if force {
		e.forceNext = true
	}
	if e.running {
		e.pending = true
		return
	}

	e.state = StateQueued
	if e.timer != nil {
		e.timer.Reset(s.debounce)
		return
	}
	e.timer = time.AfterFunc(s.debounce, func() { s.runBuild(bundleID) })
}

// ScheduleForFiles requests rebuilds of every bundle holding any of the
// files. Resolution failures are logged, not returned; a missed rebuild
// heals on the next download's drift check.
func (s *Scheduler) ScheduleForFiles(ctx context.Context, fileIDs []string) {
	if len(fileIDs) == 0 {
		return
	}
	bundleIDs, err := s.store.BundleIDsForFiles(ctx, fileIDs)
	if err != nil {
		s.logger.Error("bundle resolution for files failed", "files", len(fileIDs), "error", err)
		return
	}
	for _, id := range bundleIDs {
		s.Schedule(id, false)
	}
}

// Status reports the scheduler state for one bundle. Unknown bundles
// are idle with no build history.
func (s *Scheduler) Status(bundleID string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[bundleID]
	if !ok {
		return Status{State: StateIdle}
	}
	st := Status{State: e.state}
	if e.last != nil {
		last := *e.last
		st.Last = &last
	}
	return st
}

// Stop cancels pending timers, aborts the build context and waits for
// a running build to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.closed = true
	for _, e := range s.entries {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

// entry returns the state record for bundleID, creating it on first use.
// Caller holds s.mu.
func (s *Scheduler) entry(bundleID string) *bundleState {
	e, ok := s.entries[bundleID]
	if !ok {
		e = &bundleState{state: StateIdle}
		s.entries[bundleID] = e
	}
	return e
}

// runBuild fires from the debounce timer.
func (s *Scheduler) runBuild(bundleID string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	e := s.entry(bundleID)
	e.timer = nil
	if e.running {
		// A reset raced the timer fire; fold into the running build.
		e.pending = true
		s.mu.Unlock()
		return
	}
	e.running = true
	e.state = StateRunning
	force := e.forceNext
	e.forceNext = false
	e.pending = false
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()

	start := time.Now()
	res, err := s.builder.Build(s.ctx, bundleID, force)
	elapsed := time.Since(start)

	s.mu.Lock()
	e.running = false
	rerun := e.pending
	e.pending = false
	if err != nil {
		e.state = StateFailed
		e.last = &LastBuild{CompletedAt: time.Now(), Error: err.Error()}
		s.mu.Unlock()
		s.metrics.RecordBundleBuild("failure", elapsed)
		s.logger.Error("bundle build failed", "bundle_id", bundleID, "error", err)
	} else {
		e.state = StateIdle
		e.last = &LastBuild{
			Digest:      res.Digest,
			CompletedAt: time.Now(),
			Bytes:       res.Bytes,
		}
		s.mu.Unlock()
		result := "success"
		if res.Unchanged {
			result = "noop"
		}
		s.metrics.RecordBundleBuild(result, elapsed)
	}

	if rerun {
		s.Schedule(bundleID, false)
	}
}

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cwbudde/polcomp/internal/device"
	"github.com/cwbudde/polcomp/internal/metrics"
	"github.com/cwbudde/polcomp/internal/search"
	"github.com/cwbudde/polcomp/internal/session"
	"github.com/cwbudde/polcomp/internal/sim"
	"github.com/cwbudde/polcomp/internal/store"
)

var (
	ErrRunNotFound = errors.New("run not found")
	ErrRunFinished = errors.New("run already finished")
	ErrQueueFull   = errors.New("run queue full")
)

// Bench is the hardware runs execute on. All runs share one bench and take
// turns through the session lease.
type Bench struct {
	Name     string
	Actuator device.Actuator
	Sensor   device.Sensor

	// Reference, when set, computes the model optimum for a report.
	Reference func(ctx context.Context) (*sim.Reference, error)
}

// RunRequest is the body of POST /api/v1/runs. Config fields that are
// present override the server defaults.
type RunRequest struct {
	Config    *search.Config `json:"config,omitempty"`
	Reference bool           `json:"reference,omitempty"`
}

type managedRun struct {
	report    *store.Report
	reference bool
	cancel    context.CancelFunc
	cancelled bool
}

// RunManager queues runs and executes them one at a time on the bench.
type RunManager struct {
	mu          sync.RWMutex
	runs        map[string]*managedRun
	broadcaster *EventBroadcaster
	queue       chan string

	bench     Bench
	defaults  search.Config
	store     store.Store
	traceDir  string
	locker    session.Locker
	metrics   *metrics.Manager
	logger    *slog.Logger
	leaseWait time.Duration
}

// ManagerOption configures a RunManager.
type ManagerOption func(*RunManager)

// WithStore persists reports. Without it reports live only in memory.
func WithStore(s store.Store) ManagerOption {
	return func(rm *RunManager) { rm.store = s }
}

// WithTraceDir writes an event trace per run below dir.
func WithTraceDir(dir string) ManagerOption {
	return func(rm *RunManager) { rm.traceDir = dir }
}

// WithLocker sets the bench lease. Defaults to an in-process locker.
func WithLocker(l session.Locker) ManagerOption {
	return func(rm *RunManager) {
		if l != nil {
			rm.locker = l
		}
	}
}

// WithMetrics records run and search metrics.
func WithMetrics(m *metrics.Manager) ManagerOption {
	return func(rm *RunManager) { rm.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(rm *RunManager) {
		if l != nil {
			rm.logger = l
		}
	}
}

// WithLeaseWait bounds how long a run waits for the bench. Zero waits until
// the run is cancelled.
func WithLeaseWait(d time.Duration) ManagerOption {
	return func(rm *RunManager) { rm.leaseWait = d }
}

// WithQueueSize sets how many runs may wait.
func WithQueueSize(n int) ManagerOption {
	return func(rm *RunManager) {
		if n > 0 {
			rm.queue = make(chan string, n)
		}
	}
}

// NewRunManager creates a manager for bench using defaults for fields a
// request leaves out.
func NewRunManager(bench Bench, defaults search.Config, opts ...ManagerOption) *RunManager {
	rm := &RunManager{
		runs:        make(map[string]*managedRun),
		broadcaster: NewEventBroadcaster(),
		queue:       make(chan string, 16),
		bench:       bench,
		defaults:    defaults,
		locker:      session.NewLocalLocker(),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(rm)
	}
	return rm
}

// Broadcaster returns the event fan-out for SSE clients.
func (rm *RunManager) Broadcaster() *EventBroadcaster {
	return rm.broadcaster
}

// Bench returns the bench runs execute on.
func (rm *RunManager) Bench() Bench {
	return rm.bench
}

// Locker returns the bench lease.
func (rm *RunManager) Locker() session.Locker {
	return rm.locker
}

func (rm *RunManager) resolve(req RunRequest) (search.Config, error) {
	cfg := rm.defaults
	cfg.GridOffsets = slices.Clone(rm.defaults.GridOffsets)
	if req.Config != nil {
		cfg = *req.Config
	}
	if err := cfg.Validate(); err != nil {
		return search.Config{}, err
	}
	if cfg.Home && !rm.bench.Actuator.Range().Contains(cfg.HomeAngle) {
		return search.Config{}, &search.ConfigError{Field: "HomeAngle", Reason: fmt.Sprintf("must be within %v", rm.bench.Actuator.Range())}
	}
	return cfg, nil
}

// DefaultRequest returns a request pre-filled with the server defaults, for
// decoding partial bodies over.
func (rm *RunManager) DefaultRequest() RunRequest {
	cfg := rm.defaults
	cfg.GridOffsets = slices.Clone(rm.defaults.GridOffsets)
	return RunRequest{Config: &cfg}
}

// Submit validates req and queues a new run.
func (rm *RunManager) Submit(req RunRequest) (store.Report, error) {
	cfg, err := rm.resolve(req)
	if err != nil {
		return store.Report{}, err
	}

	report := store.NewReport(uuid.New().String(), rm.bench.Name, cfg)
	rm.mu.Lock()
	rm.runs[report.RunID] = &managedRun{report: report, reference: req.Reference}
	snapshot := *report
	rm.mu.Unlock()

	// Persist before queueing so the worker's updates cannot be overwritten.
	rm.persist(snapshot)
	select {
	case rm.queue <- report.RunID:
	default:
		rm.mu.Lock()
		delete(rm.runs, report.RunID)
		rm.mu.Unlock()
		if rm.store != nil {
			_ = rm.store.DeleteRun(report.RunID)
		}
		return store.Report{}, ErrQueueFull
	}

	rm.logger.Info("Run queued", "run_id", report.RunID, "bench", rm.bench.Name)
	return snapshot, nil
}

// Execute runs req on the calling goroutine and returns the final report.
// It bypasses the queue but still takes the bench lease.
func (rm *RunManager) Execute(ctx context.Context, req RunRequest) (store.Report, error) {
	cfg, err := rm.resolve(req)
	if err != nil {
		return store.Report{}, err
	}

	report := store.NewReport(uuid.New().String(), rm.bench.Name, cfg)
	rm.mu.Lock()
	rm.runs[report.RunID] = &managedRun{report: report, reference: req.Reference}
	snapshot := *report
	rm.mu.Unlock()
	rm.persist(snapshot)

	rm.execute(ctx, report.RunID)
	final, _ := rm.Get(report.RunID)
	return final, nil
}

// Get returns a snapshot of the run.
func (rm *RunManager) Get(id string) (store.Report, bool) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	run, ok := rm.runs[id]
	if !ok {
		return store.Report{}, false
	}
	return *run.report, true
}

// List returns snapshots of all runs known to this process, newest first.
func (rm *RunManager) List() []store.Report {
	rm.mu.RLock()
	out := make([]store.Report, 0, len(rm.runs))
	for _, run := range rm.runs {
		out = append(out, *run.report)
	}
	rm.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].RunID < out[j].RunID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Cancel stops a queued or running run.
func (rm *RunManager) Cancel(id string) error {
	rm.mu.Lock()
	run, ok := rm.runs[id]
	if !ok {
		rm.mu.Unlock()
		return ErrRunNotFound
	}
	if run.report.Status.Terminal() {
		rm.mu.Unlock()
		return ErrRunFinished
	}
	run.cancelled = true
	cancel := run.cancel
	var snapshot *store.Report
	if run.report.Status == store.StatusPending {
		run.report.Status = store.StatusCancelled
		run.report.FinishedAt = time.Now()
		s := *run.report
		snapshot = &s
	}
	rm.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if snapshot != nil {
		rm.persist(*snapshot)
		rm.publishStatus(*snapshot)
		rm.broadcaster.CleanupRun(id)
	}
	rm.logger.Info("Run cancel requested", "run_id", id)
	return nil
}

// update applies fn to the run under the lock and returns a snapshot.
func (rm *RunManager) update(id string, fn func(*managedRun)) (store.Report, bool) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	run, ok := rm.runs[id]
	if !ok {
		return store.Report{}, false
	}
	fn(run)
	return *run.report, true
}

func (rm *RunManager) persist(r store.Report) {
	if rm.store == nil {
		return
	}
	if err := rm.store.SaveReport(&r); err != nil {
		rm.logger.Error("Failed to save report", "run_id", r.RunID, "error", err)
	}
}

func (rm *RunManager) publishStatus(r store.Report) {
	rm.broadcaster.Broadcast(StreamEvent{
		RunID:     r.RunID,
		Status:    r.Status,
		Outcome:   r.Outcome,
		Error:     r.Error,
		Timestamp: time.Now(),
	})
}

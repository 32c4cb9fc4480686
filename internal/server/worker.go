package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cwbudde/polcomp/internal/metrics"
	"github.com/cwbudde/polcomp/internal/search"
	"github.com/cwbudde/polcomp/internal/sim"
	"github.com/cwbudde/polcomp/internal/store"
)

var errLeaseLost = errors.New("bench lease lost")

// Run executes queued runs one after another until ctx is done.
func (rm *RunManager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-rm.queue:
			rm.execute(ctx, id)
		}
	}
}

// execute drives one run through lease, search and report.
func (rm *RunManager) execute(ctx context.Context, id string) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		cfg       search.Config
		reference bool
		skip      bool
	)
	if _, ok := rm.update(id, func(r *managedRun) {
		if r.cancelled {
			skip = true
			return
		}
		r.cancel = cancel
		cfg = r.report.Config
		reference = r.reference
	}); !ok || skip {
		return
	}

	logger := rm.logger.With("run_id", id)

	leaseCtx := runCtx
	if rm.leaseWait > 0 {
		var leaseCancel context.CancelFunc
		leaseCtx, leaseCancel = context.WithTimeout(runCtx, rm.leaseWait)
		defer leaseCancel()
	}
	lease, err := rm.locker.Acquire(leaseCtx, id)
	if err != nil {
		rm.markInterrupted(ctx, id)
		rm.finish(id, nil, nil, fmt.Errorf("acquire bench: %w", err), false)
		return
	}

	lost := make(chan struct{})
	go func() {
		select {
		case <-lease.Lost():
			close(lost)
			cancel()
		case <-runCtx.Done():
		}
	}()

	snapshot, _ := rm.update(id, func(r *managedRun) {
		r.report.Status = store.StatusRunning
		r.report.StartedAt = time.Now()
	})
	rm.persist(snapshot)
	rm.publishStatus(snapshot)
	if rm.metrics != nil {
		rm.metrics.RunStarted()
	}
	logger.Info("Run started", "bench", rm.bench.Name)

	outcome, ref, err := rm.drive(runCtx, id, cfg, reference, logger)

	if rerr := lease.Release(context.Background()); rerr != nil {
		logger.Warn("Bench lease release failed", "error", rerr)
	}
	select {
	case <-lost:
		if err != nil {
			err = fmt.Errorf("%w: %v", errLeaseLost, err)
		}
	default:
	}
	rm.markInterrupted(ctx, id)
	rm.finish(id, outcome, ref, err, true)
}

// markInterrupted treats shutdown of the caller's context like a cancel
// request.
func (rm *RunManager) markInterrupted(ctx context.Context, id string) {
	if ctx.Err() == nil {
		return
	}
	rm.update(id, func(r *managedRun) { r.cancelled = true })
}

// drive runs the search on the bench while the lease is held.
func (rm *RunManager) drive(ctx context.Context, id string, cfg search.Config, reference bool, logger *slog.Logger) (*search.Outcome, *sim.Reference, error) {
	opts := []search.Option{
		search.WithLogger(logger),
		search.WithObserver(search.ObserverFunc(func(e search.Event) {
			rm.broadcaster.Broadcast(StreamEvent{
				RunID:     id,
				Status:    store.StatusRunning,
				Event:     &e,
				Timestamp: e.Time,
			})
		})),
	}
	if rm.metrics != nil {
		opts = append(opts, search.WithObserver(rm.metrics))
	}
	if rm.traceDir != "" {
		tw, err := store.NewTraceWriter(rm.traceDir, id, false)
		if err != nil {
			logger.Warn("Trace disabled", "error", err)
		} else {
			defer func() {
				if err := tw.Close(); err != nil {
					logger.Warn("Trace close failed", "error", err)
				}
			}()
			opts = append(opts, search.WithObserver(tw))
		}
	}

	opt, err := search.New(rm.bench.Actuator, rm.bench.Sensor, cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	outcome, err := opt.Run(ctx)
	if err != nil {
		return nil, nil, err
	}

	var ref *sim.Reference
	if reference && rm.bench.Reference != nil {
		r, err := rm.bench.Reference(ctx)
		if err != nil {
			logger.Warn("Reference optimum failed", "error", err)
		} else {
			ref = r
		}
	}
	return &outcome, ref, nil
}

// finish records the terminal state, persists it and notifies subscribers.
func (rm *RunManager) finish(id string, outcome *search.Outcome, ref *sim.Reference, err error, started bool) {
	snapshot, ok := rm.update(id, func(r *managedRun) {
		r.cancel = nil
		r.report.Reference = ref
		if r.cancelled && errors.Is(err, context.Canceled) {
			r.report.FinishedAt = time.Now()
			r.report.Status = store.StatusCancelled
			return
		}
		r.report.Finish(outcome, err)
	})
	if !ok {
		return
	}

	if rm.metrics != nil && started {
		result := metrics.OutcomeError
		switch snapshot.Status {
		case store.StatusSucceeded:
			result = metrics.OutcomeSuccess
		case store.StatusFailed:
			result = metrics.OutcomeFailed
		}
		rm.metrics.RunFinished(result, snapshot.Duration())
	}

	rm.persist(snapshot)
	rm.publishStatus(snapshot)
	rm.broadcaster.CleanupRun(id)

	if snapshot.Status == store.StatusError {
		rm.logger.Error("Run failed", "run_id", id, "error", snapshot.Error)
		return
	}
	args := []any{"run_id", id, "status", snapshot.Status, "duration", snapshot.Duration()}
	if outcome != nil {
		args = append(args, "cycles", outcome.Cycles, "mean", outcome.Mean)
	}
	rm.logger.Info("Run finished", args...)
}

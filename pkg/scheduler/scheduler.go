// Package scheduler runs the reconcile loop: every interval, each
// configured identity is reconciled on a bounded worker pool under one
// shared deadline. Failed cycles stretch the pause between passes and,
// past a threshold, fire the operator alert.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/QingyeSC/gcp-billing-manager/pkg/config"
	"github.com/QingyeSC/gcp-billing-manager/pkg/observability"
)

const (
	minPause = 30 * time.Second
	// backoffThreshold is the failure streak that starts stretching the
	// pause; alertThreshold fires the operator webhook.
	backoffThreshold = 3
	alertThreshold   = 5
	backoffPerCycle  = time.Minute
	maxExtraPause    = 5 * time.Minute
	maxPanicPause    = 10 * time.Minute
)

// ReconcileFunc reconciles one identity. Injected so tests can substitute
// the real reconciler.
type ReconcileFunc func(ctx context.Context, ident config.Identity) error

// Scheduler owns the reconcile loop for a fixed identity set.
type Scheduler struct {
	identities  []config.Identity
	reconcile   ReconcileFunc
	interval    time.Duration
	taskTimeout time.Duration
	maxWorkers  int
	metrics     *observability.Metrics
	alert       *observability.AlertWebhook
	logger      *slog.Logger

	consecutiveFailures int

	sleep func(ctx context.Context, d time.Duration) error
}

// New builds the scheduler.
func New(cfg *config.Config, reconcile ReconcileFunc, metrics *observability.Metrics, alert *observability.AlertWebhook, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		identities:  cfg.Identities,
		reconcile:   reconcile,
		interval:    cfg.UpdateInterval,
		taskTimeout: cfg.TaskTimeout,
		maxWorkers:  cfg.MaxWorkers,
		metrics:     metrics,
		alert:       alert,
		logger:      logger.With("component", "scheduler"),
		sleep:       sleepCtx,
	}
}

// Run loops until the context ends. A panic escaping a cycle is logged and
// absorbed with a long pause; the loop itself never dies.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started",
		"identities", len(s.identities), "interval", s.interval, "workers", s.workers())

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		elapsed, err := s.safeCycle(ctx)
		if err != nil {
			s.logger.Error("reconcile cycle panicked, backing off",
				"error", err, "pause", s.panicPause())
			if serr := s.sleep(ctx, s.panicPause()); serr != nil {
				return serr
			}
			continue
		}
		if serr := s.sleep(ctx, s.pause(elapsed)); serr != nil {
			return serr
		}
	}
}

// safeCycle converts a cycle panic into an error.
func (s *Scheduler) safeCycle(ctx context.Context) (elapsed time.Duration, err error) {
	start := time.Now()
	defer func() {
		elapsed = time.Since(start)
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduler: cycle panic: %v\n%s", r, debug.Stack())
		}
	}()
	s.runCycle(ctx)
	return
}

// runCycle reconciles every identity on the worker pool, all under one
// deadline. Identities the pool never got to before the deadline count as
// failed.
func (s *Scheduler) runCycle(ctx context.Context) {
	cycleID := uuid.NewString()
	logger := s.logger.With("cycle", cycleID)
	done := s.metrics.CycleStarted(ctx)
	defer done()

	cctx, cancel := context.WithTimeout(ctx, s.taskTimeout)
	defer cancel()

	sem := semaphore.NewWeighted(int64(s.workers()))
	var wg sync.WaitGroup
	var failures atomic.Int64

	logger.Info("reconcile cycle started", "identities", len(s.identities))
	for _, ident := range s.identities {
		if err := sem.Acquire(cctx, 1); err != nil {
			logger.Error("cycle deadline hit before identity could start",
				"identity", ident.Name, "error", err)
			failures.Add(1)
			s.metrics.IdentityReconciled(ctx, ident.Name, false)
			continue
		}
		wg.Add(1)
		go func(ident config.Identity) {
			defer wg.Done()
			defer sem.Release(1)
			err := s.reconcileOne(cctx, ident)
			s.metrics.IdentityReconciled(ctx, ident.Name, err == nil)
			if err != nil {
				failures.Add(1)
				logger.Error("identity reconcile failed", "identity", ident.Name, "error", err)
			} else {
				logger.Info("identity reconciled", "identity", ident.Name)
			}
		}(ident)
	}
	wg.Wait()

	if failures.Load() > 0 {
		s.consecutiveFailures++
	} else {
		s.consecutiveFailures = 0
	}
	s.metrics.ConsecutiveFailures(ctx, s.consecutiveFailures)
	logger.Info("reconcile cycle finished",
		"failures", failures.Load(), "consecutive_failures", s.consecutiveFailures)

	if s.consecutiveFailures >= alertThreshold {
		s.alert.Notify(ctx, s.consecutiveFailures)
	}
}

// reconcileOne shields the pool from a panicking identity.
func (s *Scheduler) reconcileOne(ctx context.Context, ident config.Identity) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduler: reconcile panic for %s: %v\n%s", ident.Name, r, debug.Stack())
		}
	}()
	return s.reconcile(ctx, ident)
}

// workers sizes the pool: at least two, at most maxWorkers, never more
// than there are identities to run.
func (s *Scheduler) workers() int {
	w := len(s.identities)
	if w < 2 {
		w = 2
	}
	if w > s.maxWorkers {
		w = s.maxWorkers
	}
	if w < 1 {
		w = 1
	}
	return w
}

// pause computes the sleep after a cycle: the remainder of the interval,
// floored at minPause, plus a failure-streak backoff.
func (s *Scheduler) pause(elapsed time.Duration) time.Duration {
	d := s.interval - elapsed
	if d < minPause {
		d = minPause
	}
	if s.consecutiveFailures >= backoffThreshold {
		extra := time.Duration(s.consecutiveFailures) * backoffPerCycle
		if extra > maxExtraPause {
			extra = maxExtraPause
		}
		d += extra
	}
	return d
}

func (s *Scheduler) panicPause() time.Duration {
	d := 2 * s.interval
	if d > maxPanicPause {
		d = maxPanicPause
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

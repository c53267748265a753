// Package scheduler drives the monthly billing run.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"go.uber.org/zap"

	"github.com/vnmchuo/usage-gateway/internal/billing"
	"github.com/vnmchuo/usage-gateway/internal/directory"
	"github.com/vnmchuo/usage-gateway/internal/telemetry"
	"github.com/vnmchuo/usage-gateway/internal/worker"
)

type SubjectFailure struct {
	SubjectID string `json:"subject_id"`
	Error     string `json:"error"`
}

type RunSummary struct {
	Period    string           `json:"period"`
	Succeeded int              `json:"succeeded"`
	Skipped   int              `json:"skipped"`
	Failed    []SubjectFailure `json:"failed"`
	// AlreadyCompleted is set when the period had been billed before and
	// nothing ran.
	AlreadyCompleted bool `json:"already_completed,omitempty"`
}

// Biller bills one subject for one period.
type Biller interface {
	BillSubject(ctx context.Context, subject directory.Subject, periodStart time.Time) (*billing.DispatchResult, error)
}

type Reconciler interface {
	ReconcileOpen(ctx context.Context, pageSize int) (int, error)
}

type Options struct {
	BatchSize int
	Workers   int
	LockTTL   time.Duration
}

type Scheduler struct {
	biller    Biller
	directory directory.Directory
	runs      RunStore
	locker    Locker
	opts      Options
	clock     quartz.Clock
	logger    *zap.Logger
	metrics   *telemetry.Metrics
}

func New(biller Biller, dir directory.Directory, runs RunStore, locker Locker, opts Options, clock quartz.Clock, logger *zap.Logger, metrics *telemetry.Metrics) *Scheduler {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = time.Hour
	}
	return &Scheduler{
		biller:    biller,
		directory: dir,
		runs:      runs,
		locker:    locker,
		opts:      opts,
		clock:     clock,
		logger:    logger,
		metrics:   metrics,
	}
}

// RunMonthly bills the month before now, once. Later calls for a completed
// period return a summary with AlreadyCompleted set.
func (s *Scheduler) RunMonthly(ctx context.Context, now time.Time) (*RunSummary, error) {
	return s.RunPeriod(ctx, billing.PreviousPeriod(now))
}

func (s *Scheduler) RunPeriod(ctx context.Context, periodStart time.Time) (*RunSummary, error) {
	period := billing.FormatPeriod(periodStart)
	log := s.logger.With(zap.String("period", period))

	if done, err := s.completed(ctx, periodStart); err != nil || done != nil {
		return done, err
	}

	release, err := s.locker.Acquire(ctx, "billing:run:"+period, s.opts.LockTTL)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			log.Warn("failed to release billing run lock", zap.Error(err))
		}
	}()

	// Re-check under the lock: another process may have finished meanwhile.
	if done, err := s.completed(ctx, periodStart); err != nil || done != nil {
		return done, err
	}

	started := s.clock.Now()
	if err := s.runs.Start(ctx, periodStart, started.UTC()); err != nil {
		return nil, err
	}
	log.Info("billing run started")

	summary, err := s.billAll(ctx, periodStart, log)
	if err != nil {
		return summary, err
	}

	finished := s.clock.Now()
	if err := s.runs.Complete(ctx, periodStart, finished.UTC(), summary); err != nil {
		return summary, err
	}
	s.metrics.BillingRun(finished.Sub(started), summary.Succeeded, summary.Skipped, len(summary.Failed))
	log.Info("billing run completed",
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", len(summary.Failed)),
		zap.Duration("took", finished.Sub(started)))
	return summary, nil
}

func (s *Scheduler) completed(ctx context.Context, periodStart time.Time) (*RunSummary, error) {
	run, err := s.runs.Get(ctx, periodStart)
	if errors.Is(err, ErrRunNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if run.Status != RunCompleted {
		return nil, nil
	}
	return &RunSummary{Period: billing.FormatPeriod(periodStart), AlreadyCompleted: true, Failed: []SubjectFailure{}}, nil
}

// billAll pages through every billable subject. Each page is drained by a
// bounded pool before the next page is read.
func (s *Scheduler) billAll(ctx context.Context, periodStart time.Time, log *zap.Logger) (*RunSummary, error) {
	summary := &RunSummary{Period: billing.FormatPeriod(periodStart), Failed: []SubjectFailure{}}

	after := ""
	for {
		subjects, err := s.directory.ListBillableSubjects(ctx, after, s.opts.BatchSize)
		if err != nil {
			return summary, fmt.Errorf("list billable subjects after %q: %w", after, err)
		}
		if len(subjects) == 0 {
			return summary, nil
		}

		outcomes := make([]billing.Outcome, len(subjects))
		pool := worker.NewPool(s.opts.Workers, log)
		for i, subject := range subjects {
			pool.Submit(ctx, subject.ID, func(ctx context.Context) error {
				res, err := s.biller.BillSubject(ctx, subject, periodStart)
				if err != nil {
					return err
				}
				if res.Outcome == billing.OutcomeFailed {
					return res.Err
				}
				outcomes[i] = res.Outcome
				return nil
			})
		}
		_, failures := pool.Wait()

		failed := make(map[string]bool, len(failures))
		for _, f := range failures {
			failed[f.ID] = true
			log.Error("failed to bill subject", zap.String("subject_id", f.ID), zap.Error(f.Err))
			summary.Failed = append(summary.Failed, SubjectFailure{SubjectID: f.ID, Error: f.Err.Error()})
		}
		for i, subject := range subjects {
			if failed[subject.ID] {
				continue
			}
			switch outcomes[i] {
			case billing.OutcomeSent:
				summary.Succeeded++
			default:
				summary.Skipped++
			}
		}

		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if len(subjects) < s.opts.BatchSize {
			return summary, nil
		}
		after = subjects[len(subjects)-1].ID
	}
}

// Start ticks every interval until ctx ends, running the monthly bill and
// a payment reconciliation sweep on each tick.
func (s *Scheduler) Start(ctx context.Context, reconciler Reconciler, interval time.Duration) quartz.Waiter {
	return s.clock.TickerFunc(ctx, interval, func() error {
		s.Tick(ctx, reconciler)
		return nil
	}, "scheduler")
}

func (s *Scheduler) Tick(ctx context.Context, reconciler Reconciler) {
	summary, err := s.RunMonthly(ctx, s.clock.Now())
	switch {
	case errors.Is(err, ErrLocked):
		s.logger.Debug("billing run held by another process")
	case err != nil:
		s.logger.Error("billing run failed", zap.Error(err))
	case !summary.AlreadyCompleted:
		s.logger.Info("scheduled billing run finished", zap.String("period", summary.Period))
	}

	if reconciler == nil {
		return
	}
	checked, err := reconciler.ReconcileOpen(ctx, s.opts.BatchSize)
	if err != nil {
		s.logger.Error("invoice reconciliation failed", zap.Error(err))
		return
	}
	s.logger.Debug("invoice reconciliation finished", zap.Int("checked", checked))
}

// Package scheduler runs the housekeeping jobs: periodic position
// snapshots, the locate-hold TTL sweep and the failed-batch sweep.
package scheduler

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/config"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/errs"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/feed"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/log"
)

// Snapshotter persists position state, the position engine in production.
type Snapshotter interface {
	SnapshotAll() error
}

// HoldSweeper releases expired locate holds, the limit service in
// production.
type HoldSweeper interface {
	SweepExpiredHolds(ctx context.Context) (int, error)
}

// BatchSweeper reruns batches whose last run had errors, the feed
// service in production.
type BatchSweeper interface {
	FailedBatches() []string
	Reprocess(ctx context.Context, batchID string) (*feed.BatchReport, error)
}

// Scheduler owns the cron runner.
type Scheduler struct {
	cfg    config.JobsConfig
	logger zerolog.Logger
	cron   *cron.Cron

	snapshots Snapshotter
	holds     HoldSweeper
	batches   BatchSweeper
}

// New builds the scheduler. Any nil collaborator disables its job.
func New(cfg config.JobsConfig, snapshots Snapshotter, holds HoldSweeper, batches BatchSweeper) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		logger:    log.Component("scheduler"),
		cron:      cron.New(),
		snapshots: snapshots,
		holds:     holds,
		batches:   batches,
	}
}

// Start registers the configured jobs and begins running them. The
// context bounds each job run, not the scheduler lifetime; call Stop to
// shut down.
func (s *Scheduler) Start(ctx context.Context) error {
	type job struct {
		name string
		spec string
		run  func()
	}
	var jobs []job
	if s.snapshots != nil && s.cfg.SnapshotSpec != "" {
		jobs = append(jobs, job{"position-snapshot", s.cfg.SnapshotSpec, s.runSnapshot})
	}
	if s.holds != nil && s.cfg.HoldSweepSpec != "" {
		jobs = append(jobs, job{"hold-sweep", s.cfg.HoldSweepSpec, func() { s.runHoldSweep(ctx) }})
	}
	if s.batches != nil && s.cfg.BatchSweepSpec != "" {
		jobs = append(jobs, job{"batch-sweep", s.cfg.BatchSweepSpec, func() { s.runBatchSweep(ctx) }})
	}

	for _, j := range jobs {
		if _, err := s.cron.AddFunc(j.spec, j.run); err != nil {
			return errs.Wrap(err, errs.Validation, "bad_cron_spec", "job %s has invalid schedule %q", j.name, j.spec)
		}
		s.logger.Info().Str("job", j.name).Str("schedule", j.spec).Msg("job scheduled")
	}

	s.cron.Start()
	return nil
}

// Stop halts the runner and waits for in-flight jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("scheduler stopped")
}

func (s *Scheduler) runSnapshot() {
	if err := s.snapshots.SnapshotAll(); err != nil {
		s.logger.Error().Err(err).Msg("scheduled snapshot failed")
	}
}

func (s *Scheduler) runHoldSweep(ctx context.Context) {
	released, err := s.holds.SweepExpiredHolds(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("hold sweep failed")
		return
	}
	if released > 0 {
		s.logger.Info().Int("released", released).Msg("expired locate holds replenished")
	}
}

func (s *Scheduler) runBatchSweep(ctx context.Context) {
	for _, id := range s.batches.FailedBatches() {
		if _, err := s.batches.Reprocess(ctx, id); err != nil {
			s.logger.Error().Err(err).Str("batch", id).Msg("batch reprocess failed")
		}
	}
}

package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/config"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/errs"
	"github.com/galatea-associates/inventory-management-system-rdybxi-sub011/internal/feed"
)

type countingSnapshotter struct{ calls atomic.Int64 }

func (c *countingSnapshotter) SnapshotAll() error {
	c.calls.Add(1)
	return nil
}

type countingSweeper struct{ released atomic.Int64 }

func (c *countingSweeper) SweepExpiredHolds(context.Context) (int, error) {
	c.released.Add(1)
	return 1, nil
}

type noBatches struct{}

func (noBatches) FailedBatches() []string { return nil }
func (noBatches) Reprocess(context.Context, string) (*feed.BatchReport, error) {
	return &feed.BatchReport{}, nil
}

func TestJobsRunOnTheirSchedule(t *testing.T) {
	snaps := &countingSnapshotter{}
	holds := &countingSweeper{}
	s := New(config.JobsConfig{
		SnapshotSpec:  "@every 10ms",
		HoldSweepSpec: "@every 10ms",
	}, snaps, holds, noBatches{})

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool {
		return snaps.calls.Load() >= 2 && holds.released.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestBadCronSpecIsValidation(t *testing.T) {
	s := New(config.JobsConfig{SnapshotSpec: "not a spec"}, &countingSnapshotter{}, nil, nil)
	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, errs.Validation, errs.ClassOf(err))
	assert.Equal(t, "bad_cron_spec", errs.CodeOf(err))
}

func TestNilCollaboratorsDisableTheirJobs(t *testing.T) {
	s := New(config.JobsConfig{
		SnapshotSpec:   "@every 10ms",
		HoldSweepSpec:  "@every 10ms",
		BatchSweepSpec: "@every 10ms",
	}, nil, nil, nil)
	require.NoError(t, s.Start(context.Background()))
	s.Stop()
}

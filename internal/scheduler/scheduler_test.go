package scheduler_test

import (
	"CandleLedger/internal/core"
	"CandleLedger/internal/event"
	"CandleLedger/internal/observability"
	"CandleLedger/internal/persistence"
	"CandleLedger/internal/scheduler"
	"CandleLedger/internal/testutil"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ===== Test: Scheduling =====

func TestAdd_ValidatesJobs(t *testing.T) {
	s := scheduler.New()
	noop := func(context.Context) error { return nil }

	require.NoError(t, s.Add(scheduler.Job{Name: "a", Schedule: "@every 1m", Run: noop}))
	require.Error(t, s.Add(scheduler.Job{Name: "a", Schedule: "@every 1m", Run: noop}), "duplicate name")
	require.Error(t, s.Add(scheduler.Job{Name: "b", Schedule: "every minute", Run: noop}), "bad schedule")
	require.Error(t, s.Add(scheduler.Job{Name: "", Schedule: "@every 1m", Run: noop}))
	require.Error(t, s.Add(scheduler.Job{Name: "c", Schedule: "@every 1m"}))
}

func TestRunNow(t *testing.T) {
	s := scheduler.New()
	var runs atomic.Int32
	boom := errors.New("boom")

	require.NoError(t, s.Add(scheduler.Job{Name: "count", Schedule: "@every 1h", Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}}))
	require.NoError(t, s.Add(scheduler.Job{Name: "fail", Schedule: "@every 1h", Run: func(context.Context) error {
		return boom
	}}))

	require.NoError(t, s.RunNow("count"))
	assert.Equal(t, int32(1), runs.Load())
	assert.ErrorIs(t, s.RunNow("fail"), boom)
	assert.Error(t, s.RunNow("missing"))
}

func TestStart_RunsOnSchedule(t *testing.T) {
	s := scheduler.New()
	var runs atomic.Int32
	require.NoError(t, s.Add(scheduler.Job{Name: "tick", Schedule: "* * * * * *", Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}}))

	s.Start()
	assert.False(t, s.Next("tick").IsZero())
	require.Eventually(t, func() bool { return runs.Load() > 0 }, 3*time.Second, 20*time.Millisecond)
	s.Stop()
}

func TestStop_CancelsJobContext(t *testing.T) {
	s := scheduler.New()
	started := make(chan struct{})
	var cancelled atomic.Bool

	require.NoError(t, s.Add(scheduler.Job{Name: "long", Schedule: "* * * * * *", Run: func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		cancelled.Store(true)
		return ctx.Err()
	}}))

	s.Start()
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("job never started")
	}
	s.Stop()
	assert.True(t, cancelled.Load())
}

// ===== Test: Jobs =====

func TestCandleJob_TracksOpenCandle(t *testing.T) {
	clock := testutil.NewClock(time.Date(2024, 3, 9, 12, 34, 47, 0, time.UTC))
	eng := testutil.NewEngine(t, testutil.EngineOptions{Clock: clock})
	m := observability.NewMetrics(prometheus.NewRegistry())

	job := scheduler.CandleJob("@every 1s", eng, m)
	require.NoError(t, job.Run(context.Background()))

	first := time.Date(2024, 3, 9, 12, 34, 0, 0, time.UTC).Unix()
	assert.Equal(t, float64(first), promtest.ToFloat64(m.CurrentCandleStart))

	_, err := eng.Vote("alice", event.VoteUp, testutil.Cost)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, float64(first+60), promtest.ToFloat64(m.CurrentCandleStart))
}

func TestIntegration_SnapshotJob(t *testing.T) {
	db := testutil.SetupTestDB(t)
	sm := persistence.NewSnapshotManager(db)
	ctx := context.Background()

	persist := make(chan core.CoreOutput, 16)
	eng := testutil.NewEngine(t, testutil.EngineOptions{PersistChan: persist})
	job := scheduler.SnapshotJob("@every 1m", eng, sm, nil)

	// Nothing to capture before the first event.
	require.NoError(t, job.Run(ctx))
	snap, err := sm.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, snap)

	testutil.PlayRound(t, eng)

	// Events not yet durable, so the tick is skipped.
	require.NoError(t, job.Run(ctx))
	snap, err = sm.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, snap)

	var records []persistence.Record
	for _, o := range testutil.Drain(persist) {
		records = append(records, persistence.NewRecord(o))
	}
	require.NoError(t, persistence.NewEventLogWriter(db).WriteRecords(ctx, records))
	require.NoError(t, job.Run(ctx))

	snap, err = sm.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, int64(4), snap.Sequence)
}

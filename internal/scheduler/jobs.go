package scheduler

import (
	"CandleLedger/internal/core"
	"CandleLedger/internal/observability"
	"CandleLedger/internal/persistence"
	"context"
	"errors"
	"sync/atomic"
)

// SnapshotJob periodically captures and verifies an engine snapshot.
func SnapshotJob(schedule string, eng *core.Engine, sm *persistence.SnapshotManager, metrics *observability.Metrics) Job {
	logger := observability.NewLogger("snapshot")
	return Job{
		Name:     "snapshot",
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			seq, err := persistence.TakeSnapshot(ctx, eng, sm, metrics)
			if errors.Is(err, persistence.ErrSnapshotAhead) {
				// Retried on the next tick.
				logger.Debug().Err(err).Msg("snapshot skipped")
				return nil
			}
			if err != nil {
				return err
			}
			if seq > 0 {
				logger.Info().Int64("sequence", seq).Msg("snapshot taken")
			}
			return nil
		},
	}
}

// CandleJob tracks the open candle: it publishes the current start as a
// gauge and logs each rollover.
func CandleJob(schedule string, eng *core.Engine, metrics *observability.Metrics) Job {
	logger := observability.NewLogger("candle")
	var last atomic.Int64

	return Job{
		Name:     "candle",
		Schedule: schedule,
		Run: func(context.Context) error {
			w, err := eng.CurrentCandle()
			if err != nil {
				return err
			}
			if metrics != nil {
				metrics.CurrentCandleStart.Set(float64(w.Start))
			}
			if prev := last.Swap(w.Start); prev != w.Start {
				logger.Info().
					Int64("candle", w.Start).
					Int64("end", w.End).
					Int64("previous", prev).
					Int("previous_votes", eng.GetTotalVotes(prev)).
					Msg("candle opened")
			}
			return nil
		},
	}
}

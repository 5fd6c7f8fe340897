package projection

import (
	"CandleLedger/internal/core"
	"CandleLedger/internal/event"
	"CandleLedger/internal/ledger"
	"CandleLedger/internal/observability"
	"CandleLedger/internal/persistence"
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const workerID = "main"

// ProjectionWorker updates projection tables from committed outputs.
// The projection channel drops on full; projections can be rebuilt from
// the event log with RebuildProjections.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
	lastSeq   atomic.Int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, metrics *observability.Metrics) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    observability.NewLogger("projection"),
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			seq := output.Envelope.Sequence
			if err := pw.processOutput(ctx, output); err != nil {
				// Eventually consistent; a rebuild repairs any gap.
				pw.logger.Warn().Err(err).Int64("sequence", seq).Msg("projection update failed")
			}
			pw.lastSeq.Store(seq)

			if pw.metrics != nil {
				pw.metrics.SetChannelMetrics("projection", len(pw.inputChan), cap(pw.inputChan))
			}
		}
	}
}

// LastSequence is the last output the worker consumed. Safe to call while
// Run is active.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq.Load()
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output core.CoreOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	seq := output.Envelope.Sequence

	if output.Batch != nil {
		for _, j := range output.Batch.Journals {
			if err := updateBalanceProjection(ctx, tx, j, seq); err != nil {
				return fmt.Errorf("balance projection: %w", err)
			}
		}
	}

	if err := applyCandleProjection(ctx, tx, output.Event, seq); err != nil {
		return fmt.Errorf("candle projection: %w", err)
	}

	if err := setWatermark(ctx, tx, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func updateBalanceProjection(ctx context.Context, tx *sql.Tx, j ledger.Journal, seq int64) error {
	// Debit account: balance increases
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, balance, last_sequence, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (account_path)
		DO UPDATE SET balance = projections.balances.balance + $2, last_sequence = $3, updated_at = NOW()
	`, j.DebitAccount.AccountPath(), j.Amount, seq); err != nil {
		return err
	}

	// Credit account: balance decreases
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, balance, last_sequence, updated_at)
		VALUES ($1, -$2::BIGINT, $3, NOW())
		ON CONFLICT (account_path)
		DO UPDATE SET balance = projections.balances.balance - $2, last_sequence = $3, updated_at = NOW()
	`, j.CreditAccount.AccountPath(), j.Amount, seq); err != nil {
		return err
	}

	return nil
}

func applyCandleProjection(ctx context.Context, tx *sql.Tx, evt event.Event, seq int64) error {
	switch ev := evt.(type) {
	case *event.VoteCast:
		up, down := 0, 0
		if ev.Vote == event.VoteUp {
			up = 1
		} else {
			down = 1
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.candles (candle, up_votes, down_votes, staked, last_sequence, updated_at)
			VALUES ($1, $2, $3, $4, $5, NOW())
			ON CONFLICT (candle) DO UPDATE SET
				up_votes      = projections.candles.up_votes + $2,
				down_votes    = projections.candles.down_votes + $3,
				staked        = projections.candles.staked + $4,
				last_sequence = $5,
				updated_at    = NOW()
		`, ev.Candle, up, down, ev.Amount, seq)
		return err

	case *event.PrizesReleased:
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.candles
				(candle, released, winning_vote, pool, beneficiary_amount, released_at, last_sequence, updated_at)
			VALUES ($1, TRUE, $2, $3, $4, $5, $6, NOW())
			ON CONFLICT (candle) DO UPDATE SET
				released           = TRUE,
				winning_vote       = $2,
				pool               = $3,
				beneficiary_amount = $4,
				released_at        = $5,
				last_sequence      = $6,
				updated_at         = NOW()
		`, ev.Candle, ev.WinningVote.String(), ev.Pool, ev.BeneficiaryAmount, ev.Timestamp, seq)
		return err
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func setWatermark(ctx context.Context, ex execer, seq int64) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, workerID, seq)
	return err
}

// RebuildProjections truncates every projection table and rebuilds it from
// the event log: balances by aggregating journal rows, candles by decoding
// each stored event.
func RebuildProjections(ctx context.Context, db *sql.DB, sm *persistence.SnapshotManager) error {
	start := time.Now()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.candles`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, balance, last_sequence)
		SELECT account_path, SUM(delta), MAX(sequence)
		FROM (
			SELECT debit_account AS account_path, amount AS delta, sequence FROM event_log.journal
			UNION ALL
			SELECT credit_account AS account_path, -amount AS delta, sequence FROM event_log.journal
		) moves
		GROUP BY account_path
	`)
	if err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	var last int64
	from := int64(1)
	for {
		envelopes, err := sm.LoadEventsFrom(ctx, from, 1000)
		if err != nil {
			return fmt.Errorf("load events from seq %d: %w", from, err)
		}
		if len(envelopes) == 0 {
			break
		}
		for _, env := range envelopes {
			evt, err := event.Decode(env.EventType, env.Payload)
			if err != nil {
				return fmt.Errorf("decode seq %d: %w", env.Sequence, err)
			}
			if err := applyCandleProjection(ctx, tx, evt, env.Sequence); err != nil {
				return fmt.Errorf("rebuild candle at seq %d: %w", env.Sequence, err)
			}
			last = env.Sequence
		}
		from = last + 1
	}

	if last > 0 {
		if err := setWatermark(ctx, tx, last); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	logger := observability.NewLogger("projection")
	logger.Info().
		Int64("sequence", last).
		Dur("took", time.Since(start)).
		Msg("projection rebuild complete")
	return nil
}

package persistence

import (
	"CandleLedger/internal/core"
	"CandleLedger/internal/observability"
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

var (
	errTxBegin       = errors.New("tx_begin")
	errWriteEvents   = errors.New("write_events")
	errWriteJournals = errors.New("write_journals")
	errTxCommit      = errors.New("tx_commit")
)

// errorLabel maps a flush error to its metric label.
func errorLabel(err error) string {
	for _, e := range []error{errTxBegin, errWriteEvents, errWriteJournals, errTxCommit} {
		if errors.Is(err, e) {
			return e.Error()
		}
	}
	return "unknown"
}

type WorkerConfig struct {
	BatchSize    int
	FlushTimeout time.Duration

	// Forward receives every output once its batch is durable.
	// Sends never block; a full channel drops the output.
	Forward chan<- core.CoreOutput
}

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The engine sends with a blocking send, so if this worker falls behind the
// engine stalls and no committed event is lost.
type PersistenceWorker struct {
	writer    *EventLogWriter
	inputChan <-chan core.CoreOutput
	cfg       WorkerConfig
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	cfg WorkerConfig,
	metrics *observability.Metrics,
) *PersistenceWorker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 10 * time.Millisecond
	}
	return &PersistenceWorker{
		writer:    NewEventLogWriter(db),
		inputChan: inputChan,
		cfg:       cfg,
		metrics:   metrics,
		logger:    observability.NewLogger("persistence"),
	}
}

// Run batches incoming outputs and flushes when the batch is full or the
// flush timeout expires. Blocks until ctx is cancelled or the input closes.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	pending := make([]core.CoreOutput, 0, pw.cfg.BatchSize)

	timer := time.NewTimer(pw.cfg.FlushTimeout)
	defer timer.Stop()

	flush := func(ctx context.Context) {
		if len(pending) == 0 {
			return
		}
		if err := pw.flushWithRetry(ctx, pending); err != nil {
			pw.logger.Error().Err(err).Int("events", len(pending)).Msg("batch flush failed")
		}
		pending = pending[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown: flush remaining
			flush(context.Background())
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				flush(context.Background())
				return nil
			}

			pending = append(pending, output)
			if len(pending) >= pw.cfg.BatchSize {
				flush(ctx)
				timer.Reset(pw.cfg.FlushTimeout)
			}

		case <-timer.C:
			flush(ctx)
			timer.Reset(pw.cfg.FlushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled, in which case one last attempt is made.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, outputs []core.CoreOutput) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", len(outputs)).
				Msg("persistence retry")
			select {
			case <-ctx.Done():
				return pw.flush(context.Background(), outputs)
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, outputs)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}

		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("retry").Inc()
		}
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, outputs []core.CoreOutput) error {
	start := time.Now()

	records := make([]Record, 0, len(outputs))
	journals := 0
	for _, o := range outputs {
		r := NewRecord(o)
		journals += len(r.Journals)
		records = append(records, r)
	}

	if err := pw.writer.WriteRecords(ctx, records); err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues(errorLabel(err)).Inc()
		}
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(records)))
		pw.metrics.PersistEventsWritten.Add(float64(len(records)))
		pw.metrics.PersistJournalsWritten.Add(float64(journals))
		pw.metrics.PersistLastSequence.Set(float64(records[len(records)-1].Event.Sequence))
	}

	pw.forward(outputs)
	return nil
}

func (pw *PersistenceWorker) forward(outputs []core.CoreOutput) {
	if pw.cfg.Forward == nil {
		return
	}
	for _, o := range outputs {
		select {
		case pw.cfg.Forward <- o:
		default:
			if pw.metrics != nil {
				pw.metrics.PublishDrops.Inc()
			}
		}
	}
}

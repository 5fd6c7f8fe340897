package query

import (
	"CandleLedger/internal/ledger"
	"CandleLedger/internal/observability"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotFound = errors.New("not found")

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// PoolConfig sizes the read pool.
type PoolConfig struct {
	URL             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// NewPool opens and pings a pgx pool for read traffic.
func NewPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing pool config: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	poolConfig.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging connection pool: %w", err)
	}

	return pool, nil
}

// QueryService provides read-only access to projection tables and the
// journal. Responses carry as_of_sequence for freshness.
type QueryService struct {
	db      *pgxpool.Pool
	metrics *observability.Metrics
}

func NewQueryService(db *pgxpool.Pool, metrics *observability.Metrics) *QueryService {
	return &QueryService{db: db, metrics: metrics}
}

// ClampLimit applies the default and maximum page size.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultPageSize
	case limit > MaxPageSize:
		return MaxPageSize
	default:
		return limit
	}
}

// GetCandleHistory returns candles newest first, strictly older than
// beforeCandle when given.
func (qs *QueryService) GetCandleHistory(
	ctx context.Context,
	limit int,
	beforeCandle *int64,
	releasedOnly bool,
) (_ *CandleHistory, err error) {
	defer qs.track("candle_history", time.Now(), &err)

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	query := `
		SELECT candle, up_votes, down_votes, staked, released, winning_vote,
		       pool, beneficiary_amount, released_at, last_sequence
		FROM projections.candles
		WHERE ($1::BIGINT IS NULL OR candle < $1)
		  AND (NOT $2 OR released)
		ORDER BY candle DESC
		LIMIT $3
	`

	rows, err := qs.db.Query(ctx, query, beforeCandle, releasedOnly, ClampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	history := &CandleHistory{Candles: []CandleSummary{}, AsOfSequence: asOfSeq}
	for rows.Next() {
		c, err := scanCandle(rows)
		if err != nil {
			return nil, err
		}
		history.Candles = append(history.Candles, *c)
	}

	return history, rows.Err()
}

// GetCandle returns one projected candle or ErrNotFound.
func (qs *QueryService) GetCandle(ctx context.Context, candle int64) (_ *CandleSummary, err error) {
	defer qs.track("candle", time.Now(), &err)

	row := qs.db.QueryRow(ctx, `
		SELECT candle, up_votes, down_votes, staked, released, winning_vote,
		       pool, beneficiary_amount, released_at, last_sequence
		FROM projections.candles
		WHERE candle = $1
	`, candle)

	c, err := scanCandle(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: candle %d", ErrNotFound, candle)
	}
	return c, err
}

func scanCandle(row pgx.Row) (*CandleSummary, error) {
	var c CandleSummary
	if err := row.Scan(
		&c.Candle, &c.UpVotes, &c.DownVotes, &c.Staked, &c.Released, &c.WinningVote,
		&c.Pool, &c.BeneficiaryAmount, &c.ReleasedAt, &c.LastSequence,
	); err != nil {
		return nil, err
	}
	return &c, nil
}

// GetJournalHistory returns journal entries touching a voter's balance,
// newest first, strictly before afterSequence when given.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	voterID string,
	limit int,
	afterSequence *int64,
) (_ []JournalHistoryEntry, err error) {
	defer qs.track("journal_history", time.Now(), &err)

	account := ledger.NewUserAccountKey(voterID).AccountPath()

	rows, err := qs.db.Query(ctx, `
		SELECT journal_id::TEXT, batch_id::TEXT, event_ref, sequence,
		       debit_account, credit_account, amount, journal_type, occurred_at
		FROM event_log.journal
		WHERE (debit_account = $1 OR credit_account = $1)
		  AND ($2::BIGINT IS NULL OR sequence < $2)
		ORDER BY sequence DESC, journal_id
		LIMIT $3
	`, account, afterSequence, ClampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []JournalHistoryEntry{}
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// GetProjectedBalance returns a voter's balance from the projection.
func (qs *QueryService) GetProjectedBalance(ctx context.Context, voterID string) (_ *BalanceResponse, err error) {
	defer qs.track("balance", time.Now(), &err)

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	var balance int64
	err = qs.db.QueryRow(ctx, `
		SELECT balance FROM projections.balances WHERE account_path = $1
	`, ledger.NewUserAccountKey(voterID).AccountPath()).Scan(&balance)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	return &BalanceResponse{VoterID: voterID, Balance: balance, AsOfSequence: asOfSeq}, nil
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity and the ledger invariants
// over the projected balances.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (_ *IntegrityReport, err error) {
	defer qs.track("integrity", time.Now(), &err)

	report := &IntegrityReport{}

	rows, err := qs.db.Query(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash <> e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	report.HashChainBreaks, err = pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, err
	}

	err = qs.db.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(balance), 0)::BIGINT,
			COALESCE(SUM(balance) FILTER (WHERE account_path = 'system:prize_pool'), 0)::BIGINT,
			COUNT(*) FILTER (WHERE account_path LIKE 'user:%' AND balance < 0)
		FROM projections.balances
	`).Scan(&report.Imbalance, &report.NonZeroPool, &report.NegativeUsers)
	if err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 &&
		report.Imbalance == 0 && report.NonZeroPool == 0 && report.NegativeUsers == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRow(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

func (qs *QueryService) track(endpoint string, start time.Time, errp *error) {
	if qs.metrics == nil {
		return
	}
	qs.metrics.QueryRequests.WithLabelValues(endpoint).Inc()
	qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if *errp != nil {
		code := "internal"
		if errors.Is(*errp, ErrNotFound) {
			code = "not_found"
		}
		qs.metrics.QueryErrors.WithLabelValues(endpoint, code).Inc()
	}
}

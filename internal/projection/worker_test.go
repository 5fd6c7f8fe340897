package projection_test

import (
	"CandleLedger/internal/core"
	"CandleLedger/internal/persistence"
	"CandleLedger/internal/projection"
	"CandleLedger/internal/testutil"
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type candleRow struct {
	up, down       int
	staked, pool   int64
	released       bool
	winning        sql.NullString
	beneficiaryAmt int64
}

func loadCandle(t *testing.T, db *sql.DB, c int64) candleRow {
	t.Helper()
	var r candleRow
	err := db.QueryRow(`
		SELECT up_votes, down_votes, staked, pool, released, winning_vote, beneficiary_amount
		FROM projections.candles WHERE candle = $1
	`, c).Scan(&r.up, &r.down, &r.staked, &r.pool, &r.released, &r.winning, &r.beneficiaryAmt)
	require.NoError(t, err)
	return r
}

func loadBalance(t *testing.T, db *sql.DB, path string) int64 {
	t.Helper()
	var b int64
	require.NoError(t, db.QueryRow(`SELECT balance FROM projections.balances WHERE account_path = $1`, path).Scan(&b))
	return b
}

func waitWatermark(t *testing.T, db *sql.DB, seq int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		var got int64
		err := db.QueryRow(`SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'`).Scan(&got)
		return err == nil && got >= seq
	}, 10*time.Second, 20*time.Millisecond)
}

// ===== Integration: Projection worker =====

func TestIntegration_ProjectionTracksEngine(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	projCh := make(chan core.CoreOutput, 64)
	worker := projection.NewProjectionWorker(db, projCh, nil)
	go worker.Run(ctx)

	eng := testutil.NewEngine(t, testutil.EngineOptions{Projection: projCh})
	c := testutil.PlayRound(t, eng)
	waitWatermark(t, db, 4)

	row := loadCandle(t, db, c)
	assert.Equal(t, 2, row.up)
	assert.Equal(t, 1, row.down)
	assert.Equal(t, 3*testutil.Cost, row.staked)
	assert.True(t, row.released)
	assert.Equal(t, "up", row.winning.String)
	assert.Equal(t, testutil.Cost, row.pool)
	assert.Equal(t, int64(3_000), row.beneficiaryAmt)

	for _, v := range []string{"w0", "w1", "l0", "owner"} {
		assert.Equal(t, eng.BalanceOf(v), loadBalance(t, db, "user:"+v+":balance"), v)
	}
	assert.Equal(t, int64(0), loadBalance(t, db, "system:prize_pool"))
	require.Eventually(t, func() bool { return worker.LastSequence() == 4 }, time.Second, 5*time.Millisecond)
}

func TestIntegration_RebuildMatchesLiveProjection(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	persistCh := make(chan core.CoreOutput, 64)
	eng := testutil.NewEngine(t, testutil.EngineOptions{PersistChan: persistCh})
	c := testutil.PlayRound(t, eng)

	var records []persistence.Record
	for _, o := range testutil.Drain(persistCh) {
		records = append(records, persistence.NewRecord(o))
	}
	require.NoError(t, persistence.NewEventLogWriter(db).WriteRecords(ctx, records))

	require.NoError(t, projection.RebuildProjections(ctx, db, persistence.NewSnapshotManager(db)))

	row := loadCandle(t, db, c)
	assert.Equal(t, 2, row.up)
	assert.True(t, row.released)
	assert.Equal(t, eng.BalanceOf("w0"), loadBalance(t, db, "user:w0:balance"))
	assert.Equal(t, eng.BalanceOf("l0"), loadBalance(t, db, "user:l0:balance"))
	waitWatermark(t, db, 4)
}

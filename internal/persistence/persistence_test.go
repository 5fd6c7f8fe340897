package persistence_test

import (
	"CandleLedger/internal/candle"
	"CandleLedger/internal/core"
	"CandleLedger/internal/observability"
	"CandleLedger/internal/persistence"
	"CandleLedger/internal/testutil"
	"CandleLedger/migrations"
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cost = testutil.Cost

func newEngine(t *testing.T, persist chan core.CoreOutput) *core.Engine {
	return testutil.NewEngine(t, testutil.EngineOptions{PersistChan: persist})
}

func playRound(t *testing.T, eng *core.Engine) int64 {
	return testutil.PlayRound(t, eng)
}

func drain(ch chan core.CoreOutput) []core.CoreOutput {
	return testutil.Drain(ch)
}

var owner = testutil.Owner

// ===== Test: Record flattening =====

func TestNewRecord_FlattensSettlement(t *testing.T) {
	ch := make(chan core.CoreOutput, 16)
	eng := newEngine(t, ch)
	c := playRound(t, eng)

	outputs := drain(ch)
	require.Len(t, outputs, 4)

	rec := persistence.NewRecord(outputs[3])
	assert.Equal(t, int64(4), rec.Event.Sequence)
	assert.Equal(t, "PrizesReleased", rec.Event.EventType)
	require.NotNil(t, rec.Event.Candle)
	assert.Equal(t, c, *rec.Event.Candle)
	assert.Equal(t, outputs[3].Envelope.Payload, rec.Event.Payload)
	assert.Len(t, rec.Event.StateHash, 32)

	// loser forfeit + two ranked payouts + beneficiary remainder
	require.Len(t, rec.Journals, 4)
	assert.Equal(t, "system:prize_pool", rec.Journals[0].DebitAccount)
	assert.Equal(t, "user:l0:balance", rec.Journals[0].CreditAccount)
	assert.Equal(t, "stake_forfeit", rec.Journals[0].JournalType)

	var paid int64
	for _, j := range rec.Journals[1:] {
		assert.Equal(t, "system:prize_pool", j.CreditAccount)
		paid += j.Amount
	}
	assert.Equal(t, cost, paid)
}

func TestNewRecord_GlobalEventHasNoCandle(t *testing.T) {
	ch := make(chan core.CoreOutput, 4)
	eng := newEngine(t, ch)
	require.NoError(t, eng.Pause(owner))

	rec := persistence.NewRecord(drain(ch)[0])
	assert.Nil(t, rec.Event.Candle)
	assert.Empty(t, rec.Journals)
}

// ===== Test: Snapshot codec =====

func TestSnapshotCodec_RestoresEquivalentEngine(t *testing.T) {
	ch := make(chan core.CoreOutput, 16)
	eng := newEngine(t, ch)
	c := playRound(t, eng)

	state := eng.CreateSnapshotState()
	data := persistence.EncodeSnapshot(state, time.Now())

	assert.Equal(t, "minute", data.Params.TimeUnit)
	assert.NotContains(t, data.Balances, "system:prize_pool", "zero balances are omitted")

	decoded, err := persistence.DecodeSnapshot(data)
	require.NoError(t, err)

	restored := newEngine(t, nil)
	require.NoError(t, restored.RestoreFromSnapshot(decoded))

	assert.Equal(t, eng.GetStateHash(), restored.GetStateHash())
	assert.Equal(t, eng.GetSequence(), restored.GetSequence())
	assert.True(t, restored.IsReleased(c))
	for _, v := range []string{"w0", "w1", "l0", "owner"} {
		assert.Equal(t, eng.BalanceOf(v), restored.BalanceOf(v), v)
	}
}

func TestDecodeSnapshot_RejectsBadData(t *testing.T) {
	_, err := persistence.DecodeSnapshot(&persistence.SnapshotData{StateHash: []byte{1}})
	assert.Error(t, err)

	_, err = persistence.DecodeSnapshot(&persistence.SnapshotData{
		StateHash: make([]byte, 32),
		Params:    persistence.ParamsSnap{TimeUnit: "hour"},
	})
	assert.ErrorIs(t, err, candle.ErrInvalidTimeUnit)

	_, err = persistence.DecodeSnapshot(&persistence.SnapshotData{
		StateHash: make([]byte, 32),
		Params:    persistence.ParamsSnap{TimeUnit: "second"},
		Balances:  map[string]int64{"bogus": 1},
	})
	assert.Error(t, err)
}

// ===== Integration: Postgres =====

func TestIntegration_WorkerPersistsAndRecoveryReplays(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	persist := make(chan core.CoreOutput, 64)
	forward := make(chan core.CoreOutput, 64)
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	worker := persistence.NewPersistenceWorker(db, persist, persistence.WorkerConfig{
		BatchSize:    2,
		FlushTimeout: 5 * time.Millisecond,
		Forward:      forward,
	}, metrics)

	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	live := newEngine(t, persist)
	playRound(t, live)

	for i := 0; i < 4; i++ {
		select {
		case <-forward:
		case <-ctx.Done():
			t.Fatal("outputs were not forwarded after persisting")
		}
	}
	close(persist)
	require.NoError(t, <-done)

	sm := persistence.NewSnapshotManager(db)
	latest, err := sm.GetLatestSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), latest)

	fresh := newEngine(t, nil)
	res, err := persistence.Recover(ctx, fresh, sm, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.Replayed)
	assert.Equal(t, int64(0), res.SnapshotSequence)
	assert.Equal(t, live.GetStateHash(), fresh.GetStateHash())
	assert.Equal(t, live.BalanceOf("w0"), fresh.BalanceOf("w0"))
}

func TestIntegration_SnapshotThenRecover(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	ch := make(chan core.CoreOutput, 16)
	live := newEngine(t, ch)
	playRound(t, live)

	writer := persistence.NewEventLogWriter(db)
	var records []persistence.Record
	for _, o := range drain(ch) {
		records = append(records, persistence.NewRecord(o))
	}
	require.NoError(t, writer.WriteRecords(ctx, records))

	sm := persistence.NewSnapshotManager(db)
	seq, err := persistence.TakeSnapshot(ctx, live, sm, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(4), seq)

	fresh := newEngine(t, nil)
	res, err := persistence.Recover(ctx, fresh, sm, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.SnapshotSequence)
	assert.Equal(t, int64(0), res.Replayed)
	assert.Equal(t, live.GetStateHash(), fresh.GetStateHash())
}

func TestIntegration_MigratorDownUp(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	m := persistence.NewMigrator(db, migrations.FS)

	status, err := m.Status(ctx)
	require.NoError(t, err)
	require.Len(t, status, 2)
	for _, s := range status {
		assert.True(t, s.Applied, s.Filename)
	}

	require.NoError(t, m.Down(ctx))
	status, err = m.Status(ctx)
	require.NoError(t, err)
	assert.False(t, status[1].Applied)

	require.NoError(t, m.Up(ctx))
	status, err = m.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status[1].Applied)
}

package core

import (
	"CandleLedger/internal/candle"
	"CandleLedger/internal/event"
	"CandleLedger/internal/ledger"
	fpmath "CandleLedger/internal/math"
	"CandleLedger/internal/params"
	"CandleLedger/internal/votes"
	"fmt"
)

// SnapshotState holds the serializable in-memory state for restore.
type SnapshotState struct {
	Sequence  int64 // Last processed sequence
	StateHash [32]byte
	Balances  map[ledger.AccountKey]int64
	Tallies   []votes.TallyState
	Params    params.Params
	Paused    bool
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (e *Engine) CreateSnapshotState() *SnapshotState {
	e.mu.Lock()
	defer e.mu.Unlock()

	return &SnapshotState{
		Sequence:  e.sequence - 1,
		StateHash: e.chain.Tip(),
		Balances:  e.balanceTracker.Snapshot(),
		Tallies:   e.votes.Export(),
		Params:    e.store.Params(),
		Paused:    e.pause.IsPaused(),
	}
}

// RestoreFromSnapshot replaces the engine state. On warm restart the latest
// snapshot is loaded first, then later events are replayed. A snapshot that
// fails validation leaves the engine untouched.
func (e *Engine) RestoreFromSnapshot(snap *SnapshotState) error {
	if err := snap.Params.Validate(); err != nil {
		return fmt.Errorf("restored snapshot %d: %w", snap.Sequence, err)
	}
	tallies := votes.NewLedger()
	if err := tallies.Restore(snap.Tallies); err != nil {
		return fmt.Errorf("restored snapshot %d: %w", snap.Sequence, err)
	}
	var total int64
	for _, balance := range snap.Balances {
		total += balance
	}
	if total != 0 {
		return fmt.Errorf("restored snapshot %d: global balance is non-zero: %d", snap.Sequence, total)
	}

	// Nothing below can fail.
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.store.Restore(snap.Params); err != nil {
		return err
	}
	e.votes = tallies

	e.balanceTracker.Reset()
	for key, balance := range snap.Balances {
		e.balanceTracker.SetBalance(key, balance)
	}

	e.pause.Set(snap.Paused)
	e.sequence = snap.Sequence + 1
	e.chain.Rewind(snap.StateHash)
	return nil
}

// Replay re-applies one persisted event without authorization or gate checks
// and verifies the recomputed state hash against the stored one.
func (e *Engine) Replay(env *event.EventEnvelope) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if env.Sequence != e.sequence {
		return fmt.Errorf("%w: got %d, expected %d", ErrReplayOutOfOrder, env.Sequence, e.sequence)
	}

	evt, err := event.Decode(env.EventType, env.Payload)
	if err != nil {
		return err
	}

	var batch *ledger.Batch

	switch ev := evt.(type) {
	case *event.VoteCast:
		batch, err = e.journalGen.GenerateStake(e.sequence, ev)
		if err != nil {
			return err
		}
		if err := e.votes.RegisterVote(ev.Candle, ev.VoterID, ev.Vote); err != nil {
			return fmt.Errorf("replay seq %d: %w", env.Sequence, err)
		}

	case *event.PrizesReleased:
		batch, err = e.replaySettlement(ev)
		if err != nil {
			return fmt.Errorf("replay seq %d: %w", env.Sequence, err)
		}
		if err := e.votes.MarkReleased(ev.Candle); err != nil {
			return fmt.Errorf("replay seq %d: %w", env.Sequence, err)
		}

	case *event.Withdrawal:
		batch, err = e.journalGen.GenerateWithdrawal(e.sequence, ev)
		if err != nil {
			return fmt.Errorf("replay seq %d: %w", env.Sequence, err)
		}

	case *event.ParamsUpdated:
		err := e.store.Restore(params.Params{
			CostPerVote: ev.CostPerVote,
			PrizeShares: ev.PrizeShares,
			Beneficiary: ev.Beneficiary,
			TimeUnit:    candle.TimeUnit(ev.TimeUnit),
			Timeframe:   ev.Timeframe,
		})
		if err != nil {
			return fmt.Errorf("replay seq %d: %w", env.Sequence, err)
		}

	case *event.PauseChanged:
		e.pause.Set(ev.Paused)

	default:
		return fmt.Errorf("replay seq %d: unhandled event type %T", env.Sequence, evt)
	}

	output := e.apply(evt, env.Payload, batch)

	if env.StateHash != ([32]byte{}) && output.Envelope.StateHash != env.StateHash {
		return fmt.Errorf("%w at seq %d", ErrReplayHashMismatch, env.Sequence)
	}

	if e.metrics != nil {
		e.metrics.ReplayEventsTotal.Inc()
		e.metrics.CoreSequence.Set(float64(e.sequence))
	}
	return nil
}

// replaySettlement rebuilds the settlement batch from the recorded payouts
// rather than the current params.
func (e *Engine) replaySettlement(ev *event.PrizesReleased) (*ledger.Batch, error) {
	dist := &fpmath.PrizeDistribution{
		Pool:              ev.Pool,
		Payouts:           make([]int64, len(ev.Payouts)),
		BeneficiaryAmount: ev.BeneficiaryAmount,
	}
	winners := make([]string, len(ev.Payouts))
	for i, p := range ev.Payouts {
		dist.Payouts[i] = p.Amount
		winners[i] = p.VoterID
	}

	if ev.TotalPaid() != ev.Pool {
		return nil, fmt.Errorf("recorded settlement for candle %d does not conserve pool", ev.Candle)
	}

	return e.journalGen.GenerateSettlement(e.sequence, ledger.SettlementInput{
		EventRef:     ev.IdempotencyKey(),
		Losers:       ev.Losers,
		Winners:      winners,
		CostPerVote:  ev.CostPerVote,
		Distribution: dist,
		Beneficiary:  ev.Beneficiary,
		Timestamp:    ev.Timestamp.UnixMicro(),
	})
}

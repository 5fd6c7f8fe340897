package ledger

import (
	"CandleLedger/internal/event"
	fpmath "CandleLedger/internal/math"
	"fmt"

	"github.com/google/uuid"
)

// JournalGenerator creates balanced journal batches from events
type JournalGenerator struct {
	balanceTracker *BalanceTracker
}

func NewJournalGenerator(tracker *BalanceTracker) *JournalGenerator {
	return &JournalGenerator{
		balanceTracker: tracker,
	}
}

func newBatch(eventRef string, sequence, timestamp int64, capacity int) *Batch {
	return &Batch{
		BatchID:   uuid.New(),
		EventRef:  eventRef,
		Sequence:  sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, capacity),
	}
}

func (b *Batch) add(debit, credit AccountKey, amount int64, jt JournalType) {
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       b.BatchID,
		EventRef:      b.EventRef,
		Sequence:      b.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     b.Timestamp,
	})
}

// GenerateStake credits the paid stake to the voter's balance.
// Moves funds: external:stakes → user:balance
func (jg *JournalGenerator) GenerateStake(sequence int64, evt *event.VoteCast) (*Batch, error) {
	if evt.Amount <= 0 {
		return nil, fmt.Errorf("stake for %s must be positive, got %d", evt.VoterID, evt.Amount)
	}

	batch := newBatch(evt.IdempotencyKey(), sequence, evt.Timestamp.UnixMicro(), 1)
	batch.add(
		NewUserAccountKey(evt.VoterID),
		NewExternalAccountKey(SubTypeExternalStakes),
		evt.Amount,
		JournalTypeStake,
	)
	return batch, nil
}

// SettlementInput is everything needed to post one candle settlement.
type SettlementInput struct {
	EventRef     string
	Losers       []string
	Winners      []string // Arrival order; only the first len(dist.Payouts) are paid
	CostPerVote  int64
	Distribution *fpmath.PrizeDistribution
	Beneficiary  string
	Timestamp    int64
}

// GenerateSettlement routes every loser stake into the prize pool and pays
// the pool out to ranked winners and the beneficiary.
//
//	user(loser):balance → system:prize_pool   (cost each)
//	system:prize_pool → user(winner_i):balance (payout_i)
//	system:prize_pool → user(beneficiary):balance (remainder)
//
// Zero amounts produce no entry. The batch may be empty (no losers).
// Pre-check: no loser may be left with a negative balance.
func (jg *JournalGenerator) GenerateSettlement(sequence int64, in SettlementInput) (*Batch, error) {
	dist := in.Distribution
	if dist == nil {
		return nil, fmt.Errorf("settlement %s has no distribution", in.EventRef)
	}
	if len(dist.Payouts) > len(in.Winners) {
		return nil, fmt.Errorf("settlement %s pays %d ranks but has %d winners",
			in.EventRef, len(dist.Payouts), len(in.Winners))
	}

	pool := PrizePoolAccount()
	batch := newBatch(in.EventRef, sequence, in.Timestamp, len(in.Losers)+len(dist.Payouts)+1)

	if in.CostPerVote > 0 {
		for _, loser := range in.Losers {
			batch.add(pool, NewUserAccountKey(loser), in.CostPerVote, JournalTypeStakeForfeit)
		}
	}

	for rank, amount := range dist.Payouts {
		if amount == 0 {
			continue
		}
		batch.add(NewUserAccountKey(in.Winners[rank]), pool, amount, JournalTypePrizePayout)
	}

	if dist.BeneficiaryAmount > 0 {
		batch.add(NewUserAccountKey(in.Beneficiary), pool, dist.BeneficiaryAmount, JournalTypeBeneficiaryPayout)
	}

	if len(batch.Journals) == 0 {
		return batch, nil
	}

	// PRE-CHECK: a loser who already withdrew cannot cover the forfeit
	if err := jg.balanceTracker.ValidateBatchKeepsUsersSolvent(batch); err != nil {
		return nil, fmt.Errorf("settlement pre-check failed: %w", err)
	}

	return batch, nil
}

// GenerateWithdrawal empties a participant balance to custody.
// Moves funds: user:balance → external:withdrawals
func (jg *JournalGenerator) GenerateWithdrawal(sequence int64, evt *event.Withdrawal) (*Batch, error) {
	available := jg.balanceTracker.GetUserBalance(evt.VoterID)
	if evt.Amount <= 0 || evt.Amount > available {
		return nil, fmt.Errorf("withdrawal pre-check failed: %w: have=%d, need=%d",
			ErrInsufficientBalance, available, evt.Amount)
	}

	batch := newBatch(evt.IdempotencyKey(), sequence, evt.Timestamp.UnixMicro(), 1)
	batch.add(
		NewExternalAccountKey(SubTypeExternalWithdrawals),
		NewUserAccountKey(evt.VoterID),
		evt.Amount,
		JournalTypeWithdrawal,
	)
	return batch, nil
}

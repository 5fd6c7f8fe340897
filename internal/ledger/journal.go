package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeStake JournalType = iota
	JournalTypeStakeForfeit
	JournalTypePrizePayout
	JournalTypeBeneficiaryPayout
	JournalTypeWithdrawal
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeStake:
		return "stake"
	case JournalTypeStakeForfeit:
		return "stake_forfeit"
	case JournalTypePrizePayout:
		return "prize_payout"
	case JournalTypeBeneficiaryPayout:
		return "beneficiary_payout"
	case JournalTypeWithdrawal:
		return "withdrawal"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Unique identifier
	BatchID       uuid.UUID   // Groups balanced entries
	EventRef      string      // Idempotency key of source event
	Sequence      int64       // Global event sequence
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	Amount        int64       // Smallest currency units (ALWAYS positive)
	JournalType   JournalType // Entry type
	Timestamp     int64       // Engine timestamp (epoch microseconds)
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed.
// Each entry moves one positive amount from the credit account to the debit
// account, so Σ debits == Σ credits holds per entry and therefore per batch.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
	}

	return nil
}

// NetDeltas sums the balance change each account would see from the batch.
func (b *Batch) NetDeltas() map[AccountKey]int64 {
	deltas := make(map[AccountKey]int64)
	for _, j := range b.Journals {
		deltas[j.DebitAccount] += j.Amount
		deltas[j.CreditAccount] -= j.Amount
	}
	return deltas
}

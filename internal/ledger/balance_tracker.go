package ledger

import (
	"errors"
	"fmt"
	"sort"
)

var ErrInsufficientBalance = errors.New("insufficient balance")

// BalanceTracker maintains in-memory account balances. Holds earmark part
// of a balance for an uncommitted withdrawal; they are never journaled,
// hashed or snapshotted.
type BalanceTracker struct {
	balances map[AccountKey]int64
	held     map[AccountKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
		held:     make(map[AccountKey]int64),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] += j.Amount
	bt.balances[j.CreditAccount] -= j.Amount
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances[key]
}

// GetUserBalance returns the withdrawable balance of a participant
func (bt *BalanceTracker) GetUserBalance(voterID string) int64 {
	return bt.GetBalance(NewUserAccountKey(voterID))
}

// Available is the balance minus any holds.
func (bt *BalanceTracker) Available(key AccountKey) int64 {
	return bt.balances[key] - bt.held[key]
}

// Hold earmarks amount of key's available balance.
func (bt *BalanceTracker) Hold(key AccountKey, amount int64) error {
	if amount <= 0 || amount > bt.Available(key) {
		return fmt.Errorf("%w: hold %d on %s, available %d",
			ErrInsufficientBalance, amount, key.AccountPath(), bt.Available(key))
	}
	bt.held[key] += amount
	return nil
}

// ReleaseHold drops a hold placed with Hold.
func (bt *BalanceTracker) ReleaseHold(key AccountKey, amount int64) {
	if bt.held[key] -= amount; bt.held[key] <= 0 {
		delete(bt.held, key)
	}
}

// SetBalance overwrites a balance. Only used by snapshot restore.
func (bt *BalanceTracker) SetBalance(key AccountKey, balance int64) {
	if balance == 0 {
		delete(bt.balances, key)
		return
	}
	bt.balances[key] = balance
}

// Reset drops every balance and hold. Only used by snapshot restore.
func (bt *BalanceTracker) Reset() {
	bt.balances = make(map[AccountKey]int64)
	bt.held = make(map[AccountKey]int64)
}

// === Invariant Checks ===

// ValidateBatchKeepsUsersSolvent checks that applying batch leaves every
// user account it touches with a non-negative available balance. Nothing
// is mutated.
func (bt *BalanceTracker) ValidateBatchKeepsUsersSolvent(batch *Batch) error {
	deltas := batch.NetDeltas()

	keys := make([]AccountKey, 0, len(deltas))
	for key := range deltas {
		if key.IsUser() {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].AccountPath() < keys[j].AccountPath()
	})

	for _, key := range keys {
		after := bt.Available(key) + deltas[key]
		if after < 0 {
			return fmt.Errorf("%w: %s has %d available, batch moves %d",
				ErrInsufficientBalance, key.AccountPath(), bt.Available(key), deltas[key])
		}
	}
	return nil
}

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() int64 {
	var total int64
	for _, balance := range bt.balances {
		total += balance
	}
	return total
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// Snapshot returns a copy of all balances (for state hashing)
func (bt *BalanceTracker) Snapshot() map[AccountKey]int64 {
	snapshot := make(map[AccountKey]int64, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}

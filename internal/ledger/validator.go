package ledger

import (
	"fmt"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is well-formed and balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidatePrizePoolZero verifies every settlement fully drained the pool
func (v *InvariantValidator) ValidatePrizePoolZero() error {
	balance := v.tracker.GetBalance(PrizePoolAccount())
	if balance != 0 {
		return fmt.Errorf("prize pool has non-zero balance after settlement: %d", balance)
	}
	return nil
}

// ValidateUserNonNegative checks a participant balance >= 0
func (v *InvariantValidator) ValidateUserNonNegative(voterID string) error {
	return v.tracker.ValidateNonNegative(NewUserAccountKey(voterID))
}

// ValidateGlobalBalance verifies system is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	if total := v.tracker.ComputeGlobalBalance(); total != 0 {
		return fmt.Errorf("global balance is non-zero: %d", total)
	}
	return nil
}

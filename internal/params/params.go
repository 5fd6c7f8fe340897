package params

import (
	"CandleLedger/internal/candle"
	"errors"
	"fmt"
)

var (
	ErrInvalidPrizeShares   = errors.New("invalid prize shares")
	ErrInvalidCostPerVote   = errors.New("invalid cost per vote")
	ErrInvalidBeneficiary   = errors.New("invalid beneficiary")
	ErrShareIndexOutOfRange = errors.New("prize share index out of range")
)

// MaxShareTotal bounds Σ PrizeShares; the rest of the pool goes to the beneficiary.
const MaxShareTotal int64 = 100

// Params is the game configuration every vote and settlement reads.
type Params struct {
	CostPerVote int64
	PrizeShares []int64
	Beneficiary string
	TimeUnit    candle.TimeUnit
	Timeframe   int64
}

// Clone returns a deep copy.
func (p Params) Clone() Params {
	out := p
	out.PrizeShares = append([]int64(nil), p.PrizeShares...)
	return out
}

// Validate checks every field.
func (p Params) Validate() error {
	if err := ValidateCostPerVote(p.CostPerVote); err != nil {
		return err
	}
	if err := ValidatePrizeShares(p.PrizeShares); err != nil {
		return err
	}
	if err := ValidateBeneficiary(p.Beneficiary); err != nil {
		return err
	}
	if !p.TimeUnit.Valid() {
		return fmt.Errorf("%w: %d", candle.ErrInvalidTimeUnit, p.TimeUnit)
	}
	return candle.ValidateTimeframe(p.Timeframe)
}

func ValidateCostPerVote(cost int64) error {
	if cost <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidCostPerVote, cost)
	}
	return nil
}

// ValidatePrizeShares requires each share in [0,100] and Σ ≤ 100.
func ValidatePrizeShares(shares []int64) error {
	var total int64
	for i, s := range shares {
		if s < 0 || s > MaxShareTotal {
			return fmt.Errorf("%w: share[%d]=%d", ErrInvalidPrizeShares, i, s)
		}
		total += s
	}
	if total > MaxShareTotal {
		return fmt.Errorf("%w: sum %d exceeds %d", ErrInvalidPrizeShares, total, MaxShareTotal)
	}
	return nil
}

func ValidateBeneficiary(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidBeneficiary)
	}
	return nil
}

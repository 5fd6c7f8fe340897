package math

import "fmt"

// PrizeDistribution is the integer split of a losing pool.
// Σ Payouts + BeneficiaryAmount == Pool, always.
type PrizeDistribution struct {
	Pool              int64
	Payouts           []int64 // Indexed by winner rank
	BeneficiaryAmount int64
}

// ComputePrizeDistribution splits loserCount*cost among the first
// min(len(shares), winnerCount) winners. Each share is floored; whatever is
// left (rounding dust, unused shares, unclaimed ranks) goes to the beneficiary.
func ComputePrizeDistribution(loserCount, winnerCount int, cost int64, shares []int64) (*PrizeDistribution, error) {
	if loserCount < 0 || winnerCount < 0 {
		return nil, fmt.Errorf("negative voter count: losers=%d winners=%d", loserCount, winnerCount)
	}

	pool, err := MulInt64(int64(loserCount), cost)
	if err != nil {
		return nil, fmt.Errorf("pool for %d losers at %d: %w", loserCount, cost, err)
	}

	ranked := len(shares)
	if winnerCount < ranked {
		ranked = winnerCount
	}

	payouts := make([]int64, ranked)
	var paid int64
	for i := 0; i < ranked; i++ {
		payouts[i] = ShareOf(pool, shares[i])
		paid += payouts[i]
	}

	return &PrizeDistribution{
		Pool:              pool,
		Payouts:           payouts,
		BeneficiaryAmount: pool - paid,
	}, nil
}

package event

import (
	"fmt"
	"time"
)

// Payout is a single ranked winner credit.
type Payout struct {
	VoterID string `json:"voter_id"`
	Rank    int    `json:"rank"`
	Amount  int64  `json:"amount"`
}

// PrizesReleased records a settled candle. Replay applies the recorded
// payouts as-is, so later parameter changes never alter history.
type PrizesReleased struct {
	Candle            int64     `json:"candle"`
	WinningVote       Vote      `json:"winning_vote"`
	CostPerVote       int64     `json:"cost_per_vote"`
	Pool              int64     `json:"pool"`
	Payouts           []Payout  `json:"payouts"`
	Losers            []string  `json:"losers"`
	Beneficiary       string    `json:"beneficiary"`
	BeneficiaryAmount int64     `json:"beneficiary_amount"`
	Caller            string    `json:"caller"`
	Timestamp         time.Time `json:"timestamp"`
}

func (p *PrizesReleased) IdempotencyKey() string {
	return fmt.Sprintf("release:%d", p.Candle)
}

func (p *PrizesReleased) EventType() EventType {
	return EventTypePrizesReleased
}

func (p *PrizesReleased) CandleID() *int64 {
	return candlePtr(p.Candle)
}

func (p *PrizesReleased) OccurredAt() time.Time {
	return p.Timestamp
}

// TotalPaid is Σ payouts + beneficiary share; always equals Pool.
func (p *PrizesReleased) TotalPaid() int64 {
	total := p.BeneficiaryAmount
	for _, po := range p.Payouts {
		total += po.Amount
	}
	return total
}

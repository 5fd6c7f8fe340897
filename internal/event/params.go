package event

import (
	"fmt"
	"time"
)

// ParamsUpdated carries the full parameter set after a successful setter.
type ParamsUpdated struct {
	Field       string    `json:"field"`
	CostPerVote int64     `json:"cost_per_vote"`
	PrizeShares []int64   `json:"prize_shares"`
	Beneficiary string    `json:"beneficiary"`
	TimeUnit    int32     `json:"time_unit"`
	Timeframe   int64     `json:"timeframe"`
	Caller      string    `json:"caller"`
	Revision    int64     `json:"revision"`
	Timestamp   time.Time `json:"timestamp"`
}

func (p *ParamsUpdated) IdempotencyKey() string {
	return fmt.Sprintf("params:%d", p.Revision)
}

func (p *ParamsUpdated) EventType() EventType {
	return EventTypeParamsUpdated
}

func (p *ParamsUpdated) CandleID() *int64 {
	return nil
}

func (p *ParamsUpdated) OccurredAt() time.Time {
	return p.Timestamp
}

// PauseChanged records a pause or unpause by the owner.
type PauseChanged struct {
	Paused    bool      `json:"paused"`
	Caller    string    `json:"caller"`
	Revision  int64     `json:"revision"`
	Timestamp time.Time `json:"timestamp"`
}

func (p *PauseChanged) IdempotencyKey() string {
	return fmt.Sprintf("pause:%d", p.Revision)
}

func (p *PauseChanged) EventType() EventType {
	return EventTypePauseChanged
}

func (p *PauseChanged) CandleID() *int64 {
	return nil
}

func (p *PauseChanged) OccurredAt() time.Time {
	return p.Timestamp
}

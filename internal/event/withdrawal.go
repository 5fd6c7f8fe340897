package event

import (
	"time"

	"github.com/google/uuid"
)

// Withdrawal records a full-balance withdrawal released to custody.
type Withdrawal struct {
	WithdrawalID uuid.UUID `json:"withdrawal_id"`
	VoterID      string    `json:"voter_id"`
	Amount       int64     `json:"amount"`
	Timestamp    time.Time `json:"timestamp"`
}

func (w *Withdrawal) IdempotencyKey() string {
	return w.WithdrawalID.String()
}

func (w *Withdrawal) EventType() EventType {
	return EventTypeWithdrawal
}

func (w *Withdrawal) CandleID() *int64 {
	return nil // Global event
}

func (w *Withdrawal) OccurredAt() time.Time {
	return w.Timestamp
}

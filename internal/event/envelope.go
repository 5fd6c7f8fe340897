package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeVoteCast
	EventTypePrizesReleased
	EventTypeWithdrawal
	EventTypeParamsUpdated
	EventTypePauseChanged
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable dedup key derived from the event
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Candle context (nil for global events)
	Candle *int64

	// Engine clock at commit time
	Timestamp time.Time

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// CandleID returns the candle context (nil for global events)
	CandleID() *int64

	// OccurredAt returns the engine timestamp recorded with the event
	OccurredAt() time.Time
}

func (et EventType) String() string {
	switch et {
	case EventTypeVoteCast:
		return "VoteCast"
	case EventTypePrizesReleased:
		return "PrizesReleased"
	case EventTypeWithdrawal:
		return "Withdrawal"
	case EventTypeParamsUpdated:
		return "ParamsUpdated"
	case EventTypePauseChanged:
		return "PauseChanged"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of String.
func ParseEventType(s string) EventType {
	switch s {
	case "VoteCast":
		return EventTypeVoteCast
	case "PrizesReleased":
		return EventTypePrizesReleased
	case "Withdrawal":
		return EventTypeWithdrawal
	case "ParamsUpdated":
		return EventTypeParamsUpdated
	case "PauseChanged":
		return EventTypePauseChanged
	default:
		return EventTypeUnknown
	}
}

func candlePtr(c int64) *int64 {
	return &c
}

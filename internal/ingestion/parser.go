package ingestion

import (
	"CandleLedger/internal/core"
	"CandleLedger/internal/event"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrMalformed marks an inbound payload that can never be processed.
var ErrMalformed = errors.New("malformed message")

// --- Inbound wire formats ---
// Field names use snake_case to match upstream producers.

// SettlementCommand asks the engine to settle one candle.
type SettlementCommand struct {
	Candle      int64
	WinningVote event.Vote
	RequestID   string
}

type settlementJSON struct {
	Candle      *int64 `json:"candle"`
	CandleTime  string `json:"candle_time"` // RFC3339 alternative to candle
	WinningVote string `json:"winning_vote"`
	RequestID   string `json:"request_id"`
}

// ParseSettlement decodes an oracle settlement. Exactly one of candle
// (seconds) or candle_time (RFC3339) must be present.
func ParseSettlement(data []byte) (*SettlementCommand, error) {
	var j settlementJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("%w: settlement: %v", ErrMalformed, err)
	}

	cmd := &SettlementCommand{RequestID: j.RequestID}

	switch {
	case j.Candle != nil && j.CandleTime != "":
		return nil, fmt.Errorf("%w: settlement has both candle and candle_time", ErrMalformed)
	case j.Candle != nil:
		cmd.Candle = *j.Candle
	case j.CandleTime != "":
		ts, err := time.Parse(time.RFC3339, j.CandleTime)
		if err != nil {
			return nil, fmt.Errorf("%w: candle_time: %v", ErrMalformed, err)
		}
		cmd.Candle = ts.Unix()
	default:
		return nil, fmt.Errorf("%w: settlement missing candle", ErrMalformed)
	}

	vote, err := event.ParseVote(j.WinningVote)
	if err != nil {
		return nil, fmt.Errorf("%w: winning_vote: %v", ErrMalformed, err)
	}
	cmd.WinningVote = vote

	return cmd, nil
}

// --- Custody ---

type custodyRequestJSON struct {
	WithdrawalID string `json:"withdrawal_id"`
	VoterID      string `json:"voter_id"`
	Amount       int64  `json:"amount"`
}

// EncodeCustodyRequest renders a transfer request for the custody service.
func EncodeCustodyRequest(req core.TransferRequest) ([]byte, error) {
	return json.Marshal(custodyRequestJSON{
		WithdrawalID: req.WithdrawalID.String(),
		VoterID:      req.VoterID,
		Amount:       req.Amount,
	})
}

// CustodyReply is the custody service's answer to a transfer request.
type CustodyReply struct {
	WithdrawalID uuid.UUID
	OK           bool
	Error        string
}

type custodyReplyJSON struct {
	WithdrawalID string `json:"withdrawal_id"`
	OK           bool   `json:"ok"`
	Error        string `json:"error"`
}

func ParseCustodyReply(data []byte) (*CustodyReply, error) {
	var j custodyReplyJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("%w: custody reply: %v", ErrMalformed, err)
	}
	id, err := uuid.Parse(j.WithdrawalID)
	if err != nil {
		return nil, fmt.Errorf("%w: withdrawal_id: %v", ErrMalformed, err)
	}
	return &CustodyReply{WithdrawalID: id, OK: j.OK, Error: j.Error}, nil
}

// --- Outbound ---

// PublishableEvent is the outbound JSON form of a committed event, shared
// by the NATS publisher and the websocket feed.
type PublishableEvent struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Candle         *int64          `json:"candle,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	PrevHash       string          `json:"prev_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

func NewPublishableEvent(out core.CoreOutput) PublishableEvent {
	env := out.Envelope
	return PublishableEvent{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Candle:         env.Candle,
		Payload:        json.RawMessage(env.Payload),
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		PrevHash:       hex.EncodeToString(env.PrevHash[:]),
		Timestamp:      env.Timestamp,
	}
}

// Subject returns the outbound NATS subject for the event.
func (p PublishableEvent) Subject() string {
	return fmt.Sprintf("%s.%s", OutboundSubjectPrefix, p.EventType)
}

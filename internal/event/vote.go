package event

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidVoteChoice = errors.New("invalid vote choice")

// Vote is a directional prediction. VoteNone marks "no vote" and is never stored.
type Vote int32

const (
	VoteNone Vote = iota
	VoteUp
	VoteDown
)

// Valid reports whether v is a storable choice.
func (v Vote) Valid() bool {
	return v == VoteUp || v == VoteDown
}

// Opposite returns the losing side for a winning vote.
func (v Vote) Opposite() Vote {
	switch v {
	case VoteUp:
		return VoteDown
	case VoteDown:
		return VoteUp
	default:
		return VoteNone
	}
}

func (v Vote) String() string {
	switch v {
	case VoteUp:
		return "up"
	case VoteDown:
		return "down"
	default:
		return "none"
	}
}

// ParseVote accepts "up", "down" or "none" in any case.
func ParseVote(s string) (Vote, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "up":
		return VoteUp, nil
	case "down":
		return VoteDown, nil
	case "", "none":
		return VoteNone, nil
	default:
		return VoteNone, fmt.Errorf("%w: %q", ErrInvalidVoteChoice, s)
	}
}

func (v Vote) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *Vote) UnmarshalText(b []byte) error {
	parsed, err := ParseVote(string(b))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// VoteCast is the observable record of a registered vote.
type VoteCast struct {
	Candle    int64     `json:"candle"`
	VoterID   string    `json:"voter_id"`
	Vote      Vote      `json:"vote"`
	Amount    int64     `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

func (v *VoteCast) IdempotencyKey() string {
	return fmt.Sprintf("vote:%d:%s", v.Candle, v.VoterID)
}

func (v *VoteCast) EventType() EventType {
	return EventTypeVoteCast
}

func (v *VoteCast) CandleID() *int64 {
	return candlePtr(v.Candle)
}

func (v *VoteCast) OccurredAt() time.Time {
	return v.Timestamp
}

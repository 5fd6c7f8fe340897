package votes

import (
	"CandleLedger/internal/event"
	"errors"
	"fmt"
	"sort"
)

var (
	ErrAlreadyVoted    = errors.New("already voted")
	ErrAlreadyReleased = errors.New("prizes already released")
	ErrIndexOutOfRange = errors.New("voter index out of range")
)

// Ledger stores every candle's votes and release flag.
// It is not safe for concurrent use; the engine serializes all access.
type Ledger struct {
	candles map[int64]*Tally
}

func NewLedger() *Ledger {
	return &Ledger{
		candles: make(map[int64]*Tally),
	}
}

// tally returns the record for a candle, creating it lazily.
func (l *Ledger) tally(candle int64) *Tally {
	t, ok := l.candles[candle]
	if !ok {
		t = newTally()
		l.candles[candle] = t
	}
	return t
}

// CheckVote reports whether RegisterVote would succeed, without mutating.
func (l *Ledger) CheckVote(candle int64, voter string, vote event.Vote) error {
	if !vote.Valid() {
		return fmt.Errorf("%w: %d", event.ErrInvalidVoteChoice, vote)
	}
	if t, ok := l.candles[candle]; ok {
		if _, voted := t.choices[voter]; voted {
			return fmt.Errorf("%w: %s in candle %d", ErrAlreadyVoted, voter, candle)
		}
	}
	return nil
}

// RegisterVote records voter's choice and appends them to the arrival list.
func (l *Ledger) RegisterVote(candle int64, voter string, vote event.Vote) error {
	if err := l.CheckVote(candle, voter, vote); err != nil {
		return err
	}

	t := l.tally(candle)
	t.choices[voter] = vote
	t.voters[vote] = append(t.voters[vote], voter)
	return nil
}

// GetVote returns VoteNone when voter has not voted in candle.
func (l *Ledger) GetVote(candle int64, voter string) event.Vote {
	t, ok := l.candles[candle]
	if !ok {
		return event.VoteNone
	}
	return t.choices[voter]
}

// TotalVotes counts both sides.
func (l *Ledger) TotalVotes(candle int64) int {
	t, ok := l.candles[candle]
	if !ok {
		return 0
	}
	return len(t.choices)
}

func (l *Ledger) VoterCount(candle int64, vote event.Vote) (int, error) {
	if !vote.Valid() {
		return 0, fmt.Errorf("%w: %d", event.ErrInvalidVoteChoice, vote)
	}
	t, ok := l.candles[candle]
	if !ok {
		return 0, nil
	}
	return len(t.voters[vote]), nil
}

// VoterAt returns the voter ranked index (0-based, arrival order) on a side.
func (l *Ledger) VoterAt(candle int64, vote event.Vote, index int) (string, error) {
	count, err := l.VoterCount(candle, vote)
	if err != nil {
		return "", err
	}
	if index < 0 || index >= count {
		return "", fmt.Errorf("%w: index %d, %d %s voters", ErrIndexOutOfRange, index, count, vote)
	}
	return l.candles[candle].voters[vote][index], nil
}

// Voters returns a copy of one side's arrival-ordered list.
func (l *Ledger) Voters(candle int64, vote event.Vote) []string {
	t, ok := l.candles[candle]
	if !ok {
		return nil
	}
	out := make([]string, len(t.voters[vote]))
	copy(out, t.voters[vote])
	return out
}

func (l *Ledger) IsReleased(candle int64) bool {
	t, ok := l.candles[candle]
	return ok && t.released
}

// MarkReleased flips the flag once; a second call fails.
func (l *Ledger) MarkReleased(candle int64) error {
	t := l.tally(candle)
	if t.released {
		return fmt.Errorf("%w: candle %d", ErrAlreadyReleased, candle)
	}
	t.released = true
	return nil
}

// Candles lists every known candle in ascending order.
func (l *Ledger) Candles() []int64 {
	out := make([]int64, 0, len(l.candles))
	for c := range l.candles {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

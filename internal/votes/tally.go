package votes

import (
	"CandleLedger/internal/event"
	"fmt"
)

// Tally is the per-candle record: choice per voter, ranked lists per side,
// and the release flag.
type Tally struct {
	choices  map[string]event.Vote
	voters   map[event.Vote][]string
	released bool
}

func newTally() *Tally {
	return &Tally{
		choices: make(map[string]event.Vote),
		voters:  make(map[event.Vote][]string, 2),
	}
}

// TallyState is the serializable form of a Tally used by snapshots.
type TallyState struct {
	Candle   int64    `json:"candle"`
	Up       []string `json:"up"`
	Down     []string `json:"down"`
	Released bool     `json:"released"`
}

// Export captures every candle in ascending order.
func (l *Ledger) Export() []TallyState {
	out := make([]TallyState, 0, len(l.candles))
	for _, c := range l.Candles() {
		t := l.candles[c]
		out = append(out, TallyState{
			Candle:   c,
			Up:       l.Voters(c, event.VoteUp),
			Down:     l.Voters(c, event.VoteDown),
			Released: t.released,
		})
	}
	return out
}

// Restore replaces the ledger contents from snapshot state.
// A voter listed on both sides of one candle is rejected.
func (l *Ledger) Restore(states []TallyState) error {
	candles := make(map[int64]*Tally, len(states))

	for _, s := range states {
		if _, dup := candles[s.Candle]; dup {
			return fmt.Errorf("restore: duplicate candle %d", s.Candle)
		}
		t := newTally()
		for _, side := range []struct {
			vote   event.Vote
			voters []string
		}{{event.VoteUp, s.Up}, {event.VoteDown, s.Down}} {
			for _, v := range side.voters {
				if _, seen := t.choices[v]; seen {
					return fmt.Errorf("restore: voter %s appears twice in candle %d", v, s.Candle)
				}
				t.choices[v] = side.vote
				t.voters[side.vote] = append(t.voters[side.vote], v)
			}
		}
		t.released = s.Released
		candles[s.Candle] = t
	}

	l.candles = candles
	return nil
}

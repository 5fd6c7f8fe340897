package testutil

import (
	"CandleLedger/internal/candle"
	"CandleLedger/internal/core"
	"CandleLedger/internal/event"
	"CandleLedger/internal/params"
	"sync"
	"testing"
	"time"
)

// Cost is the per-vote stake of engines built by NewEngine (0.01 at 6 decimals).
const Cost int64 = 10_000

// Owner holds the configuration capability of engines built by NewEngine.
var Owner = params.AuthContext{Caller: "owner"}

// Clock is a settable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// EngineOptions overrides parts of the default test engine.
type EngineOptions struct {
	Clock       *Clock
	Custodian   core.Custodian
	PersistChan chan<- core.CoreOutput
	Projection  chan<- core.CoreOutput
}

// DefaultParams is the configuration of the original deployment.
func DefaultParams() params.Params {
	return params.Params{
		CostPerVote: Cost,
		PrizeShares: []int64{40, 30, 20},
		Beneficiary: Owner.Caller,
		TimeUnit:    candle.TimeUnitMinute,
		Timeframe:   1,
	}
}

// NewEngine builds an engine owned by Owner with DefaultParams, clocked at
// 2024-03-09T12:34:47Z unless opts.Clock is set.
func NewEngine(t *testing.T, opts EngineOptions) *core.Engine {
	t.Helper()

	clock := opts.Clock
	if clock == nil {
		clock = NewClock(time.Date(2024, 3, 9, 12, 34, 47, 0, time.UTC))
	}

	authz := params.NewOwnerAuthorizer(Owner.Caller)
	pause := params.NewPauseSwitch(authz)
	store, err := params.NewStore(authz, pause, DefaultParams())
	if err != nil {
		t.Fatalf("params store: %v", err)
	}

	return core.NewEngine(core.EngineConfig{
		Params:         store,
		Authorizer:     authz,
		Pause:          pause,
		Custodian:      opts.Custodian,
		Clock:          clock.Now,
		PersistChan:    opts.PersistChan,
		ProjectionChan: opts.Projection,
	})
}

// PlayRound casts w0 Up, l0 Down, w1 Up in the open candle and settles it
// for Up. Returns the candle.
func PlayRound(t *testing.T, eng *core.Engine) int64 {
	t.Helper()

	var candleStart int64
	for _, v := range []struct {
		voter string
		vote  event.Vote
	}{{"w0", event.VoteUp}, {"l0", event.VoteDown}, {"w1", event.VoteUp}} {
		r, err := eng.Vote(v.voter, v.vote, Cost)
		if err != nil {
			t.Fatalf("vote %s: %v", v.voter, err)
		}
		candleStart = r.Candle
	}

	if _, err := eng.ReleasePrizes(Owner, candleStart, event.VoteUp); err != nil {
		t.Fatalf("release: %v", err)
	}
	return candleStart
}

// Drain empties ch without blocking.
func Drain(ch <-chan core.CoreOutput) []core.CoreOutput {
	var out []core.CoreOutput
	for {
		select {
		case o := <-ch:
			out = append(out, o)
		default:
			return out
		}
	}
}

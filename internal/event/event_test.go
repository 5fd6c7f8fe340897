package event_test

import (
	"CandleLedger/internal/event"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ===== Test: Vote =====

func TestVote_WireValuesMatchContractEnum(t *testing.T) {
	assert.EqualValues(t, 0, event.VoteNone)
	assert.EqualValues(t, 1, event.VoteUp)
	assert.EqualValues(t, 2, event.VoteDown)
}

func TestVote_Opposite(t *testing.T) {
	assert.Equal(t, event.VoteDown, event.VoteUp.Opposite())
	assert.Equal(t, event.VoteUp, event.VoteDown.Opposite())
	assert.Equal(t, event.VoteNone, event.VoteNone.Opposite())
}

func TestParseVote(t *testing.T) {
	v, err := event.ParseVote(" UP ")
	require.NoError(t, err)
	assert.Equal(t, event.VoteUp, v)

	v, err = event.ParseVote("none")
	require.NoError(t, err)
	assert.False(t, v.Valid())

	_, err = event.ParseVote("sideways")
	assert.ErrorIs(t, err, event.ErrInvalidVoteChoice)
}

func TestVote_JSONUsesNames(t *testing.T) {
	b, err := json.Marshal(struct {
		V event.Vote `json:"v"`
	}{event.VoteDown})
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":"down"}`, string(b))
}

// ===== Test: Codec =====

func TestDecode_UnknownType(t *testing.T) {
	_, err := event.Decode(event.EventTypeUnknown, []byte(`{}`))
	assert.Error(t, err)
}

func TestDecode_PrizesReleased(t *testing.T) {
	payload := []byte(`{"candle":60,"winning_vote":"up","pool":20000,
		"payouts":[{"voter_id":"a","rank":0,"amount":8000}],"beneficiary_amount":12000}`)

	evt, err := event.Decode(event.EventTypePrizesReleased, payload)
	require.NoError(t, err)

	rel, ok := evt.(*event.PrizesReleased)
	require.True(t, ok)
	assert.Equal(t, event.VoteUp, rel.WinningVote)
	assert.Equal(t, int64(20000), rel.TotalPaid())
	assert.Equal(t, "release:60", rel.IdempotencyKey())
	require.NotNil(t, rel.CandleID())
	assert.Equal(t, int64(60), *rel.CandleID())
}

func TestEventType_StringRoundTrip(t *testing.T) {
	for _, et := range []event.EventType{
		event.EventTypeVoteCast,
		event.EventTypePrizesReleased,
		event.EventTypeWithdrawal,
		event.EventTypeParamsUpdated,
		event.EventTypePauseChanged,
	} {
		assert.Equal(t, et, event.ParseEventType(et.String()))
	}
	assert.Equal(t, event.EventTypeUnknown, event.ParseEventType("TradeFill"))
}

func TestVoteCast_IdempotencyKey(t *testing.T) {
	vc := &event.VoteCast{Candle: 120, VoterID: "alice", Vote: event.VoteUp, Timestamp: time.Unix(125, 0)}
	assert.Equal(t, "vote:120:alice", vc.IdempotencyKey())
	assert.Equal(t, time.Unix(125, 0), vc.OccurredAt())
}

package ingestion_test

import (
	"CandleLedger/internal/core"
	"CandleLedger/internal/event"
	"CandleLedger/internal/ingestion"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ===== Test: Settlement parsing =====

func TestParseSettlement_CandleSeconds(t *testing.T) {
	cmd, err := ingestion.ParseSettlement([]byte(`{"candle":1709987640,"winning_vote":"up","request_id":"r-1"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1709987640), cmd.Candle)
	assert.Equal(t, event.VoteUp, cmd.WinningVote)
	assert.Equal(t, "r-1", cmd.RequestID)
}

func TestParseSettlement_CandleTime(t *testing.T) {
	cmd, err := ingestion.ParseSettlement([]byte(`{"candle_time":"2024-03-09T12:34:00Z","winning_vote":"DOWN"}`))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 9, 12, 34, 0, 0, time.UTC).Unix(), cmd.Candle)
	assert.Equal(t, event.VoteDown, cmd.WinningVote)
}

func TestParseSettlement_NoneIsParsedAndLeftToEngine(t *testing.T) {
	cmd, err := ingestion.ParseSettlement([]byte(`{"candle":60,"winning_vote":"none"}`))
	require.NoError(t, err)
	assert.Equal(t, event.VoteNone, cmd.WinningVote)
}

func TestParseSettlement_Rejects(t *testing.T) {
	cases := map[string]string{
		"not json":      `{`,
		"no candle":     `{"winning_vote":"up"}`,
		"both forms":    `{"candle":60,"candle_time":"2024-03-09T12:34:00Z","winning_vote":"up"}`,
		"bad time":      `{"candle_time":"yesterday","winning_vote":"up"}`,
		"bad vote":      `{"candle":60,"winning_vote":"sideways"}`,
		"string candle": `{"candle":"60","winning_vote":"up"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ingestion.ParseSettlement([]byte(raw))
			require.ErrorIs(t, err, ingestion.ErrMalformed)
		})
	}
}

// ===== Test: Custody wire format =====

func TestEncodeCustodyRequest(t *testing.T) {
	id := uuid.MustParse("7b0f0c5e-57e4-4f43-8a53-2f4f1c0f6a11")
	data, err := ingestion.EncodeCustodyRequest(core.TransferRequest{WithdrawalID: id, VoterID: "alice", Amount: 8000})
	require.NoError(t, err)
	assert.JSONEq(t, `{"withdrawal_id":"7b0f0c5e-57e4-4f43-8a53-2f4f1c0f6a11","voter_id":"alice","amount":8000}`, string(data))
}

func TestParseCustodyReply(t *testing.T) {
	reply, err := ingestion.ParseCustodyReply([]byte(`{"withdrawal_id":"7b0f0c5e-57e4-4f43-8a53-2f4f1c0f6a11","ok":false,"error":"frozen"}`))
	require.NoError(t, err)
	assert.False(t, reply.OK)
	assert.Equal(t, "frozen", reply.Error)

	_, err = ingestion.ParseCustodyReply([]byte(`{"withdrawal_id":"nope","ok":true}`))
	require.ErrorIs(t, err, ingestion.ErrMalformed)
}

// ===== Test: Outbound event encoding =====

func TestNewPublishableEvent(t *testing.T) {
	candleStart := int64(1709987640)
	env := &event.EventEnvelope{
		Sequence:       7,
		IdempotencyKey: "release:1709987640",
		EventType:      event.EventTypePrizesReleased,
		Candle:         &candleStart,
		Timestamp:      time.Date(2024, 3, 9, 12, 35, 1, 0, time.UTC),
		Payload:        []byte(`{"candle":1709987640}`),
		StateHash:      [32]byte{0xab},
	}

	pe := ingestion.NewPublishableEvent(core.CoreOutput{Envelope: env})
	assert.Equal(t, "candle.ledger.events.PrizesReleased", pe.Subject())

	data, err := json.Marshal(pe)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "PrizesReleased", decoded["event_type"])
	assert.Equal(t, float64(candleStart), decoded["candle"])
	assert.Equal(t, map[string]any{"candle": float64(candleStart)}, decoded["payload"])
	assert.Equal(t, "ab"+repeat("00", 31), decoded["state_hash"])
}

func TestNewPublishableEvent_GlobalOmitsCandle(t *testing.T) {
	env := &event.EventEnvelope{Sequence: 1, EventType: event.EventTypePauseChanged, Payload: []byte(`{}`)}
	data, err := json.Marshal(ingestion.NewPublishableEvent(core.CoreOutput{Envelope: env}))
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"candle"`)
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}

package params_test

import (
	"CandleLedger/internal/candle"
	"CandleLedger/internal/params"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	owner    = params.AuthContext{Caller: "owner"}
	stranger = params.AuthContext{Caller: "stranger"}
)

func defaults() params.Params {
	return params.Params{
		CostPerVote: 10_000,
		PrizeShares: []int64{40, 30, 20},
		Beneficiary: "owner",
		TimeUnit:    candle.TimeUnitMinute,
		Timeframe:   1,
	}
}

func newStore(t *testing.T) (*params.Store, *params.PauseSwitch) {
	t.Helper()
	authz := params.NewOwnerAuthorizer("owner")
	gate := params.NewPauseSwitch(authz)
	store, err := params.NewStore(authz, gate, defaults())
	require.NoError(t, err)
	return store, gate
}

// ===== Test: Validation =====

func TestValidatePrizeShares(t *testing.T) {
	assert.NoError(t, params.ValidatePrizeShares(nil))
	assert.NoError(t, params.ValidatePrizeShares([]int64{100}))
	assert.NoError(t, params.ValidatePrizeShares([]int64{40, 30, 20, 10}))

	assert.ErrorIs(t, params.ValidatePrizeShares([]int64{60, 41}), params.ErrInvalidPrizeShares)
	assert.ErrorIs(t, params.ValidatePrizeShares([]int64{-1, 50}), params.ErrInvalidPrizeShares)
	assert.ErrorIs(t, params.ValidatePrizeShares([]int64{101}), params.ErrInvalidPrizeShares)
}

func TestNewStore_RejectsInvalidInitial(t *testing.T) {
	p := defaults()
	p.Timeframe = 60

	authz := params.NewOwnerAuthorizer("owner")
	_, err := params.NewStore(authz, params.NewPauseSwitch(authz), p)
	assert.ErrorIs(t, err, candle.ErrInvalidTimeframe)
}

// ===== Test: Setter gating =====

func TestSetter_NotPaused(t *testing.T) {
	store, _ := newStore(t)

	err := store.SetCostPerVote(owner, 20_000)
	assert.ErrorIs(t, err, params.ErrNotPaused)
	assert.Equal(t, int64(10_000), store.CostPerVote())
}

func TestSetter_NotAuthorizedCheckedBeforePause(t *testing.T) {
	store, _ := newStore(t)

	// Not paused AND not owner: capability failure wins.
	err := store.SetCostPerVote(stranger, 20_000)
	assert.ErrorIs(t, err, params.ErrNotAuthorized)
}

func TestSetter_PausedNonOwner(t *testing.T) {
	store, gate := newStore(t)
	require.NoError(t, gate.Pause(owner))

	assert.ErrorIs(t, store.SetCostPerVote(stranger, 20_000), params.ErrNotAuthorized)
	assert.ErrorIs(t, store.SetBeneficiary(stranger, "x"), params.ErrNotAuthorized)
	assert.ErrorIs(t, store.SetPrizeShares(stranger, []int64{50}), params.ErrNotAuthorized)
	assert.ErrorIs(t, store.SetTimeframe(stranger, 5), params.ErrNotAuthorized)
	assert.ErrorIs(t, store.SetTimeUnit(stranger, candle.TimeUnitSecond), params.ErrNotAuthorized)
	assert.Equal(t, defaults(), store.Params())
}

func TestSetter_PausedOwnerSucceeds(t *testing.T) {
	store, gate := newStore(t)
	require.NoError(t, gate.Pause(owner))

	require.NoError(t, store.SetCostPerVote(owner, 20_000))
	require.NoError(t, store.SetBeneficiary(owner, "treasury"))
	require.NoError(t, store.SetPrizeShares(owner, []int64{50, 50}))
	require.NoError(t, store.SetTimeframe(owner, 10))
	require.NoError(t, store.SetTimeUnit(owner, candle.TimeUnitSecond))

	assert.Equal(t, params.Params{
		CostPerVote: 20_000,
		PrizeShares: []int64{50, 50},
		Beneficiary: "treasury",
		TimeUnit:    candle.TimeUnitSecond,
		Timeframe:   10,
	}, store.Params())
}

func TestSetter_InvalidValuesLeaveStoreUnchanged(t *testing.T) {
	store, gate := newStore(t)
	require.NoError(t, gate.Pause(owner))

	assert.ErrorIs(t, store.SetPrizeShares(owner, []int64{90, 20}), params.ErrInvalidPrizeShares)
	assert.ErrorIs(t, store.SetTimeframe(owner, 60), candle.ErrInvalidTimeframe)
	assert.ErrorIs(t, store.SetTimeframe(owner, 0), candle.ErrInvalidTimeframe)
	assert.ErrorIs(t, store.SetTimeUnit(owner, candle.TimeUnitUnknown), candle.ErrInvalidTimeUnit)
	assert.ErrorIs(t, store.SetCostPerVote(owner, 0), params.ErrInvalidCostPerVote)
	assert.ErrorIs(t, store.SetBeneficiary(owner, ""), params.ErrInvalidBeneficiary)

	assert.Equal(t, defaults(), store.Params())
}

// ===== Test: Getters =====

func TestGetters_ReturnCopies(t *testing.T) {
	store, _ := newStore(t)

	shares := store.PrizeShares()
	shares[0] = 99
	p := store.Params()
	p.PrizeShares[1] = 99

	assert.Equal(t, []int64{40, 30, 20}, store.PrizeShares())
}

func TestPrizeShare_Indexed(t *testing.T) {
	store, _ := newStore(t)

	s, err := store.PrizeShare(2)
	require.NoError(t, err)
	assert.Equal(t, int64(20), s)

	_, err = store.PrizeShare(3)
	assert.ErrorIs(t, err, params.ErrShareIndexOutOfRange)
}

// ===== Test: PauseSwitch =====

func TestPauseSwitch(t *testing.T) {
	gate := params.NewPauseSwitch(params.NewOwnerAuthorizer("owner"))

	assert.False(t, gate.IsPaused())
	assert.ErrorIs(t, gate.Pause(stranger), params.ErrNotAuthorized)
	assert.ErrorIs(t, gate.Unpause(owner), params.ErrNotPaused)

	require.NoError(t, gate.Pause(owner))
	assert.True(t, gate.IsPaused())
	assert.ErrorIs(t, gate.Pause(owner), params.ErrAlreadyPaused)

	require.NoError(t, gate.Unpause(owner))
	assert.False(t, gate.IsPaused())
}

func TestOwnerAuthorizer_EmptyOwnerNeverAuthorizes(t *testing.T) {
	authz := params.NewOwnerAuthorizer("")
	assert.ErrorIs(t, authz.Authorize(params.AuthContext{}), params.ErrNotAuthorized)
}

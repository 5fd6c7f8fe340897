package core

import (
	"CandleLedger/internal/candle"
	"CandleLedger/internal/event"
	"CandleLedger/internal/ledger"
	"CandleLedger/internal/params"
	"CandleLedger/internal/votes"
	"errors"
)

var (
	ErrCostMismatch       = errors.New("cost does not match")
	ErrInvalidVoter       = errors.New("invalid voter id")
	ErrNothingToWithdraw  = errors.New("nothing to withdraw")
	ErrCustody            = errors.New("custody transfer failed")
	ErrEngineClosed       = errors.New("engine closed")
	ErrReplayOutOfOrder   = errors.New("replay sequence out of order")
	ErrReplayHashMismatch = errors.New("replay state hash mismatch")
)

// RejectReason maps an operation error to a short metrics label.
func RejectReason(err error) string {
	switch {
	case errors.Is(err, event.ErrInvalidVoteChoice):
		return "invalid_vote_choice"
	case errors.Is(err, votes.ErrAlreadyVoted):
		return "already_voted"
	case errors.Is(err, ErrCostMismatch):
		return "cost_mismatch"
	case errors.Is(err, votes.ErrAlreadyReleased):
		return "already_released"
	case errors.Is(err, votes.ErrIndexOutOfRange):
		return "index_out_of_range"
	case errors.Is(err, candle.ErrInvalidTimeframe):
		return "invalid_timeframe"
	case errors.Is(err, candle.ErrInvalidTimeUnit):
		return "invalid_time_unit"
	case errors.Is(err, params.ErrInvalidPrizeShares):
		return "invalid_prize_shares"
	case errors.Is(err, params.ErrInvalidCostPerVote):
		return "invalid_cost_per_vote"
	case errors.Is(err, params.ErrInvalidBeneficiary):
		return "invalid_beneficiary"
	case errors.Is(err, params.ErrNotAuthorized):
		return "not_authorized"
	case errors.Is(err, params.ErrNotPaused):
		return "not_paused"
	case errors.Is(err, params.ErrAlreadyPaused):
		return "already_paused"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrInvalidVoter):
		return "invalid_voter"
	case errors.Is(err, ErrNothingToWithdraw):
		return "nothing_to_withdraw"
	case errors.Is(err, ErrCustody):
		return "custody"
	case errors.Is(err, ErrEngineClosed):
		return "closed"
	default:
		return "internal"
	}
}

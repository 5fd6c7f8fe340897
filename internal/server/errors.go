package server

import (
	"CandleLedger/internal/candle"
	"CandleLedger/internal/core"
	"CandleLedger/internal/event"
	"CandleLedger/internal/ledger"
	"CandleLedger/internal/params"
	"CandleLedger/internal/persistence"
	"CandleLedger/internal/query"
	"CandleLedger/internal/votes"
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// toStatus maps a domain error to a gRPC status. Errors that already carry
// a status pass through unchanged.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codeFor(err), err.Error())
}

func codeFor(err error) codes.Code {
	switch {
	case errors.Is(err, event.ErrInvalidVoteChoice),
		errors.Is(err, core.ErrCostMismatch),
		errors.Is(err, core.ErrInvalidVoter),
		errors.Is(err, candle.ErrInvalidTimeframe),
		errors.Is(err, candle.ErrInvalidTimeUnit),
		errors.Is(err, params.ErrInvalidPrizeShares),
		errors.Is(err, params.ErrInvalidCostPerVote),
		errors.Is(err, params.ErrInvalidBeneficiary):
		return codes.InvalidArgument

	case errors.Is(err, votes.ErrAlreadyVoted),
		errors.Is(err, votes.ErrAlreadyReleased):
		return codes.AlreadyExists

	case errors.Is(err, params.ErrNotPaused),
		errors.Is(err, params.ErrAlreadyPaused),
		errors.Is(err, core.ErrNothingToWithdraw),
		errors.Is(err, ledger.ErrInsufficientBalance):
		return codes.FailedPrecondition

	case errors.Is(err, params.ErrNotAuthorized):
		return codes.PermissionDenied

	case errors.Is(err, votes.ErrIndexOutOfRange),
		errors.Is(err, params.ErrShareIndexOutOfRange):
		return codes.OutOfRange

	case errors.Is(err, query.ErrNotFound):
		return codes.NotFound

	case errors.Is(err, core.ErrCustody),
		errors.Is(err, core.ErrEngineClosed),
		errors.Is(err, persistence.ErrSnapshotAhead):
		return codes.Unavailable

	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded

	case errors.Is(err, context.Canceled):
		return codes.Canceled

	default:
		return codes.Internal
	}
}

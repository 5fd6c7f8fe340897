package server

import (
	"CandleLedger/internal/candle"
	"CandleLedger/internal/core"
	"CandleLedger/internal/event"
	"CandleLedger/internal/params"
	"CandleLedger/internal/query"
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Snapshotter captures a snapshot on demand and returns its sequence.
type Snapshotter func(ctx context.Context) (int64, error)

type ledgerServer struct {
	eng      *core.Engine
	queries  *query.QueryService
	snapshot Snapshotter
}

// NewLedgerServer serves eng. queries and snapshot may be nil; the methods
// that need them then answer Unavailable.
func NewLedgerServer(eng *core.Engine, queries *query.QueryService, snapshot Snapshotter) LedgerServer {
	return &ledgerServer{eng: eng, queries: queries, snapshot: snapshot}
}

// callerFrom reads the caller identity from incoming metadata.
func callerFrom(ctx context.Context) params.AuthContext {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return params.AuthContext{}
	}
	if ids := md.Get(CallerHeader); len(ids) > 0 {
		return params.AuthContext{Caller: ids[0]}
	}
	return params.AuthContext{}
}

func (s *ledgerServer) Vote(ctx context.Context, req *VoteRequest) (*core.Receipt, error) {
	r, err := s.eng.Vote(callerFrom(ctx).Caller, req.Vote, req.PaidAmount)
	return r, toStatus(err)
}

func (s *ledgerServer) GetVote(_ context.Context, req *GetVoteRequest) (*GetVoteResponse, error) {
	return &GetVoteResponse{
		Candle:  req.Candle,
		VoterID: req.VoterID,
		Vote:    s.eng.GetVote(req.Candle, req.VoterID),
	}, nil
}

func (s *ledgerServer) GetCandle(_ context.Context, req *CandleRequest) (*CandleResponse, error) {
	up, err := s.eng.VoterCount(req.Candle, event.VoteUp)
	if err != nil {
		return nil, toStatus(err)
	}
	down, err := s.eng.VoterCount(req.Candle, event.VoteDown)
	if err != nil {
		return nil, toStatus(err)
	}
	return &CandleResponse{
		Candle:     req.Candle,
		UpVotes:    up,
		DownVotes:  down,
		TotalVotes: s.eng.GetTotalVotes(req.Candle),
		Released:   s.eng.IsReleased(req.Candle),
	}, nil
}

func (s *ledgerServer) VoterAt(_ context.Context, req *VoterAtRequest) (*VoterAtResponse, error) {
	id, err := s.eng.VoterAt(req.Candle, req.Vote, req.Index)
	if err != nil {
		return nil, toStatus(err)
	}
	return &VoterAtResponse{VoterID: id}, nil
}

func (s *ledgerServer) CurrentCandle(context.Context, *Empty) (*core.CandleWindow, error) {
	w, err := s.eng.CurrentCandle()
	if err != nil {
		return nil, toStatus(err)
	}
	return &w, nil
}

func (s *ledgerServer) ReleasePrizes(ctx context.Context, req *ReleaseRequest) (*event.PrizesReleased, error) {
	evt, err := s.eng.ReleasePrizes(callerFrom(ctx), req.Candle, req.WinningVote)
	return evt, toStatus(err)
}

func (s *ledgerServer) BalanceOf(_ context.Context, req *BalanceRequest) (*BalanceResponse, error) {
	return &BalanceResponse{VoterID: req.VoterID, Balance: s.eng.BalanceOf(req.VoterID)}, nil
}

func (s *ledgerServer) GetTotalFunds(context.Context, *Empty) (*FundsResponse, error) {
	return &FundsResponse{TotalFunds: s.eng.GetTotalFunds()}, nil
}

func (s *ledgerServer) Withdraw(ctx context.Context, _ *Empty) (*event.Withdrawal, error) {
	w, err := s.eng.Withdraw(ctx, callerFrom(ctx))
	return w, toStatus(err)
}

func (s *ledgerServer) GetConfig(context.Context, *Empty) (*ConfigResponse, error) {
	return s.config(), nil
}

func (s *ledgerServer) config() *ConfigResponse {
	p := s.eng.Params()
	return &ConfigResponse{
		CostPerVote: p.CostPerVote,
		PrizeShares: p.PrizeShares,
		Beneficiary: p.Beneficiary,
		TimeUnit:    p.TimeUnit.String(),
		Timeframe:   p.Timeframe,
		Paused:      s.eng.IsPaused(),
	}
}

func (s *ledgerServer) UpdateConfig(ctx context.Context, req *UpdateConfigRequest) (*ConfigResponse, error) {
	auth := callerFrom(ctx)

	var err error
	switch req.Field {
	case "cost_per_vote":
		var v int64
		if err = decodeValue(req, &v); err == nil {
			err = s.eng.SetCostPerVote(auth, v)
		}
	case "prize_shares":
		var v []int64
		if err = decodeValue(req, &v); err == nil {
			err = s.eng.SetPrizeShares(auth, v)
		}
	case "beneficiary":
		var v string
		if err = decodeValue(req, &v); err == nil {
			err = s.eng.SetBeneficiary(auth, v)
		}
	case "timeframe":
		var v int64
		if err = decodeValue(req, &v); err == nil {
			err = s.eng.SetTimeframe(auth, v)
		}
	case "time_unit":
		var raw string
		if err = decodeValue(req, &raw); err == nil {
			// An unknown name becomes TimeUnitUnknown so the store still
			// checks authorization and pause before rejecting it.
			unit, _ := candle.ParseTimeUnit(raw)
			err = s.eng.SetTimeUnit(auth, unit)
		}
	default:
		return nil, status.Errorf(codes.InvalidArgument, "unknown config field %q", req.Field)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return s.config(), nil
}

func decodeValue(req *UpdateConfigRequest, v any) error {
	if len(req.Value) == 0 {
		return status.Errorf(codes.InvalidArgument, "%s: value is required", req.Field)
	}
	if err := json.Unmarshal(req.Value, v); err != nil {
		return status.Errorf(codes.InvalidArgument, "%s: %v", req.Field, err)
	}
	return nil
}

func (s *ledgerServer) Pause(ctx context.Context, _ *Empty) (*PauseResponse, error) {
	if err := s.eng.Pause(callerFrom(ctx)); err != nil {
		return nil, toStatus(err)
	}
	return &PauseResponse{Paused: true}, nil
}

func (s *ledgerServer) Unpause(ctx context.Context, _ *Empty) (*PauseResponse, error) {
	if err := s.eng.Unpause(callerFrom(ctx)); err != nil {
		return nil, toStatus(err)
	}
	return &PauseResponse{Paused: false}, nil
}

func (s *ledgerServer) GetCandleHistory(ctx context.Context, req *CandleHistoryRequest) (*query.CandleHistory, error) {
	if s.queries == nil {
		return nil, errNoProjections
	}
	h, err := s.queries.GetCandleHistory(ctx, req.Limit, req.BeforeCandle, req.ReleasedOnly)
	return h, toStatus(err)
}

func (s *ledgerServer) GetJournalHistory(ctx context.Context, req *JournalHistoryRequest) (*JournalHistoryResponse, error) {
	if s.queries == nil {
		return nil, errNoProjections
	}
	if req.VoterID == "" {
		return nil, status.Error(codes.InvalidArgument, "voter_id is required")
	}
	entries, err := s.queries.GetJournalHistory(ctx, req.VoterID, req.Limit, req.AfterSequence)
	if err != nil {
		return nil, toStatus(err)
	}
	return &JournalHistoryResponse{Entries: entries}, nil
}

func (s *ledgerServer) VerifyIntegrity(ctx context.Context, _ *Empty) (*query.IntegrityReport, error) {
	if s.queries == nil {
		return nil, errNoProjections
	}
	r, err := s.queries.VerifyIntegrity(ctx)
	return r, toStatus(err)
}

func (s *ledgerServer) TakeSnapshot(ctx context.Context, _ *Empty) (*SnapshotResponse, error) {
	if s.snapshot == nil {
		return nil, status.Error(codes.Unavailable, "snapshots are not configured")
	}
	seq, err := s.snapshot(ctx)
	if err != nil {
		return nil, toStatus(fmt.Errorf("take snapshot: %w", err))
	}
	return &SnapshotResponse{Sequence: seq}, nil
}

var errNoProjections = status.Error(codes.Unavailable, "projections are not configured")

package server

import (
	"CandleLedger/internal/core"
	"CandleLedger/internal/event"
	"CandleLedger/internal/query"
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const ServiceName = "candleledger.v1.LedgerService"

// CallerHeader carries the caller identity: gRPC metadata key and HTTP header.
const CallerHeader = "x-caller-id"

// ============================================================================
// Messages
// ============================================================================

type Empty struct{}

type VoteRequest struct {
	Vote       event.Vote `json:"vote"`
	PaidAmount int64      `json:"paid_amount"`
}

type GetVoteRequest struct {
	Candle  int64  `json:"candle"`
	VoterID string `json:"voter_id"`
}

type GetVoteResponse struct {
	Candle  int64      `json:"candle"`
	VoterID string     `json:"voter_id"`
	Vote    event.Vote `json:"vote"`
}

type CandleRequest struct {
	Candle int64 `json:"candle"`
}

// CandleResponse is the engine's live view of one candle.
type CandleResponse struct {
	Candle     int64 `json:"candle"`
	UpVotes    int   `json:"up_votes"`
	DownVotes  int   `json:"down_votes"`
	TotalVotes int   `json:"total_votes"`
	Released   bool  `json:"released"`
}

type VoterAtRequest struct {
	Candle int64      `json:"candle"`
	Vote   event.Vote `json:"vote"`
	Index  int        `json:"index"`
}

type VoterAtResponse struct {
	VoterID string `json:"voter_id"`
}

type ReleaseRequest struct {
	Candle      int64      `json:"candle"`
	WinningVote event.Vote `json:"winning_vote"`
}

type BalanceRequest struct {
	VoterID string `json:"voter_id"`
}

type BalanceResponse struct {
	VoterID string `json:"voter_id"`
	Balance int64  `json:"balance"`
}

type FundsResponse struct {
	TotalFunds int64 `json:"total_funds"`
}

type ConfigResponse struct {
	CostPerVote int64   `json:"cost_per_vote"`
	PrizeShares []int64 `json:"prize_shares"`
	Beneficiary string  `json:"beneficiary"`
	TimeUnit    string  `json:"time_unit"`
	Timeframe   int64   `json:"timeframe"`
	Paused      bool    `json:"paused"`
}

// UpdateConfigRequest changes one field. Value is the JSON form of the
// field: a number for cost_per_vote and timeframe, an array for
// prize_shares, a string for beneficiary and time_unit.
type UpdateConfigRequest struct {
	Field string          `json:"field"`
	Value json.RawMessage `json:"value"`
}

type PauseResponse struct {
	Paused bool `json:"paused"`
}

type CandleHistoryRequest struct {
	Limit        int    `json:"limit"`
	BeforeCandle *int64 `json:"before_candle,omitempty"`
	ReleasedOnly bool   `json:"released_only"`
}

type JournalHistoryRequest struct {
	VoterID       string `json:"voter_id"`
	Limit         int    `json:"limit"`
	AfterSequence *int64 `json:"after_sequence,omitempty"`
}

type JournalHistoryResponse struct {
	Entries []query.JournalHistoryEntry `json:"entries"`
}

type SnapshotResponse struct {
	Sequence int64 `json:"sequence"`
}

// ============================================================================
// Service definition
// ============================================================================

// LedgerServer is the ledger's RPC surface. Operations that act for a
// caller (vote, withdraw, owner operations) read the identity from context.
type LedgerServer interface {
	Vote(context.Context, *VoteRequest) (*core.Receipt, error)
	GetVote(context.Context, *GetVoteRequest) (*GetVoteResponse, error)
	GetCandle(context.Context, *CandleRequest) (*CandleResponse, error)
	VoterAt(context.Context, *VoterAtRequest) (*VoterAtResponse, error)
	CurrentCandle(context.Context, *Empty) (*core.CandleWindow, error)
	ReleasePrizes(context.Context, *ReleaseRequest) (*event.PrizesReleased, error)
	BalanceOf(context.Context, *BalanceRequest) (*BalanceResponse, error)
	GetTotalFunds(context.Context, *Empty) (*FundsResponse, error)
	Withdraw(context.Context, *Empty) (*event.Withdrawal, error)
	GetConfig(context.Context, *Empty) (*ConfigResponse, error)
	UpdateConfig(context.Context, *UpdateConfigRequest) (*ConfigResponse, error)
	Pause(context.Context, *Empty) (*PauseResponse, error)
	Unpause(context.Context, *Empty) (*PauseResponse, error)
	GetCandleHistory(context.Context, *CandleHistoryRequest) (*query.CandleHistory, error)
	GetJournalHistory(context.Context, *JournalHistoryRequest) (*JournalHistoryResponse, error)
	VerifyIntegrity(context.Context, *Empty) (*query.IntegrityReport, error)
	TakeSnapshot(context.Context, *Empty) (*SnapshotResponse, error)
}

// unary builds the method descriptor for one request/response call.
func unary[Req, Resp any](name string, call func(LedgerServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "decode %s: %v", name, err)
			}
			if interceptor == nil {
				return call(srv.(LedgerServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(LedgerServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var LedgerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Vote", LedgerServer.Vote),
		unary("GetVote", LedgerServer.GetVote),
		unary("GetCandle", LedgerServer.GetCandle),
		unary("VoterAt", LedgerServer.VoterAt),
		unary("CurrentCandle", LedgerServer.CurrentCandle),
		unary("ReleasePrizes", LedgerServer.ReleasePrizes),
		unary("BalanceOf", LedgerServer.BalanceOf),
		unary("GetTotalFunds", LedgerServer.GetTotalFunds),
		unary("Withdraw", LedgerServer.Withdraw),
		unary("GetConfig", LedgerServer.GetConfig),
		unary("UpdateConfig", LedgerServer.UpdateConfig),
		unary("Pause", LedgerServer.Pause),
		unary("Unpause", LedgerServer.Unpause),
		unary("GetCandleHistory", LedgerServer.GetCandleHistory),
		unary("GetJournalHistory", LedgerServer.GetJournalHistory),
		unary("VerifyIntegrity", LedgerServer.VerifyIntegrity),
		unary("TakeSnapshot", LedgerServer.TakeSnapshot),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "candleledger/v1/ledger",
}

func RegisterLedgerServer(s grpc.ServiceRegistrar, srv LedgerServer) {
	s.RegisterService(&LedgerServiceDesc, srv)
}

// ============================================================================
// Client
// ============================================================================

// LedgerClient calls the ledger service over a gRPC connection.
// Set the caller identity with metadata.AppendToOutgoingContext(ctx, CallerHeader, id).
type LedgerClient struct {
	cc grpc.ClientConnInterface
}

func NewLedgerClient(cc grpc.ClientConnInterface) *LedgerClient {
	return &LedgerClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, c *LedgerClient, method string, req any) (*Resp, error) {
	out := new(Resp)
	err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, req, out, grpc.CallContentSubtype(CodecName))
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *LedgerClient) Vote(ctx context.Context, req *VoteRequest) (*core.Receipt, error) {
	return invoke[core.Receipt](ctx, c, "Vote", req)
}

func (c *LedgerClient) GetVote(ctx context.Context, req *GetVoteRequest) (*GetVoteResponse, error) {
	return invoke[GetVoteResponse](ctx, c, "GetVote", req)
}

func (c *LedgerClient) GetCandle(ctx context.Context, req *CandleRequest) (*CandleResponse, error) {
	return invoke[CandleResponse](ctx, c, "GetCandle", req)
}

func (c *LedgerClient) VoterAt(ctx context.Context, req *VoterAtRequest) (*VoterAtResponse, error) {
	return invoke[VoterAtResponse](ctx, c, "VoterAt", req)
}

func (c *LedgerClient) CurrentCandle(ctx context.Context) (*core.CandleWindow, error) {
	return invoke[core.CandleWindow](ctx, c, "CurrentCandle", &Empty{})
}

func (c *LedgerClient) ReleasePrizes(ctx context.Context, req *ReleaseRequest) (*event.PrizesReleased, error) {
	return invoke[event.PrizesReleased](ctx, c, "ReleasePrizes", req)
}

func (c *LedgerClient) BalanceOf(ctx context.Context, req *BalanceRequest) (*BalanceResponse, error) {
	return invoke[BalanceResponse](ctx, c, "BalanceOf", req)
}

func (c *LedgerClient) GetTotalFunds(ctx context.Context) (*FundsResponse, error) {
	return invoke[FundsResponse](ctx, c, "GetTotalFunds", &Empty{})
}

func (c *LedgerClient) Withdraw(ctx context.Context) (*event.Withdrawal, error) {
	return invoke[event.Withdrawal](ctx, c, "Withdraw", &Empty{})
}

func (c *LedgerClient) GetConfig(ctx context.Context) (*ConfigResponse, error) {
	return invoke[ConfigResponse](ctx, c, "GetConfig", &Empty{})
}

func (c *LedgerClient) UpdateConfig(ctx context.Context, req *UpdateConfigRequest) (*ConfigResponse, error) {
	return invoke[ConfigResponse](ctx, c, "UpdateConfig", req)
}

func (c *LedgerClient) Pause(ctx context.Context) (*PauseResponse, error) {
	return invoke[PauseResponse](ctx, c, "Pause", &Empty{})
}

func (c *LedgerClient) Unpause(ctx context.Context) (*PauseResponse, error) {
	return invoke[PauseResponse](ctx, c, "Unpause", &Empty{})
}

func (c *LedgerClient) GetCandleHistory(ctx context.Context, req *CandleHistoryRequest) (*query.CandleHistory, error) {
	return invoke[query.CandleHistory](ctx, c, "GetCandleHistory", req)
}

func (c *LedgerClient) GetJournalHistory(ctx context.Context, req *JournalHistoryRequest) (*JournalHistoryResponse, error) {
	return invoke[JournalHistoryResponse](ctx, c, "GetJournalHistory", req)
}

func (c *LedgerClient) VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error) {
	return invoke[query.IntegrityReport](ctx, c, "VerifyIntegrity", &Empty{})
}

func (c *LedgerClient) TakeSnapshot(ctx context.Context) (*SnapshotResponse, error) {
	return invoke[SnapshotResponse](ctx, c, "TakeSnapshot", &Empty{})
}

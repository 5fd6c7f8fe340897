package core

import (
	"CandleLedger/internal/candle"
	"CandleLedger/internal/event"
	"CandleLedger/internal/ledger"
	fpmath "CandleLedger/internal/math"
	"CandleLedger/internal/observability"
	"CandleLedger/internal/params"
	"CandleLedger/internal/votes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PauseController is the pause gate the engine flips on behalf of the owner.
type PauseController interface {
	params.Gate
	Pause(auth params.AuthContext) error
	Unpause(auth params.AuthContext) error
	Set(paused bool)
}

// TransferRequest asks custody to move a withdrawn balance out of the system.
type TransferRequest struct {
	WithdrawalID uuid.UUID
	VoterID      string
	Amount       int64
}

// Custodian performs the actual fund movement for a withdrawal.
// A returned error aborts the withdrawal with no ledger change.
type Custodian interface {
	Transfer(ctx context.Context, req TransferRequest) error
}

type CoreOutput struct {
	Envelope *event.EventEnvelope
	Event    event.Event
	Batch    *ledger.Batch
}

// Receipt is the observable record returned by a successful vote.
type Receipt struct {
	Candle  int64      `json:"candle"`
	VoterID string     `json:"voter_id"`
	Vote    event.Vote `json:"vote"`
}

type EngineConfig struct {
	Params         *params.Store
	Authorizer     params.Authorizer
	Pause          PauseController
	Custodian      Custodian
	Clock          func() time.Time
	PersistChan    chan<- CoreOutput
	ProjectionChan chan<- CoreOutput
	Metrics        *observability.Metrics
}

// Engine serializes every vote, settlement, withdrawal and config change
// behind one mutex. Each successful operation is one total-order transaction:
// validate, mutate, apply journals, hash, emit.
type Engine struct {
	mu sync.Mutex

	sequence       int64
	chain          *HashChain
	balanceTracker *ledger.BalanceTracker
	journalGen     *ledger.JournalGenerator
	validator      *ledger.InvariantValidator
	votes          *votes.Ledger
	store          *params.Store
	authz          params.Authorizer
	pause          PauseController
	custodian      Custodian
	clock          func() time.Time
	metrics        *observability.Metrics

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput

	closed   bool
	inflight sync.WaitGroup // withdrawals between hold and commit
}

func NewEngine(cfg EngineConfig) *Engine {
	balanceTracker := ledger.NewBalanceTracker()

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	utc := func() time.Time { return clock().UTC() }

	return &Engine{
		sequence:       1,
		chain:          NewHashChain(),
		balanceTracker: balanceTracker,
		journalGen:     ledger.NewJournalGenerator(balanceTracker),
		validator:      ledger.NewInvariantValidator(balanceTracker),
		votes:          votes.NewLedger(),
		store:          cfg.Params,
		authz:          cfg.Authorizer,
		pause:          cfg.Pause,
		custodian:      cfg.Custodian,
		clock:          utc,
		metrics:        cfg.Metrics,
		persistChan:    cfg.PersistChan,
		projectionChan: cfg.ProjectionChan,
	}
}

// ============================================================================
// Operations
// ============================================================================

// Vote registers voterID's choice in the open candle and credits the stake.
func (e *Engine) Vote(voterID string, vote event.Vote, paidAmount int64) (*Receipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()

	if e.closed {
		return nil, e.reject(event.EventTypeVoteCast, ErrEngineClosed)
	}
	if voterID == "" {
		return nil, e.reject(event.EventTypeVoteCast, ErrInvalidVoter)
	}

	now := e.clock()
	cost := e.store.CostPerVote()

	candleStart, err := candle.BucketStart(e.store.TimeUnit(), e.store.Timeframe(), now)
	if err != nil {
		return nil, e.reject(event.EventTypeVoteCast, err)
	}

	if paidAmount != cost {
		return nil, e.reject(event.EventTypeVoteCast,
			fmt.Errorf("%w: paid %d, cost %d", ErrCostMismatch, paidAmount, cost))
	}

	if err := e.votes.CheckVote(candleStart, voterID, vote); err != nil {
		return nil, e.reject(event.EventTypeVoteCast, err)
	}

	evt := &event.VoteCast{
		Candle:    candleStart,
		VoterID:   voterID,
		Vote:      vote,
		Amount:    paidAmount,
		Timestamp: now,
	}

	batch, err := e.journalGen.GenerateStake(e.sequence, evt)
	if err != nil {
		return nil, e.reject(event.EventTypeVoteCast, err)
	}

	// Validated above; cannot fail.
	if err := e.votes.RegisterVote(candleStart, voterID, vote); err != nil {
		panic(fmt.Sprintf("FATAL: vote registration failed after check: %v", err))
	}

	e.commit(evt, batch, start)

	if e.metrics != nil {
		e.metrics.VotesCast.WithLabelValues(vote.String()).Inc()
		e.metrics.TotalFunds.Set(float64(e.totalFunds()))
	}

	return &Receipt{Candle: candleStart, VoterID: voterID, Vote: vote}, nil
}

// ReleasePrizes settles a candle once. The losing pool is computed with the
// cost per vote in effect now, split among ranked winners by PrizeShares,
// with the remainder credited to the beneficiary.
func (e *Engine) ReleasePrizes(auth params.AuthContext, candleStart int64, winning event.Vote) (*event.PrizesReleased, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	et := event.EventTypePrizesReleased

	if e.closed {
		return nil, e.reject(et, ErrEngineClosed)
	}
	if err := e.authz.Authorize(auth); err != nil {
		return nil, e.reject(et, err)
	}

	if !winning.Valid() {
		return nil, e.reject(et, fmt.Errorf("%w: winning vote %d", event.ErrInvalidVoteChoice, winning))
	}

	if e.votes.IsReleased(candleStart) {
		return nil, e.reject(et, fmt.Errorf("%w: candle %d", votes.ErrAlreadyReleased, candleStart))
	}

	winners := e.votes.Voters(candleStart, winning)
	losers := e.votes.Voters(candleStart, winning.Opposite())
	cost := e.store.CostPerVote()
	beneficiary := e.store.Beneficiary()

	dist, err := fpmath.ComputePrizeDistribution(len(losers), len(winners), cost, e.store.PrizeShares())
	if err != nil {
		return nil, e.reject(et, err)
	}

	now := e.clock()
	evt := &event.PrizesReleased{
		Candle:            candleStart,
		WinningVote:       winning,
		CostPerVote:       cost,
		Pool:              dist.Pool,
		Payouts:           make([]event.Payout, 0, len(dist.Payouts)),
		Losers:            losers,
		Beneficiary:       beneficiary,
		BeneficiaryAmount: dist.BeneficiaryAmount,
		Caller:            auth.Caller,
		Timestamp:         now,
	}
	for rank, amount := range dist.Payouts {
		evt.Payouts = append(evt.Payouts, event.Payout{VoterID: winners[rank], Rank: rank, Amount: amount})
	}

	batch, err := e.journalGen.GenerateSettlement(e.sequence, ledger.SettlementInput{
		EventRef:     evt.IdempotencyKey(),
		Losers:       losers,
		Winners:      winners,
		CostPerVote:  cost,
		Distribution: dist,
		Beneficiary:  beneficiary,
		Timestamp:    now.UnixMicro(),
	})
	if err != nil {
		return nil, e.reject(et, err)
	}

	if err := e.votes.MarkReleased(candleStart); err != nil {
		panic(fmt.Sprintf("FATAL: release flag failed after check: %v", err))
	}

	e.commit(evt, batch, start)

	if e.metrics != nil {
		e.metrics.CandlesReleased.WithLabelValues(winning.String()).Inc()
		e.metrics.PrizePoolTotal.Add(float64(dist.Pool))
		e.metrics.PrizesPaidTotal.Add(float64(dist.Pool - dist.BeneficiaryAmount))
		e.metrics.BeneficiaryTotal.Add(float64(dist.BeneficiaryAmount))
	}

	return evt, nil
}

// Withdraw moves the caller's whole available balance to custody.
//
// The amount is held while custody runs outside the lock, so other
// operations proceed and no settlement can spend it. A failed transfer
// drops the hold and leaves the ledger untouched; a successful one commits
// the Withdrawal event.
func (e *Engine) Withdraw(ctx context.Context, auth params.AuthContext) (*event.Withdrawal, error) {
	evt, err := e.holdWithdrawal(auth)
	if err != nil {
		return nil, err
	}
	defer e.inflight.Done()

	start := time.Now()
	var transferErr error
	if e.custodian != nil {
		transferErr = e.custodian.Transfer(ctx, TransferRequest{
			WithdrawalID: evt.WithdrawalID,
			VoterID:      evt.VoterID,
			Amount:       evt.Amount,
		})
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	key := ledger.NewUserAccountKey(evt.VoterID)
	e.balanceTracker.ReleaseHold(key, evt.Amount)
	if transferErr != nil {
		return nil, e.reject(event.EventTypeWithdrawal, fmt.Errorf("%w: %v", ErrCustody, transferErr))
	}

	// The hold kept the amount out of every settlement, so this cannot fail.
	batch, err := e.journalGen.GenerateWithdrawal(e.sequence, evt)
	if err != nil {
		panic(fmt.Sprintf("FATAL: held withdrawal %s failed: %v", evt.WithdrawalID, err))
	}

	e.commit(evt, batch, start)

	if e.metrics != nil {
		e.metrics.WithdrawalsTotal.Inc()
		e.metrics.WithdrawnAmount.Add(float64(evt.Amount))
	}

	return evt, nil
}

// holdWithdrawal validates a withdrawal and holds its amount. On success
// the caller owns one inflight slot.
func (e *Engine) holdWithdrawal(auth params.AuthContext) (*event.Withdrawal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	et := event.EventTypeWithdrawal

	if e.closed {
		return nil, e.reject(et, ErrEngineClosed)
	}
	if auth.Caller == "" {
		return nil, e.reject(et, ErrInvalidVoter)
	}

	key := ledger.NewUserAccountKey(auth.Caller)
	amount := e.balanceTracker.Available(key)
	if amount <= 0 {
		return nil, e.reject(et, fmt.Errorf("%w: %s", ErrNothingToWithdraw, auth.Caller))
	}
	if err := e.balanceTracker.Hold(key, amount); err != nil {
		return nil, e.reject(et, err)
	}
	e.inflight.Add(1)

	return &event.Withdrawal{
		WithdrawalID: uuid.New(),
		VoterID:      auth.Caller,
		Amount:       amount,
		Timestamp:    e.clock(),
	}, nil
}

// Close rejects every later mutation with ErrEngineClosed and waits for
// in-flight withdrawals to commit or abort. After Close returns the engine
// sends nothing more on its output channels, so they can be closed.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	e.inflight.Wait()
}

func (e *Engine) SetCostPerVote(auth params.AuthContext, cost int64) error {
	return e.updateParams(auth, "cost_per_vote", func() error {
		return e.store.SetCostPerVote(auth, cost)
	})
}

func (e *Engine) SetPrizeShares(auth params.AuthContext, shares []int64) error {
	return e.updateParams(auth, "prize_shares", func() error {
		return e.store.SetPrizeShares(auth, shares)
	})
}

func (e *Engine) SetBeneficiary(auth params.AuthContext, beneficiary string) error {
	return e.updateParams(auth, "beneficiary", func() error {
		return e.store.SetBeneficiary(auth, beneficiary)
	})
}

func (e *Engine) SetTimeframe(auth params.AuthContext, timeframe int64) error {
	return e.updateParams(auth, "timeframe", func() error {
		return e.store.SetTimeframe(auth, timeframe)
	})
}

func (e *Engine) SetTimeUnit(auth params.AuthContext, unit candle.TimeUnit) error {
	return e.updateParams(auth, "time_unit", func() error {
		return e.store.SetTimeUnit(auth, unit)
	})
}

func (e *Engine) updateParams(auth params.AuthContext, field string, set func() error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()

	if e.closed {
		return e.reject(event.EventTypeParamsUpdated, ErrEngineClosed)
	}
	if err := set(); err != nil {
		return e.reject(event.EventTypeParamsUpdated, err)
	}

	p := e.store.Params()
	evt := &event.ParamsUpdated{
		Field:       field,
		CostPerVote: p.CostPerVote,
		PrizeShares: p.PrizeShares,
		Beneficiary: p.Beneficiary,
		TimeUnit:    int32(p.TimeUnit),
		Timeframe:   p.Timeframe,
		Caller:      auth.Caller,
		Revision:    e.sequence,
		Timestamp:   e.clock(),
	}

	e.commit(evt, nil, start)

	if e.metrics != nil {
		e.metrics.ParamUpdates.WithLabelValues(field).Inc()
	}
	return nil
}

func (e *Engine) Pause(auth params.AuthContext) error {
	return e.setPaused(auth, true)
}

func (e *Engine) Unpause(auth params.AuthContext) error {
	return e.setPaused(auth, false)
}

func (e *Engine) setPaused(auth params.AuthContext, paused bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()

	if e.closed {
		return e.reject(event.EventTypePauseChanged, ErrEngineClosed)
	}

	var err error
	if paused {
		err = e.pause.Pause(auth)
	} else {
		err = e.pause.Unpause(auth)
	}
	if err != nil {
		return e.reject(event.EventTypePauseChanged, err)
	}

	e.commit(&event.PauseChanged{
		Paused:    paused,
		Caller:    auth.Caller,
		Revision:  e.sequence,
		Timestamp: e.clock(),
	}, nil, start)

	if e.metrics != nil {
		if paused {
			e.metrics.Paused.Set(1)
		} else {
			e.metrics.Paused.Set(0)
		}
	}
	return nil
}

// ============================================================================
// Queries
// ============================================================================

func (e *Engine) GetVote(candleStart int64, voterID string) event.Vote {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.votes.GetVote(candleStart, voterID)
}

func (e *Engine) GetTotalVotes(candleStart int64) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.votes.TotalVotes(candleStart)
}

func (e *Engine) VoterCount(candleStart int64, vote event.Vote) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.votes.VoterCount(candleStart, vote)
}

func (e *Engine) VoterAt(candleStart int64, vote event.Vote, index int) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.votes.VoterAt(candleStart, vote, index)
}

func (e *Engine) IsReleased(candleStart int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.votes.IsReleased(candleStart)
}

func (e *Engine) BalanceOf(voterID string) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balanceTracker.GetUserBalance(voterID)
}

// GetTotalFunds is the sum of every stake ever paid in. Withdrawals do not
// reduce it.
func (e *Engine) GetTotalFunds() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totalFunds()
}

func (e *Engine) totalFunds() int64 {
	return -e.balanceTracker.GetBalance(ledger.NewExternalAccountKey(ledger.SubTypeExternalStakes))
}

func (e *Engine) Params() params.Params {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Params()
}

func (e *Engine) IsPaused() bool {
	return e.pause.IsPaused()
}

// CandleWindow is the open candle at a point in time.
type CandleWindow struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// CurrentCandle resolves the candle a vote cast now would land in.
func (e *Engine) CurrentCandle() (CandleWindow, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock()
	unit, tf := e.store.TimeUnit(), e.store.Timeframe()

	start, err := candle.BucketStart(unit, tf, now)
	if err != nil {
		return CandleWindow{}, err
	}
	end, err := candle.BucketEnd(unit, tf, now)
	if err != nil {
		return CandleWindow{}, err
	}
	return CandleWindow{Start: start, End: end}, nil
}

// GetSequence returns the next sequence number to assign.
func (e *Engine) GetSequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (e *Engine) GetStateHash() [32]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.chain.Tip()
}

// CheckInvariants verifies the zero-sum ledger and the drained prize pool.
func (e *Engine) CheckInvariants() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.validator.ValidateGlobalBalance(); err != nil {
		return err
	}
	return e.validator.ValidatePrizePoolZero()
}

// ============================================================================
// Pipeline
// ============================================================================

// commit applies batch, extends the hash chain and emits the output.
// Every fallible check has already passed; failures here are programming errors.
func (e *Engine) commit(evt event.Event, batch *ledger.Batch, start time.Time) {
	output := e.apply(evt, nil, batch)
	e.emit(output)

	if e.metrics != nil {
		et := evt.EventType().String()
		e.metrics.CoreEventsApplied.WithLabelValues(et).Inc()
		e.metrics.CoreEventDuration.WithLabelValues(et).Observe(time.Since(start).Seconds())
		e.metrics.CoreSequence.Set(float64(e.sequence))
		if batch != nil {
			for _, j := range batch.Journals {
				e.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
			}
		}
	}
}

// apply is shared by live operations and replay. Replay passes the stored
// payload so the digest is computed over the exact persisted bytes.
func (e *Engine) apply(evt event.Event, payload []byte, batch *ledger.Batch) CoreOutput {
	if payload == nil {
		encoded, err := event.Encode(evt)
		if err != nil {
			panic(fmt.Sprintf("FATAL: %v", err))
		}
		payload = encoded
	}

	if batch != nil && len(batch.Journals) > 0 {
		if err := e.validator.ValidateBatchBalance(batch); err != nil {
			panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
		}
		if err := e.balanceTracker.ApplyBatch(batch); err != nil {
			panic(fmt.Sprintf("FATAL: apply batch failed: %v", err))
		}
	}

	if err := e.postCheckInvariants(evt, batch); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	prevHash := e.chain.Tip()
	stateHash := e.chain.Extend(e.sequence, evt.EventType().String(), e.computeStateDigest(payload, batch))

	envelope := &event.EventEnvelope{
		Sequence:       e.sequence,
		IdempotencyKey: evt.IdempotencyKey(),
		EventType:      evt.EventType(),
		Candle:         evt.CandleID(),
		Timestamp:      evt.OccurredAt(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	e.sequence++

	return CoreOutput{Envelope: envelope, Event: evt, Batch: batch}
}

func (e *Engine) emit(output CoreOutput) {
	// Persistence: blocking send. The engine stalls until the worker drains,
	// so no committed event is lost.
	if e.persistChan != nil {
		e.persistChan <- output
	}

	// Projections: drop on full, rebuilt from the event log.
	if e.projectionChan != nil {
		select {
		case e.projectionChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.ProjectionDrops.Inc()
			}
		}
	}
}

func (e *Engine) reject(et event.EventType, err error) error {
	if e.metrics != nil {
		e.metrics.CoreEventsRejected.WithLabelValues(et.String(), RejectReason(err)).Inc()
	}
	return err
}

// computeStateDigest creates canonical bytes for the state hash: the event
// payload followed by the post-apply balance of every account the batch touched.
func (e *Engine) computeStateDigest(payload []byte, batch *ledger.Batch) []byte {
	affected := make(map[ledger.AccountKey]bool)
	if batch != nil {
		for _, j := range batch.Journals {
			affected[j.DebitAccount] = true
			affected[j.CreditAccount] = true
		}
	}

	accounts := make([]ledger.AccountKey, 0, len(affected))
	for key := range affected {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(payload)+len(accounts)*48)
	digest = appendInt64LE(digest, int64(len(payload)))
	digest = append(digest, payload...)

	for _, key := range accounts {
		path := key.AccountPath()
		digest = appendInt64LE(digest, int64(len(path)))
		digest = append(digest, path...)
		digest = appendInt64LE(digest, e.balanceTracker.GetBalance(key))
	}

	return digest
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// postCheckInvariants validates invariants after batch application
func (e *Engine) postCheckInvariants(evt event.Event, batch *ledger.Batch) error {
	if batch != nil {
		for _, j := range batch.Journals {
			for _, key := range []ledger.AccountKey{j.DebitAccount, j.CreditAccount} {
				if key.IsUser() {
					if err := e.validator.ValidateUserNonNegative(key.EntityID); err != nil {
						return fmt.Errorf("post-check user balance: %w", err)
					}
				}
			}
		}
	}

	if _, ok := evt.(*event.PrizesReleased); ok {
		if err := e.validator.ValidatePrizePoolZero(); err != nil {
			return fmt.Errorf("post-check prize pool: %w", err)
		}
	}

	// Periodic global zero-sum check
	if e.sequence%1000 == 0 {
		if err := e.validator.ValidateGlobalBalance(); err != nil {
			return fmt.Errorf("post-check global balance at seq %d: %w", e.sequence, err)
		}
	}

	return nil
}

package persistence

import (
	"CandleLedger/internal/candle"
	"CandleLedger/internal/core"
	"CandleLedger/internal/event"
	"CandleLedger/internal/ledger"
	"CandleLedger/internal/params"
	"CandleLedger/internal/votes"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SnapshotFormatVersion is stored with each row; v1 is JSON-encoded SnapshotData.
const SnapshotFormatVersion int32 = 1

// SnapshotManager handles creating and loading state snapshots for recovery.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the stored form of core.SnapshotState.
type SnapshotData struct {
	Sequence  int64              `json:"sequence"`
	StateHash []byte             `json:"state_hash"`
	Balances  map[string]int64   `json:"balances"` // AccountPath -> balance
	Tallies   []votes.TallyState `json:"tallies"`
	Params    ParamsSnap         `json:"params"`
	Paused    bool               `json:"paused"`
	CreatedAt time.Time          `json:"created_at"`
}

type ParamsSnap struct {
	CostPerVote int64   `json:"cost_per_vote"`
	PrizeShares []int64 `json:"prize_shares"`
	Beneficiary string  `json:"beneficiary"`
	TimeUnit    string  `json:"time_unit"`
	Timeframe   int64   `json:"timeframe"`
}

// EncodeSnapshot converts engine state to its stored form.
func EncodeSnapshot(state *core.SnapshotState, createdAt time.Time) *SnapshotData {
	balances := make(map[string]int64, len(state.Balances))
	for key, balance := range state.Balances {
		if balance != 0 {
			balances[key.AccountPath()] = balance
		}
	}

	hash := state.StateHash
	return &SnapshotData{
		Sequence:  state.Sequence,
		StateHash: hash[:],
		Balances:  balances,
		Tallies:   state.Tallies,
		Params: ParamsSnap{
			CostPerVote: state.Params.CostPerVote,
			PrizeShares: state.Params.PrizeShares,
			Beneficiary: state.Params.Beneficiary,
			TimeUnit:    state.Params.TimeUnit.String(),
			Timeframe:   state.Params.Timeframe,
		},
		Paused:    state.Paused,
		CreatedAt: createdAt.UTC(),
	}
}

// DecodeSnapshot converts stored data back to engine state.
func DecodeSnapshot(data *SnapshotData) (*core.SnapshotState, error) {
	if len(data.StateHash) != 32 {
		return nil, fmt.Errorf("snapshot %d: state hash has %d bytes", data.Sequence, len(data.StateHash))
	}

	unit, err := candle.ParseTimeUnit(data.Params.TimeUnit)
	if err != nil {
		return nil, fmt.Errorf("snapshot %d: %w", data.Sequence, err)
	}

	state := &core.SnapshotState{
		Sequence: data.Sequence,
		Balances: make(map[ledger.AccountKey]int64, len(data.Balances)),
		Tallies:  data.Tallies,
		Params: params.Params{
			CostPerVote: data.Params.CostPerVote,
			PrizeShares: data.Params.PrizeShares,
			Beneficiary: data.Params.Beneficiary,
			TimeUnit:    unit,
			Timeframe:   data.Params.Timeframe,
		},
		Paused: data.Paused,
	}
	copy(state.StateHash[:], data.StateHash)

	for path, balance := range data.Balances {
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			return nil, fmt.Errorf("snapshot %d: %w", data.Sequence, err)
		}
		state.Balances[key] = balance
	}

	return state, nil
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot, unverified, and returns its encoded size.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6, verified = FALSE
	`, uuid.New(), snap.Sequence, data, snap.StateHash, SnapshotFormatVersion, len(data), snap.CreatedAt)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// VerifySnapshot reloads a saved snapshot, checks that it decodes to a
// zero-sum ledger with the expected tip hash, and marks it verified.
func (sm *SnapshotManager) VerifySnapshot(ctx context.Context, sequence int64, expected [32]byte) error {
	var data []byte
	err := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots WHERE sequence = $1
	`, sequence).Scan(&data)
	if err != nil {
		return fmt.Errorf("load snapshot %d: %w", sequence, err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("unmarshal snapshot %d: %w", sequence, err)
	}
	if !bytes.Equal(snap.StateHash, expected[:]) {
		return fmt.Errorf("snapshot %d: stored hash %x, expected %x", sequence, snap.StateHash, expected)
	}

	var sum int64
	for _, balance := range snap.Balances {
		sum += balance
	}
	if sum != 0 {
		return fmt.Errorf("snapshot %d: balances sum to %d", sequence, sum)
	}

	return sm.MarkVerified(ctx, sequence)
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil on cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE AND format_version = $1
		ORDER BY sequence DESC
		LIMIT 1
	`, SnapshotFormatVersion)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// MarkVerified marks a snapshot as verified after integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadEventsFrom loads up to limit events starting at fromSequence, in order.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]*event.EventEnvelope, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, candle, payload,
		       state_hash, prev_hash, occurred_at
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var envelopes []*event.EventEnvelope
	for rows.Next() {
		var (
			e                   EventRow
			candle              sql.NullInt64
			stateHash, prevHash []byte
		)
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &candle, &e.Payload,
			&stateHash, &prevHash, &e.OccurredAt,
		); err != nil {
			return nil, err
		}

		env := &event.EventEnvelope{
			Sequence:       e.Sequence,
			IdempotencyKey: e.IdempotencyKey,
			EventType:      event.ParseEventType(e.EventType),
			Timestamp:      e.OccurredAt.UTC(),
			Payload:        e.Payload,
		}
		if candle.Valid {
			c := candle.Int64
			env.Candle = &c
		}
		copy(env.StateHash[:], stateHash)
		copy(env.PrevHash[:], prevHash)

		envelopes = append(envelopes, env)
	}

	return envelopes, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil // Empty event log
	}
	return seq.Int64, nil
}

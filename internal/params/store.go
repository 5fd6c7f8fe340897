package params

import (
	"CandleLedger/internal/candle"
	"fmt"
)

// Store holds the live Params. Getters are always available; every setter
// requires the capability and a paused gate, and validates before mutating.
type Store struct {
	authz  Authorizer
	gate   Gate
	params Params
}

func NewStore(authz Authorizer, gate Gate, initial Params) (*Store, error) {
	if err := initial.Validate(); err != nil {
		return nil, fmt.Errorf("initial params: %w", err)
	}
	return &Store{
		authz:  authz,
		gate:   gate,
		params: initial.Clone(),
	}, nil
}

// Params returns a copy of the current configuration.
func (s *Store) Params() Params {
	return s.params.Clone()
}

func (s *Store) CostPerVote() int64 {
	return s.params.CostPerVote
}

func (s *Store) PrizeShares() []int64 {
	return append([]int64(nil), s.params.PrizeShares...)
}

// PrizeShare mirrors the indexed getter of the original contract.
func (s *Store) PrizeShare(index int) (int64, error) {
	if index < 0 || index >= len(s.params.PrizeShares) {
		return 0, fmt.Errorf("%w: %d", ErrShareIndexOutOfRange, index)
	}
	return s.params.PrizeShares[index], nil
}

func (s *Store) Beneficiary() string {
	return s.params.Beneficiary
}

func (s *Store) TimeUnit() candle.TimeUnit {
	return s.params.TimeUnit
}

func (s *Store) Timeframe() int64 {
	return s.params.Timeframe
}

// guard enforces capability first, then the paused gate.
func (s *Store) guard(auth AuthContext) error {
	if err := s.authz.Authorize(auth); err != nil {
		return err
	}
	if !s.gate.IsPaused() {
		return ErrNotPaused
	}
	return nil
}

func (s *Store) SetCostPerVote(auth AuthContext, cost int64) error {
	if err := s.guard(auth); err != nil {
		return err
	}
	if err := ValidateCostPerVote(cost); err != nil {
		return err
	}
	s.params.CostPerVote = cost
	return nil
}

func (s *Store) SetPrizeShares(auth AuthContext, shares []int64) error {
	if err := s.guard(auth); err != nil {
		return err
	}
	if err := ValidatePrizeShares(shares); err != nil {
		return err
	}
	s.params.PrizeShares = append([]int64(nil), shares...)
	return nil
}

func (s *Store) SetBeneficiary(auth AuthContext, id string) error {
	if err := s.guard(auth); err != nil {
		return err
	}
	if err := ValidateBeneficiary(id); err != nil {
		return err
	}
	s.params.Beneficiary = id
	return nil
}

func (s *Store) SetTimeframe(auth AuthContext, timeframe int64) error {
	if err := s.guard(auth); err != nil {
		return err
	}
	if err := candle.ValidateTimeframe(timeframe); err != nil {
		return err
	}
	s.params.Timeframe = timeframe
	return nil
}

func (s *Store) SetTimeUnit(auth AuthContext, unit candle.TimeUnit) error {
	if err := s.guard(auth); err != nil {
		return err
	}
	if !unit.Valid() {
		return fmt.Errorf("%w: %d", candle.ErrInvalidTimeUnit, unit)
	}
	s.params.TimeUnit = unit
	return nil
}

// Restore replaces the configuration without any gate checks.
// Only used by snapshot restore and event replay.
func (s *Store) Restore(p Params) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("restore params: %w", err)
	}
	s.params = p.Clone()
	return nil
}

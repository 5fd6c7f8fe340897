package query

import "time"

// CandleSummary is one row of the candle projection.
type CandleSummary struct {
	Candle            int64      `json:"candle"`
	UpVotes           int        `json:"up_votes"`
	DownVotes         int        `json:"down_votes"`
	Staked            int64      `json:"staked"`
	Released          bool       `json:"released"`
	WinningVote       *string    `json:"winning_vote,omitempty"`
	Pool              int64      `json:"pool"`
	BeneficiaryAmount int64      `json:"beneficiary_amount"`
	ReleasedAt        *time.Time `json:"released_at,omitempty"`
	LastSequence      int64      `json:"last_sequence"`
}

// CandleHistory is a page of candles, newest first.
type CandleHistory struct {
	Candles      []CandleSummary `json:"candles"`
	AsOfSequence int64           `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Amount        int64  `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"` // epoch microseconds
}

// BalanceResponse is a projected voter balance. The engine's BalanceOf is
// authoritative; this lags by at most the projection watermark.
type BalanceResponse struct {
	VoterID      string `json:"voter_id"`
	Balance      int64  `json:"balance"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`

	// Σ projected balances; zero when healthy
	Imbalance int64 `json:"imbalance"`

	// The prize pool drains on every settlement
	NonZeroPool int64 `json:"non_zero_pool"`

	NegativeUsers int `json:"negative_users"`
}

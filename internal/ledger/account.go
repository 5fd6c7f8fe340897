package ledger

import (
	"fmt"
	"strings"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeBalance AccountSubType = iota

	// System sub-types
	SubTypeSystemPrizePool

	// External sub-types
	SubTypeExternalStakes
	SubTypeExternalWithdrawals
)

// AccountKey is the in-memory key for balance tracking.
// EntityID is the voter id for user accounts and empty otherwise.
type AccountKey struct {
	Scope    AccountScope
	EntityID string
	SubType  AccountSubType
}

// NewUserAccountKey creates the withdrawable balance account of a participant
func NewUserAccountKey(voterID string) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: voterID,
		SubType:  SubTypeBalance,
	}
}

// PrizePoolAccount is the clearing account every settlement routes through.
func PrizePoolAccount() AccountKey {
	return AccountKey{Scope: AccountScopeSystem, SubType: SubTypeSystemPrizePool}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
	}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s:%s", k.EntityID, k.subTypeName())
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s", k.subTypeName())
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s", k.subTypeName())
	}
	return "unknown"
}

// IsUser reports whether k belongs to a participant.
func (k AccountKey) IsUser() bool {
	return k.Scope == AccountScopeUser
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeBalance:
		return "balance"
	case SubTypeSystemPrizePool:
		return "prize_pool"
	case SubTypeExternalStakes:
		return "stakes"
	case SubTypeExternalWithdrawals:
		return "withdrawals"
	default:
		return "unknown"
	}
}

// ParseAccountPath is the inverse of AccountPath. Voter ids may contain ':'.
func ParseAccountPath(path string) (AccountKey, error) {
	switch {
	case path == "system:prize_pool":
		return PrizePoolAccount(), nil
	case path == "external:stakes":
		return NewExternalAccountKey(SubTypeExternalStakes), nil
	case path == "external:withdrawals":
		return NewExternalAccountKey(SubTypeExternalWithdrawals), nil
	case strings.HasPrefix(path, "user:") && strings.HasSuffix(path, ":balance"):
		id := strings.TrimSuffix(strings.TrimPrefix(path, "user:"), ":balance")
		if id == "" {
			return AccountKey{}, fmt.Errorf("account path %q has empty voter id", path)
		}
		return NewUserAccountKey(id), nil
	}
	return AccountKey{}, fmt.Errorf("unknown account path %q", path)
}

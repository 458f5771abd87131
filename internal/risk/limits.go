// Package risk implements mint-side exposure limits.
//
// A single account minting a large share of the synthetic supply, or
// the system as a whole running up debt past what the collateral pools
// can absorb, both concentrate liquidation risk. This package enforces
// a per-account cap and a global debt ceiling; managers consult it
// before any mint.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrAccountLimitExceeded is returned when a mint would push a single
	// account's synthetic balance beyond the per-account maximum.
	ErrAccountLimitExceeded = errors.New("risk: per-account mint limit exceeded")

	// ErrDebtCeilingExceeded is returned when a mint would push total
	// outstanding synthetic debt beyond the global ceiling.
	ErrDebtCeilingExceeded = errors.New("risk: global debt ceiling exceeded")
)

// MintLimiter enforces synthetic-exposure limits. Zero limits disable
// the corresponding check, so a manager can run uncapped in tests.
type MintLimiter struct {
	// MaxPerAccount is the maximum synthetic balance any single account
	// may hold against one manager.
	MaxPerAccount decimal.Decimal

	// MaxTotalDebt is the ceiling on the manager's total outstanding
	// synthetic supply.
	MaxTotalDebt decimal.Decimal
}

// NewMintLimiter creates a limiter with the given per-account and
// global limits.
func NewMintLimiter(maxPerAccount, maxTotalDebt decimal.Decimal) *MintLimiter {
	return &MintLimiter{
		MaxPerAccount: maxPerAccount,
		MaxTotalDebt:  maxTotalDebt,
	}
}

// CheckMint validates whether minting amount on top of the account's
// current balance and the manager's current total stays within limits.
// Returns nil if the mint is allowed.
func (l *MintLimiter) CheckMint(accountBalance, totalOutstanding, amount decimal.Decimal) error {
	if l == nil {
		return nil
	}
	if l.MaxPerAccount.IsPositive() && accountBalance.Add(amount).GreaterThan(l.MaxPerAccount) {
		return ErrAccountLimitExceeded
	}
	if l.MaxTotalDebt.IsPositive() && totalOutstanding.Add(amount).GreaterThan(l.MaxTotalDebt) {
		return ErrDebtCeilingExceeded
	}
	return nil
}

// Package token provides the asset ledger the engine settles against.
// Pools, managers and the perpetual book all move balances through the
// Token interface; the in-memory ledger backs tests and the default
// single-node deployment.
package token

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// ErrInsufficientBalance is returned when a transfer or burn exceeds
// the holder's balance. No partial movement happens.
var ErrInsufficientBalance = errors.New("token: insufficient balance")

// ErrInvalidAmount is returned for zero or negative amounts.
var ErrInvalidAmount = errors.New("token: amount must be positive")

// Token is one fungible asset. Implementations must make every method
// atomic: a failed transfer leaves both balances untouched.
type Token interface {
	Symbol() string
	BalanceOf(account string) decimal.Decimal
	Transfer(from, to string, amount decimal.Decimal) error
	Mint(to string, amount decimal.Decimal) error
	Burn(from string, amount decimal.Decimal) error
}

// LedgerToken is an in-memory Token backed by a balance map.
type LedgerToken struct {
	symbol string

	mu       sync.Mutex
	balances map[string]decimal.Decimal
	supply   decimal.Decimal
}

// NewLedgerToken creates an empty ledger for symbol.
func NewLedgerToken(symbol string) *LedgerToken {
	return &LedgerToken{
		symbol:   symbol,
		balances: make(map[string]decimal.Decimal),
	}
}

func (t *LedgerToken) Symbol() string { return t.symbol }

func (t *LedgerToken) BalanceOf(account string) decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.balances[account]
}

// TotalSupply returns the outstanding amount across all accounts.
func (t *LedgerToken) TotalSupply() decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.supply
}

func (t *LedgerToken) Transfer(from, to string, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidAmount
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.balances[from].LessThan(amount) {
		return fmt.Errorf("%w: %s has %s %s, need %s",
			ErrInsufficientBalance, from, t.balances[from], t.symbol, amount)
	}
	t.balances[from] = t.balances[from].Sub(amount)
	t.balances[to] = t.balances[to].Add(amount)
	return nil
}

func (t *LedgerToken) Mint(to string, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidAmount
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.balances[to] = t.balances[to].Add(amount)
	t.supply = t.supply.Add(amount)
	return nil
}

func (t *LedgerToken) Burn(from string, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidAmount
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.balances[from].LessThan(amount) {
		return fmt.Errorf("%w: %s has %s %s, burn %s",
			ErrInsufficientBalance, from, t.balances[from], t.symbol, amount)
	}
	t.balances[from] = t.balances[from].Sub(amount)
	t.supply = t.supply.Sub(amount)
	return nil
}

// Package model defines the core domain types shared across the synth engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Operation kinds recorded in the ledger.
const (
	OpBuyBase          = "BUY_BASE"
	OpSellBase         = "SELL_BASE"
	OpDepositLiquidity = "DEPOSIT_LIQUIDITY"
	OpWithdrawLiq      = "WITHDRAW_LIQUIDITY"
	OpMint             = "MINT"
	OpRedeem           = "REDEEM"
	OpDepositColl      = "DEPOSIT_COLLATERAL"
	OpWithdrawColl     = "WITHDRAW_COLLATERAL"
	OpLiquidate        = "LIQUIDATE"
	OpPerpOpen         = "PERP_OPEN"
	OpPerpClose        = "PERP_CLOSE"
	OpPerpLiquidate    = "PERP_LIQUIDATE"
)

// OperationEntry is an immutable record of one executed operation.
// Once created, these are never modified or deleted.
type OperationEntry struct {
	ID        string          `json:"id" db:"id"`
	Account   string          `json:"account" db:"account"`
	Domain    string          `json:"domain" db:"domain"` // "pool", "synth", "perp"
	Ref       string          `json:"ref" db:"ref"`       // pool ID or manager ID
	Kind      string          `json:"kind" db:"kind"`
	Amount    decimal.Decimal `json:"amount" db:"amount"` // primary quantity of the op
	Price     decimal.Decimal `json:"price" db:"price"`   // average execution / oracle price
	Value     decimal.Decimal `json:"value" db:"value"`   // quote or collateral value moved
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// PoolState is a persistable snapshot of a PMM pool.
type PoolState struct {
	ID           string          `json:"id" db:"id"`
	BaseSymbol   string          `json:"base_symbol" db:"base_symbol"`
	QuoteSymbol  string          `json:"quote_symbol" db:"quote_symbol"`
	OracleSymbol string          `json:"oracle_symbol" db:"oracle_symbol"`
	BaseReserve  decimal.Decimal `json:"base_reserve" db:"base_reserve"`
	QuoteReserve decimal.Decimal `json:"quote_reserve" db:"quote_reserve"`
	TargetBase   decimal.Decimal `json:"target_base" db:"target_base"`
	TargetQuote  decimal.Decimal `json:"target_quote" db:"target_quote"`
	K            decimal.Decimal `json:"k" db:"k"`
	FeePot       decimal.Decimal `json:"fee_pot" db:"fee_pot"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// SyntheticPosition is one account's collateralized debt in a manager.
// Positions are zeroed, not deleted, on full redemption or full liquidation.
type SyntheticPosition struct {
	Account          string                     `json:"account" db:"account"`
	ManagerID        string                     `json:"manager_id" db:"manager_id"`
	SyntheticBalance decimal.Decimal            `json:"synthetic_balance" db:"synthetic_balance"`
	RawCollateral    map[string]decimal.Decimal `json:"raw_collateral"` // asset ID → amount
	EntryValuation   decimal.Decimal            `json:"entry_valuation" db:"entry_valuation"`
	UpdatedAt        time.Time                  `json:"updated_at" db:"updated_at"`
}

// CollateralRatio returns collateral value / debt value, or zero when the
// account has no debt.
func CollateralRatio(collateralValue, debtValue decimal.Decimal) decimal.Decimal {
	if debtValue.IsZero() {
		return decimal.Zero
	}
	return collateralValue.DivRound(debtValue, 18)
}

// PerpSide is the direction of a perpetual position.
type PerpSide string

const (
	PerpLong  PerpSide = "LONG"
	PerpShort PerpSide = "SHORT"
)

// PerpPosition is one account's perpetual leg, priced off PMM quotes.
type PerpPosition struct {
	Account    string          `json:"account"`
	Side       PerpSide        `json:"side"`
	Size       decimal.Decimal `json:"size"`
	EntryPrice decimal.Decimal `json:"entry_price"` // PMM execution quote at open
	Margin     decimal.Decimal `json:"margin"`
	OpenedAt   time.Time       `json:"opened_at"`
}

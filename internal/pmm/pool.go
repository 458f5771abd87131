package pmm

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/synthfi/synth-engine/internal/model"
)

// Oracle resolves the pool's anchor price (base priced in quote).
// Satisfied by *resolver.Resolver.
type Oracle interface {
	GetPrice(symbol string) (decimal.Decimal, error)
}

// TradeQuote is the result of pricing a trade against the curve.
type TradeQuote struct {
	BaseAmount  decimal.Decimal `json:"base_amount"`
	QuoteAmount decimal.Decimal `json:"quote_amount"` // gross, fee included
	Fee         decimal.Decimal `json:"fee"`
	AvgPrice    decimal.Decimal `json:"avg_price"` // raw quote / base, fee excluded
	OraclePrice decimal.Decimal `json:"oracle_price"`
}

// Pool holds a base/quote pair and quotes executions against the PMM
// curve anchored at the oracle price. Liquidity-provider claims are
// tracked per side as proportional shares ("capital tokens").
//
// Methods serialize on an internal mutex: every trade is atomic and
// all-or-nothing, mirroring transaction semantics.
type Pool struct {
	ID           string
	BaseSymbol   string
	QuoteSymbol  string
	OracleSymbol string

	oracle  Oracle
	k       decimal.Decimal
	feeRate decimal.Decimal

	mu sync.Mutex

	baseReserve  decimal.Decimal
	quoteReserve decimal.Decimal
	targetBase   decimal.Decimal
	targetQuote  decimal.Decimal
	feePot       decimal.Decimal

	baseShares       map[string]decimal.Decimal
	quoteShares      map[string]decimal.Decimal
	totalBaseShares  decimal.Decimal
	totalQuoteShares decimal.Decimal
}

// NewPool creates an empty pool. K must be in (0,1]; feeBps is the
// trade fee in basis points, accrued to a fee pot outside the reserves
// so fees never move the quoted price.
func NewPool(id, baseSymbol, quoteSymbol, oracleSymbol string, k decimal.Decimal, feeBps int64, oracle Oracle) (*Pool, error) {
	if k.LessThanOrEqual(decimal.Zero) || k.GreaterThan(one) {
		return nil, ErrInvalidK
	}
	if feeBps < 0 {
		return nil, fmt.Errorf("pmm: negative fee for pool %s", id)
	}
	return &Pool{
		ID:           id,
		BaseSymbol:   baseSymbol,
		QuoteSymbol:  quoteSymbol,
		OracleSymbol: oracleSymbol,
		oracle:       oracle,
		k:            k,
		feeRate:      decimal.NewFromInt(feeBps).DivRound(decimal.NewFromInt(10000), calcScale),
		baseShares:   make(map[string]decimal.Decimal),
		quoteShares:  make(map[string]decimal.Decimal),
	}, nil
}

// expectedTargets recomputes the as-if-balanced reserve levels for the
// current oracle price. The stored target on the shortage side anchors
// the curve; the opposite target is derived from it so the curve stays
// consistent as the oracle price moves between trades.
func (p *Pool) expectedTargets(price decimal.Decimal) (baseTarget, quoteTarget decimal.Decimal) {
	switch {
	case p.baseReserve.LessThan(p.targetBase) && p.baseReserve.IsPositive():
		// Base shortage: the quote premium collected on the way from
		// balance to the current reserve does not belong to the target.
		premium := shortageCost(p.targetBase, p.targetBase, p.baseReserve, price, p.k)
		qt := p.quoteReserve.Sub(premium)
		if qt.IsNegative() {
			qt = decimal.Zero
		}
		return p.targetBase, qt
	case p.quoteReserve.LessThan(p.targetQuote) && p.quoteReserve.IsPositive():
		// Quote shortage: convert the missing quote into its base
		// surplus equivalent at the current price.
		surplus := shortageCost(p.targetQuote, p.targetQuote, p.quoteReserve, one, p.k).DivRound(price, calcScale)
		bt := p.baseReserve.Sub(surplus)
		if bt.IsNegative() {
			bt = decimal.Zero
		}
		return bt, p.targetQuote
	default:
		return p.baseReserve, p.quoteReserve
	}
}

// priceBuyLocked prices a purchase of amount base against the curve and
// returns the raw quote cost plus the post-trade targets. Callers hold mu.
func (p *Pool) priceBuyLocked(amount decimal.Decimal) (raw, baseTarget, quoteTarget, price decimal.Decimal, err error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero, ErrInvalidAmount
	}
	if amount.GreaterThanOrEqual(p.baseReserve) {
		return decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero, ErrInsufficientLiquidity
	}
	price, err = p.oracle.GetPrice(p.OracleSymbol)
	if err != nil {
		return decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero, err
	}

	baseTarget, quoteTarget = p.expectedTargets(price)
	if p.baseReserve.GreaterThan(baseTarget) {
		// Quote shortage: the first segment walks the quote-side curve
		// back toward balance, any remainder crosses onto the base side.
		back := p.baseReserve.Sub(baseTarget)
		if amount.LessThanOrEqual(back) {
			q2 := solveReserveAfterTrade(quoteTarget, p.quoteReserve, price.Mul(amount), p.k)
			raw = q2.Sub(p.quoteReserve)
		} else {
			rest := amount.Sub(back)
			if rest.GreaterThanOrEqual(baseTarget) {
				return decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero, ErrInsufficientLiquidity
			}
			raw = quoteTarget.Sub(p.quoteReserve).
				Add(shortageCost(baseTarget, baseTarget, baseTarget.Sub(rest), price, p.k))
		}
	} else {
		// Balanced or already base-short: one segment on the base side.
		raw = shortageCost(baseTarget, p.baseReserve, p.baseReserve.Sub(amount), price, p.k)
	}
	return raw.Round(18), baseTarget, quoteTarget, price, nil
}

// priceSellLocked prices a sale of amount base into the pool and
// returns the raw quote payout plus the post-trade targets.
func (p *Pool) priceSellLocked(amount decimal.Decimal) (raw, baseTarget, quoteTarget, price decimal.Decimal, err error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero, ErrInvalidAmount
	}
	price, err = p.oracle.GetPrice(p.OracleSymbol)
	if err != nil {
		return decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero, err
	}

	baseTarget, quoteTarget = p.expectedTargets(price)
	if p.baseReserve.LessThan(baseTarget) {
		// Base shortage: selling walks back up the base-side curve
		// toward balance, any remainder crosses onto the quote side.
		back := baseTarget.Sub(p.baseReserve)
		if amount.LessThanOrEqual(back) {
			raw = shortageCost(baseTarget, p.baseReserve.Add(amount), p.baseReserve, price, p.k)
		} else {
			rest := amount.Sub(back)
			q2 := solveReserveAfterTrade(quoteTarget, quoteTarget, price.Mul(rest).Neg(), p.k)
			if q2.LessThanOrEqual(decimal.Zero) {
				return decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero, ErrInsufficientLiquidity
			}
			raw = p.quoteReserve.Sub(quoteTarget).Add(quoteTarget.Sub(q2))
		}
	} else {
		if p.quoteReserve.LessThanOrEqual(decimal.Zero) {
			return decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero, ErrInsufficientLiquidity
		}
		q2 := solveReserveAfterTrade(quoteTarget, p.quoteReserve, price.Mul(amount).Neg(), p.k)
		if q2.LessThanOrEqual(decimal.Zero) {
			return decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero, ErrInsufficientLiquidity
		}
		raw = p.quoteReserve.Sub(q2)
	}
	if raw.GreaterThan(p.quoteReserve) {
		return decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero, ErrInsufficientLiquidity
	}
	return raw.Round(18), baseTarget, quoteTarget, price, nil
}

func (p *Pool) quoteFromRaw(amount, raw, price decimal.Decimal, buy bool) TradeQuote {
	fee := raw.Mul(p.feeRate).Round(18)
	gross := raw.Add(fee)
	if !buy {
		gross = raw.Sub(fee)
	}
	return TradeQuote{
		BaseAmount:  amount,
		QuoteAmount: gross,
		Fee:         fee,
		AvgPrice:    raw.DivRound(amount, 18),
		OraclePrice: price,
	}
}

// QuoteBuyBase prices a buy without executing it.
func (p *Pool) QuoteBuyBase(amount decimal.Decimal) (TradeQuote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	raw, _, _, price, err := p.priceBuyLocked(amount)
	if err != nil {
		return TradeQuote{}, err
	}
	return p.quoteFromRaw(amount, raw, price, true), nil
}

// QuoteSellBase prices a sell without executing it.
func (p *Pool) QuoteSellBase(amount decimal.Decimal) (TradeQuote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	raw, _, _, price, err := p.priceSellLocked(amount)
	if err != nil {
		return TradeQuote{}, err
	}
	return p.quoteFromRaw(amount, raw, price, false), nil
}

// SettleFunc settles a priced trade's token legs. It runs after the
// trade is priced and before any reserve mutation, so a settlement
// error aborts the trade with the pool untouched.
type SettleFunc func(TradeQuote) error

// BuyBase executes a purchase of amount base for quote. maxQuoteIn is
// the caller's mandatory slippage bound on the gross quote cost; the
// trade is rejected whole when it is exceeded.
func (p *Pool) BuyBase(amount, maxQuoteIn decimal.Decimal) (TradeQuote, error) {
	return p.ExecuteBuy(amount, maxQuoteIn, nil)
}

// ExecuteBuy prices and executes a buy in one step. The trade is priced
// against a single oracle read; settle (optional) moves the token legs
// for exactly that quote, and only a nil settle result commits the
// reserves.
func (p *Pool) ExecuteBuy(amount, maxQuoteIn decimal.Decimal, settle SettleFunc) (TradeQuote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if maxQuoteIn.LessThanOrEqual(decimal.Zero) {
		return TradeQuote{}, ErrSlippageExceeded
	}
	raw, baseTarget, quoteTarget, price, err := p.priceBuyLocked(amount)
	if err != nil {
		return TradeQuote{}, err
	}
	q := p.quoteFromRaw(amount, raw, price, true)
	if q.QuoteAmount.GreaterThan(maxQuoteIn) {
		return TradeQuote{}, ErrSlippageExceeded
	}
	if settle != nil {
		if err := settle(q); err != nil {
			return TradeQuote{}, err
		}
	}

	p.baseReserve = p.baseReserve.Sub(amount)
	p.quoteReserve = p.quoteReserve.Add(raw)
	p.targetBase = baseTarget
	p.targetQuote = quoteTarget
	p.feePot = p.feePot.Add(q.Fee)
	return q, nil
}

// SellBase executes a sale of amount base for quote. minQuoteOut is the
// caller's mandatory slippage bound on the net payout.
func (p *Pool) SellBase(amount, minQuoteOut decimal.Decimal) (TradeQuote, error) {
	return p.ExecuteSell(amount, minQuoteOut, nil)
}

// ExecuteSell is the sell-side counterpart of ExecuteBuy.
func (p *Pool) ExecuteSell(amount, minQuoteOut decimal.Decimal, settle SettleFunc) (TradeQuote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if minQuoteOut.IsNegative() {
		return TradeQuote{}, ErrSlippageExceeded
	}
	raw, baseTarget, quoteTarget, price, err := p.priceSellLocked(amount)
	if err != nil {
		return TradeQuote{}, err
	}
	q := p.quoteFromRaw(amount, raw, price, false)
	if q.QuoteAmount.LessThan(minQuoteOut) {
		return TradeQuote{}, ErrSlippageExceeded
	}
	if settle != nil {
		if err := settle(q); err != nil {
			return TradeQuote{}, err
		}
	}

	p.baseReserve = p.baseReserve.Add(amount)
	p.quoteReserve = p.quoteReserve.Sub(raw)
	p.targetBase = baseTarget
	p.targetQuote = quoteTarget
	p.feePot = p.feePot.Add(q.Fee)
	return q, nil
}

// MidPrice returns the instantaneous marginal price, used by
// pool-derived feeds.
func (p *Pool) MidPrice() (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	price, err := p.oracle.GetPrice(p.OracleSymbol)
	if err != nil {
		return decimal.Zero, err
	}
	baseTarget, quoteTarget := p.expectedTargets(price)
	switch {
	case p.baseReserve.LessThan(baseTarget) && p.baseReserve.IsPositive():
		ratio := baseTarget.DivRound(p.baseReserve, calcScale)
		r := p.k.Add(one.Sub(p.k).Mul(ratio).Mul(ratio))
		return price.Mul(r).Round(18), nil
	case p.quoteReserve.LessThan(quoteTarget) && p.quoteReserve.IsPositive():
		ratio := quoteTarget.DivRound(p.quoteReserve, calcScale)
		r := p.k.Add(one.Sub(p.k).Mul(ratio).Mul(ratio))
		return price.DivRound(r, 18), nil
	default:
		return price, nil
	}
}

// depositSide applies a pro-rata deposit: reserve and target scale by
// the same factor so the quoted price does not move, and shares are
// minted against the pre-deposit reserve.
func depositSide(reserve, target, total, amount decimal.Decimal, shares map[string]decimal.Decimal, account string) (newReserve, newTarget, newTotal decimal.Decimal) {
	minted := amount
	if total.IsPositive() && reserve.IsPositive() {
		minted = amount.Mul(total).DivRound(reserve, 18)
	}
	if reserve.IsPositive() {
		newReserve = reserve.Add(amount)
		newTarget = target.Mul(newReserve).DivRound(reserve, calcScale)
	} else {
		newReserve = reserve.Add(amount)
		newTarget = target.Add(amount)
	}
	shares[account] = shares[account].Add(minted)
	return newReserve, newTarget, total.Add(minted)
}

// withdrawSide burns the proportional shares for amount and scales the
// reserve and target down by the same factor.
func withdrawSide(reserve, target, total, amount decimal.Decimal, shares map[string]decimal.Decimal, account string) (newReserve, newTarget, newTotal decimal.Decimal, err error) {
	if amount.GreaterThanOrEqual(reserve) {
		return reserve, target, total, ErrInsufficientLiquidity
	}
	needed := amount.Mul(total).DivRound(reserve, 18)
	if needed.GreaterThan(shares[account]) {
		return reserve, target, total, ErrInsufficientShares
	}
	newReserve = reserve.Sub(amount)
	newTarget = target.Mul(newReserve).DivRound(reserve, calcScale)
	shares[account] = shares[account].Sub(needed)
	return newReserve, newTarget, total.Sub(needed), nil
}

// DepositBase adds base liquidity for account.
func (p *Pool) DepositBase(account string, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidAmount
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.baseReserve, p.targetBase, p.totalBaseShares =
		depositSide(p.baseReserve, p.targetBase, p.totalBaseShares, amount, p.baseShares, account)
	return nil
}

// DepositQuote adds quote liquidity for account.
func (p *Pool) DepositQuote(account string, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidAmount
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quoteReserve, p.targetQuote, p.totalQuoteShares =
		depositSide(p.quoteReserve, p.targetQuote, p.totalQuoteShares, amount, p.quoteShares, account)
	return nil
}

// WithdrawBase removes base liquidity against account's shares.
func (p *Pool) WithdrawBase(account string, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidAmount
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var err error
	p.baseReserve, p.targetBase, p.totalBaseShares, err =
		withdrawSide(p.baseReserve, p.targetBase, p.totalBaseShares, amount, p.baseShares, account)
	return err
}

// WithdrawQuote removes quote liquidity against account's shares.
func (p *Pool) WithdrawQuote(account string, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidAmount
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var err error
	p.quoteReserve, p.targetQuote, p.totalQuoteShares, err =
		withdrawSide(p.quoteReserve, p.targetQuote, p.totalQuoteShares, amount, p.quoteShares, account)
	return err
}

// ShareOf returns account's (base, quote) capital-token balances.
func (p *Pool) ShareOf(account string) (decimal.Decimal, decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.baseShares[account], p.quoteShares[account]
}

// Reserves returns the current (base, quote) reserves.
func (p *Pool) Reserves() (decimal.Decimal, decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.baseReserve, p.quoteReserve
}

// Snapshot renders the pool into its persistable state.
func (p *Pool) Snapshot() model.PoolState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return model.PoolState{
		ID:           p.ID,
		BaseSymbol:   p.BaseSymbol,
		QuoteSymbol:  p.QuoteSymbol,
		OracleSymbol: p.OracleSymbol,
		BaseReserve:  p.baseReserve,
		QuoteReserve: p.quoteReserve,
		TargetBase:   p.targetBase,
		TargetQuote:  p.targetQuote,
		K:            p.k,
		FeePot:       p.feePot,
		UpdatedAt:    time.Now().UTC(),
	}
}

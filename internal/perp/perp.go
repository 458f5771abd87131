// Package perp implements a minimal perpetual book on top of a PMM
// pool: positions enter and exit at the pool's execution quotes, are
// marked at the pool's mid price, and get liquidated when the margin
// ratio falls under maintenance.
package perp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/synthfi/synth-engine/internal/model"
	"github.com/synthfi/synth-engine/internal/pmm"
	"github.com/synthfi/synth-engine/internal/store"
	"github.com/synthfi/synth-engine/internal/token"
)

var (
	// ErrPositionExists is returned when an account already holds an
	// open position. One position per account.
	ErrPositionExists = errors.New("perp: position already open")

	// ErrNoPosition is returned for accounts without an open position.
	ErrNoPosition = errors.New("perp: no open position")

	// ErrInvalidAmount is returned for zero or negative sizes/margins.
	ErrInvalidAmount = errors.New("perp: amount must be positive")

	// ErrInsufficientMargin is returned when the posted margin is under
	// the initial requirement.
	ErrInsufficientMargin = errors.New("perp: margin below initial requirement")

	// ErrNotLiquidatable is returned when the position's margin ratio
	// is at or above maintenance.
	ErrNotLiquidatable = errors.New("perp: position not liquidatable")

	// ErrInvalidSide is returned for sides other than LONG or SHORT.
	ErrInvalidSide = errors.New("perp: side must be LONG or SHORT")
)

// Params are the book's margin parameters.
type Params struct {
	// InitialMargin is the minimum margin / notional at open, e.g. 0.1
	// allows 10x leverage.
	InitialMargin decimal.Decimal

	// MaintenanceMargin is the equity / notional floor below which a
	// position is liquidatable.
	MaintenanceMargin decimal.Decimal

	// LiquidationPenalty is the share of remaining equity paid to the
	// liquidator.
	LiquidationPenalty decimal.Decimal
}

// DefaultParams returns 10x max leverage with a 5% maintenance floor.
func DefaultParams() Params {
	return Params{
		InitialMargin:      decimal.NewFromFloat(0.1),
		MaintenanceMargin:  decimal.NewFromFloat(0.05),
		LiquidationPenalty: decimal.NewFromFloat(0.1),
	}
}

// Book is a perpetual book for one pool. Margin is posted and settled
// in the pool's quote token.
type Book struct {
	ID     string
	pool   *pmm.Pool
	quote  token.Token
	store  store.Store
	params Params

	mu        sync.Mutex
	positions map[string]*model.PerpPosition
}

// NewBook creates an empty perpetual book over pool, settling margin
// in quoteToken.
func NewBook(id string, pool *pmm.Pool, quoteToken token.Token, st store.Store, params Params) *Book {
	return &Book{
		ID:        id,
		pool:      pool,
		quote:     quoteToken,
		store:     st,
		params:    params,
		positions: make(map[string]*model.PerpPosition),
	}
}

func (b *Book) vaultAccount() string { return "perpvault:" + b.ID }

// entryPrice prices the open against the pool: longs pay the buy-side
// execution price, shorts receive the sell side.
func (b *Book) entryPrice(side model.PerpSide, size decimal.Decimal) (decimal.Decimal, error) {
	switch side {
	case model.PerpLong:
		q, err := b.pool.QuoteBuyBase(size)
		if err != nil {
			return decimal.Zero, err
		}
		return q.AvgPrice, nil
	case model.PerpShort:
		q, err := b.pool.QuoteSellBase(size)
		if err != nil {
			return decimal.Zero, err
		}
		return q.AvgPrice, nil
	default:
		return decimal.Zero, ErrInvalidSide
	}
}

// Open creates a position for account. Margin moves into the book's
// vault before the position exists; a failed transfer opens nothing.
func (b *Book) Open(ctx context.Context, account string, side model.PerpSide, size, margin decimal.Decimal) (*model.PerpPosition, error) {
	if size.LessThanOrEqual(decimal.Zero) || margin.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.positions[account]; ok {
		return nil, fmt.Errorf("%w: %s", ErrPositionExists, account)
	}

	entry, err := b.entryPrice(side, size)
	if err != nil {
		return nil, err
	}
	notional := size.Mul(entry)
	if margin.LessThan(notional.Mul(b.params.InitialMargin)) {
		return nil, fmt.Errorf("%w: margin %s, notional %s", ErrInsufficientMargin, margin, notional)
	}

	if err := b.quote.Transfer(account, b.vaultAccount(), margin); err != nil {
		return nil, err
	}

	pos := &model.PerpPosition{
		Account:    account,
		Side:       side,
		Size:       size,
		EntryPrice: entry,
		Margin:     margin,
		OpenedAt:   time.Now().UTC(),
	}
	b.positions[account] = pos

	b.record(ctx, account, model.OpPerpOpen, size, entry, margin)
	slog.Info("perp opened",
		"book", b.ID,
		"account", account,
		"side", side,
		"size", size.String(),
		"entry", entry.String(),
	)
	cp := *pos
	return &cp, nil
}

// pnl is the signed profit at exit for the position.
func pnl(pos *model.PerpPosition, exit decimal.Decimal) decimal.Decimal {
	diff := exit.Sub(pos.EntryPrice)
	if pos.Side == model.PerpShort {
		diff = diff.Neg()
	}
	return diff.Mul(pos.Size)
}

// Close settles the position at the pool's current execution quote and
// pays out margin plus profit, floored at zero. Losses past the margin
// stay with the vault.
func (b *Book) Close(ctx context.Context, account string) (decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pos, ok := b.positions[account]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoPosition, account)
	}

	// Exit crosses the book the other way.
	exitSide := model.PerpShort
	if pos.Side == model.PerpShort {
		exitSide = model.PerpLong
	}
	exit, err := b.entryPrice(exitSide, pos.Size)
	if err != nil {
		return decimal.Zero, err
	}

	payout := pos.Margin.Add(pnl(pos, exit))
	if payout.IsNegative() {
		payout = decimal.Zero
	}
	if payout.IsPositive() {
		if err := b.quote.Transfer(b.vaultAccount(), account, payout); err != nil {
			return decimal.Zero, err
		}
	}
	delete(b.positions, account)

	b.record(ctx, account, model.OpPerpClose, pos.Size, exit, payout)
	slog.Info("perp closed",
		"book", b.ID,
		"account", account,
		"exit", exit.String(),
		"payout", payout.String(),
	)
	return payout, nil
}

// MarginQuote reports a position's health at the current mark price.
type MarginQuote struct {
	Liquidatable bool            `json:"liquidatable"`
	MarkPrice    decimal.Decimal `json:"mark_price"`
	Equity       decimal.Decimal `json:"equity"`
	MarginRatio  decimal.Decimal `json:"margin_ratio"`
}

// CheckLiquidate is a pure read of the position's margin state.
func (b *Book) CheckLiquidate(account string) (*MarginQuote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.checkLocked(account)
}

func (b *Book) checkLocked(account string) (*MarginQuote, error) {
	pos, ok := b.positions[account]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoPosition, account)
	}
	mark, err := b.pool.MidPrice()
	if err != nil {
		return nil, err
	}

	equity := pos.Margin.Add(pnl(pos, mark))
	notional := pos.Size.Mul(mark)
	ratio := decimal.Zero
	if notional.IsPositive() {
		ratio = equity.DivRound(notional, 18)
	}
	return &MarginQuote{
		Liquidatable: ratio.LessThan(b.params.MaintenanceMargin),
		MarkPrice:    mark,
		Equity:       equity,
		MarginRatio:  ratio,
	}, nil
}

// Liquidate force-closes an undermargined position at the mark price.
// The liquidator earns the penalty share of any remaining equity; the
// rest returns to the position's account.
func (b *Book) Liquidate(ctx context.Context, liquidator, account string) (*MarginQuote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, err := b.checkLocked(account)
	if err != nil {
		return nil, err
	}
	if !q.Liquidatable {
		return nil, fmt.Errorf("%w: ratio %s", ErrNotLiquidatable, q.MarginRatio)
	}
	pos := b.positions[account]

	remaining := q.Equity
	if remaining.IsPositive() {
		reward := remaining.Mul(b.params.LiquidationPenalty).Round(18)
		if reward.IsPositive() {
			if err := b.quote.Transfer(b.vaultAccount(), liquidator, reward); err != nil {
				return nil, err
			}
		}
		if rest := remaining.Sub(reward); rest.IsPositive() {
			if err := b.quote.Transfer(b.vaultAccount(), account, rest); err != nil {
				return nil, err
			}
		}
	}
	delete(b.positions, account)

	b.record(ctx, liquidator, model.OpPerpLiquidate, pos.Size, q.MarkPrice, remaining)
	slog.Warn("perp liquidated",
		"book", b.ID,
		"account", account,
		"liquidator", liquidator,
		"mark", q.MarkPrice.String(),
		"margin_ratio", q.MarginRatio.String(),
	)
	return q, nil
}

// Position returns a copy of the account's open position.
func (b *Book) Position(account string) (*model.PerpPosition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pos, ok := b.positions[account]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoPosition, account)
	}
	cp := *pos
	return &cp, nil
}

func (b *Book) record(ctx context.Context, account, kind string, amount, price, value decimal.Decimal) {
	if b.store == nil {
		return
	}
	entry := &model.OperationEntry{
		ID:        uuid.New().String(),
		Account:   account,
		Domain:    "perp",
		Ref:       b.ID,
		Kind:      kind,
		Amount:    amount,
		Price:     price,
		Value:     value,
		Timestamp: time.Now().UTC(),
	}
	if err := b.store.InsertOperation(ctx, entry); err != nil {
		slog.Error("operation record failed", "book", b.ID, "kind", kind, "error", err)
	}
}

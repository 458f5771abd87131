package perp

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/synthfi/synth-engine/internal/model"
	"github.com/synthfi/synth-engine/internal/pmm"
	"github.com/synthfi/synth-engine/internal/token"
)

var ctx = context.Background()

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type fakeOracle struct {
	price decimal.Decimal
	err   error
}

func (o *fakeOracle) GetPrice(string) (decimal.Decimal, error) {
	return o.price, o.err
}

// fixture builds a book over a flat-curve pool (K=1) so entry, exit
// and mark all sit exactly at the oracle price and pnl is exact.
func fixture(t *testing.T) (*Book, *fakeOracle, *token.LedgerToken) {
	t.Helper()
	oracle := &fakeOracle{price: d(100)}
	pool, err := pmm.NewPool("eth-usdc", "ETH", "USDC", "ETH/USD", d(1), 0, oracle)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if err := pool.DepositBase("lp", d(10000)); err != nil {
		t.Fatalf("deposit base: %v", err)
	}
	if err := pool.DepositQuote("lp", d(1_000_000)); err != nil {
		t.Fatalf("deposit quote: %v", err)
	}

	usdc := token.NewLedgerToken("USDC")
	b := NewBook("eth-perp", pool, usdc, nil, DefaultParams())

	usdc.Mint("alice", d(10_000))
	// House liquidity so profitable closes can settle.
	usdc.Mint(b.vaultAccount(), d(100_000))
	return b, oracle, usdc
}

func TestOpen_TransfersMargin(t *testing.T) {
	b, _, usdc := fixture(t)

	vaultBefore := usdc.BalanceOf(b.vaultAccount())
	pos, err := b.Open(ctx, "alice", model.PerpLong, d(10), d(200))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !pos.EntryPrice.Equal(d(100)) {
		t.Errorf("entry got %s, want 100", pos.EntryPrice)
	}
	if !usdc.BalanceOf("alice").Equal(d(9_800)) {
		t.Errorf("alice balance got %s, want 9800", usdc.BalanceOf("alice"))
	}
	if !usdc.BalanceOf(b.vaultAccount()).Sub(vaultBefore).Equal(d(200)) {
		t.Errorf("vault did not receive the margin")
	}
}

func TestOpen_RejectsLowMargin(t *testing.T) {
	b, _, _ := fixture(t)

	// Notional 10 * 100 = 1000, initial margin 10% demands 100.
	if _, err := b.Open(ctx, "alice", model.PerpLong, d(10), d(99)); !errors.Is(err, ErrInsufficientMargin) {
		t.Errorf("expected ErrInsufficientMargin, got %v", err)
	}
	if _, err := b.Open(ctx, "alice", model.PerpLong, d(10), d(100)); err != nil {
		t.Errorf("margin at the requirement should pass, got %v", err)
	}
}

func TestOpen_OnePositionPerAccount(t *testing.T) {
	b, _, _ := fixture(t)

	if _, err := b.Open(ctx, "alice", model.PerpLong, d(10), d(200)); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := b.Open(ctx, "alice", model.PerpShort, d(5), d(200)); !errors.Is(err, ErrPositionExists) {
		t.Errorf("expected ErrPositionExists, got %v", err)
	}
}

func TestOpen_InvalidInputs(t *testing.T) {
	b, _, _ := fixture(t)

	if _, err := b.Open(ctx, "alice", model.PerpLong, decimal.Zero, d(200)); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("zero size: expected ErrInvalidAmount, got %v", err)
	}
	if _, err := b.Open(ctx, "alice", model.PerpLong, d(10), d(-1)); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("negative margin: expected ErrInvalidAmount, got %v", err)
	}
	if _, err := b.Open(ctx, "alice", model.PerpSide("SIDEWAYS"), d(10), d(200)); !errors.Is(err, ErrInvalidSide) {
		t.Errorf("expected ErrInvalidSide, got %v", err)
	}
}

func TestClose_LongProfit(t *testing.T) {
	b, oracle, usdc := fixture(t)

	b.Open(ctx, "alice", model.PerpLong, d(10), d(200))
	oracle.price = d(110)

	payout, err := b.Close(ctx, "alice")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	// Margin 200 plus 10 * (110 - 100) profit.
	if !payout.Equal(d(300)) {
		t.Errorf("payout got %s, want 300", payout)
	}
	if !usdc.BalanceOf("alice").Equal(d(10_100)) {
		t.Errorf("alice balance got %s, want 10100", usdc.BalanceOf("alice"))
	}
	if _, err := b.Position("alice"); !errors.Is(err, ErrNoPosition) {
		t.Error("position should be gone after close")
	}
}

func TestClose_ShortProfitMirrorsLong(t *testing.T) {
	b, oracle, _ := fixture(t)

	b.Open(ctx, "alice", model.PerpShort, d(10), d(200))
	oracle.price = d(90)

	payout, err := b.Close(ctx, "alice")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if !payout.Equal(d(300)) {
		t.Errorf("payout got %s, want 300", payout)
	}
}

func TestClose_LossFlooredAtZero(t *testing.T) {
	b, oracle, usdc := fixture(t)

	b.Open(ctx, "alice", model.PerpLong, d(10), d(200))
	oracle.price = d(50) // pnl -500, far past the margin

	payout, err := b.Close(ctx, "alice")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if !payout.IsZero() {
		t.Errorf("payout got %s, want 0", payout)
	}
	if !usdc.BalanceOf("alice").Equal(d(9_800)) {
		t.Errorf("a wiped position must not pay the account anything")
	}
}

func TestClose_NoPosition(t *testing.T) {
	b, _, _ := fixture(t)
	if _, err := b.Close(ctx, "nobody"); !errors.Is(err, ErrNoPosition) {
		t.Errorf("expected ErrNoPosition, got %v", err)
	}
}

func TestCheckLiquidate_Healthy(t *testing.T) {
	b, _, _ := fixture(t)
	b.Open(ctx, "alice", model.PerpLong, d(10), d(200))

	q, err := b.CheckLiquidate("alice")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if q.Liquidatable {
		t.Error("fresh position at 5x should not be liquidatable")
	}
	if !q.MarginRatio.Equal(d(0.2)) {
		t.Errorf("margin ratio got %s, want 0.2", q.MarginRatio)
	}
}

func TestCheckLiquidate_Undermargined(t *testing.T) {
	b, oracle, _ := fixture(t)
	b.Open(ctx, "alice", model.PerpLong, d(10), d(200))

	// Equity 200 - 190 = 10 against notional 810, ratio well under 5%.
	oracle.price = d(81)
	q, err := b.CheckLiquidate("alice")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !q.Liquidatable {
		t.Fatalf("ratio %s should be liquidatable", q.MarginRatio)
	}
	if !q.Equity.Equal(d(10)) {
		t.Errorf("equity got %s, want 10", q.Equity)
	}
}

func TestLiquidate_SplitsRemainingEquity(t *testing.T) {
	b, oracle, usdc := fixture(t)
	b.Open(ctx, "alice", model.PerpLong, d(10), d(200))
	oracle.price = d(81)

	aliceBefore := usdc.BalanceOf("alice")
	q, err := b.Liquidate(ctx, "bob", "alice")
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	// Equity 10: 10% penalty to the liquidator, the rest back to alice.
	if !usdc.BalanceOf("bob").Equal(d(1)) {
		t.Errorf("liquidator reward got %s, want 1", usdc.BalanceOf("bob"))
	}
	if !usdc.BalanceOf("alice").Sub(aliceBefore).Equal(d(9)) {
		t.Errorf("account refund got %s, want 9", usdc.BalanceOf("alice").Sub(aliceBefore))
	}
	if !q.MarkPrice.Equal(d(81)) {
		t.Errorf("mark got %s, want 81", q.MarkPrice)
	}
	if _, err := b.Position("alice"); !errors.Is(err, ErrNoPosition) {
		t.Error("position should be gone after liquidation")
	}
}

func TestLiquidate_HealthyRejected(t *testing.T) {
	b, _, _ := fixture(t)
	b.Open(ctx, "alice", model.PerpLong, d(10), d(200))

	if _, err := b.Liquidate(ctx, "bob", "alice"); !errors.Is(err, ErrNotLiquidatable) {
		t.Errorf("expected ErrNotLiquidatable, got %v", err)
	}
}

func TestPosition_ReturnsCopy(t *testing.T) {
	b, _, _ := fixture(t)
	b.Open(ctx, "alice", model.PerpLong, d(10), d(200))

	pos, _ := b.Position("alice")
	pos.Margin = decimal.Zero

	again, _ := b.Position("alice")
	if again.Margin.IsZero() {
		t.Error("mutating a returned position must not affect the book")
	}
}

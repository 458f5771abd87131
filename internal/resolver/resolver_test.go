package resolver

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/synthfi/synth-engine/internal/feed"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newResolver() *Resolver {
	return New("admin", time.Hour)
}

func pushed(t *testing.T, value decimal.Decimal) *feed.PushFeed {
	t.Helper()
	f := feed.NewPushFeed()
	if err := f.Push(value, time.Now().UTC()); err != nil {
		t.Fatalf("push: %v", err)
	}
	return f
}

// --- Registration tests ---

func TestRegisterFeed_RequiresAdmin(t *testing.T) {
	r := newResolver()
	err := r.RegisterFeed("mallory", "ETH/USD", feed.NewPushFeed(), false, decimal.Zero)
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestRegisterFeed_RejectsBadSymbol(t *testing.T) {
	r := newResolver()
	for _, sym := range []string{"ETHUSD", "eth/usd", "ETH/ETH", ""} {
		if err := r.RegisterFeed("admin", sym, feed.NewPushFeed(), false, decimal.Zero); err == nil {
			t.Errorf("symbol %q should be rejected", sym)
		}
	}
}

func TestRegisterFeed_OverwritesExisting(t *testing.T) {
	r := newResolver()
	r.RegisterFeed("admin", "ETH/USD", pushed(t, d(100)), false, decimal.Zero)
	r.RegisterFeed("admin", "ETH/USD", pushed(t, d(200)), false, decimal.Zero)

	p, err := r.GetPrice("ETH/USD")
	if err != nil {
		t.Fatalf("get price: %v", err)
	}
	if !p.Equal(d(200)) {
		t.Errorf("expected overwritten feed price 200, got %s", p)
	}
}

// --- Resolution tests ---

func TestGetPrice_UnknownSymbol(t *testing.T) {
	r := newResolver()
	if _, err := r.GetPrice("BTC/USD"); !errors.Is(err, ErrUnknownSymbol) {
		t.Errorf("expected ErrUnknownSymbol, got %v", err)
	}
}

func TestGetPrice_UnsetFeed(t *testing.T) {
	r := newResolver()
	r.RegisterFeed("admin", "ETH/USD", feed.NewPushFeed(), false, decimal.Zero)
	if _, err := r.GetPrice("ETH/USD"); !errors.Is(err, ErrStaleOrUnsetFeed) {
		t.Errorf("expected ErrStaleOrUnsetFeed, got %v", err)
	}
}

func TestGetPrice_StaleFeed(t *testing.T) {
	r := newResolver()
	f := feed.NewPushFeed()
	f.Push(d(100), time.Now().UTC().Add(-2*time.Hour))
	r.RegisterFeed("admin", "ETH/USD", f, false, decimal.Zero)

	if _, err := r.GetPrice("ETH/USD"); !errors.Is(err, ErrStaleOrUnsetFeed) {
		t.Errorf("expected ErrStaleOrUnsetFeed for 2h-old value, got %v", err)
	}
}

func TestGetPrice_Inverted(t *testing.T) {
	r := newResolver()
	r.RegisterFeed("admin", "USD/ETH", pushed(t, d(2500)), true, decimal.Zero)

	p, err := r.GetPrice("USD/ETH")
	if err != nil {
		t.Fatalf("get price: %v", err)
	}
	want := decimal.NewFromInt(1).DivRound(d(2500), 18)
	if !p.Equal(want) {
		t.Errorf("inverted price got %s, want %s", p, want)
	}
}

func TestGetPrice_DisabledReturnsFallback(t *testing.T) {
	r := newResolver()
	r.RegisterFeed("admin", "USDC/USD", pushed(t, d(0.97)), false, d(1))
	if err := r.SetDisabled("admin", "USDC/USD", true); err != nil {
		t.Fatalf("disable: %v", err)
	}

	p, err := r.GetPrice("USDC/USD")
	if err != nil {
		t.Fatalf("get price: %v", err)
	}
	if !p.Equal(d(1)) {
		t.Errorf("disabled feed should return fallback 1, got %s", p)
	}

	// Re-enabling restores live reads.
	r.SetDisabled("admin", "USDC/USD", false)
	p, _ = r.GetPrice("USDC/USD")
	if !p.Equal(d(0.97)) {
		t.Errorf("re-enabled feed should return live 0.97, got %s", p)
	}
}

func TestSetDisabled_UnknownSymbol(t *testing.T) {
	r := newResolver()
	if err := r.SetDisabled("admin", "XX/YY", true); !errors.Is(err, ErrUnknownSymbol) {
		t.Errorf("expected ErrUnknownSymbol, got %v", err)
	}
}

// --- Average and regime tests ---

func TestGetAveragePrice_SimpleMean(t *testing.T) {
	r := newResolver()
	f := feed.NewPushFeed()
	now := time.Now().UTC()
	f.Push(d(100), now.Add(-3*time.Hour))
	f.Push(d(200), now.Add(-2*time.Hour))
	f.Push(d(300), now.Add(-time.Hour))
	r.RegisterFeed("admin", "ETH/USD", f, false, decimal.Zero)

	avg, err := r.GetAveragePrice("ETH/USD", 1)
	if err != nil {
		t.Fatalf("average: %v", err)
	}
	if !avg.Equal(d(200)) {
		t.Errorf("average got %s, want 200", avg)
	}
}

func TestGetAveragePrice_WindowExcludesOldSamples(t *testing.T) {
	r := newResolver()
	f := feed.NewPushFeed()
	now := time.Now().UTC()
	f.Push(d(1000), now.Add(-48*time.Hour)) // outside 1-day window
	f.Push(d(100), now)
	r.RegisterFeed("admin", "ETH/USD", f, false, decimal.Zero)

	avg, err := r.GetAveragePrice("ETH/USD", 1)
	if err != nil {
		t.Fatalf("average: %v", err)
	}
	if !avg.Equal(d(100)) {
		t.Errorf("average should ignore old samples, got %s", avg)
	}
}

func TestIsBullMarket_AgainstAverage(t *testing.T) {
	r := newResolver()
	f := feed.NewPushFeed()
	now := time.Now().UTC()
	f.Push(d(100), now.Add(-2*time.Hour))
	f.Push(d(200), now) // current 200 vs average 150
	r.RegisterFeed("admin", "ETH/USD", f, false, decimal.Zero)

	bull, err := r.IsBullMarket("ETH/USD", 30)
	if err != nil {
		t.Fatalf("regime: %v", err)
	}
	if !bull {
		t.Error("current above average should be bull")
	}
}

func TestIsBullMarket_AgainstReference(t *testing.T) {
	r := newResolver()
	r.RegisterFeed("admin", "ETH/USD", pushed(t, d(100)), false, decimal.Zero)
	if err := r.SetReferencePrice("admin", "ETH/USD", d(150)); err != nil {
		t.Fatalf("set reference: %v", err)
	}

	bull, err := r.IsBullMarket("ETH/USD", 30)
	if err != nil {
		t.Fatalf("regime: %v", err)
	}
	if bull {
		t.Error("current 100 below reference 150 should be bear")
	}

	r.SetReferencePrice("admin", "ETH/USD", d(100))
	bull, _ = r.IsBullMarket("ETH/USD", 30)
	if !bull {
		t.Error("current equal to reference should count as bull")
	}
}

package feed

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// --- Push feed tests ---

func TestPushFeed_UnsetByDefault(t *testing.T) {
	f := NewPushFeed()
	if _, err := f.Value(); !errors.Is(err, ErrUnset) {
		t.Errorf("expected ErrUnset, got %v", err)
	}
	if !f.Timestamp().IsZero() {
		t.Error("fresh feed should have zero timestamp")
	}
	if _, err := f.AveragePrice(30); !errors.Is(err, ErrUnset) {
		t.Errorf("expected ErrUnset for average, got %v", err)
	}
}

func TestPushFeed_LastValueWins(t *testing.T) {
	f := NewPushFeed()
	now := time.Now().UTC()
	f.Push(d(100), now.Add(-time.Minute))
	f.Push(d(105), now)

	v, err := f.Value()
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	if !v.Equal(d(105)) {
		t.Errorf("value got %s, want 105", v)
	}
	if !f.Timestamp().Equal(now) {
		t.Errorf("timestamp got %v, want %v", f.Timestamp(), now)
	}
}

func TestPushFeed_RejectsNegative(t *testing.T) {
	f := NewPushFeed()
	if err := f.Push(d(-1), time.Now()); !errors.Is(err, ErrNegativePrice) {
		t.Errorf("expected ErrNegativePrice, got %v", err)
	}
	if err := f.Push(decimal.Zero, time.Now()); err != nil {
		t.Errorf("zero is a valid observation, got %v", err)
	}
}

func TestPushFeed_HistoryBounded(t *testing.T) {
	f := NewPushFeed()
	now := time.Now().UTC()
	for i := 0; i < historyCap+50; i++ {
		f.Push(d(1), now)
	}
	if len(f.history) != historyCap {
		t.Errorf("history length got %d, want cap %d", len(f.history), historyCap)
	}
}

// --- Window average tests ---

func TestAverageWindow_EmptyWindow(t *testing.T) {
	now := time.Now().UTC()
	samples := []Sample{{Value: d(10), Timestamp: now.Add(-48 * time.Hour)}}
	if _, err := averageWindow(samples, 1, now); !errors.Is(err, ErrInsufficientHistory) {
		t.Errorf("expected ErrInsufficientHistory, got %v", err)
	}
}

func TestAverageWindow_Mean(t *testing.T) {
	now := time.Now().UTC()
	samples := []Sample{
		{Value: d(10), Timestamp: now.Add(-2 * time.Hour)},
		{Value: d(20), Timestamp: now.Add(-time.Hour)},
		{Value: d(60), Timestamp: now},
	}
	avg, err := averageWindow(samples, 1, now)
	if err != nil {
		t.Fatalf("average: %v", err)
	}
	if !avg.Equal(d(30)) {
		t.Errorf("average got %s, want 30", avg)
	}
}

// --- Adapter feed tests ---

func TestAdapterFeed_CachesWithinInterval(t *testing.T) {
	calls := 0
	f := NewAdapterFeed(func() (decimal.Decimal, time.Time, error) {
		calls++
		return d(100), time.Now().UTC(), nil
	}, time.Hour)

	f.Value()
	f.Value()
	f.Value()
	if calls != 1 {
		t.Errorf("fetch calls got %d, want 1 (cached)", calls)
	}
}

func TestAdapterFeed_ServesStaleOnFetchFailure(t *testing.T) {
	healthy := true
	f := NewAdapterFeed(func() (decimal.Decimal, time.Time, error) {
		if !healthy {
			return decimal.Zero, time.Time{}, errors.New("upstream down")
		}
		return d(100), time.Now().UTC(), nil
	}, 0) // zero interval forces a fetch per read

	if _, err := f.Value(); err != nil {
		t.Fatalf("first read: %v", err)
	}
	healthy = false
	v, err := f.Value()
	if err != nil {
		t.Fatalf("stale read should serve cache, got %v", err)
	}
	if !v.Equal(d(100)) {
		t.Errorf("stale read got %s, want cached 100", v)
	}
}

func TestAdapterFeed_ErrorBeforeFirstFetch(t *testing.T) {
	f := NewAdapterFeed(func() (decimal.Decimal, time.Time, error) {
		return decimal.Zero, time.Time{}, errors.New("upstream down")
	}, time.Minute)
	if _, err := f.Value(); err == nil {
		t.Error("expected error with no cached value")
	}
}

// --- Pool feed tests ---

type stubMidPricer struct {
	price decimal.Decimal
	err   error
}

func (s *stubMidPricer) MidPrice() (decimal.Decimal, error) { return s.price, s.err }

func TestPoolFeed_SamplesOnRead(t *testing.T) {
	p := &stubMidPricer{price: d(42)}
	f := NewPoolFeed(p)

	v, err := f.Value()
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	if !v.Equal(d(42)) {
		t.Errorf("value got %s, want 42", v)
	}
	if f.Timestamp().IsZero() {
		t.Error("read should set the timestamp")
	}
}

func TestPoolFeed_ServesLastOnPoolError(t *testing.T) {
	p := &stubMidPricer{price: d(42)}
	f := NewPoolFeed(p)
	f.Value()

	p.err = errors.New("no oracle")
	v, err := f.Value()
	if err != nil {
		t.Fatalf("expected cached value, got %v", err)
	}
	if !v.Equal(d(42)) {
		t.Errorf("cached value got %s, want 42", v)
	}
}

func TestPoolFeed_UnsetWithoutData(t *testing.T) {
	f := NewPoolFeed(&stubMidPricer{err: errors.New("no oracle")})
	if _, err := f.Value(); !errors.Is(err, ErrUnset) {
		t.Errorf("expected ErrUnset, got %v", err)
	}
}

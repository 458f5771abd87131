// Package resolver aggregates named price feeds into one canonical
// price per symbol.
//
// Each registration carries an optional inversion (resolved price =
// 1/feed value), a disable switch with a static fallback value, and the
// staleness window that decides when a feed reading can no longer be
// trusted. The resolver is an explicit registry object injected into
// dependent components — there is no global singleton.
package resolver

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/synthfi/synth-engine/internal/feed"
	"github.com/synthfi/synth-engine/internal/symbol"
)

var (
	// ErrUnauthorized is returned when a caller without the admin
	// capability attempts a registry mutation.
	ErrUnauthorized = errors.New("resolver: caller lacks admin capability")

	// ErrUnknownSymbol is returned for symbols with no registration.
	ErrUnknownSymbol = errors.New("resolver: unknown symbol")

	// ErrStaleOrUnsetFeed is returned when the underlying feed has no
	// value yet or its last update is older than the staleness window.
	ErrStaleOrUnsetFeed = errors.New("resolver: feed value stale or unset")

	// ErrInsufficientHistory is returned when an averaging window holds
	// no samples.
	ErrInsufficientHistory = errors.New("resolver: insufficient feed history")
)

// DefaultStaleness is the window after which a feed reading is refused.
// One hour tolerates slow oracle rounds while rejecting day-old data.
const DefaultStaleness = time.Hour

// priceScale is the fixed-point scale for resolved prices.
const priceScale int32 = 18

// entry is one symbol registration. The resolver holds a non-owning
// reference to the feed; the feed's lifecycle is independent.
type entry struct {
	feed     feed.Feed
	invert   bool
	disabled bool
	fallback decimal.Decimal
}

// Resolver maps symbols to feeds and resolves canonical prices.
type Resolver struct {
	mu         sync.RWMutex
	admin      string
	staleAfter time.Duration
	entries    map[string]*entry
	reference  map[string]decimal.Decimal // regime anchor per symbol
}

// New creates a resolver whose registry mutations require the given
// admin capability string. staleAfter <= 0 selects DefaultStaleness.
func New(admin string, staleAfter time.Duration) *Resolver {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleness
	}
	return &Resolver{
		admin:      admin,
		staleAfter: staleAfter,
		entries:    make(map[string]*entry),
		reference:  make(map[string]decimal.Decimal),
	}
}

func (r *Resolver) authorize(caller string) error {
	if caller != r.admin {
		return ErrUnauthorized
	}
	return nil
}

// RegisterFeed registers (or overwrites) the feed for a symbol.
// Exactly one entry exists per symbol.
func (r *Resolver) RegisterFeed(caller, sym string, f feed.Feed, invert bool, fallback decimal.Decimal) error {
	if err := r.authorize(caller); err != nil {
		return err
	}
	if _, err := symbol.Parse(sym); err != nil {
		return err
	}
	if f == nil {
		return fmt.Errorf("resolver: nil feed for %s", sym)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[sym] = &entry{feed: f, invert: invert, fallback: fallback}
	return nil
}

// SetDisabled toggles a registration between live reads and its static
// fallback value.
func (r *Resolver) SetDisabled(caller, sym string, disabled bool) error {
	if err := r.authorize(caller); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sym]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSymbol, sym)
	}
	e.disabled = disabled
	return nil
}

// SetReferencePrice stores the regime anchor used by IsBullMarket.
func (r *Resolver) SetReferencePrice(caller, sym string, price decimal.Decimal) error {
	if err := r.authorize(caller); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reference[sym] = price
	return nil
}

func (r *Resolver) lookup(sym string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[sym]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSymbol, sym)
	}
	return e, nil
}

// GetPrice resolves the canonical price for a symbol. Disabled entries
// return the fallback without touching the feed. Inversion divides with
// full 18-digit fixed-point precision.
func (r *Resolver) GetPrice(sym string) (decimal.Decimal, error) {
	e, err := r.lookup(sym)
	if err != nil {
		return decimal.Zero, err
	}
	if e.disabled {
		return e.fallback, nil
	}

	v, err := e.feed.Value()
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrStaleOrUnsetFeed, sym)
	}
	if ts := e.feed.Timestamp(); ts.IsZero() || time.Since(ts) > r.staleAfter {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrStaleOrUnsetFeed, sym)
	}
	if e.invert {
		if v.IsZero() {
			return decimal.Zero, fmt.Errorf("%w: %s (zero base value)", ErrStaleOrUnsetFeed, sym)
		}
		return decimal.NewFromInt(1).DivRound(v, priceScale), nil
	}
	return v, nil
}

// GetAveragePrice resolves the mean price over the trailing window.
// Inversion applies to the averaged value, not per sample.
func (r *Resolver) GetAveragePrice(sym string, windowDays int) (decimal.Decimal, error) {
	e, err := r.lookup(sym)
	if err != nil {
		return decimal.Zero, err
	}
	if e.disabled {
		return e.fallback, nil
	}

	avg, err := e.feed.AveragePrice(windowDays)
	if err != nil {
		if errors.Is(err, feed.ErrUnset) {
			return decimal.Zero, fmt.Errorf("%w: %s", ErrStaleOrUnsetFeed, sym)
		}
		return decimal.Zero, fmt.Errorf("%w: %s", ErrInsufficientHistory, sym)
	}
	if e.invert {
		if avg.IsZero() {
			return decimal.Zero, fmt.Errorf("%w: %s", ErrInsufficientHistory, sym)
		}
		return decimal.NewFromInt(1).DivRound(avg, priceScale), nil
	}
	return avg, nil
}

// IsBullMarket reports the price regime for collateral-ratio logic.
// With a stored reference price the current price is compared against
// it; otherwise against the trailing window average. Pure read, no
// side effects.
func (r *Resolver) IsBullMarket(sym string, windowDays int) (bool, error) {
	current, err := r.GetPrice(sym)
	if err != nil {
		return false, err
	}

	r.mu.RLock()
	ref, hasRef := r.reference[sym]
	r.mu.RUnlock()
	if hasRef && ref.IsPositive() {
		return current.GreaterThanOrEqual(ref), nil
	}

	avg, err := r.GetAveragePrice(sym, windowDays)
	if err != nil {
		return false, err
	}
	return current.GreaterThanOrEqual(avg), nil
}

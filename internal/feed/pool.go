package feed

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MidPricer is the slice of the PMM pool surface the pool feed needs.
// Declared here so the feed package does not depend on the pmm package.
type MidPricer interface {
	MidPrice() (decimal.Decimal, error)
}

// PoolFeed derives a spot price from a PMM pool's marginal price. Each
// read takes a fresh sample; history accumulates at the read rate.
type PoolFeed struct {
	pool MidPricer

	mu      sync.Mutex
	last    decimal.Decimal
	at      time.Time
	set     bool
	history []Sample
}

// NewPoolFeed creates a feed over the pool's mid price.
func NewPoolFeed(pool MidPricer) *PoolFeed {
	return &PoolFeed{pool: pool}
}

func (f *PoolFeed) Value() (decimal.Decimal, error) {
	p, err := f.pool.MidPrice()
	if err != nil {
		f.mu.Lock()
		defer f.mu.Unlock()
		if !f.set {
			return decimal.Zero, ErrUnset
		}
		return f.last, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	f.last = p
	f.at = now
	f.set = true
	f.history = append(f.history, Sample{Value: p, Timestamp: now})
	if len(f.history) > historyCap {
		f.history = f.history[len(f.history)-historyCap:]
	}
	return p, nil
}

func (f *PoolFeed) Timestamp() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.at
}

func (f *PoolFeed) AveragePrice(windowDays int) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.set {
		return decimal.Zero, ErrUnset
	}
	return averageWindow(f.history, windowDays, time.Now().UTC())
}

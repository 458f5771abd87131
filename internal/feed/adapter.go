package feed

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// FetchFunc pulls one reading from an external oracle network. The
// adapter owns retry policy decisions by simply surfacing the error;
// the resolver's fallback machinery handles persistent failure.
type FetchFunc func() (decimal.Decimal, time.Time, error)

// AdapterFeed wraps a third-party oracle behind the Feed capability.
// Readings are refreshed at most once per refresh interval; between
// refreshes the cached sample is served. History accumulates one sample
// per successful refresh for window averaging.
type AdapterFeed struct {
	fetch   FetchFunc
	refresh time.Duration

	mu      sync.Mutex
	value   decimal.Decimal
	at      time.Time
	set     bool
	history []Sample
}

// NewAdapterFeed creates an adapter over fetch, re-querying the source
// at most once per refresh interval.
func NewAdapterFeed(fetch FetchFunc, refresh time.Duration) *AdapterFeed {
	return &AdapterFeed{fetch: fetch, refresh: refresh}
}

// Value returns the cached reading, refreshing it from the source when
// the cache has expired. A fetch failure with no prior reading is
// ErrUnset; with a prior reading the stale cached value is returned and
// the resolver's staleness window decides whether to trust it.
func (f *AdapterFeed) Value() (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.set || time.Since(f.at) >= f.refresh {
		v, at, err := f.fetch()
		if err == nil && !v.IsNegative() {
			f.value = v
			f.at = at
			f.set = true
			f.history = append(f.history, Sample{Value: v, Timestamp: at})
			if len(f.history) > historyCap {
				f.history = f.history[len(f.history)-historyCap:]
			}
		}
	}
	if !f.set {
		return decimal.Zero, ErrUnset
	}
	return f.value, nil
}

func (f *AdapterFeed) Timestamp() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.at
}

func (f *AdapterFeed) AveragePrice(windowDays int) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.set {
		return decimal.Zero, ErrUnset
	}
	return averageWindow(f.history, windowDays, time.Now().UTC())
}

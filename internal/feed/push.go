package feed

import (
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNegativePrice is returned when a non-positive-domain update is pushed.
var ErrNegativePrice = errors.New("feed: pushed value must not be negative")

// historyCap bounds the sample ring so a long-lived feed cannot grow
// without limit. At one push per minute this covers about 21 days.
const historyCap = 30240

// PushFeed is a push-updated feed: an operator (or test) writes values
// in, readers observe the latest value and a bounded history window.
type PushFeed struct {
	mu      sync.RWMutex
	value   decimal.Decimal
	at      time.Time
	set     bool
	history []Sample
}

// NewPushFeed creates an empty push feed. It reports ErrUnset until the
// first Push.
func NewPushFeed() *PushFeed {
	return &PushFeed{}
}

// Push records a new observation. Values must be >= 0.
func (f *PushFeed) Push(value decimal.Decimal, at time.Time) error {
	if value.IsNegative() {
		return ErrNegativePrice
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.value = value
	f.at = at
	f.set = true
	f.history = append(f.history, Sample{Value: value, Timestamp: at})
	if len(f.history) > historyCap {
		f.history = f.history[len(f.history)-historyCap:]
	}
	return nil
}

func (f *PushFeed) Value() (decimal.Decimal, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.set {
		return decimal.Zero, ErrUnset
	}
	return f.value, nil
}

func (f *PushFeed) Timestamp() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.at
}

func (f *PushFeed) AveragePrice(windowDays int) (decimal.Decimal, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.set {
		return decimal.Zero, ErrUnset
	}
	return averageWindow(f.history, windowDays, time.Now().UTC())
}

// Package feed defines the price feed capability and its variants.
//
// A feed is one external oracle reading: a value, a timestamp, and
// optionally a bounded history of samples for window averaging. All
// variants sit behind the same flat interface — the resolver treats a
// push-updated feed, a third-party oracle adapter, and a pool-derived
// feed identically.
//
// All prices use shopspring/decimal at 18-decimal scale — never float64.
package feed

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnset is returned by a feed that has no data yet. A fresh feed
	// must never report a silent zero as a real price.
	ErrUnset = errors.New("feed: no value set")

	// ErrInsufficientHistory is returned when an averaging window
	// contains no samples.
	ErrInsufficientHistory = errors.New("feed: insufficient history for average")
)

// Feed is the flat capability set every price source implements.
type Feed interface {
	// Value returns the last observed price. ErrUnset before any data.
	Value() (decimal.Decimal, error)

	// Timestamp returns the time of the last observation. Zero before
	// any data.
	Timestamp() time.Time

	// AveragePrice returns the simple mean of history samples within
	// the trailing window. ErrInsufficientHistory with zero samples.
	AveragePrice(windowDays int) (decimal.Decimal, error)
}

// Sample is one (value, timestamp) history point.
type Sample struct {
	Value     decimal.Decimal `json:"value"`
	Timestamp time.Time       `json:"timestamp"`
}

// averageWindow computes the simple mean of samples newer than the
// window cutoff. Shared by the feed variants that keep history.
func averageWindow(samples []Sample, windowDays int, now time.Time) (decimal.Decimal, error) {
	cutoff := now.Add(-time.Duration(windowDays) * 24 * time.Hour)
	sum := decimal.Zero
	n := 0
	for _, s := range samples {
		if s.Timestamp.Before(cutoff) {
			continue
		}
		sum = sum.Add(s.Value)
		n++
	}
	if n == 0 {
		return decimal.Zero, ErrInsufficientHistory
	}
	return sum.DivRound(decimal.NewFromInt(int64(n)), 18), nil
}

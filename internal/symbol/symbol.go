// Package symbol handles price-pair symbol parsing and validation.
// Resolver registrations are keyed by pair symbols of the form
// "BASE/QUOTE", e.g. "ETH/USD" or "zBTC/zUSD".
package symbol

import (
	"errors"
	"fmt"
	"regexp"
)

// pairRegex matches: {BASE}/{QUOTE} with 2-12 char uppercase-ish asset
// codes (leading lowercase prefix allowed for synthetic assets, e.g. zUSD).
var pairRegex = regexp.MustCompile(`^([a-z]?[A-Z0-9]{2,12})/([a-z]?[A-Z0-9]{2,12})$`)

var (
	ErrInvalidSymbol = errors.New("symbol: invalid pair symbol")
	ErrSelfPair      = errors.New("symbol: base and quote must differ")
)

// Pair is a parsed price-pair symbol.
type Pair struct {
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

// Parse parses and validates a pair symbol string.
func Parse(s string) (*Pair, error) {
	matches := pairRegex.FindStringSubmatch(s)
	if matches == nil {
		return nil, fmt.Errorf("%w: %q (expected BASE/QUOTE)", ErrInvalidSymbol, s)
	}
	if matches[1] == matches[2] {
		return nil, fmt.Errorf("%w: %q", ErrSelfPair, s)
	}
	return &Pair{Base: matches[1], Quote: matches[2]}, nil
}

// String renders the pair back to its canonical symbol.
func (p *Pair) String() string {
	return p.Base + "/" + p.Quote
}

// Inverse returns the flipped pair, e.g. ETH/USD → USD/ETH. A feed
// registered with invert=true resolves the inverse pair's price.
func (p *Pair) Inverse() *Pair {
	return &Pair{Base: p.Quote, Quote: p.Base}
}

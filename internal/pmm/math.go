// Package pmm implements a proactive market maker: a pricing curve
// that reprices around an external oracle price rather than a pure
// constant-product formula.
//
// The marginal price on the shortage side of the pool is
//
//	price(v) = P · (K + (1−K)·(V0/v)²)
//
// where P is the oracle price, V0 the target reserve and K ∈ (0,1] the
// damping coefficient: K=1 is pure oracle pass-through (zero slippage),
// K→0 behaves like a constant-product pool. Trade amounts come from the
// closed-form integral of that curve and from solving its quadratic
// inverse — never from step-wise simulation, which would compound
// rounding error.
//
// All monetary values use shopspring/decimal — never float64 for money.
// The quadratic solve needs a square root; decimal has none, so sqrtD
// runs Newton iterations on decimals from a float64 seed.
package pmm

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidK is returned when K is outside (0,1].
	ErrInvalidK = errors.New("pmm: damping coefficient K must be in (0,1]")

	// ErrInvalidAmount is returned for zero or negative trade and
	// liquidity amounts.
	ErrInvalidAmount = errors.New("pmm: amount must be positive")

	// ErrInsufficientLiquidity is returned when a trade would drive a
	// reserve to zero or below.
	ErrInsufficientLiquidity = errors.New("pmm: insufficient pool liquidity")

	// ErrSlippageExceeded is returned when a caller's minimum-out or
	// maximum-in bound is violated. The trade is not applied.
	ErrSlippageExceeded = errors.New("pmm: slippage bound exceeded")

	// ErrInsufficientShares is returned when a withdrawal exceeds the
	// provider's proportional claim.
	ErrInsufficientShares = errors.New("pmm: withdrawal exceeds provider share")
)

// calcScale is the internal precision for intermediate divisions.
// Wider than the 18-decimal money scale so upscale-before-divide does
// not lose precision.
const calcScale int32 = 24

var (
	one = decimal.NewFromInt(1)
	two = decimal.NewFromInt(2)
)

// sqrtD computes the square root of a non-negative decimal with Newton
// iterations seeded from float64. The seed is already accurate to ~15
// digits; each iteration doubles that, so four passes are plenty for
// the 24-digit working scale.
func sqrtD(d decimal.Decimal) decimal.Decimal {
	if d.Sign() <= 0 {
		return decimal.Zero
	}
	seed := math.Sqrt(d.InexactFloat64())
	x := d.DivRound(two, calcScale)
	if seed > 0 && !math.IsInf(seed, 1) {
		x = decimal.NewFromFloat(seed)
	}
	if x.Sign() <= 0 {
		x = one
	}
	for i := 0; i < 4; i++ {
		x = x.Add(d.DivRound(x, calcScale)).DivRound(two, calcScale)
	}
	return x
}

// shortageCost integrates the shortage-side marginal price as the
// reserve moves from v1 down to v2 (v1 >= v2 > 0):
//
//	cost = P · (v1−v2) · (K + (1−K)·V0²/(v1·v2))
//
// For the base side the result is the quote amount between the two
// reserve levels; mirrored usage covers the quote side with P = 1.
func shortageCost(v0, v1, v2, price, k decimal.Decimal) decimal.Decimal {
	span := v1.Sub(v2)
	if span.Sign() <= 0 {
		return decimal.Zero
	}
	quad := one.Sub(k).Mul(v0).Mul(v0).DivRound(v1.Mul(v2), calcScale)
	return price.Mul(span).Mul(k.Add(quad))
}

// solveReserveAfterTrade inverts the shortage-side integral on the
// opposite reserve: given target v0, current reserve v1 and the signed
// oracle-value delta of the traded token (positive when this reserve
// grows), it returns the reserve level v2 satisfying
//
//	sDelta = K·(v2−v1) + (1−K)·v0²·(1/v1 − 1/v2)
//
// via the positive root of K·v2² + b·v2 − (1−K)·v0² = 0 with
// b = (1−K)·v0²/v1 − K·v1 − sDelta.
func solveReserveAfterTrade(v0, v1, sDelta, k decimal.Decimal) decimal.Decimal {
	kc := one.Sub(k) // 1−K
	v0sq := v0.Mul(v0)
	b := kc.Mul(v0sq).DivRound(v1, calcScale).Sub(k.Mul(v1)).Sub(sDelta)
	disc := b.Mul(b).Add(decimal.NewFromInt(4).Mul(k).Mul(kc).Mul(v0sq))
	return sqrtD(disc).Sub(b).DivRound(two.Mul(k), calcScale)
}

package core

import (
	"math"

	"github.com/holiman/uint256"
)

// All balance arithmetic in this package goes through the helpers below.
// Quantities are uint64 asset units; a wrap in either direction could
// fabricate or destroy funds, so every overflow or underflow surfaces as
// ErrMathOverflow instead of saturating.

func CheckedAdd(a, b uint64) (uint64, error) {
	if a > math.MaxUint64-b {
		return 0, ErrMathOverflow
	}
	return a + b, nil
}

func CheckedSub(a, b uint64) (uint64, error) {
	if b > a {
		return 0, ErrMathOverflow
	}
	return a - b, nil
}

func CheckedMul(a, b uint64) (uint64, error) {
	z := new(uint256.Int).SetUint64(a)
	z.Mul(z, new(uint256.Int).SetUint64(b))
	if !z.IsUint64() {
		return 0, ErrMathOverflow
	}
	return z.Uint64(), nil
}

// MulDiv computes a*b/den with a 256-bit intermediate. Division truncates
// toward zero. The result must fit back into uint64.
func MulDiv(a, b, den uint64) (uint64, error) {
	if den == 0 {
		return 0, ErrMathOverflow
	}
	z := new(uint256.Int).SetUint64(a)
	z.Mul(z, new(uint256.Int).SetUint64(b))
	z.Div(z, new(uint256.Int).SetUint64(den))
	if !z.IsUint64() {
		return 0, ErrMathOverflow
	}
	return z.Uint64(), nil
}

// AccruedInterest returns borrowed * rateBps * elapsed / (10_000 * SECONDS_PER_YEAR).
// The three-way product is carried in 256 bits so it cannot wrap before the
// division; only the final quotient is bounds-checked.
func AccruedInterest(borrowed, rateBps, elapsedSeconds uint64) (uint64, error) {
	z := new(uint256.Int).SetUint64(borrowed)
	z.Mul(z, new(uint256.Int).SetUint64(rateBps))
	z.Mul(z, new(uint256.Int).SetUint64(elapsedSeconds))
	z.Div(z, new(uint256.Int).SetUint64(BPS_DENOMINATOR*SECONDS_PER_YEAR))
	if !z.IsUint64() {
		return 0, ErrMathOverflow
	}
	return z.Uint64(), nil
}

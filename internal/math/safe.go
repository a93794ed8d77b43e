package math

import (
	"errors"
	stdmath "math"

	"github.com/holiman/uint256"
)

var (
	ErrOverflow         = errors.New("arithmetic overflow")
	ErrUnderflow        = errors.New("arithmetic underflow")
	ErrDivisionByZero   = errors.New("division by zero")
	ErrExponentTooLarge = errors.New("power-of-ten exponent above safety ceiling")
)

// MaxExponent is the largest power of ten a 256-bit accumulator holds.
const MaxExponent = 77

// CheckedAdd returns a+b or ErrOverflow. Neither operand is modified.
func CheckedAdd(a, b *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// CheckedSub returns a-b or ErrUnderflow.
func CheckedSub(a, b *uint256.Int) (*uint256.Int, error) {
	z, underflow := new(uint256.Int).SubOverflow(a, b)
	if underflow {
		return nil, ErrUnderflow
	}
	return z, nil
}

// CheckedMul returns a*b or ErrOverflow.
func CheckedMul(a, b *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulOverflow(a, b)
	if overflow {
		return nil, ErrOverflow
	}
	return z, nil
}

// SaturatingSub returns max(a-b, 0).
func SaturatingSub(a, b *uint256.Int) *uint256.Int {
	if a.Cmp(b) <= 0 {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(a, b)
}

// Min returns a copy of the smaller operand.
func Min(a, b *uint256.Int) *uint256.Int {
	if a.Cmp(b) <= 0 {
		return a.Clone()
	}
	return b.Clone()
}

// === Signed fixed-width (positions) ===

// AddInt64 returns a+b or ErrOverflow.
func AddInt64(a, b int64) (int64, error) {
	if (b > 0 && a > stdmath.MaxInt64-b) || (b < 0 && a < stdmath.MinInt64-b) {
		return 0, ErrOverflow
	}
	return a + b, nil
}

// SubInt64 returns a-b or ErrOverflow.
func SubInt64(a, b int64) (int64, error) {
	if (b < 0 && a > stdmath.MaxInt64+b) || (b > 0 && a < stdmath.MinInt64+b) {
		return 0, ErrOverflow
	}
	return a - b, nil
}

// MulInt64 returns a*b or ErrOverflow.
func MulInt64(a, b int64) (int64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	if (a == -1 && b == stdmath.MinInt64) || (b == -1 && a == stdmath.MinInt64) {
		return 0, ErrOverflow
	}
	c := a * b
	if c/b != a {
		return 0, ErrOverflow
	}
	return c, nil
}

// NegInt64 returns -a; MinInt64 has no positive counterpart.
func NegInt64(a int64) (int64, error) {
	if a == stdmath.MinInt64 {
		return 0, ErrOverflow
	}
	return -a, nil
}

// AbsInt64 returns |a| as an unsigned value. Defined for every input.
func AbsInt64(a int64) uint64 {
	if a < 0 {
		return uint64(^a) + 1
	}
	return uint64(a)
}

// Int64FromUint64 narrows v, failing when it does not fit.
func Int64FromUint64(v uint64) (int64, error) {
	if v > stdmath.MaxInt64 {
		return 0, ErrOverflow
	}
	return int64(v), nil
}

// AddUint64 returns a+b or ErrOverflow.
func AddUint64(a, b uint64) (uint64, error) {
	c := a + b
	if c < a {
		return 0, ErrOverflow
	}
	return c, nil
}

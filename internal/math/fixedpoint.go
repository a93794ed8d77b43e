package math

import (
	"github.com/holiman/uint256"
)

// PriceDecimals is the canonical precision of prices, strikes and oracle
// readings: 1.0 == 100_000_000.
const PriceDecimals = 8

// BpsDenominator is 100% expressed in basis points.
const BpsDenominator = 10_000

// RoundingMode selects the direction of any truncating division.
// Amounts owed by, or seized from, a counterparty round up; amounts paid
// out to a counterparty round down.
type RoundingMode int

const (
	RoundDown RoundingMode = iota
	RoundUp
)

func (m RoundingMode) String() string {
	switch m {
	case RoundDown:
		return "down"
	case RoundUp:
		return "up"
	default:
		return "unknown"
	}
}

var powersOfTen [MaxExponent + 1]*uint256.Int

func init() {
	p := uint256.NewInt(1)
	ten := uint256.NewInt(10)
	for i := 0; i <= MaxExponent; i++ {
		powersOfTen[i] = p.Clone()
		p.Mul(p, ten)
	}
}

// Pow10 returns 10^exp. Exponents above MaxExponent are rejected.
func Pow10(exp uint) (*uint256.Int, error) {
	if exp > MaxExponent {
		return nil, ErrExponentTooLarge
	}
	return powersOfTen[exp].Clone(), nil
}

// PriceScale returns 10^PriceDecimals.
func PriceScale() *uint256.Int {
	return powersOfTen[PriceDecimals].Clone()
}

// MulDiv computes x*y/d with a 512-bit intermediate and the given rounding.
func MulDiv(x, y, d *uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivisionByZero
	}
	q, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, ErrOverflow
	}
	if mode == RoundUp {
		rem := new(uint256.Int).MulMod(x, y, d)
		if !rem.IsZero() {
			return CheckedAdd(q, uint256.NewInt(1))
		}
	}
	return q, nil
}

// PriceToNative converts a value expressed in the 8-decimal price scale into
// an asset's native units.
func PriceToNative(value *uint256.Int, decimals uint8, mode RoundingMode) (*uint256.Int, error) {
	scale, err := Pow10(uint(decimals))
	if err != nil {
		return nil, err
	}
	return MulDiv(value, scale, powersOfTen[PriceDecimals], mode)
}

// ConvertAmount values amount (native units of an asset with fromDecimals)
// in units of an asset with toDecimals, at price (8-decimal, quote per base).
func ConvertAmount(amount *uint256.Int, fromDecimals uint8, price *uint256.Int, toDecimals uint8, mode RoundingMode) (*uint256.Int, error) {
	num, err := CheckedMul(amount, price)
	if err != nil {
		return nil, err
	}
	up, err := Pow10(uint(toDecimals))
	if err != nil {
		return nil, err
	}
	down, err := Pow10(uint(fromDecimals) + PriceDecimals)
	if err != nil {
		return nil, err
	}
	return MulDiv(num, up, down, mode)
}

// NativeForValue is the inverse of ConvertAmount: how many native units of an
// asset (assetDecimals, priced at price in the value asset) make up value.
func NativeForValue(value *uint256.Int, valueDecimals uint8, price *uint256.Int, assetDecimals uint8, mode RoundingMode) (*uint256.Int, error) {
	if price.IsZero() {
		return nil, ErrDivisionByZero
	}
	up, err := Pow10(uint(assetDecimals) + PriceDecimals)
	if err != nil {
		return nil, err
	}
	valueScale, err := Pow10(uint(valueDecimals))
	if err != nil {
		return nil, err
	}
	denom, err := CheckedMul(price, valueScale)
	if err != nil {
		return nil, err
	}
	return MulDiv(value, up, denom, mode)
}

// Intrinsic returns the positive intrinsic value of an option at spot.
// Call: spot-strike, put: strike-spot, floored at zero.
func Intrinsic(isCall bool, spot, strike *uint256.Int) *uint256.Int {
	if isCall {
		return SaturatingSub(spot, strike)
	}
	return SaturatingSub(strike, spot)
}

// ApplyBps returns x*bps/10_000.
func ApplyBps(x *uint256.Int, bps uint64, mode RoundingMode) (*uint256.Int, error) {
	return MulDiv(x, uint256.NewInt(bps), uint256.NewInt(BpsDenominator), mode)
}

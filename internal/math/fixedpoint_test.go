package math_test

import (
	stdmath "math"
	"testing"

	fpmath "OptionsLedger/internal/math"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

// ============================================================================
// Test: checked arithmetic
// ============================================================================

func TestCheckedAdd_Overflow(t *testing.T) {
	max := new(uint256.Int).SetAllOne()

	_, err := fpmath.CheckedAdd(max, u(1))
	require.ErrorIs(t, err, fpmath.ErrOverflow)

	got, err := fpmath.CheckedAdd(u(2), u(3))
	require.NoError(t, err)
	require.Equal(t, uint64(5), got.Uint64())
}

func TestCheckedSub_Underflow(t *testing.T) {
	_, err := fpmath.CheckedSub(u(1), u(2))
	require.ErrorIs(t, err, fpmath.ErrUnderflow)
}

func TestCheckedMul_Overflow(t *testing.T) {
	big := new(uint256.Int).Lsh(u(1), 200)
	_, err := fpmath.CheckedMul(big, big)
	require.ErrorIs(t, err, fpmath.ErrOverflow)
}

func TestCheckedOps_DoNotMutateOperands(t *testing.T) {
	a, b := u(7), u(5)
	_, _ = fpmath.CheckedSub(a, b)
	_, _ = fpmath.CheckedMul(a, b)
	require.Equal(t, uint64(7), a.Uint64())
	require.Equal(t, uint64(5), b.Uint64())
}

func TestSignedChecked(t *testing.T) {
	_, err := fpmath.AddInt64(stdmath.MaxInt64, 1)
	require.ErrorIs(t, err, fpmath.ErrOverflow)

	_, err = fpmath.SubInt64(stdmath.MinInt64, 1)
	require.ErrorIs(t, err, fpmath.ErrOverflow)

	_, err = fpmath.MulInt64(stdmath.MinInt64, -1)
	require.ErrorIs(t, err, fpmath.ErrOverflow)

	_, err = fpmath.MulInt64(1<<40, 1<<40)
	require.ErrorIs(t, err, fpmath.ErrOverflow)

	_, err = fpmath.NegInt64(stdmath.MinInt64)
	require.ErrorIs(t, err, fpmath.ErrOverflow)

	v, err := fpmath.MulInt64(-3, 4)
	require.NoError(t, err)
	require.Equal(t, int64(-12), v)

	require.Equal(t, uint64(1)<<63, fpmath.AbsInt64(stdmath.MinInt64))
}

// ============================================================================
// Test: scaling and conversion
// ============================================================================

func TestPow10_Ceiling(t *testing.T) {
	_, err := fpmath.Pow10(77)
	require.NoError(t, err)

	_, err = fpmath.Pow10(78)
	require.ErrorIs(t, err, fpmath.ErrExponentTooLarge)
}

func TestMulDiv_Rounding(t *testing.T) {
	down, err := fpmath.MulDiv(u(10), u(1), u(3), fpmath.RoundDown)
	require.NoError(t, err)
	require.Equal(t, uint64(3), down.Uint64())

	up, err := fpmath.MulDiv(u(10), u(1), u(3), fpmath.RoundUp)
	require.NoError(t, err)
	require.Equal(t, uint64(4), up.Uint64())

	exact, err := fpmath.MulDiv(u(9), u(1), u(3), fpmath.RoundUp)
	require.NoError(t, err)
	require.Equal(t, uint64(3), exact.Uint64())

	_, err = fpmath.MulDiv(u(1), u(1), u(0), fpmath.RoundUp)
	require.ErrorIs(t, err, fpmath.ErrDivisionByZero)
}

func TestPriceToNative(t *testing.T) {
	// 200.00000001 at 6 decimals
	v := u(200_00000001)

	down, err := fpmath.PriceToNative(v, 6, fpmath.RoundDown)
	require.NoError(t, err)
	require.Equal(t, uint64(200_000000), down.Uint64())

	up, err := fpmath.PriceToNative(v, 6, fpmath.RoundUp)
	require.NoError(t, err)
	require.Equal(t, uint64(200_000001), up.Uint64())

	wei, err := fpmath.PriceToNative(u(2_00000000), 18, fpmath.RoundDown)
	require.NoError(t, err)
	require.Equal(t, "2000000000000000000", wei.Dec())

	_, err = fpmath.PriceToNative(v, 78, fpmath.RoundDown)
	require.ErrorIs(t, err, fpmath.ErrExponentTooLarge)
}

func TestConvertAmount_RoundTrip(t *testing.T) {
	// 2 WETH (18 dp) at 3500 USDC/WETH -> 7000 USDC (6 dp)
	twoEth := uint256.MustFromDecimal("2000000000000000000")
	price := u(3500_00000000)

	value, err := fpmath.ConvertAmount(twoEth, 18, price, 6, fpmath.RoundDown)
	require.NoError(t, err)
	require.Equal(t, uint64(7000_000000), value.Uint64())

	back, err := fpmath.NativeForValue(value, 6, price, 18, fpmath.RoundUp)
	require.NoError(t, err)
	require.Equal(t, twoEth.Dec(), back.Dec())

	_, err = fpmath.NativeForValue(value, 6, u(0), 18, fpmath.RoundUp)
	require.ErrorIs(t, err, fpmath.ErrDivisionByZero)
}

func TestIntrinsic(t *testing.T) {
	strike := u(3000_00000000)

	require.Equal(t, uint64(200_00000000), fpmath.Intrinsic(true, u(3200_00000000), strike).Uint64())
	require.True(t, fpmath.Intrinsic(true, u(2800_00000000), strike).IsZero())
	require.Equal(t, uint64(200_00000000), fpmath.Intrinsic(false, u(2800_00000000), strike).Uint64())
	require.True(t, fpmath.Intrinsic(false, u(3200_00000000), strike).IsZero())
}

func TestApplyBps(t *testing.T) {
	half, err := fpmath.ApplyBps(u(11), 5_000, fpmath.RoundDown)
	require.NoError(t, err)
	require.Equal(t, uint64(5), half.Uint64())

	halfUp, err := fpmath.ApplyBps(u(11), 5_000, fpmath.RoundUp)
	require.NoError(t, err)
	require.Equal(t, uint64(6), halfUp.Uint64())
}

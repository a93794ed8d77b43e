package state

import (
	fpmath "OptionsLedger/internal/math"

	"github.com/holiman/uint256"
)

// MaxRatio is reported when an account carries no maintenance requirement.
var MaxRatio = new(uint256.Int).SetAllOne()

// AccountState is a point-in-time margin view in base-asset native units.
// Equity is Assets - Liabilities and may be negative, so both sides are kept.
type AccountState struct {
	Assets      *uint256.Int // collateral + long intrinsic, rounded down
	Liabilities *uint256.Int // short intrinsic, rounded up
	Maintenance *uint256.Int
	Initial     *uint256.Int
	RatioBps    *uint256.Int
	Shorts      uint64
}

// EquityPositive reports Assets > Liabilities.
func (s *AccountState) EquityPositive() bool {
	return s.Liabilities.Lt(s.Assets)
}

// Equity returns max(Assets-Liabilities, 0).
func (s *AccountState) Equity() *uint256.Int {
	if !s.EquityPositive() {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(s.Assets, s.Liabilities)
}

// MeetsInitial reports Assets >= Liabilities + Initial.
func (s *AccountState) MeetsInitial() bool {
	need, overflow := new(uint256.Int).AddOverflow(s.Liabilities, s.Initial)
	if overflow {
		return false
	}
	return !s.Assets.Lt(need)
}

// EquityGreaterThan reports (s.Assets - s.Liabilities) > (o.Assets - o.Liabilities)
// without signed arithmetic.
func (s *AccountState) EquityGreaterThan(o *AccountState) bool {
	lhs, of1 := new(uint256.Int).AddOverflow(s.Assets, o.Liabilities)
	rhs, of2 := new(uint256.Int).AddOverflow(o.Assets, s.Liabilities)
	switch {
	case of1 && !of2:
		return true
	case of2 && !of1:
		return false
	}
	return rhs.Lt(lhs)
}

// ComputeMargin derives MM = baseMM * shorts and IM = MM * imFactorBps / 10_000
// rounded up.
func ComputeMargin(baseMM *uint256.Int, shorts uint64, imFactorBps uint64) (mm, im *uint256.Int, err error) {
	mm, err = fpmath.CheckedMul(baseMM, uint256.NewInt(shorts))
	if err != nil {
		return nil, nil, err
	}
	im, err = fpmath.ApplyBps(mm, imFactorBps, fpmath.RoundUp)
	if err != nil {
		return nil, nil, err
	}
	return mm, im, nil
}

// ComputeRatioBps returns equity*10_000/mm, MaxRatio when mm is zero and zero
// when equity is not positive.
func ComputeRatioBps(assets, liabilities, mm *uint256.Int) *uint256.Int {
	if mm.IsZero() {
		return MaxRatio.Clone()
	}
	if !liabilities.Lt(assets) {
		return new(uint256.Int)
	}
	equity := new(uint256.Int).Sub(assets, liabilities)
	ratio, err := fpmath.MulDiv(equity, uint256.NewInt(fpmath.BpsDenominator), mm, fpmath.RoundDown)
	if err != nil {
		return MaxRatio.Clone()
	}
	return ratio
}

package cdp

import (
	"math"

	"github.com/holiman/uint256"
)

var hundred = uint256.NewInt(100)

// collateralValue returns price*collateral*100 without overflow.
func collateralValue(price, collateral uint64) *uint256.Int {
	value := new(uint256.Int).Mul(uint256.NewInt(price), uint256.NewInt(collateral))
	return value.Mul(value, hundred)
}

// borrowCeiling returns price*collateral*100/mcr using integer division. The
// caller guarantees mcr is non-zero.
func borrowCeiling(price, collateral, mcr uint64) *uint256.Int {
	value := collateralValue(price, collateral)
	return value.Div(value, uint256.NewInt(mcr))
}

// saturate clamps v into the uint64 range.
func saturate(v *uint256.Int) uint64 {
	if !v.IsUint64() {
		return math.MaxUint64
	}
	return v.Uint64()
}

// collateralRatio returns price*collateral*100/debt in whole percent. The
// boolean is false when debt is zero and the ratio is unbounded.
func collateralRatio(price, collateral, debt uint64) (uint64, bool) {
	if debt == 0 {
		return math.MaxUint64, false
	}
	value := collateralValue(price, collateral)
	return saturate(value.Div(value, uint256.NewInt(debt))), true
}

// meetsRatio reports whether price*collateral*100 >= mcr*debt, i.e. the
// position sits at or above the minimum collateral ratio.
func meetsRatio(price, collateral, debt, mcr uint64) bool {
	if debt == 0 {
		return true
	}
	required := new(uint256.Int).Mul(uint256.NewInt(mcr), uint256.NewInt(debt))
	return !collateralValue(price, collateral).Lt(required)
}

func addUint64(a, b uint64) (uint64, error) {
	sum := a + b
	if sum < a {
		return 0, ErrOverflow
	}
	return sum, nil
}

package cdp

import (
	"fmt"
	"time"
)

const (
	DefaultMinimumCollateralRatio  uint64 = 110
	DefaultCriticalCollateralRatio uint64 = 150
	DefaultMinimumDebt             uint64 = 1000
	DefaultFee                     uint64 = 1
)

// RiskParameters are copied into every pool at creation time.
type RiskParameters struct {
	// MinimumCollateralRatio bounds Borrow, in whole percent.
	MinimumCollateralRatio uint64
	// CriticalCollateralRatio is stored for recovery mode, in whole percent.
	CriticalCollateralRatio uint64
	MinimumDebt             uint64
	Fee                     uint64
}

// DefaultRiskParameters returns the parameters every pool starts with unless
// the module configuration overrides them.
func DefaultRiskParameters() RiskParameters {
	return RiskParameters{
		MinimumCollateralRatio:  DefaultMinimumCollateralRatio,
		CriticalCollateralRatio: DefaultCriticalCollateralRatio,
		MinimumDebt:             DefaultMinimumDebt,
		Fee:                     DefaultFee,
	}
}

// Validate ensures the ratios can be used as divisors and are ordered.
func (p RiskParameters) Validate() error {
	if p.MinimumCollateralRatio == 0 {
		return fmt.Errorf("cdp: minimum collateral ratio must be positive")
	}
	if p.CriticalCollateralRatio < p.MinimumCollateralRatio {
		return fmt.Errorf("cdp: critical collateral ratio %d below minimum %d", p.CriticalCollateralRatio, p.MinimumCollateralRatio)
	}
	return nil
}

// Policy toggles the stricter solvency rules. The zero value keeps the
// historical behaviour: Borrow compares the ceiling to the requested amount
// only and Withdraw performs no ratio check.
type Policy struct {
	// BorrowIncludesExistingDebt compares debt+amount against the ceiling.
	BorrowIncludesExistingDebt bool
	// WithdrawChecksSolvency rejects withdrawals that leave the position
	// below the minimum collateral ratio.
	WithdrawChecksSolvency bool
	// RepayAsset, when set, makes Repay move the repaid amount of this asset
	// from the owner into the pool treasury.
	RepayAsset    string
	RepayDecimals uint8
	// MaxPriceStaleness is handed to the price feed on every lookup.
	MaxPriceStaleness time.Duration
}

// DefaultMaxPriceStaleness bounds price age when no policy overrides it.
const DefaultMaxPriceStaleness = 60 * time.Second

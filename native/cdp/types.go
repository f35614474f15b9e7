package cdp

import (
	"cdpledger/crypto"
)

// Pool captures the aggregate accounting state for one collateral asset.
// Amounts are expressed in the smallest unit of the collateral asset.
type Pool struct {
	// Owner is the identity that created the pool. It is informational and
	// never consulted for authorisation.
	Owner crypto.Address
	// AssetID names the collateral asset accepted by the pool.
	AssetID string
	// TotalCollateral is the sum of collateral locked across all positions.
	TotalCollateral uint64
	// TotalDebt is the sum of debt owed across all positions.
	TotalDebt uint64
	// TotalStakes is reserved for stake-weighted liquidation.
	TotalStakes uint64
	// IsRecoveryMode is reserved for a system-wide recovery regime.
	IsRecoveryMode bool
	// MinimumCollateralRatio is the whole-percent ratio (110 = 110%) that
	// bounds borrowing.
	MinimumCollateralRatio uint64
	// CriticalCollateralRatio is the whole-percent recovery threshold.
	CriticalCollateralRatio uint64
	// MinimumDebt is declared per position but not enforced.
	MinimumDebt uint64
	// Fee is the declared borrow fee rate. It is not applied.
	Fee uint64
	// Treasury is the custody account holding the pool's collateral.
	Treasury string
	// Decimals is the collateral asset precision passed with every transfer.
	Decimals uint8
	// Authority is the pool's capability over its own treasury.
	Authority Authority
}

// Clone returns a deep copy of the pool record.
func (p *Pool) Clone() *Pool {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Authority = p.Authority.Clone()
	return &clone
}

// Position is the per-owner record of locked collateral and owed debt within a
// single pool.
type Position struct {
	Owner      crypto.Address
	AssetID    string
	Collateral uint64
	Debt       uint64
	// Stake is reserved for stake-weighted liquidation and never mutated.
	Stake uint64
}

// Clone returns a copy of the position record.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	clone := *p
	return &clone
}

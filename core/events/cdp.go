package events

import (
	"strconv"

	"cdpledger/core/types"
)

const (
	// TypeCDPPoolOpened is emitted when a collateral pool is created.
	TypeCDPPoolOpened = "cdp.pool.opened"
	// TypeCDPPositionOpened is emitted when an owner opens a position in a pool.
	TypeCDPPositionOpened = "cdp.position.opened"
	// TypeCDPCollateralDeposited is emitted after collateral moves into pool custody.
	TypeCDPCollateralDeposited = "cdp.collateral.deposited"
	// TypeCDPCollateralWithdrawn is emitted after collateral leaves pool custody.
	TypeCDPCollateralWithdrawn = "cdp.collateral.withdrawn"
	// TypeCDPDebtBorrowed is emitted when a position takes on debt.
	TypeCDPDebtBorrowed = "cdp.debt.borrowed"
	// TypeCDPDebtRepaid is emitted when a position pays down debt.
	TypeCDPDebtRepaid = "cdp.debt.repaid"
)

// CDPPoolOpened describes a freshly created pool and its risk parameters.
type CDPPoolOpened struct {
	Asset                   string
	Owner                   string
	Treasury                string
	MinimumCollateralRatio  uint64
	CriticalCollateralRatio uint64
}

func (CDPPoolOpened) EventType() string { return TypeCDPPoolOpened }

func (e CDPPoolOpened) Event() *types.Event {
	return &types.Event{
		Type: TypeCDPPoolOpened,
		Attributes: map[string]string{
			"asset":    types.NormalizeAsset(e.Asset),
			"owner":    e.Owner,
			"treasury": e.Treasury,
			"mcr":      strconv.FormatUint(e.MinimumCollateralRatio, 10),
			"ccr":      strconv.FormatUint(e.CriticalCollateralRatio, 10),
		},
	}
}

// CDPPositionChanged covers every per-position mutation. Kind selects the
// event type; Amount is the delta applied and the remaining fields capture
// the resulting balances.
type CDPPositionChanged struct {
	Kind            string
	Asset           string
	Owner           string
	Amount          uint64
	Collateral      uint64
	Debt            uint64
	TotalCollateral uint64
	TotalDebt       uint64
}

func (e CDPPositionChanged) EventType() string { return e.Kind }

func (e CDPPositionChanged) Event() *types.Event {
	return &types.Event{
		Type: e.Kind,
		Attributes: map[string]string{
			"asset":           types.NormalizeAsset(e.Asset),
			"owner":           e.Owner,
			"amount":          strconv.FormatUint(e.Amount, 10),
			"collateral":      strconv.FormatUint(e.Collateral, 10),
			"debt":            strconv.FormatUint(e.Debt, 10),
			"totalCollateral": strconv.FormatUint(e.TotalCollateral, 10),
			"totalDebt":       strconv.FormatUint(e.TotalDebt, 10),
		},
	}
}

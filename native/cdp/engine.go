package cdp

import (
	"context"
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"cdpledger/core/events"
	"cdpledger/core/types"
	"cdpledger/crypto"
	nativecommon "cdpledger/native/common"
)

// SyntheticPrice is the whole-unit collateral price used when no price feed
// is wired.
const SyntheticPrice uint64 = 200

const moduleName = "cdp"

// ModuleName is the pause-guard key for the engine.
const ModuleName = moduleName

var errNilCustody = errors.New("custody not configured")

type engineState interface {
	GetPool(assetID string) (*Pool, error)
	PutPool(pool *Pool) error
	GetPosition(assetID string, owner crypto.Address) (*Position, error)
	PutPosition(position *Position) error
	ForEachPosition(assetID string, fn func(*Position) error) error
}

// Engine applies the pool and position state transitions. An engine is
// cheap to build and is expected to be bound to a single state transaction.
type Engine struct {
	state   engineState
	custody Custody
	prices  PriceFeed
	pauses  nativecommon.PauseView
	emitter events.Emitter
	params  RiskParameters
	policy  Policy
}

// NewEngine constructs an engine that opens pools with params and enforces
// policy.
func NewEngine(params RiskParameters, policy Policy) *Engine {
	if policy.MaxPriceStaleness <= 0 {
		policy.MaxPriceStaleness = DefaultMaxPriceStaleness
	}
	return &Engine{params: params, policy: policy, emitter: events.NoopEmitter{}}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

func (e *Engine) SetCustody(c Custody) {
	if e == nil {
		return
	}
	e.custody = c
}

// SetPriceFeed configures the feed consulted by Borrow and the ratio helpers.
// A nil feed falls back to SyntheticPrice.
func (e *Engine) SetPriceFeed(feed PriceFeed) {
	if e == nil {
		return
	}
	e.prices = feed
}

func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

// Params returns the risk parameters applied to new pools.
func (e *Engine) Params() RiskParameters {
	if e == nil {
		return RiskParameters{}
	}
	return e.params
}

// OpenPool creates the pool for assetID and opens its treasury.
func (e *Engine) OpenPool(ctx context.Context, creator crypto.Address, assetID string) (*Pool, error) {
	asset, err := e.begin(ctx, assetID)
	if err != nil {
		return nil, err
	}
	if err := e.params.Validate(); err != nil {
		return nil, err
	}
	existing, err := e.state.GetPool(asset)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrAlreadyExists
	}
	if e.custody == nil {
		return nil, fmt.Errorf("cdp: open treasury: %w", errNilCustody)
	}
	treasury, err := e.custody.OpenTreasury(ctx, asset)
	if err != nil {
		return nil, fmt.Errorf("cdp: open treasury: %w", err)
	}
	pool := &Pool{
		Owner:                   creator,
		AssetID:                 asset,
		MinimumCollateralRatio:  e.params.MinimumCollateralRatio,
		CriticalCollateralRatio: e.params.CriticalCollateralRatio,
		MinimumDebt:             e.params.MinimumDebt,
		Fee:                     e.params.Fee,
		Treasury:                treasury.Account,
		Decimals:                treasury.Decimals,
		Authority:               treasury.Authority.Clone(),
	}
	if err := e.state.PutPool(pool); err != nil {
		return nil, err
	}
	e.emitter.Emit(events.CDPPoolOpened{
		Asset:                   asset,
		Owner:                   creator.String(),
		Treasury:                pool.Treasury,
		MinimumCollateralRatio:  pool.MinimumCollateralRatio,
		CriticalCollateralRatio: pool.CriticalCollateralRatio,
	})
	return pool.Clone(), nil
}

// OpenPosition creates the owner's position in the pool with the supplied
// balances. No collateral ratio is enforced. Non-zero collateral is moved
// from the owner into the pool treasury first.
func (e *Engine) OpenPosition(ctx context.Context, owner crypto.Address, assetID string, collateral, debt uint64) (*Position, error) {
	asset, err := e.begin(ctx, assetID)
	if err != nil {
		return nil, err
	}
	if owner.IsZero() {
		return nil, ErrInvalidOwner
	}
	pool, err := e.loadPool(asset)
	if err != nil {
		return nil, err
	}
	existing, err := e.state.GetPosition(asset, owner)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrAlreadyExists
	}
	totalCollateral, err := addUint64(pool.TotalCollateral, collateral)
	if err != nil {
		return nil, err
	}
	totalDebt, err := addUint64(pool.TotalDebt, debt)
	if err != nil {
		return nil, err
	}
	if collateral > 0 {
		if err := e.transfer(ctx, TransferRequest{
			From:     owner.String(),
			To:       pool.Treasury,
			Asset:    asset,
			Amount:   collateral,
			Decimals: pool.Decimals,
		}); err != nil {
			return nil, err
		}
	}

	position := &Position{Owner: owner, AssetID: asset, Collateral: collateral, Debt: debt}
	pool.TotalCollateral = totalCollateral
	pool.TotalDebt = totalDebt
	if err := e.commit(pool, position); err != nil {
		return nil, err
	}
	e.emitChange(events.TypeCDPPositionOpened, pool, position, collateral)
	return position.Clone(), nil
}

// Deposit moves amount collateral from the owner into the pool treasury and
// credits the position.
func (e *Engine) Deposit(ctx context.Context, owner crypto.Address, assetID string, amount uint64) (*Position, error) {
	pool, position, err := e.loadForUpdate(ctx, owner, assetID, amount)
	if err != nil {
		return nil, err
	}
	collateral, err := addUint64(position.Collateral, amount)
	if err != nil {
		return nil, err
	}
	totalCollateral, err := addUint64(pool.TotalCollateral, amount)
	if err != nil {
		return nil, err
	}
	if err := e.transfer(ctx, TransferRequest{
		From:     owner.String(),
		To:       pool.Treasury,
		Asset:    pool.AssetID,
		Amount:   amount,
		Decimals: pool.Decimals,
	}); err != nil {
		return nil, err
	}
	position.Collateral = collateral
	pool.TotalCollateral = totalCollateral
	if err := e.commit(pool, position); err != nil {
		return nil, err
	}
	e.emitChange(events.TypeCDPCollateralDeposited, pool, position, amount)
	return position.Clone(), nil
}

// Withdraw returns amount collateral from the pool treasury to the owner.
func (e *Engine) Withdraw(ctx context.Context, owner crypto.Address, assetID string, amount uint64) (*Position, error) {
	pool, position, err := e.loadForUpdate(ctx, owner, assetID, amount)
	if err != nil {
		return nil, err
	}
	if amount > position.Collateral {
		return nil, ErrInsufficientFunds
	}
	remaining := position.Collateral - amount
	if e.policy.WithdrawChecksSolvency && position.Debt > 0 {
		quote, err := e.price(ctx, pool.AssetID)
		if err != nil {
			return nil, err
		}
		if !meetsRatio(quote.Price, remaining, position.Debt, pool.MinimumCollateralRatio) {
			return nil, ErrUndercollateralized
		}
	}
	if err := e.transfer(ctx, TransferRequest{
		From:      pool.Treasury,
		To:        owner.String(),
		Asset:     pool.AssetID,
		Amount:    amount,
		Decimals:  pool.Decimals,
		Authority: pool.Authority.Clone(),
	}); err != nil {
		return nil, err
	}
	position.Collateral = remaining
	pool.TotalCollateral -= amount
	if err := e.commit(pool, position); err != nil {
		return nil, err
	}
	e.emitChange(events.TypeCDPCollateralWithdrawn, pool, position, amount)
	return position.Clone(), nil
}

// Borrow increases the position debt by amount when the borrowable ceiling
// allows it. The ceiling is price*collateral*100/MCR. By default it bounds
// the requested amount alone; Policy.BorrowIncludesExistingDebt bounds the
// resulting debt instead.
func (e *Engine) Borrow(ctx context.Context, owner crypto.Address, assetID string, amount uint64) (*Position, error) {
	pool, position, err := e.loadForUpdate(ctx, owner, assetID, amount)
	if err != nil {
		return nil, err
	}
	quote, err := e.price(ctx, pool.AssetID)
	if err != nil {
		return nil, err
	}
	ceiling := borrowCeiling(quote.Price, position.Collateral, pool.MinimumCollateralRatio)
	requested := uint256.NewInt(amount)
	if e.policy.BorrowIncludesExistingDebt {
		requested.Add(requested, uint256.NewInt(position.Debt))
	}
	if ceiling.Lt(requested) {
		return nil, ErrOverBorrowableAmount
	}
	debt, err := addUint64(position.Debt, amount)
	if err != nil {
		return nil, err
	}
	totalDebt, err := addUint64(pool.TotalDebt, amount)
	if err != nil {
		return nil, err
	}
	position.Debt = debt
	pool.TotalDebt = totalDebt
	if err := e.commit(pool, position); err != nil {
		return nil, err
	}
	e.emitChange(events.TypeCDPDebtBorrowed, pool, position, amount)
	return position.Clone(), nil
}

// Repay reduces the position debt by amount. When Policy.RepayAsset is set the
// repaid amount is first moved from the owner into the pool treasury.
func (e *Engine) Repay(ctx context.Context, owner crypto.Address, assetID string, amount uint64) (*Position, error) {
	pool, position, err := e.loadForUpdate(ctx, owner, assetID, amount)
	if err != nil {
		return nil, err
	}
	if amount > position.Debt {
		return nil, ErrOverRepay
	}
	if repayAsset := normalizeAsset(e.policy.RepayAsset); repayAsset != "" {
		if err := e.transfer(ctx, TransferRequest{
			From:     owner.String(),
			To:       pool.Treasury,
			Asset:    repayAsset,
			Amount:   amount,
			Decimals: e.policy.RepayDecimals,
		}); err != nil {
			return nil, err
		}
	}
	position.Debt -= amount
	pool.TotalDebt -= amount
	if err := e.commit(pool, position); err != nil {
		return nil, err
	}
	e.emitChange(events.TypeCDPDebtRepaid, pool, position, amount)
	return position.Clone(), nil
}

// Pool returns the stored pool for assetID.
func (e *Engine) Pool(assetID string) (*Pool, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	asset := normalizeAsset(assetID)
	if !types.ValidAsset(asset) {
		return nil, ErrInvalidAsset
	}
	return e.loadPool(asset)
}

// Position returns the owner's position in the pool for assetID.
func (e *Engine) Position(owner crypto.Address, assetID string) (*Position, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	asset := normalizeAsset(assetID)
	if !types.ValidAsset(asset) {
		return nil, ErrInvalidAsset
	}
	return e.loadPosition(asset, owner)
}

// RatioReport summarises the solvency of a position at the current price.
type RatioReport struct {
	Price uint64
	// Ratio is price*collateral*100/debt in whole percent. It is only
	// meaningful when Bounded is true; positions without debt are unbounded.
	Ratio   uint64
	Bounded bool
	// Ceiling is the borrowable ceiling, saturated at the uint64 maximum.
	Ceiling uint64
	// Healthy reports whether the position meets the minimum ratio.
	Healthy bool
}

// Health reports the collateral ratio and borrowable ceiling of a position.
func (e *Engine) Health(ctx context.Context, owner crypto.Address, assetID string) (*RatioReport, error) {
	pool, err := e.Pool(assetID)
	if err != nil {
		return nil, err
	}
	position, err := e.loadPosition(pool.AssetID, owner)
	if err != nil {
		return nil, err
	}
	quote, err := e.price(ctx, pool.AssetID)
	if err != nil {
		return nil, err
	}
	ratio, bounded := collateralRatio(quote.Price, position.Collateral, position.Debt)
	return &RatioReport{
		Price:   quote.Price,
		Ratio:   ratio,
		Bounded: bounded,
		Ceiling: saturate(borrowCeiling(quote.Price, position.Collateral, pool.MinimumCollateralRatio)),
		Healthy: meetsRatio(quote.Price, position.Collateral, position.Debt, pool.MinimumCollateralRatio),
	}, nil
}

// CollateralRatio returns the position's ratio in whole percent. The boolean
// is false when the position has no debt.
func (e *Engine) CollateralRatio(ctx context.Context, owner crypto.Address, assetID string) (uint64, bool, error) {
	report, err := e.Health(ctx, owner, assetID)
	if err != nil {
		return 0, false, err
	}
	return report.Ratio, report.Bounded, nil
}

// BorrowableCeiling returns price*collateral*100/MCR for the position.
func (e *Engine) BorrowableCeiling(ctx context.Context, owner crypto.Address, assetID string) (uint64, error) {
	report, err := e.Health(ctx, owner, assetID)
	if err != nil {
		return 0, err
	}
	return report.Ceiling, nil
}

// AuditReport compares stored pool totals against the positions.
type AuditReport struct {
	AssetID         string
	Positions       int
	TotalCollateral uint64
	TotalDebt       uint64
	SumCollateral   uint64
	SumDebt         uint64
}

// Audit recomputes the pool totals from every position and returns
// ErrConservationViolated when they disagree with the stored pool.
func (e *Engine) Audit(assetID string) (*AuditReport, error) {
	pool, err := e.Pool(assetID)
	if err != nil {
		return nil, err
	}
	sumCollateral := new(uint256.Int)
	sumDebt := new(uint256.Int)
	count := 0
	err = e.state.ForEachPosition(pool.AssetID, func(p *Position) error {
		sumCollateral.Add(sumCollateral, uint256.NewInt(p.Collateral))
		sumDebt.Add(sumDebt, uint256.NewInt(p.Debt))
		count++
		return nil
	})
	if err != nil {
		return nil, err
	}
	report := &AuditReport{
		AssetID:         pool.AssetID,
		Positions:       count,
		TotalCollateral: pool.TotalCollateral,
		TotalDebt:       pool.TotalDebt,
		SumCollateral:   saturate(sumCollateral),
		SumDebt:         saturate(sumDebt),
	}
	if !sumCollateral.Eq(uint256.NewInt(pool.TotalCollateral)) || !sumDebt.Eq(uint256.NewInt(pool.TotalDebt)) {
		return report, fmt.Errorf("%w: collateral %d vs %d, debt %d vs %d", ErrConservationViolated,
			pool.TotalCollateral, report.SumCollateral, pool.TotalDebt, report.SumDebt)
	}
	return report, nil
}

func (e *Engine) begin(ctx context.Context, assetID string) (string, error) {
	if e == nil || e.state == nil {
		return "", ErrNilState
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return "", err
		}
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return "", err
	}
	asset := normalizeAsset(assetID)
	if !types.ValidAsset(asset) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAsset, assetID)
	}
	return asset, nil
}

func (e *Engine) loadForUpdate(ctx context.Context, owner crypto.Address, assetID string, amount uint64) (*Pool, *Position, error) {
	asset, err := e.begin(ctx, assetID)
	if err != nil {
		return nil, nil, err
	}
	if amount == 0 {
		return nil, nil, ErrInvalidAmount
	}
	pool, err := e.loadPool(asset)
	if err != nil {
		return nil, nil, err
	}
	position, err := e.loadPosition(asset, owner)
	if err != nil {
		return nil, nil, err
	}
	return pool, position, nil
}

func (e *Engine) loadPool(asset string) (*Pool, error) {
	pool, err := e.state.GetPool(asset)
	if err != nil {
		return nil, err
	}
	if pool == nil {
		return nil, ErrPoolNotFound
	}
	return pool.Clone(), nil
}

func (e *Engine) loadPosition(asset string, owner crypto.Address) (*Position, error) {
	if owner.IsZero() {
		return nil, ErrInvalidOwner
	}
	position, err := e.state.GetPosition(asset, owner)
	if err != nil {
		return nil, err
	}
	if position == nil {
		return nil, ErrPositionNotFound
	}
	return position.Clone(), nil
}

func (e *Engine) commit(pool *Pool, position *Position) error {
	if err := e.state.PutPosition(position); err != nil {
		return err
	}
	return e.state.PutPool(pool)
}

func (e *Engine) transfer(ctx context.Context, req TransferRequest) error {
	if e.custody == nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, errNilCustody)
	}
	if err := e.custody.Transfer(ctx, req); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	return nil
}

func (e *Engine) price(ctx context.Context, asset string) (PriceQuote, error) {
	if e.prices == nil {
		return PriceQuote{Price: SyntheticPrice, Source: "synthetic"}, nil
	}
	return e.prices.Price(ctx, asset, e.policy.MaxPriceStaleness)
}

func (e *Engine) emitChange(kind string, pool *Pool, position *Position, amount uint64) {
	e.emitter.Emit(events.CDPPositionChanged{
		Kind:            kind,
		Asset:           pool.AssetID,
		Owner:           position.Owner.String(),
		Amount:          amount,
		Collateral:      position.Collateral,
		Debt:            position.Debt,
		TotalCollateral: pool.TotalCollateral,
		TotalDebt:       pool.TotalDebt,
	})
}

func normalizeAsset(asset string) string {
	return types.NormalizeAsset(asset)
}

// NormalizeAsset returns the canonical form of an asset identifier.
func NormalizeAsset(asset string) string { return normalizeAsset(asset) }

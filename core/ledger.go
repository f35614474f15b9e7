package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cdpledger/core/events"
	"cdpledger/core/state"
	"cdpledger/core/types"
	"cdpledger/crypto"
	"cdpledger/native/cdp"
	nativecommon "cdpledger/native/common"
	"cdpledger/native/custody"
	"cdpledger/observability"
)

// ErrUnknownModule is returned when a pause targets a module the ledger does
// not run.
var ErrUnknownModule = errors.New("ledger: unknown module")

// LedgerOptions wires the collaborators of a Ledger.
type LedgerOptions struct {
	Params        cdp.RiskParameters
	Policy        cdp.Policy
	CustodySecret []byte
	// Prices is consulted by Borrow and the health queries. Nil uses the
	// synthetic fixed price.
	Prices cdp.PriceFeed
	// Quota limits owner mutations per window. The zero value is unlimited.
	Quota   nativecommon.Quota
	Now     func() time.Time
	Logger  *slog.Logger
	Metrics *observability.LedgerMetrics
}

// Ledger runs every engine operation inside its own state transaction. Events
// raised by an operation reach subscribers only after its transaction
// commits.
type Ledger struct {
	state   *state.Manager
	params  cdp.RiskParameters
	policy  cdp.Policy
	prices  cdp.PriceFeed
	quota   nativecommon.Quota
	now     func() time.Time
	bank    *custody.Bank
	logger  *slog.Logger
	metrics *observability.LedgerMetrics

	mu    sync.RWMutex
	sinks []events.Sink
}

// NewLedger validates the options and returns a ledger over manager.
func NewLedger(manager *state.Manager, opts LedgerOptions) (*Ledger, error) {
	if manager == nil {
		return nil, cdp.ErrNilState
	}
	if err := opts.Params.Validate(); err != nil {
		return nil, err
	}
	if len(opts.CustodySecret) == 0 {
		return nil, fmt.Errorf("ledger: custody secret required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		state:   manager,
		params:  opts.Params,
		policy:  opts.Policy,
		prices:  opts.Prices,
		quota:   opts.Quota,
		now:     now,
		bank:    custody.NewBank(opts.CustodySecret),
		logger:  logger.With("component", "ledger"),
		metrics: opts.Metrics,
	}, nil
}

// Subscribe registers a sink for committed events.
func (l *Ledger) Subscribe(sink events.Sink) {
	if l == nil || sink == nil {
		return
	}
	l.mu.Lock()
	l.sinks = append(l.sinks, sink)
	l.mu.Unlock()
}

func (l *Ledger) subscribers() []events.Sink {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]events.Sink, 0, len(l.sinks)+1)
	out = append(out, events.SinkFunc(func(evt types.Event) {
		observability.Events().RecordPublished(evt.Type)
	}))
	return append(out, l.sinks...)
}

func (l *Ledger) bind(tx *state.Tx, emitter events.Emitter) (*cdp.Engine, *custody.Bank) {
	bank := l.bank.Bind(tx)
	bank.SetPauses(tx)

	engine := cdp.NewEngine(l.params, l.policy)
	engine.SetState(tx)
	engine.SetCustody(bank)
	engine.SetPriceFeed(l.prices)
	engine.SetPauses(tx)
	engine.SetEmitter(emitter)
	return engine, bank
}

// apply runs fn in a write transaction, records metrics and releases the
// buffered events once the transaction has committed.
func (l *Ledger) apply(ctx context.Context, op, asset string, fn func(*cdp.Engine, *custody.Bank) error) error {
	return l.applyTx(ctx, op, asset, func(_ *state.Tx, engine *cdp.Engine, bank *custody.Bank) error {
		return fn(engine, bank)
	})
}

func (l *Ledger) applyTx(ctx context.Context, op, asset string, fn func(*state.Tx, *cdp.Engine, *custody.Bank) error) error {
	if l == nil {
		return cdp.ErrNilState
	}
	start := time.Now()
	var buf events.Buffer
	err := l.state.Update(func(tx *state.Tx) error {
		engine, bank := l.bind(tx, &buf)
		return fn(tx, engine, bank)
	})
	l.metrics.ObserveOperation(op, err, time.Since(start), OutcomeLabel)
	if err != nil {
		buf.Reset()
		l.logger.DebugContext(ctx, "ledger operation rejected", "op", op, "asset", asset, "error", err)
		return err
	}
	buf.Release(l.subscribers()...)
	if asset != "" {
		l.publishTotals(asset)
	}
	return nil
}

func (l *Ledger) publishTotals(asset string) {
	if l.metrics == nil {
		return
	}
	pool, err := l.Pool(asset)
	if err != nil {
		return
	}
	l.metrics.SetPoolTotals(pool.AssetID, pool.TotalCollateral, pool.TotalDebt)
}

func (l *Ledger) view(fn func(*cdp.Engine, *custody.Bank) error) error {
	if l == nil {
		return cdp.ErrNilState
	}
	return l.state.View(func(tx *state.Tx) error {
		engine, bank := l.bind(tx, events.NoopEmitter{})
		return fn(engine, bank)
	})
}

// OpenPool creates the pool for asset. The asset must be registered with
// custody.
func (l *Ledger) OpenPool(ctx context.Context, creator crypto.Address, asset string) (*cdp.Pool, error) {
	var pool *cdp.Pool
	err := l.apply(ctx, "open_pool", asset, func(engine *cdp.Engine, _ *custody.Bank) error {
		var err error
		pool, err = engine.OpenPool(ctx, creator, asset)
		return err
	})
	if err != nil {
		return nil, err
	}
	l.logger.InfoContext(ctx, "pool opened", "asset", pool.AssetID, "treasury", pool.Treasury)
	return pool, nil
}

// OpenPosition opens owner's position with the given starting balances.
func (l *Ledger) OpenPosition(ctx context.Context, owner crypto.Address, asset string, collateral, debt uint64) (*cdp.Position, error) {
	var position *cdp.Position
	err := l.applyTx(ctx, "open_position", asset, func(tx *state.Tx, engine *cdp.Engine, _ *custody.Bank) error {
		if err := l.chargeQuota(tx, owner, debt); err != nil {
			return err
		}
		var err error
		position, err = engine.OpenPosition(ctx, owner, asset, collateral, debt)
		return err
	})
	return position, err
}

// Deposit locks more collateral in owner's position.
func (l *Ledger) Deposit(ctx context.Context, owner crypto.Address, asset string, amount uint64) (*cdp.Position, error) {
	return l.mutate(ctx, "deposit", owner, asset, amount, (*cdp.Engine).Deposit)
}

// Withdraw releases collateral from owner's position.
func (l *Ledger) Withdraw(ctx context.Context, owner crypto.Address, asset string, amount uint64) (*cdp.Position, error) {
	return l.mutate(ctx, "withdraw", owner, asset, amount, (*cdp.Engine).Withdraw)
}

// Borrow increases owner's debt within the borrowable ceiling.
func (l *Ledger) Borrow(ctx context.Context, owner crypto.Address, asset string, amount uint64) (*cdp.Position, error) {
	return l.mutate(ctx, "borrow", owner, asset, amount, (*cdp.Engine).Borrow)
}

// Repay reduces owner's debt.
func (l *Ledger) Repay(ctx context.Context, owner crypto.Address, asset string, amount uint64) (*cdp.Position, error) {
	return l.mutate(ctx, "repay", owner, asset, amount, (*cdp.Engine).Repay)
}

type positionOp func(*cdp.Engine, context.Context, crypto.Address, string, uint64) (*cdp.Position, error)

func (l *Ledger) mutate(ctx context.Context, op string, owner crypto.Address, asset string, amount uint64, fn positionOp) (*cdp.Position, error) {
	var borrowed uint64
	if op == "borrow" {
		borrowed = amount
	}
	var position *cdp.Position
	err := l.applyTx(ctx, op, asset, func(tx *state.Tx, engine *cdp.Engine, _ *custody.Bank) error {
		if err := l.chargeQuota(tx, owner, borrowed); err != nil {
			return err
		}
		var err error
		position, err = fn(engine, ctx, owner, asset, amount)
		return err
	})
	return position, err
}

// chargeQuota counts one request, and borrowed towards the amount cap,
// against owner. The counters live in the operation's transaction, so a
// rejected operation consumes nothing.
func (l *Ledger) chargeQuota(tx *state.Tx, owner crypto.Address, borrowed uint64) error {
	if !l.quota.Enabled() {
		return nil
	}
	prev, err := tx.GetQuota(cdp.ModuleName, owner.Bytes())
	if err != nil {
		return err
	}
	next, err := nativecommon.CheckQuota(l.quota, l.quota.WindowAt(l.now()), prev, 1, borrowed)
	if err != nil {
		return err
	}
	return tx.PutQuota(cdp.ModuleName, owner.Bytes(), next)
}

// Pool returns the pool for asset.
func (l *Ledger) Pool(asset string) (*cdp.Pool, error) {
	var pool *cdp.Pool
	err := l.view(func(engine *cdp.Engine, _ *custody.Bank) error {
		var err error
		pool, err = engine.Pool(asset)
		return err
	})
	return pool, err
}

// Pools lists every pool.
func (l *Ledger) Pools() ([]*cdp.Pool, error) {
	var pools []*cdp.Pool
	err := l.state.View(func(tx *state.Tx) error {
		var err error
		pools, err = tx.Pools()
		return err
	})
	return pools, err
}

// Position returns owner's position in the pool for asset.
func (l *Ledger) Position(owner crypto.Address, asset string) (*cdp.Position, error) {
	var position *cdp.Position
	err := l.view(func(engine *cdp.Engine, _ *custody.Bank) error {
		var err error
		position, err = engine.Position(owner, asset)
		return err
	})
	return position, err
}

// Positions lists every position of the pool for asset.
func (l *Ledger) Positions(asset string) ([]*cdp.Position, error) {
	var positions []*cdp.Position
	err := l.state.View(func(tx *state.Tx) error {
		engine, _ := l.bind(tx, events.NoopEmitter{})
		pool, err := engine.Pool(asset)
		if err != nil {
			return err
		}
		return tx.ForEachPosition(pool.AssetID, func(p *cdp.Position) error {
			positions = append(positions, p)
			return nil
		})
	})
	return positions, err
}

// PositionSnapshot pairs a position with its health at snapshot time.
type PositionSnapshot struct {
	Position *cdp.Position
	Health   *cdp.RatioReport
}

// Snapshot reads the pool for asset and every position with its health from
// one consistent view.
func (l *Ledger) Snapshot(ctx context.Context, asset string) (*cdp.Pool, []PositionSnapshot, error) {
	var (
		pool      *cdp.Pool
		snapshots []PositionSnapshot
	)
	err := l.state.View(func(tx *state.Tx) error {
		engine, _ := l.bind(tx, events.NoopEmitter{})
		var err error
		pool, err = engine.Pool(asset)
		if err != nil {
			return err
		}
		var owners []crypto.Address
		if err := tx.ForEachPosition(pool.AssetID, func(p *cdp.Position) error {
			owners = append(owners, p.Owner)
			return nil
		}); err != nil {
			return err
		}
		for _, owner := range owners {
			position, err := engine.Position(owner, pool.AssetID)
			if err != nil {
				return err
			}
			health, err := engine.Health(ctx, owner, pool.AssetID)
			if err != nil {
				return err
			}
			snapshots = append(snapshots, PositionSnapshot{Position: position, Health: health})
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return pool, snapshots, nil
}

// Health reports the collateral ratio and borrowable ceiling of a position.
func (l *Ledger) Health(ctx context.Context, owner crypto.Address, asset string) (*cdp.RatioReport, error) {
	var report *cdp.RatioReport
	err := l.view(func(engine *cdp.Engine, _ *custody.Bank) error {
		var err error
		report, err = engine.Health(ctx, owner, asset)
		return err
	})
	return report, err
}

// Audit recomputes pool totals from positions.
func (l *Ledger) Audit(asset string) (*cdp.AuditReport, error) {
	var report *cdp.AuditReport
	err := l.view(func(engine *cdp.Engine, _ *custody.Bank) error {
		var err error
		report, err = engine.Audit(asset)
		return err
	})
	return report, err
}

// RegisterAsset registers a custody asset.
func (l *Ledger) RegisterAsset(ctx context.Context, symbol string, decimals uint8) (*custody.Asset, error) {
	var asset *custody.Asset
	err := l.apply(ctx, "register_asset", "", func(_ *cdp.Engine, bank *custody.Bank) error {
		var err error
		asset, err = bank.RegisterAsset(symbol, decimals)
		return err
	})
	return asset, err
}

// EnsureAsset registers symbol unless it already exists with the same
// decimals.
func (l *Ledger) EnsureAsset(ctx context.Context, symbol string, decimals uint8) error {
	_, err := l.RegisterAsset(ctx, symbol, decimals)
	if !errors.Is(err, custody.ErrAssetExists) {
		return err
	}
	var existing *custody.Asset
	if err := l.view(func(_ *cdp.Engine, bank *custody.Bank) error {
		var err error
		existing, err = bank.Asset(symbol)
		return err
	}); err != nil {
		return err
	}
	if existing.Decimals != decimals {
		return fmt.Errorf("%w: %s registered with %d decimals, configured %d", custody.ErrDecimalsMismatch, existing.Symbol, existing.Decimals, decimals)
	}
	return nil
}

// Credit funds account with amount of asset.
func (l *Ledger) Credit(ctx context.Context, account, asset string, amount uint64) (uint64, error) {
	var balance uint64
	err := l.apply(ctx, "credit", "", func(_ *cdp.Engine, bank *custody.Bank) error {
		var err error
		balance, err = bank.Credit(ctx, account, asset, amount)
		return err
	})
	return balance, err
}

// Balance returns the custody balance of account.
func (l *Ledger) Balance(account, asset string) (uint64, error) {
	var balance uint64
	err := l.view(func(_ *cdp.Engine, bank *custody.Bank) error {
		var err error
		balance, err = bank.Balance(account, asset)
		return err
	})
	return balance, err
}

// SetPaused toggles the pause flag of module. Only the cdp and custody
// modules are recognised.
func (l *Ledger) SetPaused(ctx context.Context, module string, paused bool) error {
	switch module {
	case cdp.ModuleName, custody.ModuleName:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownModule, module)
	}
	err := l.state.Update(func(tx *state.Tx) error {
		return tx.SetPaused(module, paused)
	})
	if err == nil {
		l.logger.InfoContext(ctx, "module pause updated", "module", module, "paused", paused)
	}
	return err
}

// StateDigest returns the BLAKE3 digest of the full state.
func (l *Ledger) StateDigest() ([32]byte, error) {
	return l.state.StateDigest()
}

var outcomeLabels = map[error]string{
	cdp.ErrAlreadyExists:         "already_exists",
	cdp.ErrInsufficientFunds:     "insufficient_funds",
	cdp.ErrOverBorrowableAmount:  "over_borrowable",
	cdp.ErrOverRepay:             "over_repay",
	cdp.ErrTransferFailed:        "transfer_failed",
	cdp.ErrStalePrice:            "stale_price",
	cdp.ErrFeedNotFound:          "feed_not_found",
	cdp.ErrPoolNotFound:          "not_found",
	cdp.ErrPositionNotFound:      "not_found",
	cdp.ErrInvalidAmount:         "invalid",
	cdp.ErrInvalidAsset:          "invalid_asset",
	cdp.ErrOverflow:              "overflow",
	cdp.ErrUndercollateralized:   "undercollateralized",
	nativecommon.ErrModulePaused: "paused",
	custody.ErrUnknownAsset:      "unknown_asset",

	nativecommon.ErrQuotaRequestsExceeded: "quota_exceeded",
	nativecommon.ErrQuotaAmountExceeded:   "quota_exceeded",
	nativecommon.ErrQuotaCounterOverflow:  "quota_exceeded",
}

// OutcomeLabel classifies an operation error for metrics.
func OutcomeLabel(err error) string {
	return observability.ErrorLabel(err, outcomeLabels)
}

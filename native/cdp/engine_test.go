package cdp

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"reflect"
	"strings"
	"testing"
	"time"

	"cdpledger/core/events"
	"cdpledger/crypto"
	nativecommon "cdpledger/native/common"
)

func TestOpenPoolInitialisesDefaults(t *testing.T) {
	f := newFixture(Policy{})
	pool := f.openPool(" sol ")

	if pool.AssetID != "SOL" {
		t.Fatalf("expected normalised asset SOL, got %q", pool.AssetID)
	}
	if pool.MinimumCollateralRatio != 110 || pool.CriticalCollateralRatio != 150 || pool.MinimumDebt != 1000 || pool.Fee != 1 {
		t.Fatalf("unexpected risk parameters: %+v", pool)
	}
	if pool.TotalCollateral != 0 || pool.TotalDebt != 0 || pool.TotalStakes != 0 || pool.IsRecoveryMode {
		t.Fatalf("expected zeroed counters: %+v", pool)
	}
	if pool.Treasury != "treasury/SOL" || pool.Decimals != 9 || pool.Authority.Account != "treasury/SOL" {
		t.Fatalf("unexpected treasury wiring: %+v", pool)
	}
	if !pool.Owner.Equal(f.creator) {
		t.Fatalf("expected creator as owner")
	}
	if len(f.emitter.types) != 1 || f.emitter.types[0] != events.TypeCDPPoolOpened {
		t.Fatalf("unexpected events: %v", f.emitter.types)
	}
}

func TestOpenPoolTwiceFails(t *testing.T) {
	f := newFixture(Policy{})
	f.openPool("SOL")
	if _, err := f.engine.OpenPool(context.Background(), f.creator, "sol"); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestOpenPoolRejectsUnsafeAssetIDs(t *testing.T) {
	f := newFixture(Policy{})
	for _, asset := range []string{"SOL/X", "SOL X", " "} {
		if _, err := f.engine.OpenPool(context.Background(), f.creator, asset); !errors.Is(err, ErrInvalidAsset) {
			t.Fatalf("%q: expected ErrInvalidAsset, got %v", asset, err)
		}
	}
	if len(f.state.pools) != 0 {
		t.Fatalf("pool must not be stored")
	}
}

func TestOpenPoolRejectsInvalidParams(t *testing.T) {
	f := newFixture(Policy{})
	f.engine = NewEngine(RiskParameters{MinimumCollateralRatio: 0, CriticalCollateralRatio: 150}, Policy{})
	f.engine.SetState(f.state)
	f.engine.SetCustody(f.custody)
	if _, err := f.engine.OpenPool(context.Background(), f.creator, "SOL"); err == nil {
		t.Fatalf("expected error for zero MCR")
	}
	if len(f.state.pools) != 0 {
		t.Fatalf("pool must not be stored")
	}
}

func TestOpenPositionMovesCollateral(t *testing.T) {
	f := newFixture(Policy{})
	f.openPool("SOL")
	owner := makeAddress(crypto.OwnerPrefix, 0x11)

	position := f.openFunded(owner, "SOL", 50, 40, 5)
	if position.Collateral != 40 || position.Debt != 5 || position.Stake != 0 {
		t.Fatalf("unexpected position: %+v", position)
	}
	if got := f.custody.balance(owner.String(), "SOL"); got != 10 {
		t.Fatalf("expected owner balance 10, got %d", got)
	}
	if got := f.custody.balance("treasury/SOL", "SOL"); got != 40 {
		t.Fatalf("expected treasury balance 40, got %d", got)
	}
	pool := f.state.pools["SOL"]
	if pool.TotalCollateral != 40 || pool.TotalDebt != 5 {
		t.Fatalf("unexpected pool totals: %+v", pool)
	}
}

func TestOpenPositionWithoutCollateralSkipsTransfer(t *testing.T) {
	f := newFixture(Policy{})
	f.openPool("SOL")
	owner := makeAddress(crypto.OwnerPrefix, 0x12)
	if _, err := f.engine.OpenPosition(context.Background(), owner, "SOL", 0, 0); err != nil {
		t.Fatalf("open position: %v", err)
	}
	if len(f.custody.transfers) != 0 {
		t.Fatalf("expected no transfers, got %d", len(f.custody.transfers))
	}
}

func TestOpenPositionTwiceKeepsFirst(t *testing.T) {
	f := newFixture(Policy{})
	f.openPool("SOL")
	owner := makeAddress(crypto.OwnerPrefix, 0x13)
	f.openFunded(owner, "SOL", 100, 30, 2)
	before := *f.state.positions[f.state.positionKey("SOL", owner)]
	poolBefore := *f.state.pools["SOL"]

	if _, err := f.engine.OpenPosition(context.Background(), owner, "SOL", 60, 9); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	after := *f.state.positions[f.state.positionKey("SOL", owner)]
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("first position changed: %+v -> %+v", before, after)
	}
	if !reflect.DeepEqual(poolBefore, *f.state.pools["SOL"]) {
		t.Fatalf("pool changed on rejected open")
	}
}

func TestOpenPositionRequiresPool(t *testing.T) {
	f := newFixture(Policy{})
	owner := makeAddress(crypto.OwnerPrefix, 0x14)
	if _, err := f.engine.OpenPosition(context.Background(), owner, "SOL", 0, 0); !errors.Is(err, ErrPoolNotFound) {
		t.Fatalf("expected ErrPoolNotFound, got %v", err)
	}
}

func TestBorrowCeiling(t *testing.T) {
	tests := []struct {
		name    string
		amount  uint64
		wantErr error
	}{
		{name: "at ceiling", amount: 1818},
		{name: "above ceiling", amount: 1819, wantErr: ErrOverBorrowableAmount},
	}
	for i, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(Policy{})
			f.openPool("SOL")
			owner := makeAddress(crypto.OwnerPrefix, byte(0x20+i))
			f.openFunded(owner, "SOL", 10, 10, 0)

			position, err := f.engine.Borrow(context.Background(), owner, "SOL", tc.amount)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				if debt := f.state.positions[f.state.positionKey("SOL", owner)].Debt; debt != 0 {
					t.Fatalf("debt changed on failure: %d", debt)
				}
				return
			}
			if err != nil {
				t.Fatalf("borrow: %v", err)
			}
			if position.Debt != tc.amount || f.state.pools["SOL"].TotalDebt != tc.amount {
				t.Fatalf("unexpected debt: position %d pool %d", position.Debt, f.state.pools["SOL"].TotalDebt)
			}
		})
	}
}

func TestBorrowComparesIncrementOnlyByDefault(t *testing.T) {
	f := newFixture(Policy{})
	f.openPool("SOL")
	owner := makeAddress(crypto.OwnerPrefix, 0x30)
	f.openFunded(owner, "SOL", 10, 10, 0)

	for i := 0; i < 3; i++ {
		if _, err := f.engine.Borrow(context.Background(), owner, "SOL", 1818); err != nil {
			t.Fatalf("borrow %d: %v", i, err)
		}
	}
	if debt := f.state.positions[f.state.positionKey("SOL", owner)].Debt; debt != 3*1818 {
		t.Fatalf("expected cumulative debt %d, got %d", 3*1818, debt)
	}
}

func TestBorrowIncludingExistingDebt(t *testing.T) {
	f := newFixture(Policy{BorrowIncludesExistingDebt: true})
	f.openPool("SOL")
	owner := makeAddress(crypto.OwnerPrefix, 0x31)
	f.openFunded(owner, "SOL", 10, 10, 0)

	if _, err := f.engine.Borrow(context.Background(), owner, "SOL", 1000); err != nil {
		t.Fatalf("first borrow: %v", err)
	}
	if _, err := f.engine.Borrow(context.Background(), owner, "SOL", 819); !errors.Is(err, ErrOverBorrowableAmount) {
		t.Fatalf("expected ErrOverBorrowableAmount, got %v", err)
	}
	if _, err := f.engine.Borrow(context.Background(), owner, "SOL", 818); err != nil {
		t.Fatalf("borrow up to ceiling: %v", err)
	}
}

func TestBorrowUsesPriceFeed(t *testing.T) {
	f := newFixture(Policy{MaxPriceStaleness: 5 * time.Second})
	feed := &stubFeed{quote: PriceQuote{Price: 110}}
	f.engine.SetPriceFeed(feed)
	f.openPool("SOL")
	owner := makeAddress(crypto.OwnerPrefix, 0x32)
	f.openFunded(owner, "SOL", 3, 3, 0)

	// 110*3*100/110 = 300
	if _, err := f.engine.Borrow(context.Background(), owner, "SOL", 301); !errors.Is(err, ErrOverBorrowableAmount) {
		t.Fatalf("expected ErrOverBorrowableAmount, got %v", err)
	}
	if _, err := f.engine.Borrow(context.Background(), owner, "SOL", 300); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if feed.seen != 5*time.Second {
		t.Fatalf("expected staleness bound to be forwarded, got %s", feed.seen)
	}

	feed.err = ErrStalePrice
	if _, err := f.engine.Borrow(context.Background(), owner, "SOL", 1); !errors.Is(err, ErrStalePrice) {
		t.Fatalf("expected ErrStalePrice, got %v", err)
	}
	feed.err = ErrFeedNotFound
	if _, err := f.engine.Borrow(context.Background(), owner, "SOL", 1); !errors.Is(err, ErrFeedNotFound) {
		t.Fatalf("expected ErrFeedNotFound, got %v", err)
	}
}

func TestBorrowCeilingDoesNotOverflow(t *testing.T) {
	f := newFixture(Policy{})
	f.openPool("SOL")
	owner := makeAddress(crypto.OwnerPrefix, 0x33)
	f.openFunded(owner, "SOL", math.MaxUint64, math.MaxUint64, 0)

	if _, err := f.engine.Borrow(context.Background(), owner, "SOL", math.MaxUint64); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if _, err := f.engine.Borrow(context.Background(), owner, "SOL", 1); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
	ceiling, err := f.engine.BorrowableCeiling(context.Background(), owner, "SOL")
	if err != nil {
		t.Fatalf("ceiling: %v", err)
	}
	if ceiling != math.MaxUint64 {
		t.Fatalf("expected saturated ceiling, got %d", ceiling)
	}
}

func TestWithdrawBound(t *testing.T) {
	f := newFixture(Policy{})
	f.openPool("SOL")
	owner := makeAddress(crypto.OwnerPrefix, 0x40)
	f.openFunded(owner, "SOL", 25, 25, 0)

	if _, err := f.engine.Withdraw(context.Background(), owner, "SOL", 26); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	position, err := f.engine.Withdraw(context.Background(), owner, "SOL", 25)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if position.Collateral != 0 || f.state.pools["SOL"].TotalCollateral != 0 {
		t.Fatalf("unexpected balances after full withdraw: %+v", position)
	}
	if got := f.custody.balance(owner.String(), "SOL"); got != 25 {
		t.Fatalf("expected owner to be repaid 25, got %d", got)
	}
	last := f.custody.transfers[len(f.custody.transfers)-1]
	if last.From != "treasury/SOL" || !last.Authority.Equal(f.state.pools["SOL"].Authority) {
		t.Fatalf("withdraw must use the pool authority: %+v", last)
	}
}

func TestWithdrawIgnoresSolvencyByDefault(t *testing.T) {
	f := newFixture(Policy{})
	f.openPool("SOL")
	owner := makeAddress(crypto.OwnerPrefix, 0x41)
	f.openFunded(owner, "SOL", 10, 10, 1818)

	if _, err := f.engine.Withdraw(context.Background(), owner, "SOL", 10); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
}

func TestWithdrawChecksSolvencyWhenEnabled(t *testing.T) {
	f := newFixture(Policy{WithdrawChecksSolvency: true})
	f.openPool("SOL")
	owner := makeAddress(crypto.OwnerPrefix, 0x42)
	// 200*10*100/1818 = 110 percent, exactly at the minimum.
	f.openFunded(owner, "SOL", 10, 10, 1818)

	if _, err := f.engine.Withdraw(context.Background(), owner, "SOL", 1); !errors.Is(err, ErrUndercollateralized) {
		t.Fatalf("expected ErrUndercollateralized, got %v", err)
	}
	if got := f.custody.balance("treasury/SOL", "SOL"); got != 10 {
		t.Fatalf("treasury changed on rejected withdraw: %d", got)
	}
	if _, err := f.engine.Repay(context.Background(), owner, "SOL", 1818); err != nil {
		t.Fatalf("repay: %v", err)
	}
	if _, err := f.engine.Withdraw(context.Background(), owner, "SOL", 10); err != nil {
		t.Fatalf("withdraw after repay: %v", err)
	}
}

func TestRepayBound(t *testing.T) {
	f := newFixture(Policy{})
	f.openPool("SOL")
	owner := makeAddress(crypto.OwnerPrefix, 0x50)
	f.openFunded(owner, "SOL", 10, 10, 0)
	if _, err := f.engine.Borrow(context.Background(), owner, "SOL", 500); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	if _, err := f.engine.Repay(context.Background(), owner, "SOL", 501); !errors.Is(err, ErrOverRepay) {
		t.Fatalf("expected ErrOverRepay, got %v", err)
	}
	position, err := f.engine.Repay(context.Background(), owner, "SOL", 500)
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if position.Debt != 0 || f.state.pools["SOL"].TotalDebt != 0 {
		t.Fatalf("expected zero debt, got position %d pool %d", position.Debt, f.state.pools["SOL"].TotalDebt)
	}
}

func TestRepayTransfersWhenAssetConfigured(t *testing.T) {
	f := newFixture(Policy{RepayAsset: "usd", RepayDecimals: 6})
	f.openPool("SOL")
	owner := makeAddress(crypto.OwnerPrefix, 0x51)
	f.openFunded(owner, "SOL", 10, 10, 100)

	if _, err := f.engine.Repay(context.Background(), owner, "SOL", 40); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed without debt asset balance, got %v", err)
	}
	if debt := f.state.positions[f.state.positionKey("SOL", owner)].Debt; debt != 100 {
		t.Fatalf("debt changed on failed repay: %d", debt)
	}

	f.custody.credit(owner.String(), "USD", 40)
	if _, err := f.engine.Repay(context.Background(), owner, "SOL", 40); err != nil {
		t.Fatalf("repay: %v", err)
	}
	if got := f.custody.balance("treasury/SOL", "USD"); got != 40 {
		t.Fatalf("expected 40 USD in treasury, got %d", got)
	}
	last := f.custody.transfers[len(f.custody.transfers)-1]
	if last.Asset != "USD" || last.Decimals != 6 {
		t.Fatalf("unexpected repay transfer: %+v", last)
	}
}

func TestDepositTransferFailureIsAtomic(t *testing.T) {
	f := newFixture(Policy{})
	f.openPool("SOL")
	owner := makeAddress(crypto.OwnerPrefix, 0x60)
	f.openFunded(owner, "SOL", 100, 10, 0)
	emitted := len(f.emitter.types)

	f.custody.failNext = true
	_, err := f.engine.Deposit(context.Background(), owner, "SOL", 5)
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), errFakeDenied.Error()) {
		t.Fatalf("expected collaborator error to be carried: %v", err)
	}
	if c := f.state.positions[f.state.positionKey("SOL", owner)].Collateral; c != 10 {
		t.Fatalf("position collateral changed: %d", c)
	}
	if c := f.state.pools["SOL"].TotalCollateral; c != 10 {
		t.Fatalf("pool collateral changed: %d", c)
	}
	if len(f.emitter.types) != emitted {
		t.Fatalf("failed deposit emitted an event")
	}

	position, err := f.engine.Deposit(context.Background(), owner, "SOL", 5)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if position.Collateral != 15 || f.custody.balance("treasury/SOL", "SOL") != 15 {
		t.Fatalf("unexpected balances after deposit")
	}
}

func TestDepositBeyondOwnerFundsFails(t *testing.T) {
	f := newFixture(Policy{})
	f.openPool("SOL")
	owner := makeAddress(crypto.OwnerPrefix, 0x61)
	f.openFunded(owner, "SOL", 10, 10, 0)
	if _, err := f.engine.Deposit(context.Background(), owner, "SOL", 1); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
}

func TestOperationsRejectZeroAmount(t *testing.T) {
	f := newFixture(Policy{})
	f.openPool("SOL")
	owner := makeAddress(crypto.OwnerPrefix, 0x70)
	f.openFunded(owner, "SOL", 10, 10, 10)

	ops := map[string]func() error{
		"deposit":  func() error { _, err := f.engine.Deposit(context.Background(), owner, "SOL", 0); return err },
		"withdraw": func() error { _, err := f.engine.Withdraw(context.Background(), owner, "SOL", 0); return err },
		"borrow":   func() error { _, err := f.engine.Borrow(context.Background(), owner, "SOL", 0); return err },
		"repay":    func() error { _, err := f.engine.Repay(context.Background(), owner, "SOL", 0); return err },
	}
	for name, op := range ops {
		if err := op(); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("%s: expected ErrInvalidAmount, got %v", name, err)
		}
	}
}

func TestMissingPositionReported(t *testing.T) {
	f := newFixture(Policy{})
	f.openPool("SOL")
	stranger := makeAddress(crypto.OwnerPrefix, 0x71)
	if _, err := f.engine.Deposit(context.Background(), stranger, "SOL", 1); !errors.Is(err, ErrPositionNotFound) {
		t.Fatalf("expected ErrPositionNotFound, got %v", err)
	}
	if _, err := f.engine.Borrow(context.Background(), stranger, "ETH", 1); !errors.Is(err, ErrPoolNotFound) {
		t.Fatalf("expected ErrPoolNotFound, got %v", err)
	}
}

func TestPauseGuardBlocksMutation(t *testing.T) {
	f := newFixture(Policy{})
	f.openPool("SOL")
	owner := makeAddress(crypto.OwnerPrefix, 0x72)
	f.openFunded(owner, "SOL", 10, 10, 0)
	f.engine.SetPauses(stubPauseView{modules: map[string]bool{"cdp": true}})

	if _, err := f.engine.Borrow(context.Background(), owner, "SOL", 1); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if debt := f.state.positions[f.state.positionKey("SOL", owner)].Debt; debt != 0 {
		t.Fatalf("debt changed while paused: %d", debt)
	}
	if _, err := f.engine.Position(owner, "SOL"); err != nil {
		t.Fatalf("reads must still work while paused: %v", err)
	}
}

func TestCanceledContextRejected(t *testing.T) {
	f := newFixture(Policy{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.engine.OpenPool(ctx, f.creator, "SOL"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestHealthReport(t *testing.T) {
	f := newFixture(Policy{})
	f.openPool("SOL")
	owner := makeAddress(crypto.OwnerPrefix, 0x73)
	f.openFunded(owner, "SOL", 10, 10, 0)

	ratio, bounded, err := f.engine.CollateralRatio(context.Background(), owner, "SOL")
	if err != nil {
		t.Fatalf("ratio: %v", err)
	}
	if bounded {
		t.Fatalf("expected unbounded ratio without debt, got %d", ratio)
	}
	if _, err := f.engine.Borrow(context.Background(), owner, "SOL", 1000); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	report, err := f.engine.Health(context.Background(), owner, "SOL")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if !report.Bounded || report.Ratio != 200 || report.Ceiling != 1818 || !report.Healthy || report.Price != SyntheticPrice {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestFailedOperationsLeaveStateIdentical(t *testing.T) {
	f := newFixture(Policy{WithdrawChecksSolvency: true})
	f.openPool("SOL")
	owner := makeAddress(crypto.OwnerPrefix, 0x74)
	f.openFunded(owner, "SOL", 20, 10, 1000)

	snapshot := func() (Pool, Position) {
		return *f.state.pools["SOL"].Clone(), *f.state.positions[f.state.positionKey("SOL", owner)].Clone()
	}
	pool0, pos0 := snapshot()

	failures := []func() error{
		func() error { _, err := f.engine.Withdraw(context.Background(), owner, "SOL", 11); return err },
		func() error { _, err := f.engine.Withdraw(context.Background(), owner, "SOL", 9); return err },
		func() error { _, err := f.engine.Borrow(context.Background(), owner, "SOL", 1819); return err },
		func() error { _, err := f.engine.Repay(context.Background(), owner, "SOL", 1001); return err },
		func() error { _, err := f.engine.Deposit(context.Background(), owner, "SOL", 11); return err },
		func() error { _, err := f.engine.OpenPosition(context.Background(), owner, "SOL", 1, 1); return err },
	}
	for i, op := range failures {
		if err := op(); err == nil {
			t.Fatalf("operation %d unexpectedly succeeded", i)
		}
		pool, pos := snapshot()
		if !reflect.DeepEqual(pool0, pool) || !reflect.DeepEqual(pos0, pos) {
			t.Fatalf("operation %d mutated state", i)
		}
	}
}

func TestConservationAcrossRandomSequence(t *testing.T) {
	f := newFixture(Policy{})
	f.openPool("SOL")
	rng := rand.New(rand.NewSource(42))

	owners := make([]crypto.Address, 5)
	for i := range owners {
		owners[i] = makeAddress(crypto.OwnerPrefix, byte(0x80+i))
		f.openFunded(owners[i], "SOL", 10_000, uint64(rng.Intn(100)), 0)
	}

	ctx := context.Background()
	for step := 0; step < 500; step++ {
		owner := owners[rng.Intn(len(owners))]
		amount := uint64(rng.Intn(400) + 1)
		before := *f.state.positions[f.state.positionKey("SOL", owner)]

		var (
			after *Position
			err   error
		)
		switch rng.Intn(4) {
		case 0:
			after, err = f.engine.Deposit(ctx, owner, "SOL", amount)
		case 1:
			after, err = f.engine.Withdraw(ctx, owner, "SOL", amount)
			if err == nil && after.Collateral != before.Collateral-amount {
				t.Fatalf("withdraw moved %d, expected %d", before.Collateral-after.Collateral, amount)
			}
			if (amount <= before.Collateral) != (err == nil) {
				t.Fatalf("withdraw bound violated: amount %d collateral %d err %v", amount, before.Collateral, err)
			}
		case 2:
			after, err = f.engine.Borrow(ctx, owner, "SOL", amount)
		case 3:
			after, err = f.engine.Repay(ctx, owner, "SOL", amount)
			if (amount <= before.Debt) != (err == nil) {
				t.Fatalf("repay bound violated: amount %d debt %d err %v", amount, before.Debt, err)
			}
		}
		_ = after

		if _, auditErr := f.engine.Audit("SOL"); auditErr != nil {
			t.Fatalf("step %d: %v", step, auditErr)
		}
		if treasury := f.custody.balance("treasury/SOL", "SOL"); treasury != f.state.pools["SOL"].TotalCollateral {
			t.Fatalf("step %d: treasury %d != total collateral %d", step, treasury, f.state.pools["SOL"].TotalCollateral)
		}
	}
}

func TestAuditDetectsDrift(t *testing.T) {
	f := newFixture(Policy{})
	f.openPool("SOL")
	owner := makeAddress(crypto.OwnerPrefix, 0x90)
	f.openFunded(owner, "SOL", 10, 10, 5)

	report, err := f.engine.Audit("SOL")
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if report.Positions != 1 || report.SumCollateral != 10 || report.SumDebt != 5 {
		t.Fatalf("unexpected report: %+v", report)
	}

	f.state.pools["SOL"].TotalDebt = 6
	if _, err := f.engine.Audit("SOL"); !errors.Is(err, ErrConservationViolated) {
		t.Fatalf("expected ErrConservationViolated, got %v", err)
	}
}

func TestEventsEmittedPerOperation(t *testing.T) {
	f := newFixture(Policy{})
	f.openPool("SOL")
	owner := makeAddress(crypto.OwnerPrefix, 0x91)
	f.openFunded(owner, "SOL", 20, 10, 0)
	ctx := context.Background()
	if _, err := f.engine.Deposit(ctx, owner, "SOL", 5); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := f.engine.Borrow(ctx, owner, "SOL", 5); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if _, err := f.engine.Repay(ctx, owner, "SOL", 5); err != nil {
		t.Fatalf("repay: %v", err)
	}
	if _, err := f.engine.Withdraw(ctx, owner, "SOL", 5); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	want := []string{
		events.TypeCDPPoolOpened,
		events.TypeCDPPositionOpened,
		events.TypeCDPCollateralDeposited,
		events.TypeCDPDebtBorrowed,
		events.TypeCDPDebtRepaid,
		events.TypeCDPCollateralWithdrawn,
	}
	if !reflect.DeepEqual(f.emitter.types, want) {
		t.Fatalf("unexpected events: %v", f.emitter.types)
	}
}

func TestNilEngineState(t *testing.T) {
	engine := NewEngine(DefaultRiskParameters(), Policy{})
	if _, err := engine.Pool("SOL"); !errors.Is(err, ErrNilState) {
		t.Fatalf("expected ErrNilState, got %v", err)
	}
	var nilEngine *Engine
	if _, err := nilEngine.Deposit(context.Background(), makeAddress(crypto.OwnerPrefix, 1), "SOL", 1); !errors.Is(err, ErrNilState) {
		t.Fatalf("expected ErrNilState from nil engine, got %v", err)
	}
}

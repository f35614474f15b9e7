package custody

import (
	"context"
	"errors"
	"testing"

	"cdpledger/native/cdp"
	nativecommon "cdpledger/native/common"
)

type mapState struct {
	assets   map[string]*Asset
	balances map[string]uint64
}

func newMapState() *mapState {
	return &mapState{assets: make(map[string]*Asset), balances: make(map[string]uint64)}
}

func (m *mapState) GetAsset(symbol string) (*Asset, error) {
	if asset, ok := m.assets[symbol]; ok {
		clone := *asset
		return &clone, nil
	}
	return nil, nil
}

func (m *mapState) PutAsset(asset *Asset) error {
	clone := *asset
	m.assets[asset.Symbol] = &clone
	return nil
}

func (m *mapState) GetBalance(account, asset string) (uint64, error) {
	return m.balances[account+"|"+asset], nil
}

func (m *mapState) PutBalance(account, asset string, amount uint64) error {
	m.balances[account+"|"+asset] = amount
	return nil
}

func newTestBank(t *testing.T) (*Bank, *mapState) {
	t.Helper()
	bank := NewBank([]byte("test-secret"))
	state := newMapState()
	bank.SetState(state)
	if _, err := bank.RegisterAsset("sol", 9); err != nil {
		t.Fatalf("register asset: %v", err)
	}
	return bank, state
}

func TestRegisterAssetTwice(t *testing.T) {
	bank, _ := newTestBank(t)
	if _, err := bank.RegisterAsset("SOL", 9); !errors.Is(err, ErrAssetExists) {
		t.Fatalf("expected ErrAssetExists, got %v", err)
	}
}

func TestRegisterAssetRejectsKeySeparators(t *testing.T) {
	bank, state := newTestBank(t)
	for _, symbol := range []string{"sol/x", "", "a|b"} {
		if _, err := bank.RegisterAsset(symbol, 9); !errors.Is(err, cdp.ErrInvalidAsset) {
			t.Fatalf("%q: expected cdp.ErrInvalidAsset, got %v", symbol, err)
		}
	}
	if len(state.assets) != 1 {
		t.Fatalf("expected only SOL registered, got %d assets", len(state.assets))
	}
}

func TestCreditAndTransfer(t *testing.T) {
	bank, _ := newTestBank(t)
	ctx := context.Background()
	if _, err := bank.Credit(ctx, "alice", "SOL", 100); err != nil {
		t.Fatalf("credit: %v", err)
	}
	err := bank.Transfer(ctx, cdp.TransferRequest{From: "alice", To: "bob", Asset: "sol", Amount: 40, Decimals: 9})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	alice, _ := bank.Balance("alice", "SOL")
	bob, _ := bank.Balance("bob", "SOL")
	if alice != 60 || bob != 40 {
		t.Fatalf("unexpected balances alice=%d bob=%d", alice, bob)
	}
}

func TestTransferRejections(t *testing.T) {
	bank, state := newTestBank(t)
	ctx := context.Background()
	if _, err := bank.Credit(ctx, "alice", "SOL", 10); err != nil {
		t.Fatalf("credit: %v", err)
	}
	treasury, err := bank.OpenTreasury(ctx, "SOL")
	if err != nil {
		t.Fatalf("open treasury: %v", err)
	}
	if _, err := bank.Credit(ctx, treasury.Account, "SOL", 10); err != nil {
		t.Fatalf("credit treasury: %v", err)
	}
	forged := bank.IssueAuthority("treasury/ETH")

	tests := []struct {
		name string
		req  cdp.TransferRequest
		want error
	}{
		{"unknown asset", cdp.TransferRequest{From: "alice", To: "bob", Asset: "ETH", Amount: 1, Decimals: 9}, ErrUnknownAsset},
		{"decimals mismatch", cdp.TransferRequest{From: "alice", To: "bob", Asset: "SOL", Amount: 1, Decimals: 6}, ErrDecimalsMismatch},
		{"insufficient", cdp.TransferRequest{From: "alice", To: "bob", Asset: "SOL", Amount: 11, Decimals: 9}, ErrInsufficientBalance},
		{"zero", cdp.TransferRequest{From: "alice", To: "bob", Asset: "SOL", Decimals: 9}, ErrInvalidAmount},
		{"self", cdp.TransferRequest{From: "alice", To: "alice", Asset: "SOL", Amount: 1, Decimals: 9}, ErrInvalidAccount},
		{"treasury without authority", cdp.TransferRequest{From: treasury.Account, To: "bob", Asset: "SOL", Amount: 1, Decimals: 9}, ErrUnauthorized},
		{"treasury with foreign authority", cdp.TransferRequest{From: treasury.Account, To: "bob", Asset: "SOL", Amount: 1, Decimals: 9, Authority: forged}, ErrUnauthorized},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			before := make(map[string]uint64, len(state.balances))
			for k, v := range state.balances {
				before[k] = v
			}
			if err := bank.Transfer(ctx, tc.req); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if len(before) != len(state.balances) {
				t.Fatalf("balances changed on rejection")
			}
			for k, v := range before {
				if state.balances[k] != v {
					t.Fatalf("balance %s changed on rejection", k)
				}
			}
		})
	}

	if err := bank.Transfer(ctx, cdp.TransferRequest{From: treasury.Account, To: "bob", Asset: "SOL", Amount: 4, Decimals: 9, Authority: treasury.Authority}); err != nil {
		t.Fatalf("authorised treasury transfer: %v", err)
	}
}

func TestAuthorityDependsOnSecret(t *testing.T) {
	a := NewBank([]byte("one"))
	b := NewBank([]byte("two"))
	auth := a.IssueAuthority("treasury/SOL")
	if !a.VerifyAuthority("treasury/SOL", auth) {
		t.Fatalf("issuer must accept its own authority")
	}
	if b.VerifyAuthority("treasury/SOL", auth) {
		t.Fatalf("authority must not verify under another secret")
	}
	if a.VerifyAuthority("treasury/ETH", auth) {
		t.Fatalf("authority must be bound to its account")
	}
}

func TestOpenTreasuryRequiresAsset(t *testing.T) {
	bank, _ := newTestBank(t)
	if _, err := bank.OpenTreasury(context.Background(), "ETH"); !errors.Is(err, ErrUnknownAsset) {
		t.Fatalf("expected ErrUnknownAsset, got %v", err)
	}
	treasury, err := bank.OpenTreasury(context.Background(), "sol")
	if err != nil {
		t.Fatalf("open treasury: %v", err)
	}
	if treasury.Account != "treasury/SOL" || treasury.Decimals != 9 {
		t.Fatalf("unexpected treasury: %+v", treasury)
	}
}

func TestPausedBankRejectsTransfers(t *testing.T) {
	bank, _ := newTestBank(t)
	bank.SetPauses(nativecommon.PauseFunc(func(module string) bool { return module == "custody" }))
	if _, err := bank.Credit(context.Background(), "alice", "SOL", 1); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
}

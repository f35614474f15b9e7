package custody

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"lukechampine.com/blake3"

	"cdpledger/core/types"
	"cdpledger/native/cdp"
	nativecommon "cdpledger/native/common"
)

const moduleName = "custody"

// ModuleName is the pause-guard key for custody transfers.
const ModuleName = moduleName

// TreasuryPrefix marks accounts that can only be debited with an authority.
const TreasuryPrefix = "treasury/"

var (
	ErrNilState            = errors.New("custody: state not configured")
	ErrUnknownAsset        = errors.New("custody: unknown asset")
	ErrAssetExists         = errors.New("custody: asset already registered")
	ErrDecimalsMismatch    = errors.New("custody: decimals mismatch")
	ErrInsufficientBalance = errors.New("custody: insufficient balance")
	ErrUnauthorized        = errors.New("custody: authority does not control account")
	ErrInvalidAccount      = errors.New("custody: invalid account")
	ErrInvalidAmount       = errors.New("custody: amount must be positive")
	ErrBalanceOverflow     = errors.New("custody: balance overflow")
)

// Asset is a registered transferable asset.
type Asset struct {
	Symbol   string
	Decimals uint8
}

type bankState interface {
	GetAsset(symbol string) (*Asset, error)
	PutAsset(asset *Asset) error
	GetBalance(account, asset string) (uint64, error)
	PutBalance(account, asset string, amount uint64) error
}

// Bank is the ledger-backed custody collaborator. Balances live in the same
// state transaction as the pool and position records so that a transfer and
// the accounting change it funds commit together.
type Bank struct {
	state  bankState
	key    [32]byte
	pauses nativecommon.PauseView
}

// NewBank derives the authority signing key from secret.
func NewBank(secret []byte) *Bank {
	return &Bank{key: blake3.Sum256(secret)}
}

// SetState wires the bank to the external persistence layer.
func (b *Bank) SetState(state bankState) { b.state = state }

// Bind returns a bank sharing b's signing key that operates on state. The
// receiver is left untouched so one configured bank can serve many
// transactions.
func (b *Bank) Bind(state bankState) *Bank {
	if b == nil {
		return nil
	}
	return &Bank{state: state, key: b.key, pauses: b.pauses}
}

func (b *Bank) SetPauses(p nativecommon.PauseView) {
	if b == nil {
		return
	}
	b.pauses = p
}

// TreasuryAccount returns the custody account that holds a pool's collateral.
func TreasuryAccount(asset string) string {
	return TreasuryPrefix + normalizeSymbol(asset)
}

// RegisterAsset records a transferable asset and its precision.
func (b *Bank) RegisterAsset(symbol string, decimals uint8) (*Asset, error) {
	if err := b.ready(); err != nil {
		return nil, err
	}
	normalized := normalizeSymbol(symbol)
	if !types.ValidAsset(normalized) {
		return nil, fmt.Errorf("%w: %q", cdp.ErrInvalidAsset, symbol)
	}
	existing, err := b.state.GetAsset(normalized)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrAssetExists
	}
	asset := &Asset{Symbol: normalized, Decimals: decimals}
	if err := b.state.PutAsset(asset); err != nil {
		return nil, err
	}
	return asset, nil
}

// Asset returns the registered asset metadata.
func (b *Bank) Asset(symbol string) (*Asset, error) {
	if err := b.ready(); err != nil {
		return nil, err
	}
	asset, err := b.state.GetAsset(normalizeSymbol(symbol))
	if err != nil {
		return nil, err
	}
	if asset == nil {
		return nil, ErrUnknownAsset
	}
	return asset, nil
}

// Credit mints amount of asset into account. It is the operator funding path
// and returns the new balance.
func (b *Bank) Credit(ctx context.Context, account, symbol string, amount uint64) (uint64, error) {
	if err := b.guard(ctx); err != nil {
		return 0, err
	}
	if amount == 0 {
		return 0, ErrInvalidAmount
	}
	account = strings.TrimSpace(account)
	if account == "" {
		return 0, ErrInvalidAccount
	}
	asset, err := b.Asset(symbol)
	if err != nil {
		return 0, err
	}
	balance, err := b.state.GetBalance(account, asset.Symbol)
	if err != nil {
		return 0, err
	}
	next := balance + amount
	if next < balance {
		return 0, ErrBalanceOverflow
	}
	if err := b.state.PutBalance(account, asset.Symbol, next); err != nil {
		return 0, err
	}
	return next, nil
}

// Balance returns the balance of asset held by account.
func (b *Bank) Balance(account, symbol string) (uint64, error) {
	if err := b.ready(); err != nil {
		return 0, err
	}
	return b.state.GetBalance(strings.TrimSpace(account), normalizeSymbol(symbol))
}

// OpenTreasury issues the treasury account and capability for a pool.
func (b *Bank) OpenTreasury(ctx context.Context, symbol string) (cdp.Treasury, error) {
	if err := b.guard(ctx); err != nil {
		return cdp.Treasury{}, err
	}
	asset, err := b.Asset(symbol)
	if err != nil {
		return cdp.Treasury{}, err
	}
	account := TreasuryAccount(asset.Symbol)
	return cdp.Treasury{
		Account:   account,
		Decimals:  asset.Decimals,
		Authority: b.IssueAuthority(account),
	}, nil
}

// IssueAuthority returns the capability for account. Tokens are a keyed
// BLAKE3 MAC of the account name so they can be verified without storage.
func (b *Bank) IssueAuthority(account string) cdp.Authority {
	return cdp.Authority{Account: account, Token: b.mac(account)}
}

// VerifyAuthority reports whether auth controls account.
func (b *Bank) VerifyAuthority(account string, auth cdp.Authority) bool {
	if auth.Account != account || len(auth.Token) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(auth.Token, b.mac(account)) == 1
}

// Transfer moves an asset between custody accounts. Debits from treasury
// accounts require an authority issued for that account.
func (b *Bank) Transfer(ctx context.Context, req cdp.TransferRequest) error {
	if err := b.guard(ctx); err != nil {
		return err
	}
	if req.Amount == 0 {
		return ErrInvalidAmount
	}
	from := strings.TrimSpace(req.From)
	to := strings.TrimSpace(req.To)
	if from == "" || to == "" || from == to {
		return fmt.Errorf("%w: %q -> %q", ErrInvalidAccount, req.From, req.To)
	}
	asset, err := b.Asset(req.Asset)
	if err != nil {
		return err
	}
	if asset.Decimals != req.Decimals {
		return fmt.Errorf("%w: %s has %d decimals, request carried %d", ErrDecimalsMismatch, asset.Symbol, asset.Decimals, req.Decimals)
	}
	if strings.HasPrefix(from, TreasuryPrefix) && !b.VerifyAuthority(from, req.Authority) {
		return ErrUnauthorized
	}

	fromBalance, err := b.state.GetBalance(from, asset.Symbol)
	if err != nil {
		return err
	}
	if fromBalance < req.Amount {
		return fmt.Errorf("%w: %s holds %d %s", ErrInsufficientBalance, from, fromBalance, asset.Symbol)
	}
	toBalance, err := b.state.GetBalance(to, asset.Symbol)
	if err != nil {
		return err
	}
	credited := toBalance + req.Amount
	if credited < toBalance {
		return ErrBalanceOverflow
	}
	if err := b.state.PutBalance(from, asset.Symbol, fromBalance-req.Amount); err != nil {
		return err
	}
	return b.state.PutBalance(to, asset.Symbol, credited)
}

func (b *Bank) mac(account string) []byte {
	h := blake3.New(32, b.key[:])
	h.Write([]byte(account))
	return h.Sum(nil)
}

func (b *Bank) ready() error {
	if b == nil || b.state == nil {
		return ErrNilState
	}
	return nil
}

func (b *Bank) guard(ctx context.Context) error {
	if err := b.ready(); err != nil {
		return err
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nativecommon.Guard(b.pauses, moduleName)
}

func normalizeSymbol(symbol string) string {
	return cdp.NormalizeAsset(symbol)
}

var _ cdp.Custody = (*Bank)(nil)

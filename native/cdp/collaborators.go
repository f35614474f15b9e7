package cdp

import (
	"bytes"
	"context"
	"time"
)

// Authority is a capability over a custody account. Only the holder of a
// token issued for the account may move funds out of it.
type Authority struct {
	Account string
	Token   []byte
}

// Clone returns a copy that does not share the token buffer.
func (a Authority) Clone() Authority {
	return Authority{Account: a.Account, Token: append([]byte(nil), a.Token...)}
}

// IsZero reports whether the authority carries no capability.
func (a Authority) IsZero() bool {
	return a.Account == "" && len(a.Token) == 0
}

// Equal compares two authorities.
func (a Authority) Equal(other Authority) bool {
	return a.Account == other.Account && bytes.Equal(a.Token, other.Token)
}

// Treasury describes the custody account a pool holds collateral in.
type Treasury struct {
	Account   string
	Decimals  uint8
	Authority Authority
}

// TransferRequest asks the custody collaborator to move an asset between
// accounts. Authority is required when From is a treasury account.
type TransferRequest struct {
	From      string
	To        string
	Asset     string
	Amount    uint64
	Decimals  uint8
	Authority Authority
}

// Custody performs asset transfers on behalf of the engine.
type Custody interface {
	OpenTreasury(ctx context.Context, assetID string) (Treasury, error)
	Transfer(ctx context.Context, req TransferRequest) error
}

// PriceQuote is a whole-unit price observation.
type PriceQuote struct {
	Price  uint64
	AsOf   time.Time
	Source string
}

// PriceFeed supplies collateral prices. Implementations return
// ErrFeedNotFound for unknown assets and ErrStalePrice when the freshest quote
// is older than maxStaleness.
type PriceFeed interface {
	Price(ctx context.Context, assetID string, maxStaleness time.Duration) (PriceQuote, error)
}

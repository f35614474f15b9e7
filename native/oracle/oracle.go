package oracle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"cdpledger/core/types"
	"cdpledger/native/cdp"
)

var (
	ErrInvalidPrice    = errors.New("oracle: price must be a positive whole number")
	ErrFractionalPrice = errors.New("oracle: fractional prices are not supported")
)

var maxPrice = decimal.RequireFromString(strconv.FormatUint(math.MaxUint64, 10))

// ParsePrice converts a decimal string such as "200" or "1.5e3" into whole
// units. Fractional, negative and out of range values are rejected.
func ParsePrice(raw string) (uint64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidPrice, err)
	}
	if !d.IsInteger() {
		return 0, ErrFractionalPrice
	}
	if d.Sign() <= 0 || d.GreaterThan(maxPrice) {
		return 0, ErrInvalidPrice
	}
	return d.BigInt().Uint64(), nil
}

// Fixed returns the same price for every asset.
type Fixed struct {
	price uint64
	now   func() time.Time
}

// NewFixed constructs a constant feed.
func NewFixed(price uint64) *Fixed {
	return &Fixed{price: price, now: time.Now}
}

func (f *Fixed) Price(ctx context.Context, _ string, _ time.Duration) (cdp.PriceQuote, error) {
	if err := ctx.Err(); err != nil {
		return cdp.PriceQuote{}, err
	}
	return cdp.PriceQuote{Price: f.price, AsOf: f.now(), Source: "fixed"}, nil
}

// Registry serves operator-posted quotes.
type Registry struct {
	mu     sync.RWMutex
	quotes map[string]cdp.PriceQuote
	now    func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{quotes: make(map[string]cdp.PriceQuote), now: time.Now}
}

// SetClock overrides the time source used for staleness checks.
func (r *Registry) SetClock(now func() time.Time) {
	if r == nil || now == nil {
		return
	}
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

// Post records a quote for asset. A zero asOf stamps the quote with the
// registry clock.
func (r *Registry) Post(asset, price string, asOf time.Time, source string) (cdp.PriceQuote, error) {
	parsed, err := ParsePrice(price)
	if err != nil {
		return cdp.PriceQuote{}, err
	}
	key := cdp.NormalizeAsset(asset)
	if !types.ValidAsset(key) {
		return cdp.PriceQuote{}, cdp.ErrInvalidAsset
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if asOf.IsZero() {
		asOf = r.now()
	}
	quote := cdp.PriceQuote{Price: parsed, AsOf: asOf.UTC(), Source: strings.TrimSpace(source)}
	if current, ok := r.quotes[key]; ok && current.AsOf.After(quote.AsOf) {
		return current, nil
	}
	r.quotes[key] = quote
	return quote, nil
}

// Price returns the latest quote for asset. A non-positive maxStaleness
// disables the age check.
func (r *Registry) Price(ctx context.Context, asset string, maxStaleness time.Duration) (cdp.PriceQuote, error) {
	if err := ctx.Err(); err != nil {
		return cdp.PriceQuote{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	quote, ok := r.quotes[cdp.NormalizeAsset(asset)]
	if !ok {
		return cdp.PriceQuote{}, cdp.ErrFeedNotFound
	}
	if maxStaleness > 0 && r.now().Sub(quote.AsOf) > maxStaleness {
		return cdp.PriceQuote{}, fmt.Errorf("%w: %s quote from %s", cdp.ErrStalePrice, cdp.NormalizeAsset(asset), quote.AsOf.Format(time.RFC3339))
	}
	return quote, nil
}

// Assets lists the assets with a posted quote.
func (r *Registry) Assets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.quotes))
	for asset := range r.quotes {
		out = append(out, asset)
	}
	sort.Strings(out)
	return out
}

var (
	_ cdp.PriceFeed = (*Fixed)(nil)
	_ cdp.PriceFeed = (*Registry)(nil)
)

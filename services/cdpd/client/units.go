package client

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

var maxUint64 = decimal.NewFromUint64(math.MaxUint64)

// ParseUnits converts a human amount such as "1.5" into base units of an
// asset with the given decimals. Fractions finer than the asset precision are
// rejected rather than rounded.
func ParseUnits(amount string, decimals uint8) (uint64, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return 0, fmt.Errorf("amount required")
	}
	value, err := decimal.NewFromString(amount)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	if value.Sign() < 0 {
		return 0, fmt.Errorf("amount %q must not be negative", amount)
	}
	scaled := value.Shift(int32(decimals))
	if !scaled.IsInteger() {
		return 0, fmt.Errorf("amount %q exceeds %d decimal places", amount, decimals)
	}
	if scaled.GreaterThan(maxUint64) {
		return 0, fmt.Errorf("amount %q overflows", amount)
	}
	return scaled.BigInt().Uint64(), nil
}

// FormatUnits renders base units with the asset precision.
func FormatUnits(amount uint64, decimals uint8) string {
	return decimal.NewFromUint64(amount).Shift(-int32(decimals)).StringFixed(int32(decimals))
}

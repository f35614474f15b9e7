package types

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

const maxAssetLength = 32

// NormalizeAsset returns the canonical form of an asset identifier: NFKC
// folded, trimmed and upper-cased so visually identical symbols share one
// pool.
func NormalizeAsset(asset string) string {
	return strings.ToUpper(norm.NFKC.String(strings.TrimSpace(asset)))
}

// ValidAsset reports whether a normalized identifier is safe to embed in a
// state key. Only A-Z, 0-9, '.', '_' and '-' are allowed, which keeps the
// '/' separator out of asset segments.
func ValidAsset(asset string) bool {
	if asset == "" || len(asset) > maxAssetLength {
		return false
	}
	for i := 0; i < len(asset); i++ {
		c := asset[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '.', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}

package state

import (
	"encoding/hex"
	"strings"

	"cdpledger/native/cdp"
)

var (
	cdpPoolPrefix        = []byte("cdp/pool/")
	cdpPositionPrefix    = []byte("cdp/position/")
	pausePrefix          = []byte("cdp/pause/")
	quotaPrefix          = []byte("cdp/quota/")
	custodyAssetPrefix   = []byte("custody/asset/")
	custodyBalancePrefix = []byte("custody/balance/")
)

func normalizeAsset(asset string) string {
	return cdp.NormalizeAsset(asset)
}

// CDPPoolKey returns the key of the pool record for asset.
func CDPPoolKey(asset string) []byte {
	return append(append([]byte(nil), cdpPoolPrefix...), normalizeAsset(asset)...)
}

// CDPPositionPrefix returns the key prefix shared by every position in the
// pool for asset.
func CDPPositionPrefix(asset string) []byte {
	key := append(append([]byte(nil), cdpPositionPrefix...), normalizeAsset(asset)...)
	return append(key, '/')
}

// CDPPositionKey returns the key of owner's position in the pool for asset.
// Owners are encoded as lowercase hex of the raw address bytes.
func CDPPositionKey(asset string, owner []byte) []byte {
	return append(CDPPositionPrefix(asset), hex.EncodeToString(owner)...)
}

// PauseKey returns the key of the pause flag for module.
func PauseKey(module string) []byte {
	return append(append([]byte(nil), pausePrefix...), strings.ToLower(strings.TrimSpace(module))...)
}

// QuotaKey returns the key of owner's quota counters for module.
func QuotaKey(module string, owner []byte) []byte {
	key := append(append([]byte(nil), quotaPrefix...), strings.ToLower(strings.TrimSpace(module))...)
	key = append(key, '/')
	return append(key, hex.EncodeToString(owner)...)
}

// CustodyAssetKey returns the key of the registered asset record.
func CustodyAssetKey(asset string) []byte {
	return append(append([]byte(nil), custodyAssetPrefix...), normalizeAsset(asset)...)
}

// CustodyBalanceKey returns the key of account's balance in asset.
func CustodyBalanceKey(asset, account string) []byte {
	key := append(append([]byte(nil), custodyBalancePrefix...), normalizeAsset(asset)...)
	key = append(key, '/')
	return append(key, account...)
}

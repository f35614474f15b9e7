package state

import (
	"github.com/ethereum/go-ethereum/rlp"

	"cdpledger/native/custody"
)

func decodeRecord(data []byte, out interface{}) error {
	return rlp.DecodeBytes(data, out)
}

// GetAsset returns the registered custody asset or nil.
func (tx *Tx) GetAsset(symbol string) (*custody.Asset, error) {
	var asset custody.Asset
	ok, err := tx.KVGet(CustodyAssetKey(symbol), &asset)
	if err != nil || !ok {
		return nil, err
	}
	return &asset, nil
}

// PutAsset registers a custody asset.
func (tx *Tx) PutAsset(asset *custody.Asset) error {
	return tx.KVPut(CustodyAssetKey(asset.Symbol), asset)
}

// GetBalance returns account's balance of asset. Missing balances are zero.
func (tx *Tx) GetBalance(account, asset string) (uint64, error) {
	var amount uint64
	if _, err := tx.KVGet(CustodyBalanceKey(asset, account), &amount); err != nil {
		return 0, err
	}
	return amount, nil
}

// PutBalance stores account's balance of asset. Zero balances are removed.
func (tx *Tx) PutBalance(account, asset string, amount uint64) error {
	if amount == 0 {
		return tx.KVDelete(CustodyBalanceKey(asset, account))
	}
	return tx.KVPut(CustodyBalanceKey(asset, account), amount)
}

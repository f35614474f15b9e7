package state

import (
	nativecommon "cdpledger/native/common"
)

// GetQuota returns owner's quota counters for module. Missing counters are
// zero.
func (tx *Tx) GetQuota(module string, owner []byte) (nativecommon.QuotaNow, error) {
	var now nativecommon.QuotaNow
	if _, err := tx.KVGet(QuotaKey(module, owner), &now); err != nil {
		return nativecommon.QuotaNow{}, err
	}
	return now, nil
}

// PutQuota stores owner's quota counters for module.
func (tx *Tx) PutQuota(module string, owner []byte, now nativecommon.QuotaNow) error {
	return tx.KVPut(QuotaKey(module, owner), &now)
}

package state

import (
	"cdpledger/crypto"
	"cdpledger/native/cdp"
)

type storedPool struct {
	Owner                   []byte
	OwnerPrefix             string
	AssetID                 string
	TotalCollateral         uint64
	TotalDebt               uint64
	TotalStakes             uint64
	IsRecoveryMode          bool
	MinimumCollateralRatio  uint64
	CriticalCollateralRatio uint64
	MinimumDebt             uint64
	Fee                     uint64
	Treasury                string
	Decimals                uint8
	AuthorityAccount        string
	AuthorityToken          []byte
}

type storedPosition struct {
	Owner      []byte
	AssetID    string
	Collateral uint64
	Debt       uint64
	Stake      uint64
}

func decodeAddress(prefix crypto.AddressPrefix, raw []byte) crypto.Address {
	if len(raw) == 0 {
		return crypto.Address{}
	}
	return crypto.NewAddress(prefix, raw)
}

func newStoredPool(p *cdp.Pool) *storedPool {
	return &storedPool{
		Owner:                   append([]byte(nil), p.Owner.Bytes()...),
		OwnerPrefix:             string(p.Owner.Prefix()),
		AssetID:                 normalizeAsset(p.AssetID),
		TotalCollateral:         p.TotalCollateral,
		TotalDebt:               p.TotalDebt,
		TotalStakes:             p.TotalStakes,
		IsRecoveryMode:          p.IsRecoveryMode,
		MinimumCollateralRatio:  p.MinimumCollateralRatio,
		CriticalCollateralRatio: p.CriticalCollateralRatio,
		MinimumDebt:             p.MinimumDebt,
		Fee:                     p.Fee,
		Treasury:                p.Treasury,
		Decimals:                p.Decimals,
		AuthorityAccount:        p.Authority.Account,
		AuthorityToken:          append([]byte(nil), p.Authority.Token...),
	}
}

func (s *storedPool) toPool() *cdp.Pool {
	return &cdp.Pool{
		Owner:                   decodeAddress(crypto.AddressPrefix(s.OwnerPrefix), s.Owner),
		AssetID:                 s.AssetID,
		TotalCollateral:         s.TotalCollateral,
		TotalDebt:               s.TotalDebt,
		TotalStakes:             s.TotalStakes,
		IsRecoveryMode:          s.IsRecoveryMode,
		MinimumCollateralRatio:  s.MinimumCollateralRatio,
		CriticalCollateralRatio: s.CriticalCollateralRatio,
		MinimumDebt:             s.MinimumDebt,
		Fee:                     s.Fee,
		Treasury:                s.Treasury,
		Decimals:                s.Decimals,
		Authority:               cdp.Authority{Account: s.AuthorityAccount, Token: append([]byte(nil), s.AuthorityToken...)},
	}
}

// GetPool returns the pool for asset or nil when none exists.
func (tx *Tx) GetPool(asset string) (*cdp.Pool, error) {
	var stored storedPool
	ok, err := tx.KVGet(CDPPoolKey(asset), &stored)
	if err != nil || !ok {
		return nil, err
	}
	return stored.toPool(), nil
}

// PutPool stores the pool record.
func (tx *Tx) PutPool(pool *cdp.Pool) error {
	return tx.KVPut(CDPPoolKey(pool.AssetID), newStoredPool(pool))
}

// Pools lists every stored pool in asset order.
func (tx *Tx) Pools() ([]*cdp.Pool, error) {
	var pools []*cdp.Pool
	err := tx.Iterate(cdpPoolPrefix, func(_, value []byte) error {
		var stored storedPool
		if err := decodeRecord(value, &stored); err != nil {
			return err
		}
		pools = append(pools, stored.toPool())
		return nil
	})
	return pools, err
}

// GetPosition returns owner's position in the pool for asset or nil when none
// exists.
func (tx *Tx) GetPosition(asset string, owner crypto.Address) (*cdp.Position, error) {
	var stored storedPosition
	ok, err := tx.KVGet(CDPPositionKey(asset, owner.Bytes()), &stored)
	if err != nil || !ok {
		return nil, err
	}
	return stored.toPosition(), nil
}

// PutPosition stores the position record.
func (tx *Tx) PutPosition(position *cdp.Position) error {
	stored := &storedPosition{
		Owner:      append([]byte(nil), position.Owner.Bytes()...),
		AssetID:    normalizeAsset(position.AssetID),
		Collateral: position.Collateral,
		Debt:       position.Debt,
		Stake:      position.Stake,
	}
	return tx.KVPut(CDPPositionKey(position.AssetID, position.Owner.Bytes()), stored)
}

// ForEachPosition visits every position of the pool for asset in key order.
func (tx *Tx) ForEachPosition(asset string, fn func(*cdp.Position) error) error {
	return tx.Iterate(CDPPositionPrefix(asset), func(_, value []byte) error {
		var stored storedPosition
		if err := decodeRecord(value, &stored); err != nil {
			return err
		}
		return fn(stored.toPosition())
	})
}

func (s *storedPosition) toPosition() *cdp.Position {
	return &cdp.Position{
		Owner:      decodeAddress(crypto.OwnerPrefix, s.Owner),
		AssetID:    s.AssetID,
		Collateral: s.Collateral,
		Debt:       s.Debt,
		Stake:      s.Stake,
	}
}

// IsPaused reports whether module has been paused by an operator. Storage
// errors are treated as not paused; they surface on the next write instead.
func (tx *Tx) IsPaused(module string) bool {
	var paused bool
	ok, err := tx.KVGet(PauseKey(module), &paused)
	return err == nil && ok && paused
}

// SetPaused records the pause flag for module.
func (tx *Tx) SetPaused(module string, paused bool) error {
	if !paused {
		return tx.KVDelete(PauseKey(module))
	}
	return tx.KVPut(PauseKey(module), true)
}

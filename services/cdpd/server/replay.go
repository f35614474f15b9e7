package server

import (
	"encoding/binary"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"lukechampine.com/blake3"

	"cdpledger/crypto"
)

var bucketNonces = []byte("nonces")

// nonceGuard remembers the (signer, nonce) pairs of accepted owner requests
// until their timestamp leaves the signature window. Claims are persisted in
// the idempotency bolt file when one is configured so a restart does not
// reopen the window.
type nonceGuard struct {
	store *IdempotencyStore

	mu        sync.Mutex
	seen      map[[32]byte]time.Time
	nextSweep time.Time
}

func newNonceGuard(store *IdempotencyStore) *nonceGuard {
	return &nonceGuard{store: store, seen: make(map[[32]byte]time.Time)}
}

func nonceKey(signer crypto.Address, nonce string) [32]byte {
	h := blake3.New(32, nil)
	_, _ = h.Write(signer.Bytes())
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(nonce))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// claim records the pair and reports false when it was already used and has
// not expired.
func (g *nonceGuard) claim(signer crypto.Address, nonce string, expires, now time.Time) (bool, error) {
	key := nonceKey(signer, nonce)
	if g.store != nil {
		return g.store.claimNonce(key, expires, now)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if now.After(g.nextSweep) {
		for k, exp := range g.seen {
			if now.After(exp) {
				delete(g.seen, k)
			}
		}
		g.nextSweep = now.Add(time.Minute)
	}
	if exp, ok := g.seen[key]; ok && !now.After(exp) {
		return false, nil
	}
	g.seen[key] = expires
	return true, nil
}

func (s *IdempotencyStore) claimNonce(key [32]byte, expires, now time.Time) (bool, error) {
	fresh := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketNonces)
		if raw := bucket.Get(key[:]); len(raw) == 8 {
			if exp := time.Unix(0, int64(binary.BigEndian.Uint64(raw))); !now.After(exp) {
				return nil
			}
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(expires.UnixNano()))
		if err := bucket.Put(key[:], buf[:]); err != nil {
			return err
		}
		fresh = true
		return nil
	})
	return fresh, err
}

func pruneNonces(tx *bolt.Tx, now time.Time) (int, error) {
	bucket := tx.Bucket(bucketNonces)
	var expired [][]byte
	if err := bucket.ForEach(func(k, v []byte) error {
		if len(v) != 8 || now.After(time.Unix(0, int64(binary.BigEndian.Uint64(v)))) {
			expired = append(expired, append([]byte(nil), k...))
		}
		return nil
	}); err != nil {
		return 0, err
	}
	for _, k := range expired {
		if err := bucket.Delete(k); err != nil {
			return 0, err
		}
	}
	return len(expired), nil
}

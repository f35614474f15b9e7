package state

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"
	"lukechampine.com/blake3"

	"cdpledger/storage"
)

var (
	// ErrReadOnly is returned when a write is attempted inside View.
	ErrReadOnly = errors.New("state: transaction is read-only")
	errNilDB    = errors.New("state: database must not be nil")
)

// Manager serialises access to the ledger state. Writers run one at a time
// and their changes reach the database in a single batch, so a transaction is
// either fully applied or not applied at all.
type Manager struct {
	mu sync.RWMutex
	db storage.Database
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) (*Manager, error) {
	if db == nil {
		return nil, errNilDB
	}
	return &Manager{db: db}, nil
}

// Update runs fn inside a writable transaction and commits its writes only
// when fn returns nil.
func (m *Manager) Update(fn func(*Tx) error) error {
	if m == nil {
		return fmt.Errorf("state: manager unavailable")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := newTx(m.db, false)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

// View runs fn inside a read-only transaction.
func (m *Manager) View(fn func(*Tx) error) error {
	if m == nil {
		return fmt.Errorf("state: manager unavailable")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(newTx(m.db, true))
}

// StateDigest hashes every stored record in key order. Two ledgers with the
// same digest hold byte-identical state.
func (m *Manager) StateDigest() ([32]byte, error) {
	var digest [32]byte
	if m == nil {
		return digest, fmt.Errorf("state: manager unavailable")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	h := blake3.New(32, nil)
	var lenBuf [8]byte
	err := m.db.Iterate(nil, func(key, value []byte) bool {
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(key)))
		h.Write(lenBuf[:])
		h.Write(key)
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(value)))
		h.Write(lenBuf[:])
		h.Write(value)
		return true
	})
	if err != nil {
		return digest, err
	}
	copy(digest[:], h.Sum(nil))
	return digest, nil
}

// Tx is a view of the database with a private write buffer. Reads observe the
// transaction's own writes.
type Tx struct {
	db       storage.Database
	readOnly bool
	writes   map[string][]byte
	deletes  map[string]struct{}
}

func newTx(db storage.Database, readOnly bool) *Tx {
	return &Tx{
		db:       db,
		readOnly: readOnly,
		writes:   make(map[string][]byte),
		deletes:  make(map[string]struct{}),
	}
}

func (tx *Tx) get(key []byte) ([]byte, bool, error) {
	k := string(key)
	if value, ok := tx.writes[k]; ok {
		return value, true, nil
	}
	if _, ok := tx.deletes[k]; ok {
		return nil, false, nil
	}
	value, err := tx.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (tx *Tx) put(key, value []byte) error {
	if tx.readOnly {
		return ErrReadOnly
	}
	k := string(key)
	delete(tx.deletes, k)
	tx.writes[k] = append([]byte(nil), value...)
	return nil
}

// KVPut stores the RLP encoding of value under key.
func (tx *Tx) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return tx.put(key, encoded)
}

// KVGet decodes the value stored under key into out. The boolean reports
// whether the key existed.
func (tx *Tx) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, ok, err := tx.get(key)
	if err != nil || !ok {
		return false, err
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, fmt.Errorf("kv: decode %q: %w", key, err)
	}
	return true, nil
}

// KVDelete removes key.
func (tx *Tx) KVDelete(key []byte) error {
	if tx.readOnly {
		return ErrReadOnly
	}
	k := string(key)
	delete(tx.writes, k)
	tx.deletes[k] = struct{}{}
	return nil
}

// Iterate visits every key with prefix in ascending order, merging the
// transaction's pending writes over the stored records.
func (tx *Tx) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	merged := make(map[string][]byte)
	err := tx.db.Iterate(prefix, func(key, value []byte) bool {
		merged[string(key)] = value
		return true
	})
	if err != nil {
		return err
	}
	for k := range tx.deletes {
		delete(merged, k)
	}
	for k, v := range tx.writes {
		if bytes.HasPrefix([]byte(k), prefix) {
			merged[k] = v
		}
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := fn([]byte(k), merged[k]); err != nil {
			return err
		}
	}
	return nil
}

// Pending reports the number of buffered writes and deletes.
func (tx *Tx) Pending() int {
	return len(tx.writes) + len(tx.deletes)
}

func (tx *Tx) commit() error {
	if tx.readOnly || tx.Pending() == 0 {
		return nil
	}
	batch := tx.db.NewBatch()
	keys := make([]string, 0, len(tx.writes))
	for k := range tx.writes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		batch.Put([]byte(k), tx.writes[k])
	}
	for k := range tx.deletes {
		batch.Delete([]byte(k))
	}
	return batch.Write()
}

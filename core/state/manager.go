package state

import (
	"errors"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"rentalpay/native/rental"
	"rentalpay/storage"
)

var errTxClosed = errors.New("state: transaction already committed or discarded")

type reader interface {
	get(key []byte) ([]byte, bool, error)
}

// View decodes ledger records from a reader. Both the Manager (committed
// state) and Tx (staged state) expose the same read helpers through it.
type View struct {
	r reader
}

// Manager provides access to ledger state stored in a key-value database.
type Manager struct {
	View
	db storage.Database
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	m := &Manager{db: db}
	m.View = View{r: m}
	return m
}

func (m *Manager) get(key []byte) ([]byte, bool, error) {
	data, err := m.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// Begin opens a staged transaction. It satisfies rental.Ledger.
func (m *Manager) Begin() rental.Txn { return m.NewTx() }

// NewTx opens a staged transaction over the manager's database.
func (m *Manager) NewTx() *Tx {
	tx := &Tx{db: m.db, writes: make(map[string][]byte)}
	tx.View = View{r: tx}
	return tx
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (v View) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, ok, err := v.r.get(kvKey(key))
	if err != nil || !ok {
		return false, err
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// Tx stages writes in memory until Commit applies them as a single batch.
type Tx struct {
	View
	db     storage.Database
	writes map[string][]byte
	order  []string
	closed bool
}

func (tx *Tx) get(key []byte) ([]byte, bool, error) {
	if tx.closed {
		return nil, false, errTxClosed
	}
	if data, ok := tx.writes[string(key)]; ok {
		return data, true, nil
	}
	data, err := tx.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// KVPut stages value under the supplied key using RLP encoding. The key is
// hashed with keccak256.
func (tx *Tx) KVPut(key []byte, value interface{}) error {
	if tx.closed {
		return errTxClosed
	}
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	hashed := string(kvKey(key))
	if _, ok := tx.writes[hashed]; !ok {
		tx.order = append(tx.order, hashed)
	}
	tx.writes[hashed] = encoded
	return nil
}

// Len reports the number of staged keys.
func (tx *Tx) Len() int { return len(tx.order) }

// Commit writes every staged key in one atomic batch.
func (tx *Tx) Commit() error {
	if tx.closed {
		return errTxClosed
	}
	if len(tx.order) == 0 {
		tx.closed = true
		return nil
	}
	batch := tx.db.NewBatch()
	for _, key := range tx.order {
		batch.Put([]byte(key), tx.writes[key])
	}
	if err := batch.Write(); err != nil {
		return err
	}
	tx.closed = true
	tx.writes = nil
	tx.order = nil
	return nil
}

// Discard drops every staged write. It is safe to call after Commit.
func (tx *Tx) Discard() {
	tx.closed = true
	tx.writes = nil
	tx.order = nil
}

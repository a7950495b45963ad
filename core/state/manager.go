package state

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"

	"crowdescrow/storage"
)

var errEmptyKey = errors.New("kv: key must not be empty")

// Manager reads and writes escrow state on top of a key-value database and
// serialises updates that target the same key.
type Manager struct {
	db storage.Database

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db, locks: make(map[string]*sync.Mutex)}
}

// lock acquires the exclusive lock for key and returns its release func.
func (m *Manager) lock(key string) func() {
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// KVPut stores the RLP encoding of value under key.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return errEmptyKey
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.db.Put(key, encoded)
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// was present.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, errEmptyKey
	}
	data, ok, err := m.raw(key)
	if err != nil || !ok {
		return ok, err
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, fmt.Errorf("kv: decode %s: %w", key, err)
	}
	return true, nil
}

func (m *Manager) raw(key []byte) ([]byte, bool, error) {
	data, err := m.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if len(data) == 0 {
		return nil, false, nil
	}
	return data, true, nil
}

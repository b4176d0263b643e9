package state

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"safehold/core/types"
	"safehold/storage"
)

var accountPrefix = []byte("account/")

// Manager is the single state backend shared by the native engines. Records
// are JSON-encoded under module-owned key prefixes; each engine defines its
// own key schema and consumes the manager through a narrow interface.
type Manager struct {
	mu sync.RWMutex
	db storage.Database
}

// NewManager wraps the supplied database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// KVGet decodes the record stored under key into out. The boolean reports
// whether the key exists; a missing key is not an error.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if m == nil || m.db == nil {
		return false, fmt.Errorf("state: database not configured")
	}
	m.mu.RLock()
	raw, ok, err := m.db.Get(key)
	m.mu.RUnlock()
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("state: decode %q: %w", key, err)
	}
	return true, nil
}

// KVPut stores value under key, replacing any previous record.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if m == nil || m.db == nil {
		return fmt.Errorf("state: database not configured")
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("state: encode %q: %w", key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.db.Put(key, raw)
}

func accountKey(addr []byte) []byte {
	return append(append([]byte{}, accountPrefix...), []byte(hex.EncodeToString(addr))...)
}

// GetAccount loads the account for addr, returning a zero-balance account when
// none has been stored yet.
func (m *Manager) GetAccount(addr []byte) (*types.Account, error) {
	acc := &types.Account{}
	ok, err := m.KVGet(accountKey(addr), acc)
	if err != nil {
		return nil, err
	}
	if !ok {
		return types.EnsureAccount(nil), nil
	}
	return types.EnsureAccount(acc), nil
}

// PutAccount persists the account for addr.
func (m *Manager) PutAccount(addr []byte, acc *types.Account) error {
	return m.KVPut(accountKey(addr), types.EnsureAccount(acc))
}

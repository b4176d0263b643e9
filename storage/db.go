package storage

import (
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
)

// Database is the key-value store contract shared by every state backend. The
// engine layer never touches a concrete store directly so deployments can pick
// an in-memory database for tests and LevelDB for durable installs.
type Database interface {
	Put(key []byte, value []byte) error
	// Get returns the stored value and whether the key exists. A missing key
	// is not an error.
	Get(key []byte) ([]byte, bool, error)
	Close() error
}

// MemDB is a threadsafe in-memory Database used by tests and ephemeral nodes.
type MemDB struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemDB() *MemDB {
	return &MemDB{data: make(map[string][]byte)}
}

func (db *MemDB) Put(key []byte, value []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	buf := make([]byte, len(value))
	copy(buf, value)
	db.data[string(key)] = buf
	return nil
}

func (db *MemDB) Get(key []byte) ([]byte, bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	value, ok := db.data[string(key)]
	if !ok {
		return nil, false, nil
	}
	buf := make([]byte, len(value))
	copy(buf, value)
	return buf, true, nil
}

func (db *MemDB) Close() error { return nil }

// LevelDB is the persistent Database backend.
type LevelDB struct {
	db *leveldb.DB
}

// NewLevelDB creates or opens a LevelDB database at the supplied path.
func NewLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDB{db: db}, nil
}

func (ldb *LevelDB) Put(key []byte, value []byte) error {
	return ldb.db.Put(key, value, nil)
}

func (ldb *LevelDB) Get(key []byte) ([]byte, bool, error) {
	value, err := ldb.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (ldb *LevelDB) Close() error {
	return ldb.db.Close()
}

// Package rawdb provides the key-value storage interfaces, the storage
// backends and typed accessors for chain data: headers, bodies, receipts,
// chain level infos, canonical mappings and committed state.
//
// Keys follow a prefix-based schema where each data type uses a distinct
// key prefix to avoid collisions.
package rawdb

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("database closed")
)

// KeyValueReader wraps the Has and Get methods of a backing data store.
type KeyValueReader interface {
	Has(key []byte) (bool, error)
	Get(key []byte) ([]byte, error)
}

// KeyValueWriter wraps the Put and Delete methods of a backing data store.
type KeyValueWriter interface {
	Put(key, value []byte) error
	Delete(key []byte) error
}

// Iterator iterates over key/value pairs in ascending key order. Key and
// Value are only valid until the next call to Next.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Error() error
	Release()
}

// Iteratee wraps the NewIterator method of a backing data store.
type Iteratee interface {
	NewIterator(prefix []byte) Iterator
}

// Batch is a write-only set of changes committed atomically by Write.
type Batch interface {
	KeyValueWriter
	ValueSize() int
	Write() error
	Reset()
}

// Batcher wraps the NewBatch method of a backing data store.
type Batcher interface {
	NewBatch() Batch
}

// Database is the full key-value store used by the node.
type Database interface {
	KeyValueReader
	KeyValueWriter
	Iteratee
	Batcher
	Close() error
}

// Engine names a storage backend.
type Engine string

const (
	EngineMemory  Engine = "memory"
	EnginePebble  Engine = "pebble"
	EngineLevelDB Engine = "leveldb"
)

// OpenConfig selects and tunes a backend.
type OpenConfig struct {
	Engine   Engine
	Path     string
	CacheMB  int
	Handles  int
	ReadOnly bool
}

// Open creates the database described by cfg.
func Open(cfg OpenConfig) (Database, error) {
	switch cfg.Engine {
	case EngineMemory, "":
		return NewMemoryDB(), nil
	case EnginePebble:
		return NewPebbleDB(cfg.Path, cfg.CacheMB, cfg.Handles, cfg.ReadOnly)
	case EngineLevelDB:
		return NewLevelDB(cfg.Path, cfg.CacheMB, cfg.Handles, cfg.ReadOnly)
	default:
		return nil, fmt.Errorf("rawdb: unknown engine %q", cfg.Engine)
	}
}

// upperBound returns the smallest key greater than every key with prefix,
// or nil when prefix is all 0xff.
func upperBound(prefix []byte) []byte {
	var limit []byte
	for i := len(prefix) - 1; i >= 0; i-- {
		c := prefix[i]
		if c == 0xff {
			continue
		}
		limit = make([]byte, i+1)
		copy(limit, prefix)
		limit[i] = c + 1
		break
	}
	return limit
}

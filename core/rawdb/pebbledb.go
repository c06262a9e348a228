package rawdb

import (
	"errors"

	"github.com/cockroachdb/pebble"
)

// PebbleDB is a Database backed by cockroachdb/pebble.
type PebbleDB struct {
	db *pebble.DB
}

// NewPebbleDB opens (or creates) a pebble store at path with a block cache
// of cacheMB megabytes.
func NewPebbleDB(path string, cacheMB, handles int, readOnly bool) (*PebbleDB, error) {
	if cacheMB < 16 {
		cacheMB = 16
	}
	if handles < 16 {
		handles = 16
	}
	cache := pebble.NewCache(int64(cacheMB) * 1024 * 1024)
	defer cache.Unref()

	db, err := pebble.Open(path, &pebble.Options{
		Cache:        cache,
		MaxOpenFiles: handles,
		ReadOnly:     readOnly,
	})
	if err != nil {
		return nil, err
	}
	return &PebbleDB{db: db}, nil
}

func (d *PebbleDB) Has(key []byte) (bool, error) {
	_, closer, err := d.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	closer.Close()
	return true, nil
}

func (d *PebbleDB) Get(key []byte) ([]byte, error) {
	res, closer, err := d.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte{}, res...), nil
}

func (d *PebbleDB) Put(key, value []byte) error {
	return d.db.Set(key, value, pebble.NoSync)
}

func (d *PebbleDB) Delete(key []byte) error {
	return d.db.Delete(key, pebble.NoSync)
}

func (d *PebbleDB) Close() error {
	return d.db.Close()
}

func (d *PebbleDB) NewBatch() Batch {
	return &pebbleBatch{db: d.db, b: d.db.NewBatch()}
}

func (d *PebbleDB) NewIterator(prefix []byte) Iterator {
	iter, err := d.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	return &pebbleIterator{iter: iter, err: err}
}

type pebbleBatch struct {
	db   *pebble.DB
	b    *pebble.Batch
	size int
}

func (b *pebbleBatch) Put(key, value []byte) error {
	b.size += len(key) + len(value)
	return b.b.Set(key, value, nil)
}

func (b *pebbleBatch) Delete(key []byte) error {
	b.size += len(key)
	return b.b.Delete(key, nil)
}

func (b *pebbleBatch) ValueSize() int { return b.size }

func (b *pebbleBatch) Write() error {
	return b.b.Commit(pebble.Sync)
}

func (b *pebbleBatch) Reset() {
	b.b.Reset()
	b.size = 0
}

type pebbleIterator struct {
	iter  *pebble.Iterator
	moved bool
	err   error
}

func (it *pebbleIterator) Next() bool {
	if it.iter == nil {
		return false
	}
	if !it.moved {
		it.moved = true
		return it.iter.First()
	}
	return it.iter.Next()
}

func (it *pebbleIterator) Key() []byte {
	if it.iter == nil || !it.iter.Valid() {
		return nil
	}
	return it.iter.Key()
}

func (it *pebbleIterator) Value() []byte {
	if it.iter == nil || !it.iter.Valid() {
		return nil
	}
	return it.iter.Value()
}

func (it *pebbleIterator) Error() error {
	if it.err != nil {
		return it.err
	}
	if it.iter == nil {
		return nil
	}
	return it.iter.Error()
}

func (it *pebbleIterator) Release() {
	if it.iter != nil {
		it.iter.Close()
		it.iter = nil
	}
}

// Package store wraps github.com/syndtr/goleveldb behind the small
// Init/Put/Get surface the teacher's database package exposes
// (database/database.go), generalized from a single append-only block
// store into a keyed queue snapshot the executor coordinator uses as a
// write-ahead log for its pending-task queue.
package store

import (
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Store is a durable key/value store backing a single node's local
// state. Unlike the teacher's MsDB, which is fed from a channel and has
// no synchronous read path for callers other than FindWithPriority,
// Store exposes a synchronous Put/Get/Delete/Range surface since the
// executor coordinator needs to reload its queue synchronously at
// startup.
type Store struct {
	db *leveldb.DB
}

// Open opens (creating if necessary) a leveldb database at path.
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put durably writes value under key.
func (s *Store) Put(key, value []byte) error {
	return s.db.Put(key, value, nil)
}

// Get reads the value stored under key. Returns leveldb.ErrNotFound
// (via errors.Is) if absent.
func (s *Store) Get(key []byte) ([]byte, error) {
	return s.db.Get(key, nil)
}

// Delete removes key, if present.
func (s *Store) Delete(key []byte) error {
	return s.db.Delete(key, nil)
}

// Range calls fn for every key/value pair whose key has the given
// prefix, in key order. Used at startup to reload a snapshot of the
// pending-task queue.
func (s *Store) Range(prefix []byte, fn func(key, value []byte) error) error {
	iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	for iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

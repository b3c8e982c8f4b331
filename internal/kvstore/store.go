// Package kvstore wraps the wallet's embedded key-value store.
//
// The store is an ordered goleveldb database. Keys are partitionable: the first
// '/'-separated segment of a key names the partition (for example a chain id) it belongs to.
package kvstore

import (
	"bytes"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/syndtr/goleveldb/leveldb"
	leveldberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// PartitionSeparator separates the partition segment from the rest of a key.
const PartitionSeparator = '/'

// DefaultRootKey is the key holding the wallet's root material. Its absence means the store was wiped.
var DefaultRootKey = []byte("wallet/root")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store is closed")

// KeyNotFoundError is returned by Get when a key does not exist.
type KeyNotFoundError struct {
	Key []byte
}

func (e *KeyNotFoundError) Error() string {
	return fmt.Sprintf("key not found: %s", e.Key)
}

// WriteMode selects how replayed records are applied.
type WriteMode int

const (
	// Overwrite writes every record unconditionally (last write wins by key).
	Overwrite WriteMode = iota
	// InsertMissing writes a record only if its key is absent.
	InsertMissing
)

// Iterator walks the store in ascending key order.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Release()
	Error() error
}

// Store is the wallet store surface used by the sync engine.
type Store interface {
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	Put(key, value []byte) error
	// IterateAfter returns an iterator over keys strictly greater than after (all keys if after is nil).
	IterateAfter(after []byte) (Iterator, error)
	// Apply writes records in the given order and returns how many were written.
	Apply(records []Record, mode WriteMode) (int, error)
	DeletePrefix(prefix []byte) (int, error)
	Clear() error
	Count() (int, error)
	Close() error
}

// Record mirrors codec.Record so this package stays free of wire concerns.
type Record struct {
	Key   []byte
	Value []byte
}

// LevelDBStore implements Store on goleveldb.
type LevelDBStore struct {
	db     *leveldb.DB
	writes atomic.Int64
}

// Open opens (or creates) the store at path. A corrupted database is recovered in place.
func Open(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{})
	if err != nil {
		if !leveldberrors.IsCorrupted(err) {
			return nil, fmt.Errorf("failed to open wallet store: %w", err)
		}
		db, err = leveldb.RecoverFile(path, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to recover corrupted wallet store: %w", err)
		}
	}
	return &LevelDBStore{db: db}, nil
}

// OpenMemory opens a store backed by memory. It is used in tests and for scratch replays.
func OpenMemory() (*LevelDBStore, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory store: %w", err)
	}
	return &LevelDBStore{db: db}, nil
}

// Writes returns the number of records written since the store was opened.
func (s *LevelDBStore) Writes() int64 {
	return s.writes.Load()
}

// Get returns the value for key, or *KeyNotFoundError.
func (s *LevelDBStore) Get(key []byte) ([]byte, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	value, err := s.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, &KeyNotFoundError{Key: append([]byte(nil), key...)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key: %w", err)
	}
	return value, nil
}

// Has reports whether key exists.
func (s *LevelDBStore) Has(key []byte) (bool, error) {
	if s.db == nil {
		return false, ErrClosed
	}
	ok, err := s.db.Has(key, nil)
	if err != nil {
		return false, fmt.Errorf("failed to check key: %w", err)
	}
	return ok, nil
}

// Put writes a single key.
func (s *LevelDBStore) Put(key, value []byte) error {
	if s.db == nil {
		return ErrClosed
	}
	if err := s.db.Put(key, value, nil); err != nil {
		return fmt.Errorf("failed to put key: %w", err)
	}
	s.writes.Add(1)
	return nil
}

// IterateAfter returns a snapshot iterator positioned before the first key greater than after.
func (s *LevelDBStore) IterateAfter(after []byte) (Iterator, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	snapshot, err := s.db.GetSnapshot()
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot wallet store: %w", err)
	}
	var rng *util.Range
	if after != nil {
		start := make([]byte, len(after)+1)
		copy(start, after)
		rng = &util.Range{Start: start}
	}
	return &snapshotIterator{snapshot: snapshot, it: snapshot.NewIterator(rng, nil)}, nil
}

// Apply writes records as one batch. In InsertMissing mode existing keys are skipped.
func (s *LevelDBStore) Apply(records []Record, mode WriteMode) (int, error) {
	if s.db == nil {
		return 0, ErrClosed
	}
	if len(records) == 0 {
		return 0, nil
	}

	batch := new(leveldb.Batch)
	pending := make(map[string]struct{})
	for _, rec := range records {
		if mode == InsertMissing {
			if _, dup := pending[string(rec.Key)]; dup {
				continue
			}
			exists, err := s.db.Has(rec.Key, nil)
			if err != nil {
				return 0, fmt.Errorf("failed to check key before insert: %w", err)
			}
			if exists {
				continue
			}
			pending[string(rec.Key)] = struct{}{}
		}
		batch.Put(rec.Key, rec.Value)
	}

	if batch.Len() == 0 {
		return 0, nil
	}
	if err := s.db.Write(batch, nil); err != nil {
		return 0, fmt.Errorf("failed to write batch: %w", err)
	}
	s.writes.Add(int64(batch.Len()))
	return batch.Len(), nil
}

// DeletePrefix removes every key starting with prefix and returns how many were removed.
func (s *LevelDBStore) DeletePrefix(prefix []byte) (int, error) {
	if s.db == nil {
		return 0, ErrClosed
	}
	return s.deleteRange(util.BytesPrefix(prefix))
}

// Clear removes every key.
func (s *LevelDBStore) Clear() error {
	if s.db == nil {
		return ErrClosed
	}
	_, err := s.deleteRange(nil)
	return err
}

func (s *LevelDBStore) deleteRange(rng *util.Range) (int, error) {
	it := s.db.NewIterator(rng, nil)
	defer it.Release()

	batch := new(leveldb.Batch)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	if err := it.Error(); err != nil {
		return 0, fmt.Errorf("failed to scan keys for delete: %w", err)
	}
	if batch.Len() == 0 {
		return 0, nil
	}
	if err := s.db.Write(batch, nil); err != nil {
		return 0, fmt.Errorf("failed to delete keys: %w", err)
	}
	return batch.Len(), nil
}

// Count returns the number of keys in the store.
func (s *LevelDBStore) Count() (int, error) {
	if s.db == nil {
		return 0, ErrClosed
	}
	it := s.db.NewIterator(nil, nil)
	defer it.Release()

	n := 0
	for it.Next() {
		n++
	}
	if err := it.Error(); err != nil {
		return 0, fmt.Errorf("failed to count keys: %w", err)
	}
	return n, nil
}

// Close closes the database. Closing twice is a no-op.
func (s *LevelDBStore) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

type snapshotIterator struct {
	snapshot *leveldb.Snapshot
	it       iterator.Iterator
}

func (i *snapshotIterator) Next() bool    { return i.it.Next() }
func (i *snapshotIterator) Key() []byte   { return i.it.Key() }
func (i *snapshotIterator) Value() []byte { return i.it.Value() }
func (i *snapshotIterator) Error() error  { return i.it.Error() }

func (i *snapshotIterator) Release() {
	i.it.Release()
	i.snapshot.Release()
}

// PartitionOf returns the partition segment of key, if the key has one.
func PartitionOf(key []byte) (string, bool) {
	idx := bytes.IndexByte(key, PartitionSeparator)
	if idx <= 0 {
		return "", false
	}
	return string(key[:idx]), true
}

// PartitionPrefix returns the key prefix shared by all records of a partition.
func PartitionPrefix(partitionID string) []byte {
	return append([]byte(partitionID), PartitionSeparator)
}

// CheckpointPrefix returns the key prefix of a partition's scan checkpoints.
func CheckpointPrefix(partitionID string) []byte {
	return append(PartitionPrefix(partitionID), []byte("checkpoint/")...)
}

// Package store persists imported chapter text in a local BadgerDB database.
// The store is an optional cache layer: when the database cannot be opened
// every lookup is a miss and every write is a no-op, so content resolution
// degrades to the network paths instead of failing.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/versevoice/platform/internal/apperr"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("store: not found")

// Entry is a key-value pair yielded by Scan.
type Entry struct {
	Key   string
	Value []byte
}

// Store is a flat key-value view over the local database.
type Store interface {
	// Get retrieves the value for a key. Returns ErrNotFound if not present.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a key-value pair, overwriting any existing value.
	Set(ctx context.Context, key string, value []byte) error

	// Scan calls fn for every entry in lexicographic key order.
	// Iteration stops when fn returns false.
	Scan(ctx context.Context, fn func(Entry) bool) error

	// Close releases the database.
	Close() error
}

// Options configures the database.
type Options struct {
	// Dir is the directory for the data files. Required unless InMemory.
	Dir string

	// InMemory runs the database without disk persistence. For tests.
	InMemory bool
}

// Badger is the BadgerDB-backed Store.
type Badger struct {
	db *badger.DB
}

// Open opens the database at opts.Dir.
func Open(opts Options) (*Badger, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, apperr.New(apperr.CodeUnsupportedStorage, "store directory not configured")
	}
	dbOpts := badger.DefaultOptions(opts.Dir).WithLogger(quietLogger{})
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeUnsupportedStorage, "open local database")
	}
	return &Badger{db: db}, nil
}

// OpenOrNoop opens the database and falls back to a no-op store when the
// environment cannot support one. The degradation is logged once here and
// never surfaces as an error to callers.
func OpenOrNoop(opts Options) Store {
	s, err := Open(opts)
	if err != nil {
		slog.Warn("local store unavailable, lookups will miss", "dir", opts.Dir, "error", err)
		return Noop{}
	}
	return s
}

func (b *Badger) Get(_ context.Context, key string) ([]byte, error) {
	var val []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return val, err
}

func (b *Badger) Set(_ context.Context, key string, value []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

func (b *Badger) Scan(_ context.Context, fn func(Entry) bool) error {
	return b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if !fn(Entry{Key: string(item.KeyCopy(nil)), Value: val}) {
				return nil
			}
		}
		return nil
	})
}

func (b *Badger) Close() error {
	return b.db.Close()
}

// Noop is the degraded store: always misses, accepts and discards writes.
type Noop struct{}

func (Noop) Get(context.Context, string) ([]byte, error)  { return nil, ErrNotFound }
func (Noop) Set(context.Context, string, []byte) error    { return nil }
func (Noop) Scan(context.Context, func(Entry) bool) error { return nil }
func (Noop) Close() error                                 { return nil }

// quietLogger suppresses badger's info and debug chatter.
type quietLogger struct{}

func (quietLogger) Errorf(f string, v ...interface{}) {
	slog.Error("badger: " + fmt.Sprintf(f, v...))
}
func (quietLogger) Warningf(f string, v ...interface{}) {
	slog.Warn("badger: " + fmt.Sprintf(f, v...))
}
func (quietLogger) Infof(string, ...interface{})  {}
func (quietLogger) Debugf(string, ...interface{}) {}

package storage

import (
	"context"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
)

// BadgerRepository implements the Repository interface on an embedded
// Badger database. This is the default backend for a single-device wallet
// daemon: no external service, state lives under the wallet's data dir.
type BadgerRepository struct {
	db *badger.DB
}

// NewBadgerRepository opens (or creates) a Badger database at path
func NewBadgerRepository(path string) (*BadgerRepository, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // badger's own logger is too chatty for a daemon

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db at %q: %w", path, err)
	}

	return &BadgerRepository{db: db}, nil
}

// Get retrieves the value stored under key
func (r *BadgerRepository) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte

	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key %q: %w", key, err)
	}

	return value, nil
}

// Set stores value under key, overwriting any previous value
func (r *BadgerRepository) Set(ctx context.Context, key string, value []byte) error {
	err := r.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("failed to set key %q: %w", key, err)
	}
	return nil
}

// Delete removes the value stored under key; deleting a missing key is not
// an error
func (r *BadgerRepository) Delete(ctx context.Context, key string) error {
	err := r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("failed to delete key %q: %w", key, err)
	}
	return nil
}

// Ping verifies the database is open
func (r *BadgerRepository) Ping(ctx context.Context) error {
	if r.db.IsClosed() {
		return fmt.Errorf("badger db is closed")
	}
	return nil
}

// Close closes the database
func (r *BadgerRepository) Close() error {
	return r.db.Close()
}

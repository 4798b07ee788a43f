// Package keystore defines the persistent storage collaborators used by the
// security core: a record store for encrypted values keyed by (context, key)
// and a single slot for the sealed master key.
package keystore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no record exists for a (context, key) pair.
	ErrNotFound = errors.New("keystore: record not found")
	// ErrUnavailable indicates the backing storage cannot be reached.
	ErrUnavailable = errors.New("keystore: storage unavailable")
	// ErrInvalidRecord rejects records without a context or key.
	ErrInvalidRecord = errors.New("keystore: record requires context and key")
)

// Record is one persisted value. Ciphertext is opaque to the store.
type Record struct {
	Context    string
	Key        string
	Ciphertext []byte
	UpdatedAt  time.Time
}

func (r Record) validate() error {
	if r.Context == "" || r.Key == "" {
		return ErrInvalidRecord
	}
	return nil
}

// Store is a key-value namespace addressed by (context, key).
type Store interface {
	Get(ctx context.Context, scope, key string) (Record, error)
	Put(ctx context.Context, rec Record) error
	// Delete removes a record. Deleting a missing record is not an error.
	Delete(ctx context.Context, scope, key string) error
	List(ctx context.Context) ([]Record, error)
	// PutAll writes every record or none of them.
	PutAll(ctx context.Context, recs []Record) error
}

// KeyStore holds the master key. Implementations decide how the key is
// protected at rest.
type KeyStore interface {
	// Store persists the key, replacing any previous key.
	Store(key []byte) error
	// Retrieve returns a copy of the stored key.
	Retrieve() ([]byte, error)
	// Delete removes the key from storage.
	Delete() error
	// Exists reports whether a key is stored.
	Exists() bool
}

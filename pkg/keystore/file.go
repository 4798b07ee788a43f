package keystore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileKeyStore keeps the master key in a single owner-only file. It is the
// fallback when the platform has no sealed key slot.
type FileKeyStore struct {
	path string
}

// NewFileKeyStore returns a key store backed by path.
func NewFileKeyStore(path string) *FileKeyStore {
	return &FileKeyStore{path: path}
}

// Store writes the key to a temp file, syncs it and renames it into place so a
// crash never leaves a truncated key behind.
func (f *FileKeyStore) Store(key []byte) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("%w: create key directory: %v", ErrUnavailable, err)
	}

	tmp, err := os.CreateTemp(dir, ".master-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: create temp key file: %v", ErrUnavailable, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("%w: chmod key file: %v", ErrUnavailable, err)
	}
	if _, err := tmp.Write(key); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("%w: write key file: %v", ErrUnavailable, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("%w: sync key file: %v", ErrUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("%w: close key file: %v", ErrUnavailable, err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		cleanup()
		return fmt.Errorf("%w: install key file: %v", ErrUnavailable, err)
	}
	return nil
}

func (f *FileKeyStore) Retrieve() ([]byte, error) {
	key, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: read key file: %v", ErrUnavailable, err)
	}
	return key, nil
}

func (f *FileKeyStore) Delete() error {
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: delete key file: %v", ErrUnavailable, err)
	}
	return nil
}

func (f *FileKeyStore) Exists() bool {
	_, err := os.Stat(f.path)
	return err == nil
}

// MemoryKeyStore holds the key in process memory. FailStore and FailRetrieve
// inject faults for tests.
type MemoryKeyStore struct {
	mu  sync.Mutex
	key []byte

	FailStore    error
	FailRetrieve error
}

func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{}
}

func (m *MemoryKeyStore) Store(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailStore != nil {
		return m.FailStore
	}
	m.key = append([]byte(nil), key...)
	return nil
}

func (m *MemoryKeyStore) Retrieve() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailRetrieve != nil {
		return nil, m.FailRetrieve
	}
	if m.key == nil {
		return nil, ErrNotFound
	}
	return append([]byte(nil), m.key...), nil
}

func (m *MemoryKeyStore) Delete() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.key {
		m.key[i] = 0
	}
	m.key = nil
	return nil
}

func (m *MemoryKeyStore) Exists() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.key != nil
}

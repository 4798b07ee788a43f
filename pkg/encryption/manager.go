// Package encryption owns the device master key and the per-context storage
// keys derived from it.
//
// StorageKey(context) = HKDF-SHA256(MasterKey, info = "warden/storage-key/v1:" + context).
// Values are sealed with AES-256-GCM in the layout
//
//	version(1) || nonce(12) || ciphertext || tag(16)
//
// and the context label (plus the record key for stored records) is bound as
// additional data, so a value can only be opened under the context it was
// sealed for.
package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"

	"github.com/haasonsaas/warden/pkg/keystore"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the master and storage key length (AES-256).
	KeySize = 32
	// NonceSize is the AES-GCM nonce length.
	NonceSize = 12
	// TagSize is the AES-GCM authentication tag length.
	TagSize = 16
	// MaxPlaintextSize bounds a single sealed value.
	MaxPlaintextSize = 1 << 20
	// DefaultContext is used when callers pass an empty context.
	DefaultContext = "default"

	formatVersion byte = 0x01
	headerSize         = 1 + NonceSize
	kdfInfoPrefix      = "warden/storage-key/v1:"
)

var (
	// ErrAuthentication means the tag did not verify: wrong key, wrong context or tampering.
	ErrAuthentication = errors.New("encryption: authentication failed")
	// ErrFormat means the input is not a well-formed sealed value.
	ErrFormat = errors.New("encryption: malformed ciphertext")
	// ErrKeyStore means key or record storage is unavailable.
	ErrKeyStore = errors.New("encryption: key storage unavailable")
	// ErrNotFound means no secure record exists for the key.
	ErrNotFound = errors.New("encryption: secure record not found")
	// ErrNotInitialized is returned before Init or after Cleanup.
	ErrNotInitialized = errors.New("encryption: manager not initialized")
	// ErrRotationFailed wraps the reason a rotation was abandoned.
	ErrRotationFailed = errors.New("encryption: key rotation failed")
)

// Manager provides authenticated encryption and a secure key-value store.
// The RWMutex is the rotation lock: value operations hold it shared, Init,
// rotation and Cleanup hold it exclusively.
type Manager struct {
	mu      sync.RWMutex
	keys    keystore.KeyStore
	records keystore.Store
	log     zerolog.Logger
	random  io.Reader

	master []byte

	derivedMu sync.Mutex
	derived   map[string][]byte

	// beforeReseal runs for each record during rotation; tests use it to
	// interrupt re-encryption partway.
	beforeReseal func(rec keystore.Record) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger used for key lifecycle events.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithRandom replaces the entropy source. Only tests should need this.
func WithRandom(r io.Reader) Option {
	return func(m *Manager) { m.random = r }
}

// NewManager returns an uninitialized manager. Call Init before use.
func NewManager(keys keystore.KeyStore, records keystore.Store, opts ...Option) *Manager {
	m := &Manager{
		keys:    keys,
		records: records,
		log:     zerolog.Nop(),
		random:  rand.Reader,
		derived: make(map[string][]byte),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Init loads the master key from the key store, or generates and persists a
// new one. Calling Init on an initialized manager is a no-op.
func (m *Manager) Init() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.master != nil {
		return nil
	}
	if m.keys == nil || m.records == nil {
		return fmt.Errorf("%w: no key store configured", ErrKeyStore)
	}

	if m.keys.Exists() {
		key, err := m.keys.Retrieve()
		switch {
		case err == nil && len(key) == KeySize:
			m.master = key
			if err := m.recoverRotation(context.Background()); err != nil {
				SecureMemoryClear(m.master)
				m.master = nil
				m.clearDerived()
				return err
			}
			m.log.Info().Msg("Loaded master key")
			return nil
		case err == nil:
			SecureMemoryClear(key)
			return fmt.Errorf("%w: stored master key has length %d", ErrKeyStore, len(key))
		case !errors.Is(err, keystore.ErrNotFound):
			return fmt.Errorf("%w: %v", ErrKeyStore, err)
		}
	}

	key, err := m.generateKey()
	if err != nil {
		return err
	}
	if err := m.keys.Store(key); err != nil {
		SecureMemoryClear(key)
		return fmt.Errorf("%w: persist master key: %v", ErrKeyStore, err)
	}
	m.master = key
	m.log.Info().Msg("Generated new master key")
	return nil
}

// IsInitialized reports whether a master key is loaded.
func (m *Manager) IsInitialized() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.master != nil
}

// Encrypt seals plaintext under the storage key for scope.
func (m *Manager) Encrypt(plaintext []byte, scope string) ([]byte, error) {
	scope = normalizeContext(scope)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.master == nil {
		return nil, ErrNotInitialized
	}
	return m.seal(m.storageKey(scope), plaintext, []byte(scope))
}

// Decrypt opens a value produced by Encrypt with the same scope.
func (m *Manager) Decrypt(ciphertext []byte, scope string) ([]byte, error) {
	scope = normalizeContext(scope)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.master == nil {
		return nil, ErrNotInitialized
	}
	return open(m.storageKey(scope), ciphertext, []byte(scope))
}

// StoreSecureData seals data and persists it under (scope, key).
func (m *Manager) StoreSecureData(ctx context.Context, key string, data []byte, scope string) error {
	scope = normalizeContext(scope)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.master == nil {
		return ErrNotInitialized
	}

	sealed, err := m.seal(m.storageKey(scope), data, recordAAD(scope, key))
	if err != nil {
		return err
	}
	if err := m.records.Put(ctx, keystore.Record{Context: scope, Key: key, Ciphertext: sealed}); err != nil {
		return fmt.Errorf("%w: %v", ErrKeyStore, err)
	}
	return nil
}

// RetrieveSecureData loads and opens the record stored under (scope, key).
func (m *Manager) RetrieveSecureData(ctx context.Context, key, scope string) ([]byte, error) {
	scope = normalizeContext(scope)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.master == nil {
		return nil, ErrNotInitialized
	}

	rec, err := m.records.Get(ctx, scope, key)
	if err != nil {
		if errors.Is(err, keystore.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrKeyStore, err)
	}
	return open(m.storageKey(scope), rec.Ciphertext, recordAAD(scope, key))
}

// RemoveSecureData deletes the record under (scope, key). Removing a missing
// record succeeds.
func (m *Manager) RemoveSecureData(ctx context.Context, key, scope string) error {
	scope = normalizeContext(scope)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.master == nil {
		return ErrNotInitialized
	}
	if err := m.records.Delete(ctx, scope, key); err != nil {
		return fmt.Errorf("%w: %v", ErrKeyStore, err)
	}
	return nil
}

// Cleanup zeroizes the master key and every derived key held in memory.
// Persisted records are left alone.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	SecureMemoryClear(m.master)
	m.master = nil
	m.clearDerived()
}

// SecureMemoryClear overwrites buf with zeros.
func SecureMemoryClear(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
	runtime.KeepAlive(buf)
}

func (m *Manager) generateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(m.random, key); err != nil {
		SecureMemoryClear(key)
		return nil, fmt.Errorf("encryption: generate master key: %w", err)
	}
	return key, nil
}

// storageKey returns the cached derived key for scope. Callers hold mu.
func (m *Manager) storageKey(scope string) []byte {
	m.derivedMu.Lock()
	defer m.derivedMu.Unlock()
	if key, ok := m.derived[scope]; ok {
		return key
	}
	key := deriveStorageKey(m.master, scope)
	m.derived[scope] = key
	return key
}

func (m *Manager) clearDerived() {
	m.derivedMu.Lock()
	defer m.derivedMu.Unlock()
	for scope, key := range m.derived {
		SecureMemoryClear(key)
		delete(m.derived, scope)
	}
}

func deriveStorageKey(master []byte, scope string) []byte {
	key := make([]byte, KeySize)
	r := hkdf.New(sha256.New, master, nil, []byte(kdfInfoPrefix+scope))
	if _, err := io.ReadFull(r, key); err != nil {
		// HKDF-SHA256 only fails past 255*32 bytes of output.
		panic(fmt.Sprintf("encryption: hkdf: %v", err))
	}
	return key
}

func (m *Manager) seal(key, plaintext, aad []byte) ([]byte, error) {
	if len(plaintext) > MaxPlaintextSize {
		return nil, fmt.Errorf("%w: plaintext of %d bytes exceeds %d", ErrFormat, len(plaintext), MaxPlaintextSize)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, headerSize, headerSize+len(plaintext)+TagSize)
	out[0] = formatVersion
	if _, err := io.ReadFull(m.random, out[1:headerSize]); err != nil {
		return nil, fmt.Errorf("encryption: generate nonce: %w", err)
	}
	return gcm.Seal(out, out[1:headerSize], plaintext, aad), nil
}

func open(key, sealed, aad []byte) ([]byte, error) {
	if len(sealed) < headerSize+TagSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than header and tag", ErrFormat, len(sealed))
	}
	if sealed[0] != formatVersion {
		return nil, fmt.Errorf("%w: unknown version 0x%02x", ErrFormat, sealed[0])
	}
	if len(sealed)-headerSize-TagSize > MaxPlaintextSize {
		return nil, fmt.Errorf("%w: payload exceeds %d bytes", ErrFormat, MaxPlaintextSize)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, sealed[1:headerSize], sealed[headerSize:], aad)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("encryption: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("encryption: init gcm: %w", err)
	}
	return gcm, nil
}

func recordAAD(scope, key string) []byte {
	return []byte(scope + "\x00" + key)
}

func normalizeContext(scope string) string {
	if scope == "" {
		return DefaultContext
	}
	return scope
}

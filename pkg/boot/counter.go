package boot

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/haasonsaas/warden/pkg/encryption"
)

const (
	counterContext = "boot"
	counterKey     = "failure_count"
)

// Counter persists the boot failure count across resets.
type Counter interface {
	Load(ctx context.Context) (uint32, error)
	Store(ctx context.Context, n uint32) error
}

// SecureStorage is the slice of the encryption manager the counter needs.
type SecureStorage interface {
	StoreSecureData(ctx context.Context, key string, data []byte, scope string) error
	RetrieveSecureData(ctx context.Context, key, scope string) ([]byte, error)
}

// SecureCounter keeps the counter as an authenticated record so it cannot be
// rolled back by editing storage.
type SecureCounter struct {
	store SecureStorage
}

func NewSecureCounter(store SecureStorage) *SecureCounter {
	return &SecureCounter{store: store}
}

func (c *SecureCounter) Load(ctx context.Context) (uint32, error) {
	raw, err := c.store.RetrieveSecureData(ctx, counterKey, counterContext)
	if errors.Is(err, encryption.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer encryption.SecureMemoryClear(raw)
	if len(raw) != 4 {
		return 0, fmt.Errorf("boot: failure counter record has %d bytes", len(raw))
	}
	return binary.BigEndian.Uint32(raw), nil
}

func (c *SecureCounter) Store(ctx context.Context, n uint32) error {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, n)
	return c.store.StoreSecureData(ctx, counterKey, buf, counterContext)
}

// MemoryCounter is a volatile Counter.
type MemoryCounter struct {
	mu  sync.Mutex
	n   uint32
	Err error
}

func (c *MemoryCounter) Load(context.Context) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return 0, c.Err
	}
	return c.n, nil
}

func (c *MemoryCounter) Store(_ context.Context, n uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return c.Err
	}
	c.n = n
	return nil
}

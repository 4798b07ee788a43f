package keystore

import (
	"context"
	"sort"
	"sync"
	"time"
)

type recordID struct {
	scope string
	key   string
}

// MemoryStore is an in-process Store. The Fail* hooks let tests inject
// storage faults; nil hooks never fail.
type MemoryStore struct {
	mu      sync.Mutex
	records map[recordID]Record

	FailGet    func(scope, key string) error
	FailPut    func(rec Record) error
	FailPutAll func(recs []Record) error
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[recordID]Record)}
}

func (m *MemoryStore) Get(_ context.Context, scope, key string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailGet != nil {
		if err := m.FailGet(scope, key); err != nil {
			return Record{}, err
		}
	}
	rec, ok := m.records[recordID{scope, key}]
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (m *MemoryStore) Put(_ context.Context, rec Record) error {
	if err := rec.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPut != nil {
		if err := m.FailPut(rec); err != nil {
			return err
		}
	}
	m.put(rec)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, scope, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, recordID{scope, key})
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Context != out[j].Context {
			return out[i].Context < out[j].Context
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

func (m *MemoryStore) PutAll(_ context.Context, recs []Record) error {
	for _, rec := range recs {
		if err := rec.validate(); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPutAll != nil {
		if err := m.FailPutAll(recs); err != nil {
			return err
		}
	}
	for _, rec := range recs {
		m.put(rec)
	}
	return nil
}

// Len returns the number of stored records.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *MemoryStore) put(rec Record) {
	rec = cloneRecord(rec)
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	m.records[recordID{rec.Context, rec.Key}] = rec
}

func cloneRecord(rec Record) Record {
	rec.Ciphertext = append([]byte(nil), rec.Ciphertext...)
	return rec
}

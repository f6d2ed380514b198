package cache

import (
	"context"
	"sync"
	"time"
)

// Store persists serialized cache buckets between runs
type Store interface {
	// Get retrieves a value from the store
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with a TTL. A zero TTL uses the store default.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from the store
	Delete(ctx context.Context, key string) error
}

// StoreConfig holds common configuration for store backends
type StoreConfig struct {
	// DefaultTTL is the default time-to-live of persisted buckets
	DefaultTTL time.Duration
	// Prefix is prepended to all keys
	Prefix string
}

// DefaultStoreConfig returns a default store configuration
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		DefaultTTL: 24 * time.Hour,
		Prefix:     "metasync:",
	}
}

// ErrStoreMiss is returned when a key is not in the store
type ErrStoreMiss struct {
	Key string
}

func (e ErrStoreMiss) Error() string {
	return "store miss: " + e.Key
}

// IsStoreMiss checks if an error is a store miss
func IsStoreMiss(err error) bool {
	_, ok := err.(ErrStoreMiss)
	return ok
}

// MemoryStore keeps persisted buckets in process memory
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string]memoryEntry
	config StoreConfig
	now    func() time.Time
}

type memoryEntry struct {
	value      []byte
	expiration time.Time
}

// NewMemoryStore creates an in-memory store
func NewMemoryStore(config StoreConfig) *MemoryStore {
	return &MemoryStore{
		data:   make(map[string]memoryEntry),
		config: config,
		now:    time.Now,
	}
}

// Get retrieves a value from the store
func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	entry, ok := m.data[m.config.Prefix+key]
	m.mu.RUnlock()

	if !ok || (!entry.expiration.IsZero() && m.now().After(entry.expiration)) {
		return nil, ErrStoreMiss{Key: key}
	}
	return entry.value, nil
}

// Set stores a value with a TTL
func (m *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ttl == 0 {
		ttl = m.config.DefaultTTL
	}

	entry := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expiration = m.now().Add(ttl)
	}

	m.mu.Lock()
	m.data[m.config.Prefix+key] = entry
	m.mu.Unlock()
	return nil
}

// Delete removes a value from the store
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.data, m.config.Prefix+key)
	m.mu.Unlock()
	return nil
}

package sessions

import (
	"context"
	"sync"

	"github.com/haasonsaas/turnstile/pkg/models"
)

// MemoryStore is an in-memory Store. Entries are copied on the way in and
// out so callers never share state with the store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*models.SessionEntry
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*models.SessionEntry)}
}

func (m *MemoryStore) Load(ctx context.Context, key string) (*models.SessionEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries[key].Clone(), nil
}

func (m *MemoryStore) Save(ctx context.Context, key string, entry *models.SessionEntry) error {
	if err := validateEntry(key, entry); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = entry.Clone()
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, key string, fn func(*models.SessionEntry) error) (*models.SessionEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	next, err := applyUpdate(current, fn)
	if err != nil {
		return nil, err
	}
	m.entries[key] = next
	return next.Clone(), nil
}

// Len returns the number of stored entries.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *MemoryStore) Close() error { return nil }

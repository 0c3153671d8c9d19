package beliefs

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mindforge-ai/mindforge/core"
)

// MemoryStore is the in-process implementation of Store.
type MemoryStore struct {
	mu     sync.RWMutex
	store  map[string]*Belief
	logger core.Logger
}

// NewMemoryStore creates an empty in-memory belief store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		store:  make(map[string]*Belief),
		logger: &core.NoOpLogger{},
	}
}

// SetLogger configures the logger for this store.
func (m *MemoryStore) SetLogger(logger core.Logger) {
	m.logger = core.ComponentLogger(logger, "beliefs")
}

// Add stores a belief, overwriting any previous value for the key.
func (m *MemoryStore) Add(ctx context.Context, key string, value interface{}, confidence float64, source Source, ttl time.Duration) error {
	confidence, err := normalize(key, confidence)
	if err != nil {
		return err
	}

	belief := &Belief{
		Key:        key,
		Value:      value,
		Confidence: confidence,
		Source:     source,
		CreatedAt:  time.Now(),
	}
	if ttl > 0 {
		belief.TTLSeconds = ttl.Seconds()
	}

	m.mu.Lock()
	m.store[key] = belief
	m.mu.Unlock()

	m.logger.Debug("Belief updated", map[string]interface{}{
		"operation":  "belief_add",
		"key":        key,
		"source":     string(source),
		"confidence": confidence,
		"has_ttl":    ttl > 0,
	})
	return nil
}

// Get returns the belief for key, or nil when absent or expired.
func (m *MemoryStore) Get(ctx context.Context, key string) (*Belief, error) {
	m.mu.RLock()
	belief, exists := m.store[key]
	m.mu.RUnlock()

	if !exists {
		return nil, nil
	}
	if belief.Expired(time.Now()) {
		m.mu.Lock()
		// Re-check under the write lock; another writer may have replaced it.
		if current, ok := m.store[key]; ok && current.Expired(time.Now()) {
			delete(m.store, key)
		}
		m.mu.Unlock()
		return nil, nil
	}

	copy := *belief
	return &copy, nil
}

// Query returns all live beliefs whose key starts with prefix, sorted by key.
func (m *MemoryStore) Query(ctx context.Context, prefix string) ([]Entry, error) {
	now := time.Now()

	m.mu.RLock()
	var entries []Entry
	for key, belief := range m.store {
		if !strings.HasPrefix(key, prefix) || belief.Expired(now) {
			continue
		}
		copy := *belief
		entries = append(entries, Entry{Key: key, Belief: &copy})
	}
	m.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

// Remove deletes a belief.
func (m *MemoryStore) Remove(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.store, key)
	m.mu.Unlock()
	return nil
}

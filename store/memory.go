package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/verba-labs/verba-core/models"
)

// MemoryStore is an in-process ContextStore with the same TTL semantics
// as RedisStore. Used in tests and single-process embeddings.
type MemoryStore struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]memoryEntry
}

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{ttl: ttl, entries: make(map[string]memoryEntry)}
}

// Get loads the context, honoring expiry lazily on read.
func (s *MemoryStore) Get(_ context.Context, conversationID string) (*models.SessionContext, error) {
	s.mu.RLock()
	entry, ok := s.entries[conversationID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.entries, conversationID)
		s.mu.Unlock()
		return nil, ErrNotFound
	}

	var sc models.SessionContext
	if err := json.Unmarshal(entry.data, &sc); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Put saves the context and refreshes its TTL.
func (s *MemoryStore) Put(_ context.Context, sc *models.SessionContext) error {
	data, err := json.Marshal(sc)
	if err != nil {
		return err
	}
	entry := memoryEntry{data: data}
	if s.ttl > 0 {
		entry.expiresAt = time.Now().Add(s.ttl)
	}
	s.mu.Lock()
	s.entries[sc.ID] = entry
	s.mu.Unlock()
	return nil
}

// Delete removes the context.
func (s *MemoryStore) Delete(_ context.Context, conversationID string) error {
	s.mu.Lock()
	delete(s.entries, conversationID)
	s.mu.Unlock()
	return nil
}

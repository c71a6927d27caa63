// Package store persists per-conversation session context. Expiry is the
// storage layer's job: entries carry a TTL and vanish on idle, the engine
// never reaps them itself.
package store

import (
	"context"
	"errors"
	"sync"

	"github.com/verba-labs/verba-core/models"
)

// ErrNotFound is returned when no context exists for a conversation id.
var ErrNotFound = errors.New("store: session context not found")

// ContextStore is the key-value surface the engine requires.
type ContextStore interface {
	// Get loads the context for a conversation id, or ErrNotFound.
	Get(ctx context.Context, conversationID string) (*models.SessionContext, error)
	// Put saves the context and refreshes its TTL.
	Put(ctx context.Context, sc *models.SessionContext) error
	// Delete removes the context.
	Delete(ctx context.Context, conversationID string) error
}

// Locker serializes turns within one conversation. Different conversations
// never contend with each other. Entries are reference-counted and dropped
// once the last holder unlocks, since conversation ids are client-supplied
// and would otherwise accumulate without bound.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// NewLocker creates an empty locker.
func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*lockEntry)}
}

// Lock acquires the conversation's mutex and returns its unlock func.
func (l *Locker) Lock(conversationID string) func() {
	l.mu.Lock()
	e, ok := l.locks[conversationID]
	if !ok {
		e = &lockEntry{}
		l.locks[conversationID] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.locks, conversationID)
		}
		l.mu.Unlock()
	}
}

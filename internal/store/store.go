// Package store reads conversation existence from the relational store and
// keeps an audit trail of rejected connection attempts.
package store

import (
	"context"
	"sync"
)

// ConversationLookup reports whether a conversation exists.
type ConversationLookup interface {
	ConversationExists(ctx context.Context, conversationID string) (bool, error)
}

// MemoryStore is an in-memory lookup for tests and for running without a
// database.
type MemoryStore struct {
	mu       sync.RWMutex
	known    map[string]struct{}
	allowAll bool
}

// NewMemoryStore creates a store that knows the given conversations.
func NewMemoryStore(conversationIDs ...string) *MemoryStore {
	s := &MemoryStore{known: make(map[string]struct{}, len(conversationIDs))}
	for _, id := range conversationIDs {
		s.known[id] = struct{}{}
	}
	return s
}

// NewPermissiveStore creates a store where every conversation exists.
func NewPermissiveStore() *MemoryStore {
	s := NewMemoryStore()
	s.allowAll = true
	return s
}

// Add registers a conversation.
func (s *MemoryStore) Add(conversationID string) {
	s.mu.Lock()
	s.known[conversationID] = struct{}{}
	s.mu.Unlock()
}

// ConversationExists implements ConversationLookup.
func (s *MemoryStore) ConversationExists(_ context.Context, conversationID string) (bool, error) {
	if s.allowAll {
		return true, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.known[conversationID]
	return ok, nil
}

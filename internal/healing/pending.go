package healing

import (
	"sync"

	"e2eheal/internal/capture"
)

// PendingStore holds the latest failure context per test until it is
// consumed by healing or dropped.
type PendingStore struct {
	mu    sync.Mutex
	items map[string]capture.FailureContext
}

// NewPendingStore creates an empty store.
func NewPendingStore() *PendingStore {
	return &PendingStore{items: make(map[string]capture.FailureContext)}
}

// Put stores fc under its TestID, replacing an earlier attempt's context.
func (s *PendingStore) Put(fc capture.FailureContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[fc.TestID] = fc
}

// Take removes and returns the context for testID.
func (s *PendingStore) Take(testID string) (capture.FailureContext, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fc, ok := s.items[testID]
	delete(s.items, testID)
	return fc, ok
}

// Peek returns the context without consuming it.
func (s *PendingStore) Peek(testID string) (capture.FailureContext, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fc, ok := s.items[testID]
	return fc, ok
}

// Drop discards the context for testID.
func (s *PendingStore) Drop(testID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, testID)
}

// Len returns the number of pending contexts.
func (s *PendingStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

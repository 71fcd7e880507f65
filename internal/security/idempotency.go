package security

import (
	"context"
	"sync"
	"time"
)

// IdempotencyEntry is a recorded response.
type IdempotencyEntry struct {
	Status      int
	ContentType string
	Body        []byte
	ExpiresAt   time.Time
}

// IdempotencyStore remembers the responses of requests that carried an
// idempotency key, so retried requests are replayed instead of executed.
type IdempotencyStore struct {
	keys map[string]IdempotencyEntry
	mu   sync.RWMutex
	ttl  time.Duration
	now  func() time.Time
}

// NewIdempotencyStore creates a new idempotency store.
func NewIdempotencyStore(ttl time.Duration) *IdempotencyStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &IdempotencyStore{
		keys: make(map[string]IdempotencyEntry),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Check returns the recorded response of key.
func (s *IdempotencyStore) Check(key string) (IdempotencyEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.keys[key]
	if !ok || s.now().After(entry.ExpiresAt) {
		return IdempotencyEntry{}, false
	}
	return entry, true
}

// Store records the response of key.
func (s *IdempotencyStore) Store(key string, status int, contentType string, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.keys[key] = IdempotencyEntry{
		Status:      status,
		ContentType: contentType,
		Body:        append([]byte(nil), body...),
		ExpiresAt:   s.now().Add(s.ttl),
	}
}

// Run removes expired entries periodically until ctx is done.
func (s *IdempotencyStore) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			now := s.now()
			for key, entry := range s.keys {
				if now.After(entry.ExpiresAt) {
					delete(s.keys, key)
				}
			}
			s.mu.Unlock()
		}
	}
}

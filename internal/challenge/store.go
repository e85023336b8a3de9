// Package challenge holds short-lived, single-use WebAuthn ceremony state.
package challenge

import (
	"context"
	"errors"
	"sync"
	"time"
)

// TTL is the lifetime of every WebAuthn challenge.
const TTL = 120 * time.Second

// ErrNotFound is returned when a key is missing or has expired.
var ErrNotFound = errors.New("challenge not found or expired")

// Key prefixes keep ceremonies for different users and pending logins apart.
const (
	prefixAuth     = "webauthn-auth:"
	prefixRegister = "webauthn-reg:"
	prefixStepUp   = "stepup-webauthn:"
)

// AuthKey is the key for a pending-login authentication ceremony.
func AuthKey(pendingID string) string { return prefixAuth + pendingID }

// RegisterKey is the key for a registration ceremony of one user.
func RegisterKey(userID string) string { return prefixRegister + userID }

// StepUpKey is the key for a step-up ceremony of one user.
func StepUpKey(userID string) string { return prefixStepUp + userID }

// Store is a TTL key-value store with atomic pop.
type Store interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	// Pop returns and deletes the value in one step; a second Pop for the
	// same key returns ErrNotFound.
	Pop(ctx context.Context, key string) ([]byte, error)
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore is a process-local Store with an injectable clock.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

// NewMemoryStore returns an empty MemoryStore. now may be nil (uses time.Now).
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{entries: make(map[string]entry), now: now}
}

func (s *MemoryStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry{value: append([]byte(nil), value...), expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(key)
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

func (s *MemoryStore) Pop(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup(key)
	delete(s.entries, key)
	if !ok {
		return nil, ErrNotFound
	}
	return e.value, nil
}

// lookup must be called with mu held. Expired entries are removed.
func (s *MemoryStore) lookup(key string) (entry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return entry{}, false
	}
	if !s.now().Before(e.expiresAt) {
		delete(s.entries, key)
		return entry{}, false
	}
	return e, true
}

// Sweep drops expired entries and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for k, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, k)
			n++
		}
	}
	return n
}

package policy

import (
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"
)

// DefaultTokenLifetime is how long a minted confirmation token stays valid.
const DefaultTokenLifetime = 10 * time.Minute

type confirmationRecord struct {
	upstreamKey string
	toolName    string
	mintedAt    time.Time
}

// ConfirmationStore holds live single-use confirmation tokens. Records are
// erased on first successful validation or when their age exceeds the
// configured lifetime.
type ConfirmationStore struct {
	mu       sync.Mutex
	records  map[string]confirmationRecord
	lifetime time.Duration
	now      func() time.Time
}

// NewConfirmationStore creates a store with the given token lifetime.
// A zero lifetime is honored literally: tokens expire immediately.
func NewConfirmationStore(lifetime time.Duration) *ConfirmationStore {
	return &ConfirmationStore{
		records:  make(map[string]confirmationRecord),
		lifetime: lifetime,
		now:      time.Now,
	}
}

// SetClock injects a clock for TTL tests.
func (s *ConfirmationStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Mint creates a fresh token bound to (upstreamKey, toolName).
func (s *ConfirmationStore) Mint(upstreamKey, toolName string) string {
	token := newToken()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
	s.records[token] = confirmationRecord{
		upstreamKey: upstreamKey,
		toolName:    toolName,
		mintedAt:    s.now(),
	}
	return token
}

// Validate consumes the token if it is live and bound to the same tool.
// Validation succeeds at most once per token.
func (s *ConfirmationStore) Validate(token, upstreamKey, toolName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()

	rec, ok := s.records[token]
	if !ok {
		return false
	}
	if rec.upstreamKey != upstreamKey || rec.toolName != toolName {
		return false
	}
	delete(s.records, token)
	return true
}

// Clear drops all live records and returns how many were dropped.
func (s *ConfirmationStore) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.records)
	s.records = make(map[string]confirmationRecord)
	return n
}

// Len returns the number of live records after expiry sweep.
func (s *ConfirmationStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
	return len(s.records)
}

func (s *ConfirmationStore) sweepLocked() {
	cutoff := s.now().Add(-s.lifetime)
	for token, rec := range s.records {
		if !rec.mintedAt.After(cutoff) {
			delete(s.records, token)
		}
	}
}

// newToken returns a 256-bit random token in base64url form.
func newToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failure is unrecoverable for a security token
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

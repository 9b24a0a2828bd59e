package idempotency

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps entries in process. It backs tests and single-instance deployments.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) Claim(_ context.Context, scope, fingerprint string, now time.Time, ttl time.Duration) (Claim, error) {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.live(scope, now); ok {
		return claimExisting(entry, fingerprint)
	}
	entry := Entry{
		Scope:       scope,
		Fingerprint: fingerprint,
		State:       EntryPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	s.entries[scope] = entry
	return Claim{Outcome: OutcomeAcquired, Entry: entry}, nil
}

func (s *MemoryStore) Complete(_ context.Context, scope, fingerprint string, resp StoredResponse, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.live(scope, now)
	if ok && entry.Fingerprint != fingerprint {
		return ErrKeyReuse
	}
	if !ok {
		entry = Entry{Scope: scope, Fingerprint: fingerprint, CreatedAt: now}
	}
	entry.State = EntryCompleted
	entry.Response = StoredResponse{
		Status: resp.Status,
		Header: replayableHeader(resp.Header),
		Body:   append([]byte(nil), resp.Body...),
	}
	entry.ExpiresAt = now.Add(ttl)
	s.entries[scope] = entry
	return nil
}

// Abandon drops a pending entry so the next attempt runs the handler again. Entries owned by
// another fingerprint are left alone.
func (s *MemoryStore) Abandon(_ context.Context, scope, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[scope]; ok && entry.Fingerprint == fingerprint {
		delete(s.entries, scope)
	}
	return nil
}

// Sweep removes up to limit expired entries, oldest expiry first.
func (s *MemoryStore) Sweep(_ context.Context, now time.Time, limit int) (int, error) {
	now = now.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()

	expired := make([]Entry, 0)
	for _, entry := range s.entries {
		if !now.Before(entry.ExpiresAt) {
			expired = append(expired, entry)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ExpiresAt.Before(expired[j].ExpiresAt) })
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	for _, entry := range expired {
		delete(s.entries, entry.Scope)
	}
	return len(expired), nil
}

// Len reports the number of entries held, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryStore) live(scope string, now time.Time) (Entry, bool) {
	entry, ok := s.entries[scope]
	if !ok || !now.Before(entry.ExpiresAt) {
		return Entry{}, false
	}
	return entry, true
}

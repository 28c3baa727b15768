package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultIdleTTL      = 15 * time.Minute
	defaultCleanupEvery = 2 * time.Minute
)

// Store holds one token bucket per key and evicts buckets that stayed idle for idleTTL.
//
// The map mutex is held only for lookup, insert and cleanup; token accounting serializes
// inside each *rate.Limiter.
type Store struct {
	mu           sync.Mutex
	entries      map[string]*storeEntry
	limit        rate.Limit
	burst        int
	idleTTL      time.Duration
	cleanupEvery time.Duration
}

type storeEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewStore creates an empty store for quota. idleTTL is raised to the quota period.
func NewStore(quota Quota, idleTTL, cleanupEvery time.Duration) *Store {
	if idleTTL <= 0 {
		idleTTL = defaultIdleTTL
	}
	if idleTTL < quota.Period {
		idleTTL = quota.Period
	}
	if cleanupEvery < 0 {
		cleanupEvery = 0
	}

	return &Store{
		entries:      make(map[string]*storeEntry),
		limit:        quota.Limit(),
		burst:        quota.Burst,
		idleTTL:      idleTTL,
		cleanupEvery: cleanupEvery,
	}
}

// Get returns the bucket of key, creating a full one on first sight.
func (s *Store) Get(key string, now time.Time) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ent, ok := s.entries[key]; ok {
		ent.lastSeen = now
		return ent.lim
	}

	lim := rate.NewLimiter(s.limit, s.burst)
	s.entries[key] = &storeEntry{lim: lim, lastSeen: now}
	return lim
}

// Len returns the number of tracked keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// IdleTTL returns the effective idle eviction threshold.
func (s *Store) IdleTTL() time.Duration { return s.idleTTL }

// Cleanup removes buckets not used since now-idleTTL and returns how many were removed.
//
// A bucket is kept while it is below burst at now: under the wait policies it may still owe
// tokens to reservations that come due after its last lookup.
func (s *Store) Cleanup(now time.Time) int {
	cutoff := now.Add(-s.idleTTL)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, ent := range s.entries {
		if ent.lastSeen.Before(cutoff) && ent.lim.TokensAt(now) >= float64(s.burst) {
			delete(s.entries, k)
			removed++
		}
	}

	return removed
}

// StartJanitor runs Cleanup every cleanupEvery until ctx is done. A zero interval disables it.
func (s *Store) StartJanitor(ctx context.Context, now func() time.Time) {
	if s.cleanupEvery <= 0 {
		return
	}
	if now == nil {
		now = time.Now
	}

	t := time.NewTicker(s.cleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Cleanup(now())
			}
		}
	}()
}

package ratelimit

import (
	"context"
	"maps"
	"sync"
	"time"
)

// StatsEvent is one limiter decision.
type StatsEvent struct {
	Key     string
	Outcome Outcome
	Delay   time.Duration
	At      time.Time
}

// StatsStore records decisions. Recording is best-effort: the limiter logs failures and
// never changes a decision because of them.
type StatsStore interface {
	Record(ctx context.Context, ev StatsEvent) error
}

// StatsReader exposes aggregated counters, e.g. to the status server.
type StatsReader interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// Counters aggregates decisions by outcome.
type Counters struct {
	Admitted int64 `json:"admitted"`
	Delayed  int64 `json:"delayed"`
	Rejected int64 `json:"rejected"`
}

func (c *Counters) add(outcome Outcome) {
	switch outcome {
	case Admit:
		c.Admitted++
	case AdmitAfterDelay:
		c.Delayed++
	case Reject:
		c.Rejected++
	}
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Total Counters            `json:"total"`
	Keys  map[string]Counters `json:"keys,omitempty"`
}

// MemoryStatsStore keeps counters in process memory. It never expires anything.
type MemoryStatsStore struct {
	mu        sync.Mutex
	total     Counters
	byKey     map[string]Counters
	trackKeys bool
}

type MemoryStatsOption func(*MemoryStatsStore)

// WithTrackKeys enables per-key counters. Key cardinality is unbounded.
func WithTrackKeys(track bool) MemoryStatsOption {
	return func(s *MemoryStatsStore) { s.trackKeys = track }
}

func NewMemoryStatsStore(opts ...MemoryStatsOption) *MemoryStatsStore {
	s := &MemoryStatsStore{byKey: make(map[string]Counters)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStatsStore) Record(_ context.Context, ev StatsEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.total.add(ev.Outcome)
	if s.trackKeys && ev.Key != "" {
		c := s.byKey[ev.Key]
		c.add(ev.Outcome)
		s.byKey[ev.Key] = c
	}

	return nil
}

func (s *MemoryStatsStore) Total() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func (s *MemoryStatsStore) Snapshot(context.Context) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{Total: s.total}
	if len(s.byKey) > 0 {
		snap.Keys = maps.Clone(s.byKey)
	}

	return snap, nil
}

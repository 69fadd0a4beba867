package store

import (
	"context"
	"sync"
	"time"

	"github.com/yourusername/bucketfence/core"
)

// sweepEvery bounds how often Execute scans for expired buckets
const sweepEvery = time.Minute

// MemoryStore keeps buckets in process. A single mutex makes every batch
// atomic, but state is not shared across replicas; use RedisStore for a
// global limit.
//
// Like Redis, expiry runs on the store's own clock, independent of the now
// passed to Execute.
type MemoryStore struct {
	mu        sync.Mutex
	buckets   map[string]memoryEntry
	clock     func() time.Time
	lastSweep time.Time
}

type memoryEntry struct {
	record    core.Record
	expiresAt time.Time
}

// MemoryOption configures a MemoryStore
type MemoryOption func(*MemoryStore)

// WithMemoryClock sets the clock used for record expiry
func WithMemoryClock(clock func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// Ensure MemoryStore implements Store interface
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		buckets: make(map[string]memoryEntry),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.lastSweep = s.clock()
	return s
}

// Execute evaluates all keys while holding the store lock
func (s *MemoryStore) Execute(ctx context.Context, keys []string, p core.Params, now int64) (map[string]core.Decision, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateKeys(keys); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, classify(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	at := s.clock()
	if at.Sub(s.lastSweep) >= sweepEvery {
		s.sweep(at)
	}

	decisions := make(map[string]core.Decision, len(keys))
	for _, key := range keys {
		var rec *core.Record
		if entry, ok := s.buckets[key]; ok && at.Before(entry.expiresAt) {
			r := entry.record
			rec = &r
		}

		out := core.Evaluate(rec, p, now)
		if out.Record != nil {
			s.buckets[key] = memoryEntry{
				record:    *out.Record,
				expiresAt: at.Add(time.Duration(out.TTLMs) * time.Millisecond),
			}
		}
		decisions[key] = out.Decision
	}
	return decisions, nil
}

// sweep drops expired buckets. MUST be called with s.mu locked.
func (s *MemoryStore) sweep(at time.Time) {
	for key, entry := range s.buckets {
		if !at.Before(entry.expiresAt) {
			delete(s.buckets, key)
		}
	}
	s.lastSweep = at
}

// Inspect returns the live record for key and its remaining time to live
func (s *MemoryStore) Inspect(key string) (core.Record, time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	at := s.clock()
	entry, ok := s.buckets[key]
	if !ok || !at.Before(entry.expiresAt) {
		return core.Record{}, 0, false
	}
	return entry.record, entry.expiresAt.Sub(at), true
}

// Len returns the number of stored buckets, including expired ones not yet swept
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

// Ping always succeeds
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op
func (s *MemoryStore) Close() error { return nil }

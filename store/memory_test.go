package store

import (
	"context"
	"testing"
	"time"

	"github.com/yourusername/bucketfence/core"
)

func TestMemoryStore_SweepsExpiredBuckets(t *testing.T) {
	clock := newFakeClock()
	s := NewMemoryStore(WithMemoryClock(clock.Now))
	p := core.Params{MaxTokens: 5, IntervalMs: 100, RefillRate: 5}

	for _, key := range []string{"a", "b", "c"} {
		if _, err := s.Execute(context.Background(), []string{key}, p, 0); err != nil {
			t.Fatalf("Execute() failed: %v", err)
		}
	}
	if s.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", s.Len())
	}

	// All three expire after 100ms; the sweep runs once a minute
	clock.Advance(sweepEvery)
	if _, err := s.Execute(context.Background(), []string{"d"}, p, 0); err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1 after sweep", s.Len())
	}
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Execute(ctx, []string{"k"}, core.Params{MaxTokens: 1, IntervalMs: 1, RefillRate: 1}, 0)
	if !IsRetryable(err) {
		t.Errorf("Execute() error = %v, want retryable store error", err)
	}
	if _, _, ok := s.Inspect("k"); ok {
		t.Error("cancelled batch must not write")
	}
}

func TestMemoryStore_InspectTTL(t *testing.T) {
	clock := newFakeClock()
	s := NewMemoryStore(WithMemoryClock(clock.Now))
	p := core.Params{MaxTokens: 4, IntervalMs: 250, RefillRate: 1}

	if _, err := s.Execute(context.Background(), []string{"k"}, p, 0); err != nil {
		t.Fatalf("Execute() failed: %v", err)
	}
	clock.Advance(100 * time.Millisecond)

	rec, ttl, ok := s.Inspect("k")
	if !ok {
		t.Fatal("Inspect() should find the bucket")
	}
	if rec.Tokens != 3 {
		t.Errorf("Tokens = %v, want 3", rec.Tokens)
	}
	if ttl != 150*time.Millisecond {
		t.Errorf("ttl = %v, want 150ms", ttl)
	}
}

package bucketfence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/yourusername/bucketfence/core"
	"github.com/yourusername/bucketfence/store"
)

// stubStore wraps a MemoryStore, counting calls and optionally failing
type stubStore struct {
	inner *store.MemoryStore

	mu       sync.Mutex
	calls    int
	lastKeys []string
	err      error
	block    bool
}

func newStubStore() *stubStore {
	return &stubStore{inner: store.NewMemoryStore()}
}

func (s *stubStore) Execute(ctx context.Context, keys []string, p core.Params, now int64) (map[string]core.Decision, error) {
	s.mu.Lock()
	s.calls++
	s.lastKeys = append([]string(nil), keys...)
	err, block := s.err, s.block
	s.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, fmt.Errorf("%w: %w", store.ErrStoreTimeout, ctx.Err())
	}
	if err != nil {
		return nil, err
	}
	return s.inner.Execute(ctx, keys, p, now)
}

func (s *stubStore) Ping(context.Context) error { return s.err }
func (s *stubStore) Close() error               { return nil }

func (s *stubStore) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// mockRecorder captures telemetry in memory for assertion
type mockRecorder struct {
	mu        sync.Mutex
	batches   int
	errors    int
	allowed   int
	denied    int
	cacheHits int
}

func (m *mockRecorder) ObserveBatch(keys int, took time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches++
	if err != nil {
		m.errors++
	}
}

func (m *mockRecorder) RecordDecision(allowed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if allowed {
		m.allowed++
	} else {
		m.denied++
	}
}

func (m *mockRecorder) RecordDenyCacheHit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cacheHits++
}

var scenarioParams = Params{MaxTokens: 5, IntervalMs: 1000, RefillRate: 5}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		store   store.Store
		opts    []Option
		wantErr bool
	}{
		{
			name:  "defaults",
			store: store.NewMemoryStore(),
		},
		{
			name:  "all options",
			store: store.NewMemoryStore(),
			opts: []Option{
				WithRecorder(&mockRecorder{}),
				WithClock(time.Now),
				WithTimeout(50 * time.Millisecond),
				WithDenyCache(100, time.Second),
			},
		},
		{
			name:    "nil store",
			wantErr: true,
		},
		{
			name:    "nil recorder",
			store:   store.NewMemoryStore(),
			opts:    []Option{WithRecorder(nil)},
			wantErr: true,
		},
		{
			name:    "nil clock",
			store:   store.NewMemoryStore(),
			opts:    []Option{WithClock(nil)},
			wantErr: true,
		},
		{
			name:    "negative timeout",
			store:   store.NewMemoryStore(),
			opts:    []Option{WithTimeout(-time.Second)},
			wantErr: true,
		},
		{
			name:    "zero deny cache size",
			store:   store.NewMemoryStore(),
			opts:    []Option{WithDenyCache(0, time.Second)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter, err := New(tt.store, tt.opts...)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidConfig) {
					t.Errorf("New() error = %v, want ErrInvalidConfig", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("New() unexpected error: %v", err)
			}
			if limiter == nil {
				t.Fatal("New() returned nil limiter")
			}
		})
	}
}

func TestLimiter_Check(t *testing.T) {
	limiter, err := New(store.NewMemoryStore())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	ctx := context.Background()
	at := time.UnixMilli(1000)

	for _, want := range []int64{4, 3, 2, 1, 0, -1} {
		got, err := limiter.Check(ctx, []string{"user:42"}, scenarioParams, at)
		if err != nil {
			t.Fatalf("Check() failed: %v", err)
		}
		if got["user:42"] != (Decision{Remaining: want, NextRefillAt: 2000}) {
			t.Errorf("Check() = %+v, want {%d 2000}", got["user:42"], want)
		}
	}

	got, err := limiter.Check(ctx, []string{"user:42"}, scenarioParams, time.UnixMilli(2500))
	if err != nil {
		t.Fatalf("Check() failed: %v", err)
	}
	if got["user:42"] != (Decision{Remaining: 4, NextRefillAt: 3000}) {
		t.Errorf("Check() after refill = %+v, want {4 3000}", got["user:42"])
	}
}

func TestLimiter_Check_FailsFast(t *testing.T) {
	s := newStubStore()
	limiter, _ := New(s)
	ctx := context.Background()

	_, err := limiter.Check(ctx, []string{"k"}, Params{MaxTokens: 5, IntervalMs: 0, RefillRate: 1}, time.Now())
	if !errors.Is(err, ErrInvalidParameters) {
		t.Errorf("Check() error = %v, want ErrInvalidParameters", err)
	}

	_, err = limiter.Check(ctx, []string{"k", ""}, scenarioParams, time.Now())
	if !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Check() error = %v, want ErrInvalidKey", err)
	}

	got, err := limiter.Check(ctx, nil, scenarioParams, time.Now())
	if err != nil || len(got) != 0 {
		t.Errorf("Check() with no keys = %v, %v; want empty map", got, err)
	}

	if s.Calls() != 0 {
		t.Errorf("store called %d times, want 0", s.Calls())
	}
}

func TestLimiter_Check_DeduplicatesKeys(t *testing.T) {
	s := newStubStore()
	limiter, _ := New(s)

	got, err := limiter.Check(context.Background(), []string{"a", "b", "a", "c", "b"}, scenarioParams, time.UnixMilli(0))
	if err != nil {
		t.Fatalf("Check() failed: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("Check() returned %d decisions, want 3", len(got))
	}

	want := []string{"a", "b", "c"}
	if fmt.Sprint(s.lastKeys) != fmt.Sprint(want) {
		t.Errorf("store saw keys %v, want %v", s.lastKeys, want)
	}
	if got["a"].Remaining != 4 {
		t.Errorf("repeated key consumed more than once: %+v", got["a"])
	}
}

func TestLimiter_Check_StoreError(t *testing.T) {
	s := newStubStore()
	s.err = fmt.Errorf("%w: connection refused", store.ErrStoreUnavailable)
	rec := &mockRecorder{}
	limiter, _ := New(s, WithRecorder(rec))

	got, err := limiter.Check(context.Background(), []string{"k"}, scenarioParams, time.Now())
	if got != nil {
		t.Errorf("Check() = %v, a store error must not report decisions", got)
	}
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("Check() error = %v, want ErrStoreUnavailable", err)
	}
	if !IsRetryable(err) {
		t.Error("store errors should be retryable")
	}
	if rec.batches != 1 || rec.errors != 1 {
		t.Errorf("recorder batches=%d errors=%d, want 1/1", rec.batches, rec.errors)
	}
}

func TestLimiter_Timeout(t *testing.T) {
	s := newStubStore()
	s.block = true
	limiter, _ := New(s, WithTimeout(10*time.Millisecond))

	_, err := limiter.Check(context.Background(), []string{"k"}, scenarioParams, time.Now())
	if !errors.Is(err, ErrStoreTimeout) {
		t.Errorf("Check() error = %v, want ErrStoreTimeout", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Check() error = %v, should keep context.DeadlineExceeded", err)
	}
}

func TestLimiter_Allow_DenyCache(t *testing.T) {
	s := newStubStore()
	rec := &mockRecorder{}
	now := time.UnixMilli(1000)
	clock := func() time.Time { return now }

	limiter, err := New(s, WithClock(clock), WithRecorder(rec), WithDenyCache(16, time.Minute))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	ctx := context.Background()
	p := Params{MaxTokens: 2, IntervalMs: 1000, RefillRate: 2}

	for i := 0; i < 2; i++ {
		d, err := limiter.Allow(ctx, "flood", p)
		if err != nil || !d.Allowed() {
			t.Fatalf("Allow() #%d = %+v, %v; want admit", i+1, d, err)
		}
	}

	d, err := limiter.Allow(ctx, "flood", p)
	if err != nil {
		t.Fatalf("Allow() failed: %v", err)
	}
	if d != (Decision{Remaining: -1, NextRefillAt: 2000}) {
		t.Fatalf("Allow() = %+v, want denial until 2000", d)
	}
	callsAfterDenial := s.Calls()

	// Flood before the boundary is answered locally
	for i := 0; i < 10; i++ {
		now = time.UnixMilli(1500)
		d, err = limiter.Allow(ctx, "flood", p)
		if err != nil || d.Allowed() {
			t.Fatalf("cached Allow() = %+v, %v; want denial", d, err)
		}
	}
	if s.Calls() != callsAfterDenial {
		t.Errorf("store called %d extra times during flood, want 0", s.Calls()-callsAfterDenial)
	}
	if rec.cacheHits != 10 {
		t.Errorf("cacheHits = %d, want 10", rec.cacheHits)
	}

	// Past the boundary the store decides again
	now = time.UnixMilli(2000)
	d, err = limiter.Allow(ctx, "flood", p)
	if err != nil || d != (Decision{Remaining: 1, NextRefillAt: 3000}) {
		t.Errorf("Allow() after boundary = %+v, %v; want {1 3000}", d, err)
	}
	if s.Calls() != callsAfterDenial+1 {
		t.Errorf("store calls = %d, want %d", s.Calls(), callsAfterDenial+1)
	}
}

func TestLimiter_Allow_WithoutDenyCache(t *testing.T) {
	s := newStubStore()
	now := time.UnixMilli(0)
	limiter, _ := New(s, WithClock(func() time.Time { return now }))
	p := Params{MaxTokens: 1, IntervalMs: 1000, RefillRate: 1}

	for i := 0; i < 3; i++ {
		if _, err := limiter.Allow(context.Background(), "k", p); err != nil {
			t.Fatalf("Allow() failed: %v", err)
		}
	}
	if s.Calls() != 3 {
		t.Errorf("store calls = %d, want 3", s.Calls())
	}

	if _, err := limiter.Allow(context.Background(), "", p); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Allow(\"\") error = %v, want ErrInvalidKey", err)
	}
}

func TestLimiter_RecordsDecisions(t *testing.T) {
	rec := &mockRecorder{}
	limiter, _ := New(store.NewMemoryStore(), WithRecorder(rec))
	p := Params{MaxTokens: 1, IntervalMs: 60_000, RefillRate: 1}

	if _, err := limiter.Check(context.Background(), []string{"a", "b"}, p, time.UnixMilli(0)); err != nil {
		t.Fatalf("Check() failed: %v", err)
	}
	if _, err := limiter.Check(context.Background(), []string{"a"}, p, time.UnixMilli(1)); err != nil {
		t.Fatalf("Check() failed: %v", err)
	}

	if rec.batches != 2 || rec.allowed != 2 || rec.denied != 1 {
		t.Errorf("recorder batches=%d allowed=%d denied=%d, want 2/2/1", rec.batches, rec.allowed, rec.denied)
	}
}

package bucketfence

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/yourusername/bucketfence/core"
	"github.com/yourusername/bucketfence/store"
)

type (
	// Params is the bucket policy shared by every key of one call
	Params = core.Params

	// Decision is the outcome for one key. Remaining is -1 when denied.
	Decision = core.Decision
)

// Limiter is the caller-facing entry point. It validates input, runs one
// atomic batch against the store and reports telemetry. It holds no lock
// across the store call and is safe for concurrent use.
type Limiter struct {
	store    store.Store
	logger   zerolog.Logger
	recorder Recorder
	clock    func() time.Time
	timeout  time.Duration
	denied   *expirable.LRU[string, Decision]
}

// New creates a Limiter on top of s.
//
// Example:
//
//	s, _ := store.NewRedisStore(redisClient, store.RedisConfig{})
//	limiter, err := bucketfence.New(s,
//	    bucketfence.WithDenyCache(10_000, time.Minute),
//	    bucketfence.WithTimeout(100*time.Millisecond),
//	)
func New(s store.Store, opts ...Option) (*Limiter, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: store cannot be nil", ErrInvalidConfig)
	}

	l := &Limiter{
		store:    s,
		logger:   zerolog.Nop(),
		recorder: nopRecorder{},
		clock:    time.Now,
	}

	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	return l, nil
}

// Check decides every key at instant now as one atomic batch and returns
// the decision per key. Repeated keys are decided once.
//
// A denied key is a normal Decision, not an error. An error means no
// decision was rendered and no bucket was changed; check IsRetryable.
// Retrying is left to the caller: a call that failed on the client side
// (for example a timeout) may still have consumed tokens on the server,
// so retrying an admit can consume twice.
func (l *Limiter) Check(ctx context.Context, keys []string, p Params, now time.Time) (map[string]Decision, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	unique := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if key == "" {
			return nil, fmt.Errorf("%w: key cannot be empty", ErrInvalidKey)
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, key)
	}

	if len(unique) == 0 {
		return map[string]Decision{}, nil
	}

	return l.execute(ctx, unique, p, now)
}

// Allow decides a single key at the limiter's clock.
//
// With a deny cache configured, a key denied earlier is answered locally
// until its next refill boundary, which spares the store round trip while
// a client floods.
func (l *Limiter) Allow(ctx context.Context, key string, p Params) (Decision, error) {
	if key == "" {
		return Decision{}, fmt.Errorf("%w: key cannot be empty", ErrInvalidKey)
	}
	if err := p.Validate(); err != nil {
		return Decision{}, err
	}

	now := l.clock()

	if l.denied != nil {
		if d, ok := l.denied.Get(key); ok {
			if now.UnixMilli() < d.NextRefillAt {
				l.recorder.RecordDenyCacheHit()
				return d, nil
			}
			l.denied.Remove(key)
		}
	}

	decisions, err := l.execute(ctx, []string{key}, p, now)
	if err != nil {
		return Decision{}, err
	}

	d, ok := decisions[key]
	if !ok {
		return Decision{}, fmt.Errorf("%w: no decision for key %q", store.ErrMalformedReply, key)
	}

	if !d.Allowed() && l.denied != nil {
		l.denied.Add(key, d)
	}

	return d, nil
}

// Ping checks the underlying store
func (l *Limiter) Ping(ctx context.Context) error {
	return l.store.Ping(ctx)
}

// Close closes the underlying store
func (l *Limiter) Close() error {
	return l.store.Close()
}

// Now returns the limiter clock's current time
func (l *Limiter) Now() time.Time {
	return l.clock()
}

func (l *Limiter) execute(ctx context.Context, keys []string, p Params, now time.Time) (map[string]Decision, error) {
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	start := time.Now()
	decisions, err := l.store.Execute(ctx, keys, p, now.UnixMilli())
	l.recorder.ObserveBatch(len(keys), time.Since(start), err)

	if err != nil {
		l.logger.Warn().
			Err(err).
			Int("keys", len(keys)).
			Bool("retryable", IsRetryable(err)).
			Msg("rate limit batch failed")
		return nil, err
	}

	for _, d := range decisions {
		l.recorder.RecordDecision(d.Allowed())
	}

	if e := l.logger.Debug(); e.Enabled() {
		e.Int("keys", len(keys)).
			Int64("now_ms", now.UnixMilli()).
			Dur("took", time.Since(start)).
			Msg("rate limit batch decided")
	}

	return decisions, nil
}

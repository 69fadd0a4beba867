package bucketfence

import (
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
)

// Option is a functional option for configuring a Limiter.
type Option func(*Limiter) error

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Limiter) error {
		l.logger = logger.With().Str("component", "limiter").Logger()
		return nil
	}
}

// WithRecorder sets the telemetry recorder (see the metrics package).
func WithRecorder(recorder Recorder) Option {
	return func(l *Limiter) error {
		if recorder == nil {
			return fmt.Errorf("%w: recorder cannot be nil", ErrInvalidConfig)
		}
		l.recorder = recorder
		return nil
	}
}

// WithClock sets the clock used by Allow. Defaults to time.Now.
func WithClock(clock func() time.Time) Option {
	return func(l *Limiter) error {
		if clock == nil {
			return fmt.Errorf("%w: clock cannot be nil", ErrInvalidConfig)
		}
		l.clock = clock
		return nil
	}
}

// WithTimeout bounds every store round trip. Zero means no extra bound
// beyond the caller's context.
func WithTimeout(timeout time.Duration) Option {
	return func(l *Limiter) error {
		if timeout < 0 {
			return fmt.Errorf("%w: timeout cannot be negative", ErrInvalidConfig)
		}
		l.timeout = timeout
		return nil
	}
}

// WithDenyCache enables the local cache of denied keys used by Allow.
// size bounds the number of cached keys; ttl bounds how long an entry is
// kept and should match the longest refill interval in use.
//
// The cache is keyed by bucket key only, so keys must not be shared by
// policies with different parameters.
func WithDenyCache(size int, ttl time.Duration) Option {
	return func(l *Limiter) error {
		if size <= 0 {
			return fmt.Errorf("%w: deny cache size must be positive", ErrInvalidConfig)
		}
		if ttl < 0 {
			return fmt.Errorf("%w: deny cache ttl cannot be negative", ErrInvalidConfig)
		}
		l.denied = expirable.NewLRU[string, Decision](size, nil, ttl)
		return nil
	}
}

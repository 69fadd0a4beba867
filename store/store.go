package store

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/yourusername/bucketfence/core"
)

var (
	// ErrStoreUnavailable is returned when a batch could not be executed.
	// No bucket state was changed.
	ErrStoreUnavailable = errors.New("bucket store unavailable")

	// ErrStoreTimeout is returned when a batch timed out or was cancelled.
	// No bucket state was changed.
	ErrStoreTimeout = errors.New("bucket store timeout")

	// ErrMalformedReply is returned when the store answered with something
	// that is not a valid batch encoding
	ErrMalformedReply = errors.New("malformed bucket store reply")

	// ErrConflict is returned when an optimistic transaction kept losing
	// races for its keys
	ErrConflict = errors.New("bucket store transaction conflict")
)

// DefaultKeyPrefix is prepended to every bucket key written to Redis
const DefaultKeyPrefix = "bucketfence:"

// Store executes a batch of independent bucket evaluations as one atomic
// unit. Either every admitted key of the batch is persisted or, on error,
// none is.
type Store interface {
	// Execute evaluates every key with the same params and now (epoch ms)
	// and returns the decision for each key.
	Execute(ctx context.Context, keys []string, p core.Params, now int64) (map[string]core.Decision, error)

	// Ping checks that the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}

// ValidateKeys rejects empty or repeated keys
func ValidateKeys(keys []string) error {
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if key == "" {
			return fmt.Errorf("%w: key cannot be empty", core.ErrInvalidKey)
		}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("%w: duplicate key %q in batch", core.ErrInvalidKey, key)
		}
		seen[key] = struct{}{}
	}
	return nil
}

// classify wraps a transport-level error with the matching store sentinel,
// keeping the cause in the chain.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrStoreTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", ErrStoreTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

// IsRetryable reports whether err is an infrastructure failure after which
// the same call may be attempted again
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrStoreTimeout) ||
		errors.Is(err, ErrConflict)
}

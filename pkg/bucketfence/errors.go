package bucketfence

import (
	"errors"

	"github.com/yourusername/bucketfence/core"
	"github.com/yourusername/bucketfence/store"
)

var (
	// ErrInvalidConfig is returned when configuration is invalid
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidParameters is returned when bucket parameters are not all positive
	ErrInvalidParameters = core.ErrInvalidParameters

	// ErrInvalidKey is returned when the rate limit key is empty
	ErrInvalidKey = core.ErrInvalidKey

	// ErrStoreUnavailable is returned when the store could not render a decision
	ErrStoreUnavailable = store.ErrStoreUnavailable

	// ErrStoreTimeout is returned when the store call timed out or was cancelled
	ErrStoreTimeout = store.ErrStoreTimeout
)

// IsRetryable reports whether err means "no decision was rendered" because
// of an infrastructure failure. Such a call changed no bucket state.
//
// A denial is never an error and never retryable through this path.
func IsRetryable(err error) bool {
	return store.IsRetryable(err)
}

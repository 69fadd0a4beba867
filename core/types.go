package core

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidParameters is returned when bucket parameters fail their positivity constraints
	ErrInvalidParameters = errors.New("invalid bucket parameters")

	// ErrInvalidMaxTokens is returned when max tokens is zero or negative
	ErrInvalidMaxTokens = fmt.Errorf("%w: max tokens must be positive", ErrInvalidParameters)

	// ErrInvalidInterval is returned when the refill interval is shorter than 1ms
	ErrInvalidInterval = fmt.Errorf("%w: interval must be at least 1ms", ErrInvalidParameters)

	// ErrInvalidRefillRate is returned when the refill rate is zero or negative
	ErrInvalidRefillRate = fmt.Errorf("%w: refill rate must be positive", ErrInvalidParameters)

	// ErrInvalidKey is returned when a bucket key is empty or repeated within one batch
	ErrInvalidKey = errors.New("invalid bucket key")
)

// Params defines the bucket policy shared by every key of one call
type Params struct {
	MaxTokens  int64   // Bucket capacity (burst size)
	IntervalMs int64   // Refill period in milliseconds
	RefillRate float64 // Tokens granted per elapsed interval
}

// NewParams builds Params from a time.Duration interval.
// Sub-millisecond intervals truncate to 0 and fail Validate.
func NewParams(maxTokens int64, interval time.Duration, refillRate float64) Params {
	return Params{
		MaxTokens:  maxTokens,
		IntervalMs: interval.Milliseconds(),
		RefillRate: refillRate,
	}
}

// Validate checks the positivity constraints. It must be called before
// any store interaction; Evaluate assumes valid parameters.
func (p Params) Validate() error {
	if p.MaxTokens <= 0 {
		return ErrInvalidMaxTokens
	}
	if p.IntervalMs <= 0 {
		return ErrInvalidInterval
	}
	if !(p.RefillRate > 0) {
		return ErrInvalidRefillRate
	}
	return nil
}

// Interval returns the refill period as a time.Duration
func (p Params) Interval() time.Duration {
	return time.Duration(p.IntervalMs) * time.Millisecond
}

// Record is the persisted state of one bucket
type Record struct {
	RefilledAt int64   // Last boundary (epoch ms) at which Tokens was authoritative
	Tokens     float64 // Tokens available at RefilledAt
}

// Decision is the outcome of evaluating one key at one instant
type Decision struct {
	Remaining    int64 // Tokens left after consuming one, or -1 when denied
	NextRefillAt int64 // Epoch ms of the next refill boundary
}

// Denied is the Remaining value reported for a rejected evaluation
const Denied int64 = -1

// Allowed reports whether the evaluation admitted the request
func (d Decision) Allowed() bool {
	return d.Remaining != Denied
}

// RetryAfter returns how long a denied caller should wait before the next
// refill boundary, measured from now. It is zero for admitted decisions.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.Allowed() {
		return 0
	}
	wait := time.Duration(d.NextRefillAt-now.UnixMilli()) * time.Millisecond
	if wait < 0 {
		return 0
	}
	return wait
}

// ResetAt returns the next refill boundary as a time.Time
func (d Decision) ResetAt() time.Time {
	return time.UnixMilli(d.NextRefillAt)
}

package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/yourusername/bucketfence/pkg/bucketfence"
)

// Limiter is the part of *bucketfence.Limiter the middleware needs
type Limiter interface {
	Allow(ctx context.Context, key string, p bucketfence.Params) (bucketfence.Decision, error)
	Now() time.Time
}

// Config for creating the rate limiting middleware
type Config struct {
	Limiter  Limiter             // Required
	Policies *bucketfence.Config // Required: defaults and per-route policies
	KeyFunc  KeyFunc             // Optional: defaults to IP()

	// Route maps a request to the route its policy is looked up by.
	// Optional: defaults to the URL path.
	Route func(*http.Request) string

	Logger zerolog.Logger
}

// RateLimit returns middleware that admits or rejects each request with
// one token from the bucket of (route policy, client key).
//
// Every decided request carries X-RateLimit-Limit, X-RateLimit-Remaining
// and X-RateLimit-Reset. Rejected requests get 429 with Retry-After.
// When the store cannot decide, the request fails with 503 instead of
// being let through or counted as limited.
func RateLimit(cfg Config) (func(http.Handler) http.Handler, error) {
	if cfg.Limiter == nil {
		return nil, fmt.Errorf("%w: limiter cannot be nil", bucketfence.ErrInvalidConfig)
	}
	if cfg.Policies == nil {
		return nil, fmt.Errorf("%w: policies cannot be nil", bucketfence.ErrInvalidConfig)
	}
	if err := cfg.Policies.Validate(); err != nil {
		return nil, err
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = IP()
	}
	if cfg.Route == nil {
		cfg.Route = func(r *http.Request) string { return r.URL.Path }
	}
	logger := cfg.Logger.With().Str("component", "ratelimit").Logger()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			name, policy := cfg.Policies.GetPolicy(cfg.Route(r))
			if policy.Disabled {
				next.ServeHTTP(w, r)
				return
			}

			client, err := cfg.KeyFunc(r)
			if err != nil {
				logger.Debug().Err(err).Str("path", r.URL.Path).Msg("no client key")
				writeJSON(w, http.StatusBadRequest, errorBody{
					Error:   "client_key_required",
					Message: "Could not identify the client for rate limiting.",
				})
				return
			}

			d, err := cfg.Limiter.Allow(r.Context(), name+":"+client, policy.Params())
			if err != nil {
				logger.Warn().Err(err).Str("policy", name).Msg("rate limiter unavailable")
				w.Header().Set("Retry-After", "1")
				writeJSON(w, http.StatusServiceUnavailable, errorBody{
					Error:   "rate_limiter_unavailable",
					Message: "Rate limiter is temporarily unavailable.",
				})
				return
			}

			setHeaders(w.Header(), policy.MaxTokens, d)

			if !d.Allowed() {
				wait := d.RetryAfter(cfg.Limiter.Now())
				w.Header().Set("Retry-After", strconv.FormatInt(retryAfterSeconds(wait), 10))
				writeJSON(w, http.StatusTooManyRequests, errorBody{
					Error:        "rate_limit_exceeded",
					Message:      "Too many requests. Please try again later.",
					RetryAfterMs: wait.Milliseconds(),
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}, nil
}

func setHeaders(h http.Header, limit int64, d bucketfence.Decision) {
	remaining := d.Remaining
	if remaining < 0 {
		remaining = 0
	}
	h.Set("X-RateLimit-Limit", strconv.FormatInt(limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(resetUnix(d.ResetAt()), 10))
}

// resetUnix rounds the reset instant up to whole unix seconds
func resetUnix(t time.Time) int64 {
	secs := t.Unix()
	if t.Nanosecond() > 0 {
		secs++
	}
	return secs
}

// retryAfterSeconds rounds up and never advertises less than one second
func retryAfterSeconds(wait time.Duration) int64 {
	secs := int64(math.Ceil(wait.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

type errorBody struct {
	Error        string `json:"error"`
	Message      string `json:"message"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, body errorBody) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

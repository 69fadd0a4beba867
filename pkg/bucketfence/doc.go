// Package bucketfence provides distributed token-bucket rate limiting for Go applications.
//
// Many processes can share one limit: every decision runs as a single atomic
// batch inside a shared store (Redis), so callers agree on the outcome per key
// without talking to each other.
//
// # Quick Start
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s, err := store.NewRedisStore(client, store.RedisConfig{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	limiter, err := bucketfence.New(s)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	params := bucketfence.Params{MaxTokens: 5, IntervalMs: 1000, RefillRate: 5}
//	decisions, err := limiter.Check(ctx, []string{"user:42", "org:7"}, params, time.Now())
//	if err != nil {
//	    // no decision was made; see IsRetryable
//	}
//	if !decisions["user:42"].Allowed() {
//	    fmt.Printf("Rate limited. Retry after %v\n", decisions["user:42"].RetryAfter(time.Now()))
//	}
//
// # Token Bucket Algorithm
//
// Each key owns a bucket of at most MaxTokens tokens. Every IntervalMs the
// bucket gains RefillRate tokens. Refill is applied in whole intervals and
// the refill timestamp stays aligned to interval boundaries, so a caller
// polling between boundaries never shifts the schedule.
//
// A request consumes one token. A denied request changes nothing: neither
// the bucket nor its expiry. An admitted request stores the new bucket with
// an expiry equal to the time needed to refill completely, after which an
// idle key simply disappears and reappears full.
//
// # Single Keys and the Deny Cache
//
// Allow decides one key at the limiter's clock. With WithDenyCache, denials
// are remembered locally until the key's next refill boundary:
//
//	limiter, _ := bucketfence.New(s, bucketfence.WithDenyCache(10_000, time.Minute))
//	d, err := limiter.Allow(ctx, "ip:203.0.113.9", params)
//
// # Errors
//
// A denial is a Decision with Remaining == -1, never an error. Errors mean
// the store could not render a decision:
//   - ErrInvalidParameters, ErrInvalidKey: rejected before any store call
//   - ErrStoreUnavailable, ErrStoreTimeout: retryable, see IsRetryable
//
// Tokens are not replay-safe. A call that timed out on the client may have
// been applied by Redis, so the library never retries on its own.
//
// # Configuration
//
// Policies for the HTTP middleware can be loaded from YAML:
//
//	defaults:
//	  max_tokens: 100
//	  interval_ms: 1000
//	  refill_rate: 10
//
//	policies:
//	  "/api/login":
//	    max_tokens: 5
//	    interval_ms: 60000
//	    refill_rate: 5
//	  "/internal/status":
//	    disabled: true
//
//	key_extractor: "ip-proxy"
//	deny_cache:
//	  size: 10000
//	  ttl_ms: 60000
//
// # Concurrency
//
// Limiter holds no lock across the store call and is safe for concurrent use.
// Store atomicity is the only coordination between callers.
package bucketfence

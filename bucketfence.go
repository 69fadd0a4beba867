package bucketfence

import (
	"context"

	"github.com/yourusername/bucketfence/pkg/bucketfence"
	"github.com/yourusername/bucketfence/store"
)

// Re-export main types for convenience
type (
	Limiter  = bucketfence.Limiter
	Params   = bucketfence.Params
	Decision = bucketfence.Decision
	Option   = bucketfence.Option
)

// New creates a limiter on any store
var New = bucketfence.New

// NewRedisLimiter creates a limiter backed by the Lua script store on
// client, using the default key prefix. The script is loaded up front so
// the first decision does not pay for it. Closing the limiter does not
// close client.
func NewRedisLimiter(ctx context.Context, client store.RedisClient, opts ...Option) (*Limiter, error) {
	s, err := store.NewRedisStore(client, store.RedisConfig{})
	if err != nil {
		return nil, err
	}
	if err := s.Load(ctx); err != nil {
		return nil, err
	}
	return bucketfence.New(s, opts...)
}

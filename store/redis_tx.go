package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/yourusername/bucketfence/core"
)

const (
	fieldRefilledAt = "refilled_at"
	fieldTokens     = "tokens"

	defaultMaxAttempts = 16
)

// RedisWatcher is the subset of go-redis used by OptimisticStore
type RedisWatcher interface {
	Watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// OptimisticConfig configures an OptimisticStore
type OptimisticConfig struct {
	KeyPrefix   string // Prepended to every bucket key (default: "bucketfence:")
	MaxAttempts int    // WATCH/EXEC attempts before giving up (default: 16)
	CloseClient bool   // Close the client when the store is closed
}

// OptimisticStore is for servers where scripting is disabled. It watches
// every key of the batch, evaluates in process and commits all admitted
// writes in one MULTI/EXEC. EXEC aborts if any watched key changed, in
// which case the whole batch is evaluated again.
//
// It shares the record layout of RedisStore, so both can serve the same
// buckets.
type OptimisticStore struct {
	client      RedisWatcher
	prefix      string
	maxAttempts int
	closeClient bool
}

// Ensure OptimisticStore implements Store interface
var _ Store = (*OptimisticStore)(nil)

// NewOptimisticStore creates a new WATCH-based store
func NewOptimisticStore(client RedisWatcher, config OptimisticConfig) (*OptimisticStore, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if config.MaxAttempts < 0 {
		return nil, errors.New("max attempts cannot be negative")
	}

	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	attempts := config.MaxAttempts
	if attempts == 0 {
		attempts = defaultMaxAttempts
	}

	return &OptimisticStore{
		client:      client,
		prefix:      prefix,
		maxAttempts: attempts,
		closeClient: config.CloseClient,
	}, nil
}

// Execute evaluates all keys inside one optimistic transaction
func (s *OptimisticStore) Execute(ctx context.Context, keys []string, p core.Params, now int64) (map[string]core.Decision, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateKeys(keys); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return map[string]core.Decision{}, nil
	}

	redisKeys := make([]string, len(keys))
	for i, key := range keys {
		redisKeys[i] = s.prefix + key
	}

	var decisions map[string]core.Decision
	txf := func(tx *redis.Tx) error {
		records, err := readRecords(ctx, tx, redisKeys)
		if err != nil {
			return err
		}

		decisions = make(map[string]core.Decision, len(keys))
		outcomes := make([]core.Outcome, len(keys))
		for i, key := range keys {
			outcomes[i] = core.Evaluate(records[i], p, now)
			decisions[key] = outcomes[i].Decision
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			writes := 0
			for i, out := range outcomes {
				if out.Record == nil {
					continue
				}
				pipe.HSet(ctx, redisKeys[i],
					fieldRefilledAt, out.Record.RefilledAt,
					fieldTokens, out.Record.Tokens,
				)
				pipe.PExpire(ctx, redisKeys[i], time.Duration(out.TTLMs)*time.Millisecond)
				writes++
			}
			if writes == 0 {
				// EXEC must still run so an all-denied batch is checked against the WATCH
				pipe.Ping(ctx)
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, redisKeys...)
		if err == nil {
			return decisions, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, ErrMalformedReply) {
			return nil, err
		}
		return nil, classify(err)
	}

	return nil, fmt.Errorf("%w: gave up after %d attempts", ErrConflict, s.maxAttempts)
}

// readRecords loads the bucket hashes in one pipeline. Absent buckets are nil.
func readRecords(ctx context.Context, tx *redis.Tx, keys []string) ([]*core.Record, error) {
	cmds := make([]*redis.SliceCmd, len(keys))
	_, err := tx.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range keys {
			cmds[i] = pipe.HMGet(ctx, key, fieldRefilledAt, fieldTokens)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	records := make([]*core.Record, len(keys))
	for i, cmd := range cmds {
		rec, err := parseRecord(cmd.Val())
		if err != nil {
			return nil, fmt.Errorf("%w: bucket %q: %v", ErrMalformedReply, keys[i], err)
		}
		records[i] = rec
	}
	return records, nil
}

func parseRecord(vals []interface{}) (*core.Record, error) {
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return nil, nil
	}

	refilledAt, err := parseNumber(vals[0])
	if err != nil {
		return nil, err
	}
	tokens, err := parseNumber(vals[1])
	if err != nil {
		return nil, err
	}

	return &core.Record{
		RefilledAt: int64(refilledAt),
		Tokens:     tokens,
	}, nil
}

func parseNumber(v interface{}) (float64, error) {
	switch t := v.(type) {
	case string:
		return strconv.ParseFloat(t, 64)
	case int64:
		return float64(t), nil
	case float64:
		return t, nil
	default:
		return 0, fmt.Errorf("unexpected field type: %T", v)
	}
}

// Ping checks if Redis connection is alive
func (s *OptimisticStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return classify(err)
	}
	return nil
}

// Close closes the Redis connection if the store owns it
func (s *OptimisticStore) Close() error {
	if !s.closeClient {
		return nil
	}
	return s.client.Close()
}

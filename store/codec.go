package store

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/yourusername/bucketfence/core"
)

// DecodeBatch parses the script reply: a JSON object mapping each bucket
// key to the pair [remaining, next_refill_at].
//
// Numbers are read as float64 because Lua has no integer type and cjson may
// render large values with an exponent.
func DecodeBatch(reply string) (map[string]core.Decision, error) {
	var raw map[string][]float64
	if err := json.Unmarshal([]byte(reply), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}

	decisions := make(map[string]core.Decision, len(raw))
	for key, pair := range raw {
		if len(pair) != 2 {
			return nil, fmt.Errorf("%w: key %q has %d values, want 2", ErrMalformedReply, key, len(pair))
		}
		decisions[key] = core.Decision{
			Remaining:    int64(math.Round(pair[0])),
			NextRefillAt: int64(math.Round(pair[1])),
		}
	}
	return decisions, nil
}

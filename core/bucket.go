package core

import "math"

// Outcome is the result of one Evaluate step.
//
// A nil Record means the stored record and its expiry must be left exactly
// as they are. Otherwise Record must be written and expire TTLMs
// milliseconds after the evaluation instant.
type Outcome struct {
	Record   *Record
	TTLMs    int64
	Decision Decision
}

// Evaluate runs the token bucket algorithm for one key.
//
// rec is nil when the store holds no record for the key (never touched, or
// expired away). now is the evaluation instant in epoch milliseconds. p must
// already be validated.
func Evaluate(rec *Record, p Params, now int64) Outcome {
	var refilledAt int64
	var tokens float64
	if rec == nil {
		refilledAt = now
		tokens = float64(p.MaxTokens)
	} else {
		refilledAt = rec.RefilledAt
		tokens = rec.Tokens
	}

	// Catch up on whole intervals only, keeping refilledAt on the original grid
	if now >= refilledAt+p.IntervalMs {
		refills := (now - refilledAt) / p.IntervalMs
		tokens = math.Min(float64(p.MaxTokens), tokens+float64(refills)*p.RefillRate)
		refilledAt += refills * p.IntervalMs
	}

	nextRefillAt := refilledAt + p.IntervalMs

	if tokens < 1 {
		return Outcome{
			Decision: Decision{Remaining: Denied, NextRefillAt: nextRefillAt},
		}
	}

	remaining := tokens - 1
	return Outcome{
		Record:   &Record{RefilledAt: refilledAt, Tokens: remaining},
		TTLMs:    FullRefillMs(p, remaining),
		Decision: Decision{Remaining: int64(math.Floor(remaining)), NextRefillAt: nextRefillAt},
	}
}

// FullRefillMs returns the relative time, in milliseconds, for a bucket
// holding tokens to refill back to capacity. Stores use it as the record
// expiry so an idle bucket disappears once it is indistinguishable from a
// fresh one.
func FullRefillMs(p Params, tokens float64) int64 {
	missing := float64(p.MaxTokens) - tokens
	if missing <= 0 {
		return 0
	}
	return int64(math.Ceil(missing/p.RefillRate)) * p.IntervalMs
}

package bucketfence

import "time"

// Recorder receives limiter telemetry. Implementations must be safe for
// concurrent use.
type Recorder interface {
	// ObserveBatch is called once per store round trip
	ObserveBatch(keys int, took time.Duration, err error)

	// RecordDecision is called once per key decided by the store
	RecordDecision(allowed bool)

	// RecordDenyCacheHit is called when Allow answers from the local deny cache
	RecordDenyCacheHit()
}

// nopRecorder lets the hot path call the recorder unconditionally
type nopRecorder struct{}

func (nopRecorder) ObserveBatch(int, time.Duration, error) {}
func (nopRecorder) RecordDecision(bool)                    {}
func (nopRecorder) RecordDenyCacheHit()                    {}

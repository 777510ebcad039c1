package adapter

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// BackoffPolicy bounds transient retries inside an adapter wrapper.
type BackoffPolicy struct {
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// DefaultBackoff is the adapter-internal retry policy for TRANSIENT errors.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{BaseMs: 200, MaxMs: 5000, MaxJitterMs: 250, MaxAttempts: 3}
}

// ComputeBackoff returns the delay before attempt `attempt` (0-based) for the
// given operation key. Jitter is deterministic in (key, attempt) so retried
// ticks replay the same schedule.
func ComputeBackoff(key string, attempt int, policy BackoffPolicy) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << attempt
		}
	}

	delay := policy.BaseMs * factor
	if delay > policy.MaxMs {
		delay = policy.MaxMs
	}

	return time.Duration(delay+deterministicJitter(key, attempt, policy.MaxJitterMs)) * time.Millisecond
}

func deterministicJitter(key string, attempt int, maxJitterMs int64) int64 {
	if maxJitterMs <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%d", key, attempt)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return int64(basis % uint64(maxJitterMs)) //nolint:gosec // maxJitterMs is positive
}

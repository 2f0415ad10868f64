package queue

import (
	"math"
	"math/rand"
	"time"

	"github.com/kestrel-dl/kestrel/internal/config"
)

// nextBackoff computes the delay before attempt (1-indexed) is eligible to
// run, applying exponential growth capped at opts.RetryBackoffMaxS and then
// the configured jitter strategy.
func nextBackoff(opts config.Options, attempt int) time.Duration {
	base := opts.RetryBackoffBaseS
	if base <= 0 {
		base = 1
	}
	raw := base * math.Pow(2, float64(attempt-1))
	if opts.RetryBackoffMaxS > 0 && raw > opts.RetryBackoffMaxS {
		raw = opts.RetryBackoffMaxS
	}
	jittered := applyJitter(opts.RetryJitterMode, raw)
	if jittered < 0 {
		jittered = 0
	}
	return time.Duration(jittered * float64(time.Second))
}

func applyJitter(mode config.JitterMode, seconds float64) float64 {
	switch mode {
	case config.JitterFull:
		return rand.Float64() * seconds
	case config.JitterProportional:
		delta := seconds * 0.5
		return seconds - delta + rand.Float64()*2*delta
	case config.JitterNone, "":
		return seconds
	default:
		return seconds
	}
}

// hostBreakerThreshold is the number of consecutive task failures against a
// host before that host is placed into a cooldown window independent of
// any single task's own retry backoff.
const hostBreakerThreshold = 5

// hostBreakerCooldown is how long a tripped host breaker stays open.
const hostBreakerCooldown = 30 * time.Second

type hostState struct {
	active              int
	consecutiveFailures int
	breakerUntil        time.Time
}

func (h *hostState) recordFailure(now time.Time) {
	h.consecutiveFailures++
	if h.consecutiveFailures >= hostBreakerThreshold {
		h.breakerUntil = now.Add(hostBreakerCooldown)
	}
}

func (h *hostState) recordSuccess() {
	h.consecutiveFailures = 0
	h.breakerUntil = time.Time{}
}

func (h *hostState) breakerOpen(now time.Time) bool {
	return !h.breakerUntil.IsZero() && now.Before(h.breakerUntil)
}

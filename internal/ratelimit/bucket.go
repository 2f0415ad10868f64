// Package ratelimit implements a token-bucket bandwidth limiter: a single
// owner holding fine-grained lock state, constructed once and passed by
// handle rather than reached for as an ambient global.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter is satisfied by both Bucket and NopBucket so the transfer path
// never branches on whether limiting is enabled.
type Limiter interface {
	Consume(ctx context.Context, n int64) error
}

// Bucket is a token bucket with fill rate r (bytes/sec) and burst capacity
// b (bytes). Consume blocks until n tokens are available or ctx is done.
type Bucket struct {
	mu         sync.Mutex
	rate       float64 // bytes/sec; 0 means unlimited
	burst      float64
	tokens     float64
	lastRefill time.Time
}

// NewBucket creates a Bucket with the given rate and burst. A burst of 0
// defaults to one second's worth of rate.
func NewBucket(rateBps int64, burstBytes int64) *Bucket {
	if burstBytes <= 0 {
		burstBytes = rateBps
	}
	return &Bucket{
		rate:       float64(rateBps),
		burst:      float64(burstBytes),
		tokens:     float64(burstBytes),
		lastRefill: time.Now(),
	}
}

// Reconfigure atomically swaps the rate and burst; the next Consume call
// observes the new configuration.
func (b *Bucket) Reconfigure(rateBps, burstBytes int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if burstBytes <= 0 {
		burstBytes = rateBps
	}
	b.rate = float64(rateBps)
	b.burst = float64(burstBytes)
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
}

func (b *Bucket) refillLocked(now time.Time) {
	if b.rate <= 0 {
		return
	}
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.rate
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	b.lastRefill = now
}

// Consume atomically subtracts n tokens if available; otherwise it
// computes the minimum wait for n tokens to accrue, sleeps (honoring
// ctx), and retries. A rate of 0 means unlimited: Consume returns
// immediately without touching the token count.
func (b *Bucket) Consume(ctx context.Context, n int64) error {
	if n <= 0 {
		return nil
	}
	for {
		b.mu.Lock()
		if b.rate <= 0 {
			b.mu.Unlock()
			return nil
		}
		now := time.Now()
		b.refillLocked(now)
		if b.tokens >= float64(n) {
			b.tokens -= float64(n)
			b.mu.Unlock()
			return nil
		}
		deficit := float64(n) - b.tokens
		wait := time.Duration(deficit / b.rate * float64(time.Second))
		b.mu.Unlock()
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// NopBucket is a zero-overhead Limiter used when bandwidth limiting is
// disabled: Consume is a straight return with no lock, no allocation, no
// measurable overhead.
type NopBucket struct{}

func (NopBucket) Consume(ctx context.Context, n int64) error { return nil }

package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestBucketNoOpWhenUnlimited(t *testing.T) {
	b := NewBucket(0, 0)
	start := time.Now()
	if err := b.Consume(context.Background(), 10_000_000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Millisecond {
		t.Fatalf("unlimited consume took %v, want near-instant", elapsed)
	}
}

func TestBucketDeliveredRateWithinTolerance(t *testing.T) {
	const rate = 200_000 // bytes/sec
	b := NewBucket(rate, rate)
	ctx := context.Background()
	// Drain the initial burst so the rest of the window reflects steady
	// fill rate rather than the one-off burst credit.
	if err := b.Consume(ctx, rate); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	var delivered int64
	deadline := start.Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := b.Consume(ctx, 4096); err != nil {
			t.Fatal(err)
		}
		delivered += 4096
	}
	elapsed := time.Since(start).Seconds()
	got := float64(delivered) / elapsed
	low, high := float64(rate)*0.9, float64(rate)*1.1
	if got < low || got > high {
		t.Fatalf("delivered rate %.0f bytes/s outside ±10%% of %d", got, rate)
	}
}

func TestChainPassthroughWhenOneSideUnlimited(t *testing.T) {
	chain := Chain{Global: NopBucket{}, Task: NewBucket(0, 0)}
	start := time.Now()
	if err := chain.Consume(context.Background(), 5_000_000); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Millisecond {
		t.Fatalf("pass-through chain took %v", elapsed)
	}
}

func TestReconfigureTakesEffectOnNextConsume(t *testing.T) {
	b := NewBucket(100, 100)
	ctx := context.Background()
	if err := b.Consume(ctx, 100); err != nil {
		t.Fatal(err)
	}
	// Reconfigure to a much faster rate; the wait for the next Consume
	// should reflect the new rate, not the old one (which would block for
	// ~10000s at the stale 100 B/s rate).
	b.Reconfigure(1_000_000, 1_000_000)
	start := time.Now()
	if err := b.Consume(ctx, 1_000_000); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("reconfigured consume took %v, want roughly 1s at the new rate", elapsed)
	}
}

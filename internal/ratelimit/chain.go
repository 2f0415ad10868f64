package ratelimit

import "context"

// Chain is the global-then-per-task limiter pair a transfer must pass in
// sequence. Either slot may be nil or a NopBucket; a nil slot is treated
// as unlimited pass-through, so configuring only one side never blocks on
// the other.
type Chain struct {
	Global Limiter
	Task   Limiter
}

// Consume passes n bytes through the global limiter, then the per-task
// limiter, in that order. If neither is configured the call costs nothing.
func (c Chain) Consume(ctx context.Context, n int64) error {
	if c.Global != nil {
		if err := c.Global.Consume(ctx, n); err != nil {
			return err
		}
	}
	if c.Task != nil {
		if err := c.Task.Consume(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

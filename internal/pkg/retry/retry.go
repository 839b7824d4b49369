// Package retry repeats connection attempts with capped exponential backoff.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Policy controls how many times and how often an operation is attempted.
type Policy struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

// Connect returns the policy used for dialing external services: attempts
// tries starting at 1s and doubling up to 16s.
func Connect(attempts int) Policy {
	return Policy{
		Attempts: attempts,
		Initial:  time.Second,
		Max:      16 * time.Second,
	}
}

// Backoff returns the delay after the given failed attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	backoff := p.Initial
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && backoff > p.Max {
		return p.Max
	}
	return backoff
}

// Do calls fn until it succeeds, the attempts are used up or ctx is done.
// The last error from fn is wrapped into the returned error.
func Do(ctx context.Context, p Policy, target string, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			slog.Info("connected", "target", target, "attempts", attempt)
			return nil
		}

		if attempt == attempts {
			break
		}

		backoff := p.Backoff(attempt)
		slog.Warn("connection attempt failed, retrying",
			"target", target,
			"attempt", attempt,
			"max_attempts", attempts,
			"backoff", backoff,
			"error", lastErr,
		)

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("connect to %s cancelled: %w", target, ctx.Err())
		}
	}

	return fmt.Errorf("connect to %s after %d attempts: %w", target, attempts, lastErr)
}

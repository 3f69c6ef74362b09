// Package retry provides a small bounded-retry helper shared by the data
// cache and the device reconciler.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chargehelm/chargehelm/pkg/log"
)

// Policy bounds a retry sequence. Delay grows by Multiplier after each
// attempt, capped at MaxDelay.
type Policy struct {
	Attempts   int
	Delay      time.Duration
	Multiplier float64
	MaxDelay   time.Duration
}

// DefaultPolicy is suitable for short remote calls: 3 attempts with a growing
// delay between them.
var DefaultPolicy = Policy{
	Attempts:   3,
	Delay:      500 * time.Millisecond,
	Multiplier: 2.0,
	MaxDelay:   5 * time.Second,
}

// Do runs fn until it succeeds, the attempts are exhausted, or the context is
// canceled. The last error is returned wrapped with the attempt count.
func (p Policy) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := p.Delay

	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("%s canceled after %d attempts: %w", name, i, lastErr)
			}
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if i < attempts-1 {
			log.Ctx(ctx).DebugContext(
				ctx,
				"retrying after failure",
				slog.String("op", name),
				slog.Int("attempt", i+1),
				slog.Duration("delay", delay),
				slog.Any("error", lastErr),
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return fmt.Errorf("%s canceled after %d attempts: %w", name, i+1, lastErr)
			}
			delay = p.next(delay)
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", name, attempts, lastErr)
}

func (p Policy) next(delay time.Duration) time.Duration {
	if p.Multiplier <= 1 {
		return delay
	}
	delay = time.Duration(float64(delay) * p.Multiplier)
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

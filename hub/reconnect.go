package hub

import (
	"context"
	"errors"
	"time"
)

// AckTimeout bounds acknowledged room operations, such as the reads backing
// a rejoin reconciliation. A caller still waiting after this long gets an
// error, never a hang.
const AckTimeout = 5 * time.Second

// ErrReconnectFailed is the observable give-up signal after the reconnect
// budget is spent.
var ErrReconnectFailed = errors.New("hub: reconnect failed")

// Backoff is the bounded reconnect policy: capped attempts with doubling
// delays.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultBackoff is five attempts starting at one second.
func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Max: 30 * time.Second, MaxAttempts: 5}
}

// Delay returns the wait before the given zero-based attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Base << attempt
	if d > b.Max || d <= 0 {
		d = b.Max
	}
	return d
}

// Retry runs fn until it succeeds, the attempt budget is spent, or ctx is
// cancelled. Exhaustion yields ErrReconnectFailed wrapping the last error.
func (b Backoff) Retry(ctx context.Context, fn func(ctx context.Context) error) error {
	var last error
	for attempt := 0; attempt < b.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.Delay(attempt - 1)):
			}
		}

		if last = fn(ctx); last == nil {
			return nil
		}
	}
	return errors.Join(ErrReconnectFailed, last)
}

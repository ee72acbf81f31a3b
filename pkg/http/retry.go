package http

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// DefaultJitter is the maximum jitter as a fraction of the computed delay.
const DefaultJitter = 0.1

// Backoff computes base * 2^attempt plus up to Jitter of that as random extra.
type Backoff struct {
	Base time.Duration
	// Max caps the exponential part; 0 disables the cap.
	Max    time.Duration
	Jitter float64

	rand func() float64
}

// NewBackoff returns a Backoff with the default 10% jitter.
func NewBackoff(base, max time.Duration) Backoff {
	return Backoff{Base: base, Max: max, Jitter: DefaultJitter}
}

// Delay returns the wait before retry number attempt (0 for the first retry).
// The result lies in [d, d*(1+Jitter)) where d = min(Base*2^attempt, Max).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(b.Base) * math.Pow(2, float64(attempt))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}

	jitter := b.Jitter
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 1 {
		jitter = 1
	}

	draw := rand.Float64
	if b.rand != nil {
		draw = b.rand
	}
	return time.Duration(d + d*jitter*draw())
}

// RetryPolicy bounds how often the pipeline retries a retryable failure.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, the first one included.
	MaxAttempts int
	Backoff     Backoff
}

// DefaultRetryPolicy is three attempts starting at 200ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     NewBackoff(200*time.Millisecond, 10*time.Second),
	}
}

// Sleeper waits d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package queue

import (
	"context"
	"time"
)

// Backoff is an exponential retry schedule.
type Backoff struct {
	Initial    time.Duration
	Multiplier int
	MaxRetries int
}

// DefaultBackoff waits 1s, 2s, 4s, 8s and 16s between attempts.
var DefaultBackoff = Backoff{Initial: time.Second, Multiplier: 2, MaxRetries: 5}

// Delay returns the wait before the given retry, counted from 1.
func (b Backoff) Delay(retry int) time.Duration {
	if retry < 1 {
		return 0
	}
	d := b.Initial
	for i := 1; i < retry; i++ {
		d *= time.Duration(b.Multiplier)
	}
	return d
}

// Schedule lists every delay of the schedule in order.
func (b Backoff) Schedule() []time.Duration {
	out := make([]time.Duration, 0, b.MaxRetries)
	for i := 1; i <= b.MaxRetries; i++ {
		out = append(out, b.Delay(i))
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

package notify

import (
	"context"
	"log/slog"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Throttled drops notifications beyond a steady rate. A job whose predicate
// keeps panicking fails on every tick, and the scheduler polls several times
// a second.
type Throttled struct {
	next    Notifier
	limiter *rate.Limiter
	logger  *slog.Logger
	dropped atomic.Int64
}

// NewThrottled allows perSecond notifications on average with bursts of up
// to burst.
func NewThrottled(next Notifier, perSecond float64, burst int, logger *slog.Logger) *Throttled {
	if burst < 1 {
		burst = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Throttled{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		logger:  logger,
	}
}

// Send forwards to the wrapped notifier unless the rate is exceeded, in
// which case the notification is counted and discarded.
func (t *Throttled) Send(ctx context.Context, title, body string) error {
	if !t.limiter.Allow() {
		n := t.dropped.Add(1)
		t.logger.Debug("notification throttled", "title", title, "dropped_total", n)
		return nil
	}
	return t.next.Send(ctx, title, body)
}

// Dropped reports how many notifications were discarded.
func (t *Throttled) Dropped() int64 {
	return t.dropped.Load()
}

// Package ratelimit provides request budgets shared by all runs that talk to
// the same FHIR provider. Limiters are injected into the fetcher; tests use
// Noop.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter blocks until a request for key may proceed or ctx is done.
type Limiter interface {
	Wait(ctx context.Context, key string) error
}

// Noop never blocks.
type Noop struct{}

func (Noop) Wait(ctx context.Context, _ string) error { return ctx.Err() }

// Local is an in-process token bucket per key.
type Local struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewLocal returns a Local limiter allowing rps requests per second per key
// with the given burst. rps <= 0 disables limiting.
func NewLocal(rps float64, burst int) *Local {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &Local{
		limiters: make(map[string]*rate.Limiter),
		rps:      limit,
		burst:    burst,
	}
}

func (l *Local) Wait(ctx context.Context, key string) error {
	return l.limiter(key).Wait(ctx)
}

func (l *Local) limiter(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.limiters[key] = lim
	}
	return lim
}

// Chain waits on each limiter in order.
type Chain []Limiter

func (c Chain) Wait(ctx context.Context, key string) error {
	for _, l := range c {
		if err := l.Wait(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

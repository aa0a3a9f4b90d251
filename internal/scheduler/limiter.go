package scheduler

import (
	"context"
	"sync"
	"time"
)

// providerLimiter bounds a single provider's dispatch concurrency and its
// calls per minute. Provider dispatch is the only blocking operation in the
// pipeline; waiting here is the sole suspension point.
type providerLimiter struct {
	slots chan struct{}

	mu          sync.Mutex
	windowStart time.Time
	count       int
	perMinute   int
}

func newProviderLimiter(maxConcurrent, perMinute int) *providerLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	if perMinute <= 0 {
		perMinute = 60
	}
	return &providerLimiter{
		slots:     make(chan struct{}, maxConcurrent),
		perMinute: perMinute,
	}
}

// Acquire blocks until a concurrency slot and a rate token are available, or
// the context is done. Callers must Release after the provider call returns.
func (l *providerLimiter) Acquire(ctx context.Context) error {
	select {
	case l.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	for {
		wait, ok := l.takeToken()
		if ok {
			return nil
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			<-l.slots
			return ctx.Err()
		}
	}
}

func (l *providerLimiter) Release() {
	<-l.slots
}

// takeToken consumes a rate token if the current minute window has room.
// When the window is exhausted it returns how long until it resets.
func (l *providerLimiter) takeToken() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if l.windowStart.IsZero() || now.Sub(l.windowStart) >= time.Minute {
		l.windowStart = now
		l.count = 0
	}

	if l.count < l.perMinute {
		l.count++
		return 0, true
	}
	return time.Minute - now.Sub(l.windowStart), false
}

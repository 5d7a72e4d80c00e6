// Package ratelimit is the Rate Limiter component (C3): a fixed-window
// counter built on two C1 primitives (incr, expire), one window per
// limited subject — per wallet address, not per network identity, so
// callers key Allow on the address a request authenticates as.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/zkproofport/engine/pkg/kvstore"
)

// Limiter enforces a fixed window of `limit` requests per `window`
// duration, per subject.
type Limiter struct {
	store  kvstore.Store
	limit  int64
	window time.Duration
}

func New(store kvstore.Store, limit int64, window time.Duration) *Limiter {
	return &Limiter{store: store, limit: limit, window: window}
}

func windowKey(subject string) string {
	return fmt.Sprintf("ratelimit:%s", subject)
}

// Allow increments the subject's counter and reports whether the
// request is within the configured limit for the current window. The
// window's TTL is set only on the increment that creates the key, so
// the window is fixed rather than sliding. When the limit is exceeded,
// retryAfter reports the remaining time until the window resets.
func (l *Limiter) Allow(ctx context.Context, subject string) (allowed bool, retryAfter time.Duration, err error) {
	key := windowKey(subject)
	n, err := l.store.Incr(ctx, key)
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit: incr: %w", err)
	}
	if n == 1 {
		if err := l.store.Expire(ctx, key, l.window); err != nil {
			return false, 0, fmt.Errorf("ratelimit: expire: %w", err)
		}
	}
	if n <= l.limit {
		return true, 0, nil
	}
	ttl, err := l.store.TTL(ctx, key)
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit: ttl: %w", err)
	}
	if ttl < 0 {
		ttl = l.window
	}
	return false, ttl, nil
}

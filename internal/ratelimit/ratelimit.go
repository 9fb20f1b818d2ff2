// Package ratelimit counts requests per (user, endpoint) in fixed windows.
//
// The first hit in a window sets the counter's expiry and later hits only
// increment it, so a client can spend up to twice the limit across a window
// boundary. That burst is accepted.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"orbital/internal/alerts"
	"orbital/internal/domain"
)

// Counter atomically increments key and reports the new count together
// with the time left before the key expires.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Count      int64
	Limit      int
	RetryAfter time.Duration
	// FailedOpen is set when the counter was unreachable.
	FailedOpen bool
}

// Remaining is how many more requests fit in the window.
func (d Decision) Remaining() int {
	if r := int64(d.Limit) - d.Count; r > 0 {
		return int(r)
	}
	return 0
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, minimum one.
func (d Decision) RetryAfterSeconds() int {
	secs := int((d.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// Limiter applies per-endpoint budgets on top of a Counter.
type Limiter struct {
	counter Counter
	logger  zerolog.Logger
	alerts  alerts.Notifier
}

func New(counter Counter, logger zerolog.Logger, notifier alerts.Notifier) *Limiter {
	if notifier == nil {
		notifier = alerts.Nop{}
	}
	return &Limiter{
		counter: counter,
		logger:  logger.With().Str("component", "ratelimit").Logger(),
		alerts:  notifier,
	}
}

// Key is the counter key for one user and endpoint.
func Key(userID, endpoint string) string {
	return fmt.Sprintf("rate_limit:%s:%s", userID, endpoint)
}

// Allow counts one request. Counter failures allow the request.
func (l *Limiter) Allow(ctx context.Context, userID, endpoint string, limit int, window time.Duration) Decision {
	count, ttl, err := l.counter.Incr(ctx, Key(userID, endpoint), window)
	if err != nil {
		l.logger.Warn().Err(err).
			Str("endpoint", endpoint).
			Str("user", domain.MaskUserID(userID)).
			Msg("ratelimit: counter unavailable, failing open")
		l.alerts.Notify(ctx, alerts.SeverityError, "Rate limit store error - failing open", map[string]any{
			"endpoint": endpoint,
			"error":    truncate(err.Error(), 200),
		})
		return Decision{Allowed: true, Limit: limit, FailedOpen: true}
	}
	d := Decision{Allowed: count <= int64(limit), Count: count, Limit: limit}
	if !d.Allowed {
		d.RetryAfter = ttl
		if d.RetryAfter <= 0 {
			d.RetryAfter = window
		}
	}
	return d
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

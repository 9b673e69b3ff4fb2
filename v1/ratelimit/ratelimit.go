// Package ratelimit implements a fixed-window rate limiter shared by every
// replica through the coordination port. When the port is unreachable the
// limiter falls back to a per-process counter, trading the global guarantee
// for availability.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-fleet/v1/coord"
	fleeterrors "github.com/mirkobrombin/go-fleet/v1/errors"
	"github.com/mirkobrombin/go-fleet/v1/metrics"
)

// DefaultKeyPrefix is prepended to every identity.
const DefaultKeyPrefix = "fleet:ratelimit:"

var tracer = otel.Tracer("github.com/mirkobrombin/go-fleet/v1/ratelimit")

// Decision is the outcome of a Check.
type Decision struct {
	// Limited is true when the request must be rejected.
	Limited bool
	// RetryAfter is the number of whole seconds until the window ends,
	// at least 1. Only set when Limited.
	RetryAfter int
	// Count is the number of requests seen in the current window,
	// this one included.
	Count int64
	// Degraded is true when the decision came from the local fallback.
	Degraded bool
}

// Limiter counts requests per identity in fixed windows.
type Limiter struct {
	kv     coord.KV
	prober coord.Prober
	prefix string
	clock  clockwork.Clock
	local  *localCounter
	logger *slog.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithKeyPrefix overrides DefaultKeyPrefix.
func WithKeyPrefix(p string) Option {
	return func(l *Limiter) {
		l.prefix = p
	}
}

// WithClock sets the clock of the local fallback.
func WithClock(c clockwork.Clock) Option {
	return func(l *Limiter) {
		l.clock = c
	}
}

// WithProber sets the connectivity probe. By default the port itself is
// used when it implements coord.Prober.
func WithProber(p coord.Prober) Option {
	return func(l *Limiter) {
		l.prober = p
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		l.logger = logger
	}
}

// New returns a Limiter on kv.
func New(kv coord.KV, opts ...Option) *Limiter {
	l := &Limiter{
		kv:     kv,
		prefix: DefaultKeyPrefix,
		clock:  clockwork.NewRealClock(),
		logger: slog.Default(),
	}
	if p, ok := kv.(coord.Prober); ok {
		l.prober = p
	}
	for _, opt := range opts {
		opt(l)
	}
	l.local = newLocalCounter(l.clock)
	return l
}

// Key returns the store key used for identity.
func (l *Limiter) Key(identity string) string { return l.prefix + identity }

// retryAfter rounds the remaining window up to whole seconds, minimum 1.
func retryAfter(remaining time.Duration) int {
	s := int(math.Ceil(remaining.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

func decide(count int64, remaining time.Duration, limit int) Decision {
	d := Decision{Count: count}
	if count > int64(limit) {
		d.Limited = true
		d.RetryAfter = retryAfter(remaining)
	}
	return d
}

// Check counts one request for identity and reports whether it exceeds
// limit requests per window.
func (l *Limiter) Check(ctx context.Context, identity string, limit int, window time.Duration) (Decision, error) {
	if limit <= 0 {
		return Decision{}, fmt.Errorf("ratelimit: limit must be positive, got %d", limit)
	}
	if window <= 0 {
		return Decision{}, fmt.Errorf("ratelimit: window must be positive, got %s", window)
	}
	key := l.Key(identity)
	ctx, span := tracer.Start(ctx, "ratelimit.Check", trace.WithAttributes(attribute.String("fleet.ratelimit.key", key)))
	defer span.End()

	c, err := l.shared(ctx, key, window)
	if err != nil {
		if !errors.Is(err, fleeterrors.ErrBackendUnavailable) {
			return Decision{}, fmt.Errorf("ratelimit %q: %w", identity, err)
		}
		l.logger.Warn("fleet: rate limit backend unavailable, using local counter", "key", key, "error", err)
		count, remaining := l.local.incr(key, window)
		d := decide(count, remaining, limit)
		d.Degraded = true
		l.observe("local", d)
		span.SetAttributes(attribute.Bool("fleet.ratelimit.degraded", true))
		return d, nil
	}

	remaining := c.TTL
	if remaining <= 0 {
		remaining = window
	}
	d := decide(c.Count, remaining, limit)
	l.observe("shared", d)
	span.SetAttributes(attribute.Bool("fleet.ratelimit.limited", d.Limited), attribute.Int64("fleet.ratelimit.count", d.Count))
	return d, nil
}

func (l *Limiter) shared(ctx context.Context, key string, window time.Duration) (coord.Counter, error) {
	if l.prober != nil && !l.prober.Healthy() {
		return coord.Counter{}, fleeterrors.Unavailable("ratelimit probe", coord.ErrCircuitOpen)
	}
	return l.kv.IncrWithExpire(ctx, key, window)
}

func (l *Limiter) observe(mode string, d Decision) {
	outcome := "allowed"
	if d.Limited {
		outcome = "limited"
		l.logger.Debug("fleet: rate limited", "mode", mode, "count", d.Count, "retry_after", d.RetryAfter)
	}
	metrics.RateLimitCounter.WithLabelValues(mode, outcome).Inc()
}

// Reset clears the counter of identity in the shared store and in the
// local fallback. An unreachable store is logged and ignored.
func (l *Limiter) Reset(ctx context.Context, identity string) error {
	key := l.Key(identity)
	l.local.reset(key)
	if err := l.kv.Delete(ctx, key); err != nil {
		if errors.Is(err, fleeterrors.ErrBackendUnavailable) {
			l.logger.Warn("fleet: rate limit reset skipped, backend unavailable", "key", key, "error", err)
			return nil
		}
		return fmt.Errorf("ratelimit %q: reset: %w", identity, err)
	}
	return nil
}

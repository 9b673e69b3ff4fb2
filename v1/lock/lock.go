package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-fleet/v1/coord"
	fleeterrors "github.com/mirkobrombin/go-fleet/v1/errors"
	"github.com/mirkobrombin/go-fleet/v1/metrics"
)

// DefaultKeyPrefix is prepended to every resource name.
const DefaultKeyPrefix = "fleet:lock:"

// releaseTimeout bounds the release issued by Do once fn returned.
const releaseTimeout = 5 * time.Second

var tracer = otel.Tracer("github.com/mirkobrombin/go-fleet/v1/lock")

// AcquireOptions controls a single Acquire call.
type AcquireOptions struct {
	// TTL is the lease length.
	TTL time.Duration
	// Blocking makes Acquire wait for the lock instead of failing fast.
	Blocking bool
	// PollInterval is the base delay between attempts while blocking.
	PollInterval time.Duration
	// MaxWait bounds a blocking wait. Zero waits until ctx is done.
	MaxWait time.Duration
}

// DefaultAcquireOptions returns a 30s lease acquired in blocking mode with
// up to 30s of waiting.
func DefaultAcquireOptions() AcquireOptions {
	return AcquireOptions{
		TTL:          30 * time.Second,
		Blocking:     true,
		PollInterval: 100 * time.Millisecond,
		MaxWait:      30 * time.Second,
	}
}

func (o AcquireOptions) normalize() AcquireOptions {
	def := DefaultAcquireOptions()
	if o.TTL <= 0 {
		o.TTL = def.TTL
	}
	if o.PollInterval <= 0 {
		o.PollInterval = def.PollInterval
	}
	if o.MaxWait < 0 {
		o.MaxWait = 0
	}
	return o
}

// Locker hands out lease locks stored in a coord.KV.
type Locker struct {
	kv      coord.KV
	prober  coord.Prober
	prefix  string
	degrade bool
	clock   clockwork.Clock
	logger  *slog.Logger
}

// Option configures a Locker.
type Option func(*Locker)

// WithKeyPrefix overrides DefaultKeyPrefix.
func WithKeyPrefix(p string) Option {
	return func(l *Locker) {
		l.prefix = p
	}
}

// WithDegradation enables or disables synthetic handles during outages.
// Enabled by default.
func WithDegradation(enabled bool) Option {
	return func(l *Locker) {
		l.degrade = enabled
	}
}

// WithProber sets the connectivity probe consulted before each attempt.
// By default the port itself is used when it implements coord.Prober.
func WithProber(p coord.Prober) Option {
	return func(l *Locker) {
		l.prober = p
	}
}

// WithClock sets the clock used for waits and handle expiry.
func WithClock(c clockwork.Clock) Option {
	return func(l *Locker) {
		l.clock = c
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *Locker) {
		l.logger = logger
	}
}

// New returns a Locker on kv.
func New(kv coord.KV, opts ...Option) *Locker {
	l := &Locker{
		kv:      kv,
		prefix:  DefaultKeyPrefix,
		degrade: true,
		clock:   clockwork.NewRealClock(),
		logger:  slog.Default(),
	}
	if p, ok := kv.(coord.Prober); ok {
		l.prober = p
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Key returns the store key used for resource.
func (l *Locker) Key(resource string) string { return l.prefix + resource }

func (l *Locker) pollBackOff(interval time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = interval
	b.MaxInterval = interval
	b.Multiplier = 1
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	b.Clock = l.clock
	b.Reset()
	return b
}

// Acquire tries to take the lock on resource.
//
// Non-blocking calls make a single attempt and fail with an *AcquireError
// matching ErrLockHeld. Blocking calls poll with jitter until the lock is
// free, MaxWait elapses (ErrAcquireTimeout) or ctx is done (ctx.Err()).
// If the backend is unreachable and degradation is enabled, a synthetic
// handle is returned.
func (l *Locker) Acquire(ctx context.Context, resource string, o AcquireOptions) (*Handle, error) {
	o = o.normalize()
	key := l.Key(resource)
	ctx, span := tracer.Start(ctx, "lock.Acquire", trace.WithAttributes(
		attribute.String("fleet.lock.key", key),
		attribute.Bool("fleet.lock.blocking", o.Blocking),
	))
	defer span.End()

	h, err := l.acquire(ctx, resource, key, o)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Bool("fleet.lock.degraded", h.Degraded()))
	return h, nil
}

func (l *Locker) acquire(ctx context.Context, resource, key string, o AcquireOptions) (*Handle, error) {
	start := l.clock.Now()
	var poll *backoff.ExponentialBackOff
	for {
		h, err := l.attempt(ctx, resource, key, o.TTL)
		if err != nil {
			if errors.Is(err, fleeterrors.ErrBackendUnavailable) && l.degrade {
				return l.degraded(resource, key, o.TTL, err), nil
			}
			metrics.LockAcquireCounter.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("lock %q: %w", resource, err)
		}
		if h != nil {
			metrics.LockAcquireCounter.WithLabelValues("acquired").Inc()
			l.logger.Debug("fleet: lock acquired", "key", key, "ttl", o.TTL)
			return h, nil
		}

		if !o.Blocking {
			metrics.LockAcquireCounter.WithLabelValues("held").Inc()
			return nil, &AcquireError{Resource: resource, Err: fleeterrors.ErrLockHeld}
		}

		if poll == nil {
			poll = l.pollBackOff(o.PollInterval)
		}
		wait := poll.NextBackOff()
		if o.MaxWait > 0 {
			remaining := o.MaxWait - l.clock.Since(start)
			if remaining <= 0 {
				metrics.LockAcquireCounter.WithLabelValues("timeout").Inc()
				return nil, &AcquireError{Resource: resource, Waited: l.clock.Since(start), Err: fleeterrors.ErrAcquireTimeout}
			}
			if wait > remaining {
				wait = remaining
			}
		}

		timer := l.clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			metrics.LockAcquireCounter.WithLabelValues("error").Inc()
			return nil, ctx.Err()
		case <-timer.Chan():
		}
	}
}

// attempt makes one SetIfAbsent call. It returns a nil handle when the lock
// is held by someone else.
func (l *Locker) attempt(ctx context.Context, resource, key string, ttl time.Duration) (*Handle, error) {
	if l.prober != nil && !l.prober.Healthy() {
		return nil, fleeterrors.Unavailable("lock probe", coord.ErrCircuitOpen)
	}
	token := uuid.NewString()
	now := l.clock.Now()
	ok, err := l.kv.SetIfAbsent(ctx, key, token, ttl)
	if err != nil || !ok {
		return nil, err
	}
	return &Handle{
		Resource:   resource,
		Key:        key,
		Token:      token,
		AcquiredAt: now,
		TTL:        ttl,
		clock:      l.clock,
	}, nil
}

func (l *Locker) degraded(resource, key string, ttl time.Duration, cause error) *Handle {
	metrics.LockAcquireCounter.WithLabelValues("degraded").Inc()
	metrics.LockDegradedCounter.Inc()
	l.logger.Warn("fleet: lock backend unavailable, running without mutual exclusion",
		"key", key, "error", cause)
	return &Handle{
		Resource:   resource,
		Key:        key,
		Token:      "degraded-" + uuid.NewString(),
		AcquiredAt: l.clock.Now(),
		TTL:        ttl,
		clock:      l.clock,
		degraded:   true,
	}
}

// Release gives the lock back. It never deletes a key that no longer holds
// the handle's token.
func (l *Locker) Release(ctx context.Context, h *Handle) (ReleaseResult, error) {
	if h == nil {
		return ReleaseFailed, errors.New("lock: release of nil handle")
	}
	ctx, span := tracer.Start(ctx, "lock.Release", trace.WithAttributes(attribute.String("fleet.lock.key", h.Key)))
	defer span.End()

	res, err := l.release(ctx, h)
	metrics.LockReleaseCounter.WithLabelValues(res.String()).Inc()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (l *Locker) release(ctx context.Context, h *Handle) (ReleaseResult, error) {
	if h.State() == StateReleased {
		l.logger.Debug("fleet: lock already released", "key", h.Key)
		return AlreadyReleased, nil
	}
	if h.degraded {
		h.markReleased()
		l.logger.Debug("fleet: degraded lock released", "key", h.Key)
		return DegradedNoop, nil
	}
	deleted, err := l.kv.CompareAndDelete(ctx, h.Key, h.Token)
	if err != nil {
		if errors.Is(err, fleeterrors.ErrBackendUnavailable) {
			// The lease still bounds how long the key survives.
			l.logger.Warn("fleet: lock release failed, lease will expire", "key", h.Key, "error", err)
		}
		return ReleaseFailed, fmt.Errorf("lock %q: release: %w", h.Resource, err)
	}
	if !h.markReleased() {
		return AlreadyReleased, nil
	}
	if !deleted {
		l.logger.Debug("fleet: stale lock release ignored, lease expired", "key", h.Key,
			"held_for", l.clock.Since(h.AcquiredAt))
		return StaleNoop, nil
	}
	l.logger.Debug("fleet: lock released", "key", h.Key)
	return Released, nil
}

// Do runs fn while holding the lock on resource and releases it on every
// exit path, panics included. The error from fn takes precedence over a
// release error.
func (l *Locker) Do(ctx context.Context, resource string, o AcquireOptions, fn func(ctx context.Context, h *Handle) error) (err error) {
	h, err := l.Acquire(ctx, resource, o)
	if err != nil {
		return err
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if _, rerr := l.Release(rctx, h); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn(ctx, h)
}

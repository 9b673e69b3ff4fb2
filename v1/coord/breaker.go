package coord

import (
	"context"
	stdErrors "errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	fleeterrors "github.com/mirkobrombin/go-fleet/v1/errors"
)

// ErrCircuitOpen is the cause reported while the breaker rejects calls.
var ErrCircuitOpen = stdErrors.New("circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// Breaker decorates a Port with circuit breaker logic. After threshold
// consecutive unavailability errors it fails fast with ErrBackendUnavailable
// for cooldown, then lets a single probe through. Its Healthy method is the
// connectivity probe lock and limiter consult before touching the port.
type Breaker struct {
	port      Port
	clock     clockwork.Clock
	mu        sync.RWMutex
	state     state
	failures  int
	threshold int
	cooldown  time.Duration
	lastFail  time.Time
}

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// WithBreakerClock sets the clock used for the cool-down.
func WithBreakerClock(c clockwork.Clock) BreakerOption {
	return func(b *Breaker) {
		b.clock = c
	}
}

// NewBreaker returns a Breaker around port.
func NewBreaker(port Port, threshold int, cooldown time.Duration, opts ...BreakerOption) *Breaker {
	if threshold <= 0 {
		threshold = 1
	}
	b := &Breaker{
		port:      port,
		clock:     clockwork.NewRealClock(),
		threshold: threshold,
		cooldown:  cooldown,
		state:     stateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Healthy implements Prober. An open circuit whose cool-down elapsed counts
// as healthy so the next call can probe.
func (b *Breaker) Healthy() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.state == stateOpen {
		return b.clock.Since(b.lastFail) > b.cooldown
	}
	return true
}

// allow handles the Open to Half-Open transition once the cool-down passed.
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if b.clock.Since(b.lastFail) > b.cooldown {
			b.state = stateHalfOpen
			return true
		}
		return false
	case stateHalfOpen:
		return false // one probe at a time
	}
	return false
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case err == nil:
		b.state = stateClosed
		b.failures = 0
	case stdErrors.Is(err, fleeterrors.ErrBackendUnavailable):
		b.lastFail = b.clock.Now()
		b.failures++
		if b.state == stateHalfOpen || b.failures >= b.threshold {
			b.state = stateOpen
		}
	case stdErrors.Is(err, context.Canceled):
		// Says nothing about the substrate; a cancelled probe re-arms.
		if b.state == stateHalfOpen {
			b.state = stateOpen
		}
	default:
		// Reply errors prove the substrate answered.
		b.state = stateClosed
		b.failures = 0
	}
}

func (b *Breaker) rejected(op string) error {
	return fleeterrors.Unavailable(op, ErrCircuitOpen)
}

func (b *Breaker) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if !b.allow() {
		return false, b.rejected("setnx")
	}
	ok, err := b.port.SetIfAbsent(ctx, key, value, ttl)
	b.record(err)
	return ok, err
}

func (b *Breaker) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	if !b.allow() {
		return false, b.rejected("compare-and-delete")
	}
	ok, err := b.port.CompareAndDelete(ctx, key, expected)
	b.record(err)
	return ok, err
}

func (b *Breaker) IncrWithExpire(ctx context.Context, key string, ttlIfNew time.Duration) (Counter, error) {
	if !b.allow() {
		return Counter{}, b.rejected("incr")
	}
	c, err := b.port.IncrWithExpire(ctx, key, ttlIfNew)
	b.record(err)
	return c, err
}

func (b *Breaker) Delete(ctx context.Context, key string) error {
	if !b.allow() {
		return b.rejected("del")
	}
	err := b.port.Delete(ctx, key)
	b.record(err)
	return err
}

func (b *Breaker) Publish(ctx context.Context, channel string, payload []byte) error {
	if !b.allow() {
		return b.rejected("publish")
	}
	err := b.port.Publish(ctx, channel, payload)
	b.record(err)
	return err
}

func (b *Breaker) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	if !b.allow() {
		return nil, b.rejected("subscribe")
	}
	ch, err := b.port.Subscribe(ctx, channel)
	b.record(err)
	return ch, err
}

// Ping always reaches the substrate, so an explicit probe can close an open
// circuit before the cool-down.
func (b *Breaker) Ping(ctx context.Context) error {
	err := b.port.Ping(ctx)
	b.record(err)
	return err
}

func (b *Breaker) Close() error {
	return b.port.Close()
}

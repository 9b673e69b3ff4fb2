// Package coord is the coordination store port: the only layer that knows
// about the external atomic key/value and publish/subscribe substrate. Lock,
// rate limiter and change notifier depend on the narrow interfaces declared
// here, never on a concrete backend.
//
// Every substrate failure (dial errors, i/o timeouts, a closed client, an
// open circuit) is reported wrapped in errors.ErrBackendUnavailable. The port
// never retries; callers decide the fallback policy.
package coord

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
)

// DefaultOpTimeout bounds every single substrate round trip.
const DefaultOpTimeout = 2 * time.Second

var tracer = otel.Tracer("github.com/mirkobrombin/go-fleet/v1/coord")

// Counter is the result of an atomic increment.
type Counter struct {
	// Count is the value after the increment.
	Count int64
	// TTL is the remaining lifetime of the key. It is only set when the
	// increment created the key and never extended afterwards.
	TTL time.Duration
}

// KV groups the atomic key operations.
type KV interface {
	// SetIfAbsent creates key with value and expiry ttl only if it does not
	// exist. It reports whether this call created the entry.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// CompareAndDelete deletes key only if its current value equals expected.
	// It reports whether the key was deleted.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)
	// IncrWithExpire increments key, setting ttlIfNew as expiry only when the
	// increment created it.
	IncrWithExpire(ctx context.Context, key string, ttlIfNew time.Duration) (Counter, error)
	// Delete removes key unconditionally. Missing keys are not an error.
	Delete(ctx context.Context, key string) error
}

// PubSub is a fire-and-forget broadcast channel.
type PubSub interface {
	// Publish sends payload to the subscribers of channel that are live at
	// the time of the call. There is no acknowledgement and no replay.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns once the subscription is active on the substrate.
	// The returned channel is closed when ctx is cancelled or the port is
	// closed; it never yields payloads published before Subscribe returned.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// Transport is a pub/sub substrate with its own lifecycle.
type Transport interface {
	PubSub
	Ping(ctx context.Context) error
	Close() error
}

// Port is the full coordination substrate.
type Port interface {
	KV
	Transport
}

// Prober reports whether the substrate is believed reachable without doing
// a round trip. Breaker implements it.
type Prober interface {
	Healthy() bool
}

const subscriptionBuffer = 64

// deliver forwards payload without blocking; a slow subscriber loses
// messages instead of stalling the substrate reader.
func deliver(ch chan []byte, payload []byte) bool {
	select {
	case ch <- payload:
		return true
	default:
		return false
	}
}

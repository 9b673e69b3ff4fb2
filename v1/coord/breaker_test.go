package coord

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	fleeterrors "github.com/mirkobrombin/go-fleet/v1/errors"
)

// flaky wraps a Memory port and fails every call while down is set.
type flaky struct {
	*Memory
	down  bool
	calls int
}

func (f *flaky) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	f.calls++
	if f.down {
		return false, fleeterrors.Unavailable("setnx", fleeterrors.ErrTimeout)
	}
	return f.Memory.SetIfAbsent(ctx, key, value, ttl)
}

func (f *flaky) Ping(ctx context.Context) error {
	if f.down {
		return fleeterrors.Unavailable("ping", fleeterrors.ErrTimeout)
	}
	return nil
}

func TestBreakerOpensAndRecovers(t *testing.T) {
	clock := clockwork.NewFakeClock()
	inner := &flaky{Memory: NewMemory(), down: true}
	b := NewBreaker(inner, 2, time.Second, WithBreakerClock(clock))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := b.SetIfAbsent(ctx, "k", "v", time.Minute); !errors.Is(err, fleeterrors.ErrBackendUnavailable) {
			t.Fatalf("call %d: expected unavailable, got %v", i, err)
		}
	}
	if b.Healthy() {
		t.Fatal("breaker should be open")
	}

	_, err := b.SetIfAbsent(ctx, "k", "v", time.Minute)
	if !errors.Is(err, ErrCircuitOpen) || !errors.Is(err, fleeterrors.ErrBackendUnavailable) {
		t.Fatalf("expected fast failure, got %v", err)
	}
	if inner.calls != 2 {
		t.Fatalf("open breaker reached the port: %d calls", inner.calls)
	}

	clock.Advance(2 * time.Second)
	if !b.Healthy() {
		t.Fatal("cool-down elapsed, breaker should allow a probe")
	}
	inner.down = false
	if ok, err := b.SetIfAbsent(ctx, "k", "v", time.Minute); err != nil || !ok {
		t.Fatalf("probe: %v %v", ok, err)
	}
	if ok, err := b.SetIfAbsent(ctx, "k2", "v", time.Minute); err != nil || !ok {
		t.Fatalf("closed breaker: %v %v", ok, err)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := clockwork.NewFakeClock()
	inner := &flaky{Memory: NewMemory(), down: true}
	b := NewBreaker(inner, 1, time.Second, WithBreakerClock(clock))
	ctx := context.Background()

	_, _ = b.SetIfAbsent(ctx, "k", "v", time.Minute)
	clock.Advance(2 * time.Second)
	_, _ = b.SetIfAbsent(ctx, "k", "v", time.Minute)
	if b.Healthy() {
		t.Fatal("failed probe should reopen the breaker")
	}
}

func TestBreakerPingClosesCircuit(t *testing.T) {
	clock := clockwork.NewFakeClock()
	inner := &flaky{Memory: NewMemory(), down: true}
	b := NewBreaker(inner, 1, time.Hour, WithBreakerClock(clock))
	ctx := context.Background()

	_, _ = b.SetIfAbsent(ctx, "k", "v", time.Minute)
	if b.Healthy() {
		t.Fatal("breaker should be open")
	}
	inner.down = false
	if err := b.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if !b.Healthy() {
		t.Fatal("successful ping should close the breaker")
	}
}

func TestComposeRoutesPubSub(t *testing.T) {
	kv := NewMemory()
	bus := NewMemory()
	p := Compose(kv, bus)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msgs, err := p.Subscribe(ctx, "ch")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(ctx, "ch", []byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-msgs:
	case <-time.After(time.Second):
		t.Fatal("composed port did not subscribe on the transport")
	}
	if ok, _ := p.SetIfAbsent(ctx, "k", "v", time.Minute); !ok {
		t.Fatal("setnx through composed port")
	}
	if ok, _ := bus.SetIfAbsent(ctx, "k", "v", time.Minute); !ok {
		t.Fatal("key operations leaked to the transport")
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := kv.Ping(ctx); err == nil {
		t.Fatal("close did not reach the kv half")
	}
}

package coord

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	fleeterrors "github.com/mirkobrombin/go-fleet/v1/errors"
)

func newRedisPort(t *testing.T) (*Redis, *miniredis.Miniredis, context.Context) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	port := NewRedis(client, WithRedisTimeout(500*time.Millisecond))
	t.Cleanup(func() {
		_ = port.Close()
		mr.Close()
	})
	return port, mr, context.Background()
}

func TestRedisSetIfAbsentAndCompareAndDelete(t *testing.T) {
	port, mr, ctx := newRedisPort(t)

	ok, err := port.SetIfAbsent(ctx, "k", "a", time.Second)
	if err != nil || !ok {
		t.Fatalf("first setnx: ok %v err %v", ok, err)
	}
	ok, err = port.SetIfAbsent(ctx, "k", "b", time.Second)
	if err != nil || ok {
		t.Fatalf("second setnx should lose: ok %v err %v", ok, err)
	}
	if got := mr.TTL("k"); got != time.Second {
		t.Fatalf("expected 1s ttl, got %v", got)
	}

	deleted, err := port.CompareAndDelete(ctx, "k", "b")
	if err != nil || deleted {
		t.Fatalf("foreign token deleted key: %v %v", deleted, err)
	}
	deleted, err = port.CompareAndDelete(ctx, "k", "a")
	if err != nil || !deleted {
		t.Fatalf("owner delete: %v %v", deleted, err)
	}
	if mr.Exists("k") {
		t.Fatal("key still present after delete")
	}
	deleted, err = port.CompareAndDelete(ctx, "k", "a")
	if err != nil || deleted {
		t.Fatalf("delete of missing key: %v %v", deleted, err)
	}
}

func TestRedisSetIfAbsentAfterExpiry(t *testing.T) {
	port, mr, ctx := newRedisPort(t)

	if ok, _ := port.SetIfAbsent(ctx, "k", "a", time.Second); !ok {
		t.Fatal("expected first setnx to win")
	}
	mr.FastForward(2 * time.Second)
	ok, err := port.SetIfAbsent(ctx, "k", "b", time.Second)
	if err != nil || !ok {
		t.Fatalf("setnx after expiry: %v %v", ok, err)
	}
	if deleted, _ := port.CompareAndDelete(ctx, "k", "a"); deleted {
		t.Fatal("stale owner removed the new entry")
	}
}

func TestRedisIncrWithExpireKeepsFirstTTL(t *testing.T) {
	port, mr, ctx := newRedisPort(t)

	c, err := port.IncrWithExpire(ctx, "ctr", 10*time.Second)
	if err != nil {
		t.Fatalf("incr: %v", err)
	}
	if c.Count != 1 || c.TTL != 10*time.Second {
		t.Fatalf("unexpected first counter %+v", c)
	}

	mr.FastForward(4 * time.Second)
	c, err = port.IncrWithExpire(ctx, "ctr", 10*time.Second)
	if err != nil {
		t.Fatalf("incr: %v", err)
	}
	if c.Count != 2 {
		t.Fatalf("expected count 2, got %d", c.Count)
	}
	if c.TTL > 6*time.Second || c.TTL <= 0 {
		t.Fatalf("ttl was extended: %v", c.TTL)
	}

	mr.FastForward(7 * time.Second)
	c, err = port.IncrWithExpire(ctx, "ctr", 10*time.Second)
	if err != nil {
		t.Fatalf("incr: %v", err)
	}
	if c.Count != 1 {
		t.Fatalf("expected a fresh window, got %d", c.Count)
	}
}

func TestRedisIncrWithExpireRepairsMissingTTL(t *testing.T) {
	port, mr, ctx := newRedisPort(t)

	if err := mr.Set("ctr", "5"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	c, err := port.IncrWithExpire(ctx, "ctr", 3*time.Second)
	if err != nil {
		t.Fatalf("incr: %v", err)
	}
	if c.Count != 6 || c.TTL != 3*time.Second {
		t.Fatalf("unexpected counter %+v", c)
	}
}

func TestRedisIncrOnNonCounterIsNotUnavailable(t *testing.T) {
	port, mr, ctx := newRedisPort(t)

	if err := mr.Set("ctr", "abc"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	_, err := port.IncrWithExpire(ctx, "ctr", time.Second)
	if err == nil {
		t.Fatal("expected reply error")
	}
	if errors.Is(err, fleeterrors.ErrBackendUnavailable) {
		t.Fatalf("reply error classified as unavailable: %v", err)
	}
}

func TestRedisPublishSubscribe(t *testing.T) {
	port, _, ctx := newRedisPort(t)

	// Published before anyone listens: must not be replayed.
	if err := port.Publish(ctx, "ch", []byte("early")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	sctx, cancel := context.WithCancel(ctx)
	msgs, err := port.Subscribe(sctx, "ch")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := port.Publish(ctx, "ch", []byte("late")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case got := <-msgs:
		if string(got) != "late" {
			t.Fatalf("expected late, got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}

	cancel()
	select {
	case _, ok := <-msgs:
		if ok {
			t.Fatal("unexpected message after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription not closed after cancel")
	}
}

func TestRedisUnavailable(t *testing.T) {
	port, mr, ctx := newRedisPort(t)
	mr.Close()

	if _, err := port.SetIfAbsent(ctx, "k", "v", time.Second); !errors.Is(err, fleeterrors.ErrBackendUnavailable) {
		t.Fatalf("setnx: expected unavailable, got %v", err)
	}
	if _, err := port.IncrWithExpire(ctx, "k", time.Second); !errors.Is(err, fleeterrors.ErrBackendUnavailable) {
		t.Fatalf("incr: expected unavailable, got %v", err)
	}
	if err := port.Publish(ctx, "ch", []byte("x")); !errors.Is(err, fleeterrors.ErrBackendUnavailable) {
		t.Fatalf("publish: expected unavailable, got %v", err)
	}
	if err := port.Ping(ctx); !errors.Is(err, fleeterrors.ErrBackendUnavailable) {
		t.Fatalf("ping: expected unavailable, got %v", err)
	}
}

func TestRedisCallerCancelIsNotUnavailable(t *testing.T) {
	port, _, ctx := newRedisPort(t)
	cctx, cancel := context.WithCancel(ctx)
	cancel()

	_, err := port.SetIfAbsent(cctx, "k", "v", time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if errors.Is(err, fleeterrors.ErrBackendUnavailable) {
		t.Fatal("caller cancellation reported as outage")
	}
}

func TestRedisClosedPort(t *testing.T) {
	port, _, ctx := newRedisPort(t)
	if err := port.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := port.Subscribe(ctx, "ch"); !errors.Is(err, fleeterrors.ErrConnectionClosed) {
		t.Fatalf("expected closed, got %v", err)
	}
	if err := port.Delete(ctx, "k"); !errors.Is(err, fleeterrors.ErrBackendUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

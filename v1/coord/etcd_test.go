package coord

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newEtcdPort(t *testing.T) (*Etcd, context.Context) {
	t.Helper()
	addr := os.Getenv("FLEET_TEST_ETCD_ADDR")
	if addr == "" {
		t.Skip("FLEET_TEST_ETCD_ADDR not set, skipping etcd integration tests")
	}
	ctx := context.Background()
	e, err := DialEtcd(ctx, EtcdOptions{
		Endpoints: strings.Split(addr, ","),
		Prefix:    "fleet-test-" + uuid.NewString(),
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e, ctx
}

func TestLeaseSeconds(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want int64
	}{
		{0, 1},
		{500 * time.Millisecond, 1},
		{time.Second, 1},
		{1500 * time.Millisecond, 2},
		{time.Minute, 60},
	}
	for _, c := range cases {
		if got := leaseSeconds(c.in); got != c.want {
			t.Fatalf("leaseSeconds(%v) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestEtcdKV(t *testing.T) {
	e, ctx := newEtcdPort(t)

	if ok, err := e.SetIfAbsent(ctx, "k", "a", 5*time.Second); err != nil || !ok {
		t.Fatalf("setnx: %v %v", ok, err)
	}
	if ok, err := e.SetIfAbsent(ctx, "k", "b", 5*time.Second); err != nil || ok {
		t.Fatalf("second setnx: %v %v", ok, err)
	}
	if deleted, _ := e.CompareAndDelete(ctx, "k", "b"); deleted {
		t.Fatal("foreign token deleted key")
	}
	if deleted, err := e.CompareAndDelete(ctx, "k", "a"); err != nil || !deleted {
		t.Fatalf("owner delete: %v %v", deleted, err)
	}

	c, err := e.IncrWithExpire(ctx, "ctr", 10*time.Second)
	if err != nil || c.Count != 1 {
		t.Fatalf("incr: %+v %v", c, err)
	}
	c, err = e.IncrWithExpire(ctx, "ctr", 10*time.Second)
	if err != nil || c.Count != 2 || c.TTL <= 0 || c.TTL > 10*time.Second {
		t.Fatalf("incr: %+v %v", c, err)
	}
	if err := e.Delete(ctx, "ctr"); err != nil {
		t.Fatalf("delete: %v", err)
	}
}

func TestEtcdPubSub(t *testing.T) {
	e, ctx := newEtcdPort(t)
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	_ = e.Publish(ctx, "ch", []byte("early"))
	msgs, err := e.Subscribe(sctx, "ch")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := e.Publish(ctx, "ch", []byte("late")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case got := <-msgs:
		if string(got) != "late" {
			t.Fatalf("expected late, got %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

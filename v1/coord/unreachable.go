package coord

import (
	"context"
	"time"

	fleeterrors "github.com/mirkobrombin/go-fleet/v1/errors"
)

// Unreachable is a Port whose every operation fails with
// ErrBackendUnavailable. It stands in for the substrate when the startup
// connect failed, and simulates outages in tests.
type Unreachable struct {
	cause error
}

// NewUnreachable returns a port that reports cause on every call.
func NewUnreachable(cause error) *Unreachable {
	return &Unreachable{cause: cause}
}

func (u *Unreachable) fail(op string) error {
	return fleeterrors.Unavailable(op, u.cause)
}

func (u *Unreachable) SetIfAbsent(context.Context, string, string, time.Duration) (bool, error) {
	return false, u.fail("setnx")
}

func (u *Unreachable) CompareAndDelete(context.Context, string, string) (bool, error) {
	return false, u.fail("compare-and-delete")
}

func (u *Unreachable) IncrWithExpire(context.Context, string, time.Duration) (Counter, error) {
	return Counter{}, u.fail("incr")
}

func (u *Unreachable) Delete(context.Context, string) error { return u.fail("del") }

func (u *Unreachable) Publish(context.Context, string, []byte) error { return u.fail("publish") }

func (u *Unreachable) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, u.fail("subscribe")
}

func (u *Unreachable) Ping(context.Context) error { return u.fail("ping") }

func (u *Unreachable) Close() error { return nil }

// Healthy implements Prober.
func (u *Unreachable) Healthy() bool { return false }

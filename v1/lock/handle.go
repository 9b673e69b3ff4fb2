package lock

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	fleeterrors "github.com/mirkobrombin/go-fleet/v1/errors"
)

// State is the lifecycle state of a Handle.
type State int

const (
	StateHeld State = iota
	StateReleased
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateHeld:
		return "held"
	case StateReleased:
		return "released"
	case StateExpired:
		return "expired"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Handle is proof of a successful Acquire. It is owned by a single caller
// and must be released at most once.
type Handle struct {
	Resource   string
	Key        string
	Token      string
	AcquiredAt time.Time
	TTL        time.Duration

	clock    clockwork.Clock
	degraded bool

	mu       sync.Mutex
	released bool
}

// Degraded reports whether the handle was synthesized during a backend
// outage. Such a handle guarantees no exclusivity.
func (h *Handle) Degraded() bool { return h.degraded }

// State reports the handle state as seen locally. An expired handle may
// already be held by someone else.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return StateReleased
	}
	if !h.degraded && !h.clock.Now().Before(h.AcquiredAt.Add(h.TTL)) {
		return StateExpired
	}
	return StateHeld
}

// markReleased flips the handle to released and reports whether it was the
// first call to do so.
func (h *Handle) markReleased() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return false
	}
	h.released = true
	return true
}

// ReleaseResult is the outcome of Release.
type ReleaseResult int

const (
	// ReleaseFailed accompanies a non-nil error.
	ReleaseFailed ReleaseResult = iota
	// Released means the key was deleted.
	Released
	// StaleNoop means the key no longer held our token: the lease expired
	// and possibly another owner holds it now. Nothing was deleted.
	StaleNoop
	// DegradedNoop means the handle was synthetic.
	DegradedNoop
	// AlreadyReleased means Release was already called on the handle.
	AlreadyReleased
)

func (r ReleaseResult) String() string {
	switch r {
	case ReleaseFailed:
		return "failed"
	case Released:
		return "released"
	case StaleNoop:
		return "stale"
	case DegradedNoop:
		return "degraded"
	case AlreadyReleased:
		return "already_released"
	}
	return fmt.Sprintf("ReleaseResult(%d)", int(r))
}

// AcquireError reports an acquire that did not obtain the lock. It matches
// errors.ErrLockHeld or errors.ErrAcquireTimeout.
type AcquireError struct {
	Resource string
	Waited   time.Duration
	Err      error
}

func (e *AcquireError) Error() string {
	if e.Err == fleeterrors.ErrAcquireTimeout {
		return fmt.Sprintf("lock %q: not acquired after %s: %v", e.Resource, e.Waited, e.Err)
	}
	return fmt.Sprintf("lock %q: %v", e.Resource, e.Err)
}

func (e *AcquireError) Unwrap() error { return e.Err }

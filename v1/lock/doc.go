// Package lock provides a lease-based distributed lock on top of the
// coordination port. A lock is a key created only if absent, holding a random
// owner token and expiring after its lease; release deletes the key only if
// it still holds the caller's token.
//
// The lease is not renewed. A holder whose critical section outlives the
// lease loses exclusivity silently, and there are no fencing tokens, so the
// lock suits efficiency (avoid duplicate work) rather than correctness.
// Locks live on a single coordination store, not a quorum of independent
// ones; a failover that loses the key grants the lock twice.
//
// When the coordination backend is unreachable, Acquire returns a synthetic
// always-held handle instead of failing. Mutual exclusion is lost for the
// duration of the outage; WithDegradation(false) turns this off.
package lock

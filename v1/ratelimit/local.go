package ratelimit

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const sweepEvery = time.Minute

type localWindow struct {
	count   int64
	resetAt time.Time
}

// localCounter is the process-local fixed-window fallback. It runs the same
// algorithm as the shared counter, so limits hold per replica during outages.
type localCounter struct {
	clock clockwork.Clock

	mu        sync.Mutex
	windows   map[string]*localWindow
	lastSweep time.Time
}

func newLocalCounter(clock clockwork.Clock) *localCounter {
	return &localCounter{
		clock:     clock,
		windows:   make(map[string]*localWindow),
		lastSweep: clock.Now(),
	}
}

// incr returns the count after the increment and the time left in the window.
func (c *localCounter) incr(key string, window time.Duration) (int64, time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	if now.Sub(c.lastSweep) >= sweepEvery {
		c.sweep(now)
	}
	w, ok := c.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &localWindow{resetAt: now.Add(window)}
		c.windows[key] = w
	}
	w.count++
	return w.count, w.resetAt.Sub(now)
}

func (c *localCounter) reset(key string) {
	c.mu.Lock()
	delete(c.windows, key)
	c.mu.Unlock()
}

// sweep drops windows that ended. Callers hold c.mu.
func (c *localCounter) sweep(now time.Time) {
	for k, w := range c.windows {
		if !now.Before(w.resetAt) {
			delete(c.windows, k)
		}
	}
	c.lastSweep = now
}

func (c *localCounter) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.windows)
}

package configstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mirkobrombin/go-fleet/v1/metrics"
)

// DriftMode defines what a DriftChecker does on a mismatch.
type DriftMode int

const (
	// DriftAlert only counts and logs mismatches.
	DriftAlert DriftMode = iota
	// DriftHeal also invalidates the cache.
	DriftHeal
)

// DriftChecker periodically compares the cached configuration with the
// backend. Change events are best effort, so a replica that missed one
// keeps serving a stale copy until its TTL; the checker bounds that window.
type DriftChecker struct {
	cached     *Cached
	mode       DriftMode
	interval   time.Duration
	clock      clockwork.Clock
	logger     *slog.Logger
	mismatches atomic.Uint64
}

// DriftOption configures a DriftChecker.
type DriftOption func(*DriftChecker)

// WithDriftClock sets the clock driving the check interval.
func WithDriftClock(c clockwork.Clock) DriftOption {
	return func(d *DriftChecker) {
		d.clock = c
	}
}

// WithDriftLogger sets the logger. Defaults to slog.Default().
func WithDriftLogger(logger *slog.Logger) DriftOption {
	return func(d *DriftChecker) {
		d.logger = logger
	}
}

// NewDriftChecker returns a checker for c running every interval.
func NewDriftChecker(c *Cached, mode DriftMode, interval time.Duration, opts ...DriftOption) *DriftChecker {
	d := &DriftChecker{
		cached:   c,
		mode:     mode,
		interval: interval,
		clock:    clockwork.NewRealClock(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run checks every interval until ctx is done. Backend errors are logged
// and the next tick retries.
func (d *DriftChecker) Run(ctx context.Context) error {
	if d.interval <= 0 {
		return nil
	}
	ticker := d.clock.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			if _, err := d.Check(ctx); err != nil && ctx.Err() == nil {
				d.logger.Warn("fleet: config drift check failed", "error", err)
			}
		}
	}
}

// Check compares the cached configuration, if any, with the backend and
// reports whether they differ. Nothing is compared when the cache is cold.
func (d *DriftChecker) Check(ctx context.Context) (bool, error) {
	cached, ok := d.cached.peekConfig()
	if !ok {
		return false, nil
	}
	current, err := d.cached.store.LoadConfig(ctx)
	if err != nil {
		return false, err
	}
	cd, err := digest(cached)
	if err != nil {
		return false, err
	}
	sd, err := digest(current)
	if err != nil {
		return false, err
	}
	if cd == sd {
		return false, nil
	}
	d.mismatches.Add(1)
	metrics.ConfigCacheCounter.WithLabelValues("drift").Inc()
	d.logger.Warn("fleet: cached config differs from backend", "heal", d.mode == DriftHeal)
	if d.mode == DriftHeal {
		d.cached.Invalidate()
	}
	return true, nil
}

// Mismatches returns the number of mismatches detected so far.
func (d *DriftChecker) Mismatches() uint64 {
	return d.mismatches.Load()
}

// digest hashes the canonical encoding of doc; map keys are sorted by the
// encoder.
func digest(doc Document) (string, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:]), nil
}

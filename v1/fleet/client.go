// Package fleet wires the coordination primitives of one process: it
// connects the coordination port, wraps it in a circuit breaker and builds
// the lock manager, the rate limiter, the config store and the change
// notifier on top of it.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-fleet/v1/configstore"
	"github.com/mirkobrombin/go-fleet/v1/coord"
	fleeterrors "github.com/mirkobrombin/go-fleet/v1/errors"
	"github.com/mirkobrombin/go-fleet/v1/lock"
	"github.com/mirkobrombin/go-fleet/v1/notify"
	"github.com/mirkobrombin/go-fleet/v1/ratelimit"
)

// ConfigLockResource is the lock taken around configuration writes.
const ConfigLockResource = "config:write"

// Client owns the coordination port and everything built on it.
type Client struct {
	Settings *Settings

	Locker   *lock.Locker
	Limiter  *ratelimit.Limiter
	Config   *configstore.Cached
	Drift    *configstore.DriftChecker
	Notifier *notify.Notifier

	port     coord.Port
	breaker  *coord.Breaker
	degraded bool
	logger   *slog.Logger
}

type openOptions struct {
	port   coord.Port
	fs     afero.Fs
	logger *slog.Logger
}

// Option configures Open.
type Option func(*openOptions)

// WithPort uses port instead of dialing the configured backend.
func WithPort(port coord.Port) Option {
	return func(o *openOptions) {
		o.port = port
	}
}

// WithFS sets the filesystem used by the file config store.
func WithFS(fs afero.Fs) Option {
	return func(o *openOptions) {
		o.fs = fs
	}
}

// WithLogger sets the logger handed to every component.
func WithLogger(logger *slog.Logger) Option {
	return func(o *openOptions) {
		o.logger = logger
	}
}

// Open connects the coordination substrate and builds the components.
//
// An unreachable substrate is not an error: the client starts degraded,
// with locks and the limiter falling back to local behaviour. A config
// store that cannot be opened is an error.
func Open(ctx context.Context, s *Settings, opts ...Option) (*Client, error) {
	o := openOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	c := &Client{Settings: s, logger: o.logger}

	port := o.port
	if port == nil {
		port = c.connect(ctx)
	}
	c.breaker = coord.NewBreaker(port, s.BreakerThreshold, s.BreakerCooldown)
	c.port = c.breaker

	mode, err := configstore.ParseMode(s.ConfigMode)
	if err != nil {
		_ = c.port.Close()
		return nil, err
	}
	store, err := configstore.Open(mode, configstore.Options{
		WorkDir: s.WorkDir,
		FS:      o.fs,
		Dialect: s.DBDialect,
		DSN:     s.DBDSN,
		Logger:  o.logger,
	})
	if err != nil {
		_ = c.port.Close()
		return nil, err
	}
	c.Config, err = configstore.NewCached(store, s.CacheTTL)
	if err != nil {
		_ = store.Close()
		_ = c.port.Close()
		return nil, err
	}

	c.Drift = configstore.NewDriftChecker(c.Config, configstore.DriftHeal, s.DriftInterval,
		configstore.WithDriftLogger(o.logger))

	c.Locker = lock.New(c.port,
		lock.WithKeyPrefix(s.LockPrefix),
		lock.WithLogger(o.logger),
	)
	c.Limiter = ratelimit.New(c.port,
		ratelimit.WithKeyPrefix(s.RateLimitPrefix),
		ratelimit.WithLogger(o.logger),
	)
	c.Notifier = notify.New(c.port,
		notify.WithChannel(s.NotifyChannel),
		notify.WithOrigin(s.ReplicaID),
		notify.WithLogger(o.logger),
	)
	c.logger.Info("fleet: client ready",
		"backend", s.Backend, "transport", c.transportName(), "config_mode", string(mode),
		"replica", s.ReplicaID, "degraded", c.degraded)
	return c, nil
}

func (c *Client) transportName() string {
	if c.Settings.Transport == "" {
		return c.Settings.Backend
	}
	return c.Settings.Transport
}

// connect dials the key backend and, when different, the pub/sub
// transport. Failures are replaced by coord.Unreachable.
func (c *Client) connect(ctx context.Context) coord.Port {
	s := c.Settings
	kv, err := dialPort(ctx, s, s.Backend)
	if err != nil {
		c.logger.Warn("fleet: coordination backend unreachable, running degraded",
			"backend", s.Backend, "error", err)
		c.degraded = true
		kv = coord.NewUnreachable(err)
	}
	if s.Transport == "" || s.Transport == s.Backend {
		return kv
	}
	transport, err := dialTransport(ctx, s)
	if err != nil {
		c.logger.Warn("fleet: pub/sub transport unreachable, notifications disabled",
			"transport", s.Transport, "error", err)
		c.degraded = true
		transport = coord.NewUnreachable(err)
	}
	return coord.Compose(kv, transport)
}

func dialPort(ctx context.Context, s *Settings, kind string) (coord.Port, error) {
	switch kind {
	case "redis":
		return coord.DialRedis(ctx, coord.RedisOptions{
			Addrs:          s.RedisAddrs,
			SentinelMaster: s.RedisSentinelMaster,
			Username:       s.RedisUsername,
			Password:       s.RedisPassword,
			DB:             s.RedisDB,
			OpTimeout:      s.OpTimeout,
		})
	case "etcd":
		return coord.DialEtcd(ctx, coord.EtcdOptions{
			Endpoints: s.EtcdEndpoints,
			Prefix:    s.EtcdPrefix,
			OpTimeout: s.OpTimeout,
		})
	case "memory":
		return coord.NewMemory(), nil
	}
	return nil, fmt.Errorf("fleet: unknown backend %q", kind)
}

func dialTransport(ctx context.Context, s *Settings) (coord.Transport, error) {
	switch s.Transport {
	case "nats":
		return coord.DialNATS(s.NATSURL, s.OpTimeout)
	case "kafka":
		cfg := sarama.NewConfig()
		cfg.ClientID = "fleet-" + s.ReplicaID
		cfg.Net.DialTimeout = s.OpTimeout
		return coord.DialKafka(s.KafkaBrokers, cfg)
	}
	return dialPort(ctx, s, s.Transport)
}

// Degraded reports whether Open could not reach the substrate.
func (c *Client) Degraded() bool { return c.degraded }

// Healthy reports whether the circuit breaker currently lets calls through.
func (c *Client) Healthy() bool { return c.breaker.Healthy() }

// Ping checks the substrate. It always reaches the backend, so a
// successful Ping closes an open circuit.
func (c *Client) Ping(ctx context.Context) error { return c.port.Ping(ctx) }

// UpdateConfig replaces the configuration under the config write lock and
// announces the change to every replica.
func (c *Client) UpdateConfig(ctx context.Context, doc configstore.Document, t notify.ChangeType) error {
	opts := lock.DefaultAcquireOptions()
	opts.TTL = 10 * time.Second
	opts.MaxWait = 10 * time.Second
	return c.Locker.Do(ctx, ConfigLockResource, opts, func(ctx context.Context, h *lock.Handle) error {
		if err := c.Config.SaveConfig(ctx, doc); err != nil {
			return err
		}
		return c.Notifier.Publish(ctx, t)
	})
}

// Run keeps the replica in sync until ctx is done. It invalidates the
// config cache on every change event and resubscribes after substrate
// failures. It also pings the substrate so the breaker notices recovery,
// and checks the cache for drift from the backend.
func (c *Client) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.listen(ctx) })
	g.Go(func() error { return c.probe(ctx) })
	g.Go(func() error { return c.Drift.Run(ctx) })
	return g.Wait()
}

func (c *Client) listen(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = c.Settings.BreakerCooldown
	b.MaxElapsedTime = 0

	err := backoff.RetryNotify(func() error {
		err := c.Notifier.Listen(ctx, c.Config)
		if err == nil {
			return nil
		}
		// Events may have been missed while resubscribing.
		c.Config.Invalidate()
		if !errors.Is(err, notify.ErrSubscriptionClosed) && !errors.Is(err, fleeterrors.ErrBackendUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		c.logger.Warn("fleet: change listener interrupted, resubscribing",
			"error", err, "retry_in", next)
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *Client) probe(ctx context.Context) error {
	t := time.NewTicker(c.Settings.BreakerCooldown)
	defer t.Stop()
	healthy := c.Healthy()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		pctx, cancel := context.WithTimeout(ctx, c.Settings.OpTimeout)
		err := c.Ping(pctx)
		cancel()
		now := c.Healthy()
		switch {
		case now && !healthy:
			c.logger.Info("fleet: coordination backend reachable again")
		case !now && healthy:
			c.logger.Warn("fleet: coordination backend unreachable", "error", err)
		}
		healthy = now
	}
}

// Close releases the config store and the substrate connections.
func (c *Client) Close() error {
	return errors.Join(c.Config.Close(), c.port.Close())
}

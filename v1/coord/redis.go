package coord

import (
	"context"
	stdErrors "errors"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	fleeterrors "github.com/mirkobrombin/go-fleet/v1/errors"
)

var compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// The expiry is only set by the INCR that created the key. A counter left
// without expiry (PTTL -1) gets one so it cannot live forever.
var incrWithExpireScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
local ttl = redis.call("PTTL", KEYS[1])
if n == 1 or ttl == -1 then
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
    ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

// RedisOptions configures DialRedis.
type RedisOptions struct {
	Addrs          []string
	SentinelMaster string
	Username       string
	Password       string
	DB             int
	DialTimeout    time.Duration
	OpTimeout      time.Duration
}

// RedisOption configures a Redis port.
type RedisOption func(*Redis)

// WithRedisTimeout sets the per-operation timeout.
func WithRedisTimeout(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// Redis implements Port on top of a go-redis UniversalClient, so a single
// node, a sentinel group or a cluster can back it.
type Redis struct {
	client  redis.UniversalClient
	timeout time.Duration

	mu     sync.Mutex
	subs   map[*redis.PubSub]struct{}
	closed bool
}

// NewRedis wraps an existing client. The port takes ownership of client.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{
		client:  client,
		timeout: DefaultOpTimeout,
		subs:    make(map[*redis.PubSub]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DialRedis connects and pings the server. A failed ping returns an error
// matching ErrBackendUnavailable and no port.
func DialRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	addrs := opts.Addrs
	if len(addrs) == 0 {
		addrs = []string{"127.0.0.1:6379"}
	}
	dial := opts.DialTimeout
	if dial <= 0 {
		dial = 5 * time.Second
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   opts.SentinelMaster,
		Username:     opts.Username,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  dial,
		ReadTimeout:  opts.OpTimeout,
		WriteTimeout: opts.OpTimeout,
	})
	r := NewRedis(client, WithRedisTimeout(opts.OpTimeout))
	if err := r.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return r, nil
}

func (r *Redis) classify(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	var replyErr redis.Error
	if stdErrors.As(err, &replyErr) && !stdErrors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("redis %s: %w", op, err)
	}
	switch {
	case stdErrors.Is(err, context.DeadlineExceeded):
		return fleeterrors.Unavailable("redis "+op, fleeterrors.ErrTimeout)
	case stdErrors.Is(err, redis.ErrClosed):
		return fleeterrors.Unavailable("redis "+op, fleeterrors.ErrConnectionClosed)
	}
	return fleeterrors.Unavailable("redis "+op, err)
}

func (r *Redis) span(ctx context.Context, name, key string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "coord.Redis."+name, trace.WithAttributes(attribute.String("fleet.coord.key", key)))
}

// SetIfAbsent implements KV.SetIfAbsent using SET NX PX.
func (r *Redis) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, span := r.span(ctx, "SetIfAbsent", key)
	defer span.End()
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	ok, err := r.client.SetNX(cctx, key, value, ttl).Result()
	if err != nil {
		return false, r.classify(ctx, "setnx", err)
	}
	return ok, nil
}

// CompareAndDelete implements KV.CompareAndDelete with a Lua script.
func (r *Redis) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	ctx, span := r.span(ctx, "CompareAndDelete", key)
	defer span.End()
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	n, err := compareAndDeleteScript.Run(cctx, r.client, []string{key}, expected).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, r.classify(ctx, "compare-and-delete", err)
	}
	return n > 0, nil
}

// IncrWithExpire implements KV.IncrWithExpire with a Lua script so the
// increment and the first expiry are a single atomic step.
func (r *Redis) IncrWithExpire(ctx context.Context, key string, ttlIfNew time.Duration) (Counter, error) {
	ctx, span := r.span(ctx, "IncrWithExpire", key)
	defer span.End()
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	res, err := incrWithExpireScript.Run(cctx, r.client, []string{key}, ttlIfNew.Milliseconds()).Int64Slice()
	if err != nil {
		return Counter{}, r.classify(ctx, "incr", err)
	}
	if len(res) != 2 {
		return Counter{}, fmt.Errorf("redis incr: unexpected reply %v", res)
	}
	c := Counter{Count: res[0]}
	if res[1] > 0 {
		c.TTL = time.Duration(res[1]) * time.Millisecond
	}
	return c, nil
}

// Delete implements KV.Delete.
func (r *Redis) Delete(ctx context.Context, key string) error {
	ctx, span := r.span(ctx, "Delete", key)
	defer span.End()
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.client.Del(cctx, key).Err(); err != nil {
		return r.classify(ctx, "del", err)
	}
	return nil
}

// Publish implements PubSub.Publish.
func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	ctx, span := r.span(ctx, "Publish", channel)
	defer span.End()
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.client.Publish(cctx, channel, payload).Err(); err != nil {
		return r.classify(ctx, "publish", err)
	}
	return nil
}

// Subscribe implements PubSub.Subscribe. It waits for the server to confirm
// the subscription before returning.
func (r *Redis) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fleeterrors.Unavailable("redis subscribe", fleeterrors.ErrConnectionClosed)
	}
	r.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	ps := r.client.Subscribe(cctx, channel)
	_, err := ps.Receive(cctx)
	cancel()
	if err != nil {
		_ = ps.Close()
		return nil, r.classify(ctx, "subscribe", err)
	}

	r.mu.Lock()
	r.subs[ps] = struct{}{}
	r.mu.Unlock()

	out := make(chan []byte, subscriptionBuffer)
	go func() {
		defer close(out)
		defer r.dropSub(ps)
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				deliver(out, []byte(msg.Payload))
			}
		}
	}()
	return out, nil
}

func (r *Redis) dropSub(ps *redis.PubSub) {
	r.mu.Lock()
	delete(r.subs, ps)
	r.mu.Unlock()
	_ = ps.Close()
}

// Ping implements Transport.Ping.
func (r *Redis) Ping(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.client.Ping(cctx).Err(); err != nil {
		return r.classify(ctx, "ping", err)
	}
	return nil
}

// Close closes every subscription and the client.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := make([]*redis.PubSub, 0, len(r.subs))
	for ps := range r.subs {
		subs = append(subs, ps)
	}
	r.mu.Unlock()
	for _, ps := range subs {
		_ = ps.Close()
	}
	return r.client.Close()
}

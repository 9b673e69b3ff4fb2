package coord

import (
	"context"
	stdErrors "errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	fleeterrors "github.com/mirkobrombin/go-fleet/v1/errors"
)

const maxCASAttempts = 16

// EtcdOptions configures DialEtcd.
type EtcdOptions struct {
	Endpoints   []string
	Username    string
	Password    string
	Prefix      string
	DialTimeout time.Duration
	OpTimeout   time.Duration
}

// Etcd implements Port on etcd v3. Expiries are leases, conditional writes
// are transactions and pub/sub is a watch on one key per channel.
type Etcd struct {
	client  *clientv3.Client
	prefix  string
	timeout time.Duration

	mu     sync.Mutex
	closed bool
}

// NewEtcd wraps an existing client. The port takes ownership of client.
func NewEtcd(client *clientv3.Client, prefix string, timeout time.Duration) *Etcd {
	if timeout <= 0 {
		timeout = DefaultOpTimeout
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Etcd{client: client, prefix: prefix, timeout: timeout}
}

// DialEtcd connects to the cluster and checks it answers.
func DialEtcd(ctx context.Context, opts EtcdOptions) (*Etcd, error) {
	dial := opts.DialTimeout
	if dial <= 0 {
		dial = 5 * time.Second
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   opts.Endpoints,
		Username:    opts.Username,
		Password:    opts.Password,
		DialTimeout: dial,
	})
	if err != nil {
		return nil, fleeterrors.Unavailable("etcd connect", err)
	}
	e := NewEtcd(client, opts.Prefix, opts.OpTimeout)
	if err := e.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return e, nil
}

func (e *Etcd) key(k string) string { return e.prefix + k }

func (e *Etcd) channelKey(channel string) string { return e.prefix + "pubsub/" + channel }

func (e *Etcd) classify(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return fleeterrors.Unavailable("etcd "+op, fleeterrors.ErrTimeout)
	}
	return fleeterrors.Unavailable("etcd "+op, err)
}

// leaseSeconds rounds ttl up to whole seconds, the lease granularity.
func leaseSeconds(ttl time.Duration) int64 {
	s := int64(math.Ceil(ttl.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

func (e *Etcd) grant(ctx context.Context, ttl time.Duration) (clientv3.LeaseID, error) {
	resp, err := e.client.Grant(ctx, leaseSeconds(ttl))
	if err != nil {
		return clientv3.NoLease, err
	}
	return resp.ID, nil
}

func (e *Etcd) revoke(id clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()
	_, _ = e.client.Revoke(ctx, id)
}

// SetIfAbsent implements KV.SetIfAbsent with a create-revision guard.
func (e *Etcd) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	k := e.key(key)
	lease, err := e.grant(cctx, ttl)
	if err != nil {
		return false, e.classify(ctx, "grant", err)
	}
	resp, err := e.client.Txn(cctx).
		If(clientv3.Compare(clientv3.CreateRevision(k), "=", 0)).
		Then(clientv3.OpPut(k, value, clientv3.WithLease(lease))).
		Commit()
	if err != nil {
		e.revoke(lease)
		return false, e.classify(ctx, "setnx", err)
	}
	if !resp.Succeeded {
		e.revoke(lease)
		return false, nil
	}
	return true, nil
}

// CompareAndDelete implements KV.CompareAndDelete with a value guard.
func (e *Etcd) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	k := e.key(key)
	resp, err := e.client.Txn(cctx).
		If(clientv3.Compare(clientv3.Value(k), "=", expected)).
		Then(clientv3.OpDelete(k)).
		Commit()
	if err != nil {
		return false, e.classify(ctx, "compare-and-delete", err)
	}
	return resp.Succeeded, nil
}

// IncrWithExpire implements KV.IncrWithExpire. The first increment binds
// the key to a fresh lease; later increments keep that lease untouched.
func (e *Etcd) IncrWithExpire(ctx context.Context, key string, ttlIfNew time.Duration) (Counter, error) {
	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	k := e.key(key)
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		get, err := e.client.Get(cctx, k)
		if err != nil {
			return Counter{}, e.classify(ctx, "incr", err)
		}
		if len(get.Kvs) == 0 {
			lease, err := e.grant(cctx, ttlIfNew)
			if err != nil {
				return Counter{}, e.classify(ctx, "grant", err)
			}
			resp, err := e.client.Txn(cctx).
				If(clientv3.Compare(clientv3.CreateRevision(k), "=", 0)).
				Then(clientv3.OpPut(k, "1", clientv3.WithLease(lease))).
				Commit()
			if err != nil {
				e.revoke(lease)
				return Counter{}, e.classify(ctx, "incr", err)
			}
			if resp.Succeeded {
				return Counter{Count: 1, TTL: time.Duration(leaseSeconds(ttlIfNew)) * time.Second}, nil
			}
			e.revoke(lease)
			continue
		}

		kv := get.Kvs[0]
		n, err := strconv.ParseInt(string(kv.Value), 10, 64)
		if err != nil {
			return Counter{}, fmt.Errorf("etcd incr %q: value is not a counter: %w", key, err)
		}
		resp, err := e.client.Txn(cctx).
			If(clientv3.Compare(clientv3.ModRevision(k), "=", kv.ModRevision)).
			Then(clientv3.OpPut(k, strconv.FormatInt(n+1, 10), clientv3.WithIgnoreLease())).
			Commit()
		if err != nil {
			return Counter{}, e.classify(ctx, "incr", err)
		}
		if !resp.Succeeded {
			continue
		}
		c := Counter{Count: n + 1}
		if kv.Lease != 0 {
			ttl, err := e.client.TimeToLive(cctx, clientv3.LeaseID(kv.Lease))
			if err != nil {
				return Counter{}, e.classify(ctx, "ttl", err)
			}
			if ttl.TTL > 0 {
				c.TTL = time.Duration(ttl.TTL) * time.Second
			}
		}
		return c, nil
	}
	return Counter{}, fmt.Errorf("etcd incr %q: too much contention", key)
}

// Delete implements KV.Delete.
func (e *Etcd) Delete(ctx context.Context, key string) error {
	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	_, err := e.client.Delete(cctx, e.key(key))
	return e.classify(ctx, "del", err)
}

// Publish implements PubSub.Publish by overwriting the channel key.
func (e *Etcd) Publish(ctx context.Context, channel string, payload []byte) error {
	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	_, err := e.client.Put(cctx, e.channelKey(channel), string(payload))
	return e.classify(ctx, "publish", err)
}

// Subscribe implements PubSub.Subscribe. The watch starts right after the
// revision current at subscription time, so earlier publishes are skipped.
func (e *Etcd) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, fleeterrors.Unavailable("etcd subscribe", fleeterrors.ErrConnectionClosed)
	}
	k := e.channelKey(channel)
	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	get, err := e.client.Get(cctx, k, clientv3.WithCountOnly())
	cancel()
	if err != nil {
		return nil, e.classify(ctx, "subscribe", err)
	}

	wch := e.client.Watch(clientv3.WithRequireLeader(ctx), k, clientv3.WithRev(get.Header.Revision+1))
	out := make(chan []byte, subscriptionBuffer)
	go func() {
		defer close(out)
		for resp := range wch {
			if resp.Err() != nil {
				return
			}
			for _, ev := range resp.Events {
				if ev.Type == mvccpb.PUT {
					deliver(out, ev.Kv.Value)
				}
			}
		}
	}()
	return out, nil
}

// Ping implements Transport.Ping.
func (e *Etcd) Ping(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	_, err := e.client.Get(cctx, e.prefix+"ping", clientv3.WithCountOnly())
	return e.classify(ctx, "ping", err)
}

// Close closes the client, ending every watch.
func (e *Etcd) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	return e.client.Close()
}

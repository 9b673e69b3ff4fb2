package coord

import (
	"context"
	stdErrors "errors"
	"sync"
	"time"

	nats "github.com/nats-io/nats.go"

	fleeterrors "github.com/mirkobrombin/go-fleet/v1/errors"
)

// NATS implements Transport on a NATS connection. Channel names are used
// as subjects verbatim.
type NATS struct {
	conn    *nats.Conn
	timeout time.Duration

	mu      sync.Mutex
	subs    map[*nats.Subscription]struct{}
	closeCh chan struct{}
	closed  bool
}

// NewNATS returns a transport on conn. The transport takes ownership of conn.
func NewNATS(conn *nats.Conn, timeout time.Duration) *NATS {
	if timeout <= 0 {
		timeout = DefaultOpTimeout
	}
	return &NATS{
		conn:    conn,
		timeout: timeout,
		subs:    make(map[*nats.Subscription]struct{}),
		closeCh: make(chan struct{}),
	}
}

// DialNATS connects to url.
func DialNATS(url string, timeout time.Duration) (*NATS, error) {
	conn, err := nats.Connect(url, nats.Timeout(timeout))
	if err != nil {
		return nil, fleeterrors.Unavailable("nats connect", err)
	}
	return NewNATS(conn, timeout), nil
}

func (n *NATS) classify(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	switch {
	case stdErrors.Is(err, nats.ErrTimeout), stdErrors.Is(err, context.DeadlineExceeded):
		return fleeterrors.Unavailable("nats "+op, fleeterrors.ErrTimeout)
	case stdErrors.Is(err, nats.ErrConnectionClosed):
		return fleeterrors.Unavailable("nats "+op, fleeterrors.ErrConnectionClosed)
	case stdErrors.Is(err, nats.ErrBadSubject), stdErrors.Is(err, nats.ErrMaxPayload):
		return err
	}
	return fleeterrors.Unavailable("nats "+op, err)
}

// Publish implements PubSub.Publish. The message is handed to the client
// buffer; there is no flush and no acknowledgement.
func (n *NATS) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !n.conn.IsConnected() {
		return fleeterrors.Unavailable("nats publish", fleeterrors.ErrConnectionClosed)
	}
	return n.classify(ctx, "publish", n.conn.Publish(channel, payload))
}

// Subscribe implements PubSub.Subscribe. The subscription is flushed to the
// server before returning.
func (n *NATS) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	msgs := make(chan *nats.Msg, subscriptionBuffer)
	sub, err := n.conn.ChanSubscribe(channel, msgs)
	if err != nil {
		return nil, n.classify(ctx, "subscribe", err)
	}
	if err := n.conn.FlushTimeout(n.timeout); err != nil {
		_ = sub.Unsubscribe()
		return nil, n.classify(ctx, "subscribe", err)
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		_ = sub.Unsubscribe()
		return nil, fleeterrors.Unavailable("nats subscribe", fleeterrors.ErrConnectionClosed)
	}
	n.subs[sub] = struct{}{}
	n.mu.Unlock()

	out := make(chan []byte, subscriptionBuffer)
	go func() {
		defer close(out)
		defer func() {
			n.mu.Lock()
			delete(n.subs, sub)
			n.mu.Unlock()
			_ = sub.Unsubscribe()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-n.closeCh:
				return
			case msg := <-msgs:
				deliver(out, msg.Data)
			}
		}
	}()
	return out, nil
}

// Ping implements Transport.Ping with a server round trip.
func (n *NATS) Ping(ctx context.Context) error {
	return n.classify(ctx, "ping", n.conn.FlushTimeout(n.timeout))
}

// Close stops every subscription and closes the connection.
func (n *NATS) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	close(n.closeCh)
	n.mu.Unlock()
	n.conn.Close()
	return nil
}

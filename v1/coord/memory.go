package coord

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	fleeterrors "github.com/mirkobrombin/go-fleet/v1/errors"
)

type memItem struct {
	value     string
	count     int64
	expiresAt time.Time
}

// Memory implements Port inside a single process. It offers the same
// atomicity as the shared backends but coordinates only goroutines of this
// process, so it suits tests and single-replica deployments.
type Memory struct {
	clock clockwork.Clock

	mu     sync.Mutex
	items  map[string]memItem
	subs   map[string]map[chan []byte]struct{}
	closed bool
}

// MemoryOption configures a Memory port.
type MemoryOption func(*Memory)

// WithClock sets the clock used for expiries.
func WithClock(c clockwork.Clock) MemoryOption {
	return func(m *Memory) {
		m.clock = c
	}
}

// NewMemory returns an empty in-process port.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		clock: clockwork.NewRealClock(),
		items: make(map[string]memItem),
		subs:  make(map[string]map[chan []byte]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// live returns the unexpired item for key, dropping it when expired.
// Callers hold m.mu.
func (m *Memory) live(key string) (memItem, bool) {
	it, ok := m.items[key]
	if !ok {
		return memItem{}, false
	}
	if !it.expiresAt.IsZero() && !m.clock.Now().Before(it.expiresAt) {
		delete(m.items, key)
		return memItem{}, false
	}
	return it, true
}

func (m *Memory) closedErr(op string) error {
	return fleeterrors.Unavailable("memory "+op, fleeterrors.ErrConnectionClosed)
}

// SetIfAbsent implements KV.SetIfAbsent.
func (m *Memory) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, m.closedErr("setnx")
	}
	if _, ok := m.live(key); ok {
		return false, nil
	}
	it := memItem{value: value}
	if ttl > 0 {
		it.expiresAt = m.clock.Now().Add(ttl)
	}
	m.items[key] = it
	return true, nil
}

// CompareAndDelete implements KV.CompareAndDelete.
func (m *Memory) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, m.closedErr("compare-and-delete")
	}
	it, ok := m.live(key)
	if !ok || it.value != expected {
		return false, nil
	}
	delete(m.items, key)
	return true, nil
}

// IncrWithExpire implements KV.IncrWithExpire.
func (m *Memory) IncrWithExpire(ctx context.Context, key string, ttlIfNew time.Duration) (Counter, error) {
	if err := ctx.Err(); err != nil {
		return Counter{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Counter{}, m.closedErr("incr")
	}
	now := m.clock.Now()
	it, ok := m.live(key)
	if !ok {
		it = memItem{}
		if ttlIfNew > 0 {
			it.expiresAt = now.Add(ttlIfNew)
		}
	}
	it.count++
	m.items[key] = it
	c := Counter{Count: it.count}
	if !it.expiresAt.IsZero() {
		c.TTL = it.expiresAt.Sub(now)
	}
	return c, nil
}

// Delete implements KV.Delete.
func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return m.closedErr("del")
	}
	delete(m.items, key)
	return nil
}

// Publish implements PubSub.Publish.
func (m *Memory) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return m.closedErr("publish")
	}
	chans := make([]chan []byte, 0, len(m.subs[channel]))
	for ch := range m.subs[channel] {
		chans = append(chans, ch)
	}
	// Sends happen under the lock so a concurrent unsubscribe cannot close
	// a channel mid-send; deliver never blocks.
	for _, ch := range chans {
		deliver(ch, append([]byte(nil), payload...))
	}
	m.mu.Unlock()
	return nil
}

// Subscribe implements PubSub.Subscribe.
func (m *Memory) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan []byte, subscriptionBuffer)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, m.closedErr("subscribe")
	}
	set := m.subs[channel]
	if set == nil {
		set = make(map[chan []byte]struct{})
		m.subs[channel] = set
	}
	set[ch] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.unsubscribe(channel, ch)
	}()
	return ch, nil
}

func (m *Memory) unsubscribe(channel string, ch chan []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.subs[channel]
	if _, ok := set[ch]; !ok {
		return
	}
	delete(set, ch)
	close(ch)
	if len(set) == 0 {
		delete(m.subs, channel)
	}
}

// Ping implements Transport.Ping.
func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return m.closedErr("ping")
	}
	return nil
}

// Close closes every subscription. Later calls fail as unavailable.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for channel, set := range m.subs {
		for ch := range set {
			close(ch)
		}
		delete(m.subs, channel)
	}
	return nil
}

// Package notify broadcasts "configuration changed" hints between replicas.
// Delivery is best effort: no acknowledgement, no replay, no ordering across
// publishers. Receivers are expected to drop cached state and reload lazily,
// never to apply the event payload.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goUUID "github.com/hashicorp/go-uuid"
	"github.com/jonboulle/clockwork"
	jsoniter "github.com/json-iterator/go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-fleet/v1/coord"
	fleeterrors "github.com/mirkobrombin/go-fleet/v1/errors"
	"github.com/mirkobrombin/go-fleet/v1/metrics"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var tracer = otel.Tracer("github.com/mirkobrombin/go-fleet/v1/notify")

// DefaultChannel is the pub/sub channel used by every replica.
const DefaultChannel = "fleet:config_updates"

const eventName = "config_changed"

// ErrSubscriptionClosed is returned by Listen when the substrate ended the
// subscription while the caller was still listening.
var ErrSubscriptionClosed = errors.New("notify: subscription closed")

// ChangeType says which part of the configuration changed.
type ChangeType string

const (
	ChangeGeneral ChangeType = "general"
	ChangeModel   ChangeType = "model"
	ChangeAgent   ChangeType = "agent"
)

// Valid reports whether t is a known change type.
func (t ChangeType) Valid() bool {
	switch t {
	case ChangeGeneral, ChangeModel, ChangeAgent:
		return true
	}
	return false
}

// ParseChangeType parses s; the empty string means general.
func ParseChangeType(s string) (ChangeType, error) {
	if s == "" {
		return ChangeGeneral, nil
	}
	t := ChangeType(s)
	if !t.Valid() {
		return "", fmt.Errorf("notify: unknown change type %q", s)
	}
	return t, nil
}

// ChangeEvent is one received notification.
type ChangeEvent struct {
	Channel   string
	Type      ChangeType
	EmittedAt time.Time
	// Origin is the replica id of the publisher; empty for publishers that
	// do not send one.
	Origin string
}

type wireEvent struct {
	Event     string `json:"event"`
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Origin    string `json:"origin,omitempty"`
}

// Encode returns the wire form of ev.
func Encode(ev ChangeEvent) ([]byte, error) {
	return json.Marshal(wireEvent{
		Event:     eventName,
		Type:      string(ev.Type),
		Timestamp: ev.EmittedAt.UTC().Format(time.RFC3339),
		Origin:    ev.Origin,
	})
}

// Decode parses a wire payload received on channel. Payloads that are not
// config change events are rejected; an unparsable timestamp is tolerated.
func Decode(channel string, payload []byte) (ChangeEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(payload, &w); err != nil {
		return ChangeEvent{}, fmt.Errorf("notify: malformed payload: %w", err)
	}
	if w.Event != eventName {
		return ChangeEvent{}, fmt.Errorf("notify: unexpected event %q", w.Event)
	}
	t := ChangeType(w.Type)
	if !t.Valid() {
		return ChangeEvent{}, fmt.Errorf("notify: unknown change type %q", w.Type)
	}
	ev := ChangeEvent{Channel: channel, Type: t, Origin: w.Origin}
	if ts, err := time.Parse(time.RFC3339Nano, w.Timestamp); err == nil {
		ev.EmittedAt = ts
	}
	return ev, nil
}

// Invalidator drops cached state. configstore.Cached implements it.
type Invalidator interface {
	Invalidate()
}

// InvalidatorFunc adapts a function to Invalidator.
type InvalidatorFunc func()

func (f InvalidatorFunc) Invalidate() { f() }

// Notifier publishes and receives change events.
type Notifier struct {
	ps      coord.PubSub
	channel string
	origin  string
	clock   clockwork.Clock
	logger  *slog.Logger
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithChannel overrides DefaultChannel.
func WithChannel(ch string) Option {
	return func(n *Notifier) {
		n.channel = ch
	}
}

// WithOrigin sets the replica id stamped on published events.
func WithOrigin(id string) Option {
	return func(n *Notifier) {
		n.origin = id
	}
}

// WithClock sets the clock used for event timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(n *Notifier) {
		n.clock = c
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(n *Notifier) {
		n.logger = logger
	}
}

// New returns a Notifier on ps. Without WithOrigin a random replica id is
// generated.
func New(ps coord.PubSub, opts ...Option) *Notifier {
	n := &Notifier{
		ps:      ps,
		channel: DefaultChannel,
		clock:   clockwork.NewRealClock(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.origin == "" {
		if id, err := goUUID.GenerateUUID(); err == nil {
			n.origin = id
		}
	}
	return n
}

// Channel returns the channel name.
func (n *Notifier) Channel() string { return n.channel }

// Origin returns the replica id stamped on published events.
func (n *Notifier) Origin() string { return n.origin }

// Publish announces a change of type t. It is fire-and-forget: when the
// substrate is unreachable the event is dropped, logged and nil returned.
func (n *Notifier) Publish(ctx context.Context, t ChangeType) error {
	if !t.Valid() {
		return fmt.Errorf("notify: unknown change type %q", t)
	}
	ctx, span := tracer.Start(ctx, "notify.Publish", trace.WithAttributes(
		attribute.String("fleet.notify.channel", n.channel),
		attribute.String("fleet.notify.type", string(t)),
	))
	defer span.End()

	payload, err := Encode(ChangeEvent{Type: t, EmittedAt: n.clock.Now(), Origin: n.origin})
	if err != nil {
		return err
	}
	if err := n.ps.Publish(ctx, n.channel, payload); err != nil {
		if errors.Is(err, fleeterrors.ErrBackendUnavailable) {
			metrics.NotifyPublishCounter.WithLabelValues("skipped").Inc()
			n.logger.Warn("fleet: change notification skipped, backend unavailable",
				"channel", n.channel, "type", string(t), "error", err)
			return nil
		}
		return fmt.Errorf("notify: publish: %w", err)
	}
	metrics.NotifyPublishCounter.WithLabelValues("sent").Inc()
	n.logger.Debug("fleet: change notification sent", "channel", n.channel, "type", string(t))
	return nil
}

// Subscribe returns the events published after it returns. The channel is
// closed when ctx is done or the substrate ends the subscription. Malformed
// payloads are dropped.
func (n *Notifier) Subscribe(ctx context.Context) (<-chan ChangeEvent, error) {
	raw, err := n.ps.Subscribe(ctx, n.channel)
	if err != nil {
		return nil, fmt.Errorf("notify: subscribe: %w", err)
	}
	out := make(chan ChangeEvent, cap(raw))
	go func() {
		defer close(out)
		for payload := range raw {
			ev, err := Decode(n.channel, payload)
			if err != nil {
				metrics.NotifyReceiveCounter.WithLabelValues("malformed").Inc()
				n.logger.Debug("fleet: dropping malformed change event", "channel", n.channel, "error", err)
				continue
			}
			metrics.NotifyReceiveCounter.WithLabelValues("delivered").Inc()
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Listen calls inv.Invalidate for every event, this replica's own included,
// until ctx is done. It returns nil on cancellation and
// ErrSubscriptionClosed if the subscription ends first.
func (n *Notifier) Listen(ctx context.Context, inv Invalidator) error {
	events, err := n.Subscribe(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return ErrSubscriptionClosed
			}
			n.logger.Debug("fleet: config change received, invalidating",
				"type", string(ev.Type), "origin", ev.Origin)
			inv.Invalidate()
		}
	}
}

package coord

import (
	"context"
	stdErrors "errors"
)

type composite struct {
	KV
	kvLife    Transport
	transport Transport
}

// Compose returns a Port whose key operations are served by kv and whose
// publish/subscribe half is served by transport. Ping and Close reach both.
func Compose(kv Port, transport Transport) Port {
	return &composite{KV: kv, kvLife: kv, transport: transport}
}

func (c *composite) Publish(ctx context.Context, channel string, payload []byte) error {
	return c.transport.Publish(ctx, channel, payload)
}

func (c *composite) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	return c.transport.Subscribe(ctx, channel)
}

func (c *composite) Ping(ctx context.Context) error {
	if err := c.kvLife.Ping(ctx); err != nil {
		return err
	}
	return c.transport.Ping(ctx)
}

func (c *composite) Close() error {
	return stdErrors.Join(c.transport.Close(), c.kvLife.Close())
}

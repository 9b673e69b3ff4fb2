package coord

import (
	"context"
	stdErrors "errors"
	"strings"
	"sync"

	"github.com/IBM/sarama"

	fleeterrors "github.com/mirkobrombin/go-fleet/v1/errors"
)

// Kafka implements Transport on Kafka topics. Each channel maps to a
// single-partition topic; subscribers start at the newest offset, so they
// never see messages produced before they subscribed.
type Kafka struct {
	client   sarama.Client
	producer sarama.SyncProducer
	consumer sarama.Consumer

	mu      sync.Mutex
	subs    map[sarama.PartitionConsumer]struct{}
	closeCh chan struct{}
	closed  bool
}

// DialKafka connects to brokers.
func DialKafka(brokers []string, cfg *sarama.Config) (*Kafka, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, fleeterrors.Unavailable("kafka connect", err)
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fleeterrors.Unavailable("kafka connect", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, fleeterrors.Unavailable("kafka connect", err)
	}
	k := NewKafka(producer, consumer)
	k.client = client
	return k, nil
}

// NewKafka builds a transport from an existing producer and consumer.
func NewKafka(producer sarama.SyncProducer, consumer sarama.Consumer) *Kafka {
	return &Kafka{
		producer: producer,
		consumer: consumer,
		subs:     make(map[sarama.PartitionConsumer]struct{}),
		closeCh:  make(chan struct{}),
	}
}

// KafkaTopic maps a channel name to a legal topic name.
func KafkaTopic(channel string) string {
	return strings.NewReplacer(":", ".", "/", ".", " ", "_").Replace(channel)
}

func (k *Kafka) classify(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	var kerr sarama.KError
	if stdErrors.As(err, &kerr) && kerr == sarama.ErrMessageSizeTooLarge {
		return err
	}
	return fleeterrors.Unavailable("kafka "+op, err)
}

// Publish implements PubSub.Publish.
func (k *Kafka) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{Topic: KafkaTopic(channel), Value: sarama.ByteEncoder(payload)}
	_, _, err := k.producer.SendMessage(msg)
	return k.classify(ctx, "publish", err)
}

// Subscribe implements PubSub.Subscribe.
func (k *Kafka) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	pc, err := k.consumer.ConsumePartition(KafkaTopic(channel), 0, sarama.OffsetNewest)
	if err != nil {
		return nil, k.classify(ctx, "subscribe", err)
	}
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		pc.AsyncClose()
		return nil, fleeterrors.Unavailable("kafka subscribe", fleeterrors.ErrConnectionClosed)
	}
	k.subs[pc] = struct{}{}
	k.mu.Unlock()

	out := make(chan []byte, subscriptionBuffer)
	go func() {
		defer close(out)
		defer func() {
			k.mu.Lock()
			delete(k.subs, pc)
			k.mu.Unlock()
			pc.AsyncClose()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-k.closeCh:
				return
			case msg, ok := <-pc.Messages():
				if !ok {
					return
				}
				deliver(out, msg.Value)
			}
		}
	}()
	return out, nil
}

// Ping implements Transport.Ping by asking the cluster for its controller.
func (k *Kafka) Ping(ctx context.Context) error {
	if k.client == nil {
		return nil
	}
	if k.client.Closed() {
		return fleeterrors.Unavailable("kafka ping", fleeterrors.ErrConnectionClosed)
	}
	_, err := k.client.Controller()
	return k.classify(ctx, "ping", err)
}

// Close stops every subscription and closes producer, consumer and client.
func (k *Kafka) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	close(k.closeCh)
	k.mu.Unlock()

	errs := []error{k.producer.Close(), k.consumer.Close()}
	if k.client != nil && !k.client.Closed() {
		errs = append(errs, k.client.Close())
	}
	return stdErrors.Join(errs...)
}

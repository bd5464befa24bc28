// Package redisbroker runs the broker contract on Redis. Named queues are
// streams read through a consumer group, so entries stay pending until they
// are acknowledged. Broker-named queues are Pub/Sub channels: they exist only
// while subscribed and publishing to one nobody listens on drops the message.
package redisbroker

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/mrjvadi/go-broker-rpc/broker"
)

type Broker struct {
	rdb       redis.UniversalClient
	ownClient bool

	group        string
	streamMaxLen int64
	pollBlock    time.Duration
	claimIdle    time.Duration
	retryWindow  time.Duration
	logger       *zap.Logger

	consumerID string
	consumers  atomic.Uint64
	tags       atomic.Uint64

	mu     sync.Mutex
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ broker.Broker = (*Broker)(nil)

// New wraps an existing client. Closing the broker leaves the client open.
func New(rdb redis.UniversalClient, opts ...Option) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		rdb:         rdb,
		group:       "rpc",
		pollBlock:   2 * time.Second,
		claimIdle:   30 * time.Second,
		retryWindow: 30 * time.Second,
		logger:      zap.NewNop(),
		consumerID:  defaultConsumerID(),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Dial connects to Redis, retrying the first PING up to attempts times with
// exponential backoff. The returned broker owns the client.
func Dial(ctx context.Context, ro *redis.Options, attempts int, opts ...Option) (*Broker, error) {
	rdb := redis.NewClient(ro)

	var bo backoff.BackOff = backoff.NewExponentialBackOff()
	if attempts > 0 {
		bo = backoff.WithMaxRetries(bo, uint64(attempts-1))
	}
	err := backoff.Retry(func() error {
		return rdb.Ping(ctx).Err()
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		_ = rdb.Close()
		return nil, errors.Wrapf(err, "redis %s", ro.Addr)
	}

	b := New(rdb, opts...)
	b.ownClient = true
	return b, nil
}

// DeclareQueue makes sure a stream and its consumer group exist. An empty
// name yields a fresh reply channel, which needs no declaration.
func (b *Broker) DeclareQueue(ctx context.Context, name string, _ broker.QueueOptions) (broker.Queue, error) {
	if b.isClosed() {
		return broker.Queue{}, broker.ErrClosed
	}
	if name == "" {
		return broker.Queue{Name: ReplyPrefix + uuid.NewString()}, nil
	}
	if isReplyQueue(name) {
		return broker.Queue{Name: name}, nil
	}

	err := b.rdb.XGroupCreateMkStream(ctx, name, b.group, "0").Err()
	if err != nil && !isGroupExists(err) {
		return broker.Queue{}, errors.Wrapf(err, "create group %s on %s", b.group, name)
	}
	return broker.Queue{Name: name}, nil
}

// DeleteQueue drops a stream with its pending entries. Reply channels vanish
// with their last subscriber, so deleting one is a no-op.
func (b *Broker) DeleteQueue(ctx context.Context, name string) error {
	if b.isClosed() {
		return broker.ErrClosed
	}
	if isReplyQueue(name) {
		return nil
	}
	return errors.Wrapf(b.rdb.Del(ctx, name).Err(), "delete %s", name)
}

func (b *Broker) Publish(ctx context.Context, exchange, routingKey string, msg broker.Publishing) error {
	if exchange != broker.DefaultExchange {
		return broker.ErrUnsupportedExchange
	}
	if b.isClosed() {
		return broker.ErrClosed
	}

	if isReplyQueue(routingKey) {
		f, err := encodeFrame(msg)
		if err != nil {
			return err
		}
		return errors.Wrapf(b.rdb.Publish(ctx, routingKey, f).Err(), "publish to %s", routingKey)
	}

	values, err := streamValues(msg)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: routingKey,
		Values: values,
	}
	if b.streamMaxLen > 0 {
		args.MaxLen = b.streamMaxLen
		args.Approx = true
	}
	return errors.Wrapf(b.rdb.XAdd(ctx, args).Err(), "xadd to %s", routingKey)
}

// Consume subscribes to a reply channel or joins the consumer group of a
// stream. Deliveries from reply channels need no acknowledgement.
func (b *Broker) Consume(ctx context.Context, queue string, opts broker.ConsumeOptions) (<-chan broker.Delivery, error) {
	if isReplyQueue(queue) {
		return b.subscribe(ctx, queue)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, broker.ErrClosed
	}

	ctx, cancel := mergeCancel(ctx, b.ctx)
	c := newStreamConsumer(b, queue, opts)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer cancel()
		c.run(ctx)
	}()
	return c.out, nil
}

// Close stops every consumer, requeueing what they still hold, and closes
// the client if Dial created it.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.cancel()
	b.mu.Unlock()

	b.wg.Wait()
	if b.ownClient {
		return b.rdb.Close()
	}
	return nil
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// subscribe waits for the subscription outside b.mu, then registers its
// reader unless the broker closed meanwhile.
func (b *Broker) subscribe(ctx context.Context, channel string) (<-chan broker.Delivery, error) {
	if b.isClosed() {
		return nil, broker.ErrClosed
	}
	ctx, cancel := mergeCancel(ctx, b.ctx)

	sub := b.rdb.Subscribe(ctx, channel)
	// wait for the subscription so nothing published after Consume is missed
	unblock := context.AfterFunc(ctx, func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	if !unblock() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		_ = sub.Close()
		cancel()
		if b.isClosed() {
			return nil, broker.ErrClosed
		}
		return nil, errors.Wrapf(err, "subscribe %s", channel)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = sub.Close()
		cancel()
		return nil, broker.ErrClosed
	}
	b.wg.Add(1)
	b.mu.Unlock()

	out := make(chan broker.Delivery)
	msgs := sub.Channel(redis.WithChannelSize(1024))
	go func() {
		defer b.wg.Done()
		defer close(out)
		defer cancel()
		defer sub.Close()

		for {
			select {
			case m, ok := <-msgs:
				if !ok {
					return
				}
				pub, err := decodeFrame(m.Payload)
				if err != nil {
					b.logger.Warn("dropping undecodable frame", zap.String("channel", channel), zap.Error(err))
					continue
				}
				d := broker.Delivery{
					Publishing:  pub,
					Queue:       channel,
					DeliveryTag: b.tags.Inc(),
				}
				select {
				case out <- d:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (b *Broker) nextConsumerName(queue string) string {
	return fmt.Sprintf("%s-%s-%d", b.consumerID, queue, b.consumers.Inc())
}

func isGroupExists(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func defaultConsumerID() string {
	host, _ := os.Hostname()
	if host == "" {
		host = "host"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// mergeCancel returns a context cancelled when either parent is.
func mergeCancel(ctx, other context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(other, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

package redisbroker

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mrjvadi/go-broker-rpc/broker"
)

// settleTimeout bounds the requeue of held entries when a consumer stops.
const settleTimeout = 5 * time.Second

type streamConsumer struct {
	b      *Broker
	stream string
	name   string
	opts   broker.ConsumeOptions
	out    chan broker.Delivery
	slots  chan struct{}
	logger *zap.Logger

	mu      sync.Mutex
	unacked map[uint64]string // delivery tag -> entry id
}

func newStreamConsumer(b *Broker, stream string, opts broker.ConsumeOptions) *streamConsumer {
	c := &streamConsumer{
		b:       b,
		stream:  stream,
		name:    b.nextConsumerName(stream),
		opts:    opts,
		out:     make(chan broker.Delivery),
		unacked: make(map[uint64]string),
	}
	if !opts.AutoAck && opts.Prefetch > 0 {
		c.slots = make(chan struct{}, opts.Prefetch)
	}
	c.logger = b.logger.With(zap.String("stream", stream), zap.String("consumer", c.name))
	return c
}

func (c *streamConsumer) run(ctx context.Context) {
	defer close(c.out)
	defer c.requeueUnacked()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 150 * time.Millisecond
	bo.MaxElapsedTime = c.b.retryWindow
	retry := backoff.WithContext(bo, ctx)

	for {
		if c.slots != nil {
			select {
			case c.slots <- struct{}{}:
			case <-ctx.Done():
				return
			}
		}

		msgs, err := c.read(ctx)
		if err != nil {
			c.releaseSlot()
			if ctx.Err() != nil {
				return
			}
			wait := retry.NextBackOff()
			if wait == backoff.Stop {
				c.logger.Error("giving up on stream", zap.Error(err))
				return
			}
			c.logger.Warn("stream read failed", zap.Duration("retry_in", wait), zap.Error(err))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
			continue
		}
		retry.Reset()

		if len(msgs) == 0 {
			c.releaseSlot()
			continue
		}
		for _, m := range msgs {
			if !c.deliver(ctx, m) {
				return
			}
		}
	}
}

// read fetches new entries, falling back to claiming entries abandoned by
// dead consumers when the stream is idle.
func (c *streamConsumer) read(ctx context.Context) ([]redis.XMessage, error) {
	count := int64(1)
	if c.slots == nil {
		count = 16
	}
	res, err := c.b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.b.group,
		Consumer: c.name,
		Streams:  []string{c.stream, ">"},
		Count:    count,
		Block:    c.b.pollBlock,
		NoAck:    c.opts.AutoAck,
	}).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return c.claim(ctx, count), nil
	case err != nil:
		return nil, errors.Wrapf(err, "xreadgroup %s", c.stream)
	}

	var msgs []redis.XMessage
	for _, s := range res {
		msgs = append(msgs, s.Messages...)
	}
	return msgs, nil
}

func (c *streamConsumer) claim(ctx context.Context, count int64) []redis.XMessage {
	if c.b.claimIdle <= 0 || c.opts.AutoAck {
		return nil
	}
	msgs, _, err := c.b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.stream,
		Group:    c.b.group,
		Consumer: c.name,
		MinIdle:  c.b.claimIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		c.logger.Debug("cannot claim idle entries", zap.Error(err))
		return nil
	}
	live, gone := markClaimed(msgs)
	for _, id := range gone {
		c.logger.Debug("settling claimed entry that no longer exists", zap.String("entry", id))
		if err := c.settle(id); err != nil {
			c.logger.Warn("cannot settle claimed entry", zap.String("entry", id), zap.Error(err))
		}
	}
	return live
}

// markClaimed flags claimed entries as redelivered. Entries trimmed from the
// stream while pending come back without fields and are returned in gone.
func markClaimed(msgs []redis.XMessage) (live []redis.XMessage, gone []string) {
	for _, m := range msgs {
		if m.Values == nil {
			gone = append(gone, m.ID)
			continue
		}
		m.Values[fieldRedelivered] = "1"
		live = append(live, m)
	}
	return live, gone
}

// deliver hands m to the consumer. It reports false once ctx is done.
func (c *streamConsumer) deliver(ctx context.Context, m redis.XMessage) bool {
	pub, redelivered, err := fromStream(m)
	if err != nil {
		c.logger.Warn("dropping undecodable entry", zap.String("entry", m.ID), zap.Error(err))
		if !c.opts.AutoAck {
			c.settle(m.ID)
		}
		c.releaseSlot()
		return true
	}

	d := broker.Delivery{
		Publishing:  pub,
		Queue:       c.stream,
		DeliveryTag: c.b.tags.Inc(),
		Redelivered: redelivered,
	}
	if !c.opts.AutoAck {
		c.mu.Lock()
		c.unacked[d.DeliveryTag] = m.ID
		c.mu.Unlock()
		d.Acknowledger = c
	}

	select {
	case c.out <- d:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *streamConsumer) Ack(tag uint64) error {
	id, err := c.forget(tag)
	if err != nil {
		return err
	}
	defer c.releaseSlot()
	return c.settle(id)
}

func (c *streamConsumer) Nack(tag uint64, requeue bool) error {
	id, err := c.forget(tag)
	if err != nil {
		return err
	}
	defer c.releaseSlot()
	if !requeue {
		return c.settle(id)
	}
	return c.requeue(context.Background(), id)
}

func (c *streamConsumer) forget(tag uint64) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.unacked[tag]
	if !ok {
		return "", broker.ErrUnknownDeliveryTag
	}
	delete(c.unacked, tag)
	return id, nil
}

func (c *streamConsumer) settle(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	err := settleLua.Run(ctx, c.b.rdb, []string{c.stream}, c.b.group, id).Err()
	return errors.Wrapf(err, "ack %s", id)
}

func (c *streamConsumer) requeue(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, settleTimeout)
	defer cancel()
	err := requeueLua.Run(ctx, c.b.rdb, []string{c.stream}, c.b.group, id).Err()
	return errors.Wrapf(err, "requeue %s", id)
}

// requeueUnacked returns every entry still held to the stream.
func (c *streamConsumer) requeueUnacked() {
	c.mu.Lock()
	held := c.unacked
	c.unacked = make(map[uint64]string)
	c.mu.Unlock()

	for _, id := range held {
		if err := c.requeue(context.Background(), id); err != nil {
			c.logger.Error("cannot requeue held entry", zap.String("entry", id), zap.Error(err))
		}
	}
}

func (c *streamConsumer) releaseSlot() {
	if c.slots == nil {
		return
	}
	select {
	case <-c.slots:
	default:
	}
}

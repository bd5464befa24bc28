// Package amqpbroker runs the broker contract on RabbitMQ.
package amqpbroker

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/mrjvadi/go-broker-rpc/broker"
)

type Option func(*Broker)

func WithLogger(l *zap.Logger) Option {
	return func(b *Broker) {
		if l != nil {
			b.logger = l
		}
	}
}

// Broker shares one connection. Publishes and declarations go through a
// single channel, reopened after a channel exception; every consumer gets a
// channel of its own so prefetch and acknowledgements are scoped to it.
type Broker struct {
	conn   *amqp.Connection
	logger *zap.Logger

	mu     sync.Mutex
	ch     *amqp.Channel
	closed bool
	wg     sync.WaitGroup
	done   chan struct{}
}

var _ broker.Broker = (*Broker)(nil)

// Dial connects to url, retrying up to attempts times with exponential
// backoff.
func Dial(ctx context.Context, url string, attempts int, opts ...Option) (*Broker, error) {
	var bo backoff.BackOff = backoff.NewExponentialBackOff()
	if attempts > 0 {
		bo = backoff.WithMaxRetries(bo, uint64(attempts-1))
	}

	var conn *amqp.Connection
	err := backoff.Retry(func() error {
		var err error
		conn, err = amqp.Dial(url)
		return err
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return nil, errors.Wrap(err, "amqp dial")
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "open channel")
	}

	b := &Broker{
		conn:   conn,
		ch:     ch,
		logger: zap.NewNop(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func (b *Broker) DeclareQueue(_ context.Context, name string, opts broker.QueueOptions) (broker.Queue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return broker.Queue{}, broker.ErrClosed
	}
	ch, err := b.channel()
	if err != nil {
		return broker.Queue{}, err
	}
	q, err := ch.QueueDeclare(name, opts.Durable, opts.AutoDelete, opts.Exclusive, false, nil)
	if err != nil {
		return broker.Queue{}, mapError(err, "declare queue "+name)
	}
	return broker.Queue{Name: q.Name}, nil
}

// DeleteQueue deletes the queue with whatever it holds. Deleting a missing
// queue is not an error.
func (b *Broker) DeleteQueue(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return broker.ErrClosed
	}
	ch, err := b.channel()
	if err != nil {
		return err
	}
	// a missing queue closes the channel; the next call reopens it
	_, err = ch.QueueDelete(name, false, false, false)
	var aErr *amqp.Error
	if errors.As(err, &aErr) && aErr.Code == amqp.NotFound {
		return nil
	}
	return mapError(err, "delete queue "+name)
}

func (b *Broker) Publish(ctx context.Context, exchange, routingKey string, msg broker.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return broker.ErrClosed
	}
	ch, err := b.channel()
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx, exchange, routingKey, false, false, toPublishing(msg))
	return mapError(err, "publish to "+routingKey)
}

// channel returns the shared channel, reopening it if a channel exception
// closed it. Callers hold b.mu.
func (b *Broker) channel() (*amqp.Channel, error) {
	if !b.ch.IsClosed() {
		return b.ch, nil
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, mapError(err, "reopen channel")
	}
	b.logger.Debug("reopened shared channel")
	b.ch = ch
	return ch, nil
}

func (b *Broker) Consume(ctx context.Context, queue string, opts broker.ConsumeOptions) (<-chan broker.Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, broker.ErrClosed
	}

	ch, err := b.conn.Channel()
	if err != nil {
		return nil, mapError(err, "open consumer channel")
	}
	if !opts.AutoAck && opts.Prefetch > 0 {
		if err := ch.Qos(opts.Prefetch, 0, false); err != nil {
			_ = ch.Close()
			return nil, mapError(err, "set prefetch")
		}
	}
	in, err := ch.ConsumeWithContext(ctx, queue, opts.Consumer, opts.AutoAck, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, mapError(err, "consume "+queue)
	}

	out := make(chan broker.Delivery)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(out)
		// closing the channel requeues everything it still holds
		defer ch.Close()

		for {
			select {
			case d, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- fromDelivery(queue, d, opts.AutoAck):
				case <-ctx.Done():
					return
				case <-b.done:
					return
				}
			case <-ctx.Done():
				return
			case <-b.done:
				return
			}
		}
	}()
	return out, nil
}

func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()

	b.wg.Wait()
	if err := b.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		b.logger.Warn("closing channel", zap.Error(err))
	}
	return errors.Wrap(b.conn.Close(), "close connection")
}

// acker adapts the amqp091 acknowledger to delivery tags.
type acker struct {
	next amqp.Acknowledger
}

func (a acker) Ack(tag uint64) error {
	return mapError(a.next.Ack(tag, false), "ack")
}

func (a acker) Nack(tag uint64, requeue bool) error {
	return mapError(a.next.Nack(tag, false, requeue), "nack")
}

func toPublishing(msg broker.Publishing) amqp.Publishing {
	p := amqp.Publishing{
		CorrelationId: msg.CorrelationID,
		ReplyTo:       msg.ReplyTo,
		ContentType:   msg.ContentType,
		Timestamp:     timestamp(msg.Timestamp),
		Body:          msg.Body,
	}
	if msg.Persistent {
		p.DeliveryMode = amqp.Persistent
	}
	if len(msg.Headers) > 0 {
		p.Headers = make(amqp.Table, len(msg.Headers))
		for k, v := range msg.Headers {
			p.Headers[k] = v
		}
	}
	return p
}

func fromDelivery(queue string, d amqp.Delivery, autoAck bool) broker.Delivery {
	out := broker.Delivery{
		Publishing: broker.Publishing{
			CorrelationID: d.CorrelationId,
			ReplyTo:       d.ReplyTo,
			Persistent:    d.DeliveryMode == amqp.Persistent,
			ContentType:   d.ContentType,
			Timestamp:     d.Timestamp,
			Body:          d.Body,
		},
		Queue:       queue,
		DeliveryTag: d.DeliveryTag,
		Redelivered: d.Redelivered,
	}
	if len(d.Headers) > 0 {
		out.Headers = make(map[string]string, len(d.Headers))
		for k, v := range d.Headers {
			if s, ok := v.(string); ok {
				out.Headers[k] = s
			}
		}
	}
	if !autoAck && d.Acknowledger != nil {
		out.Acknowledger = acker{next: d.Acknowledger}
	}
	return out
}

func mapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, amqp.ErrClosed) {
		return errors.Wrap(broker.ErrClosed, msg)
	}
	return errors.Wrap(err, msg)
}

// timestamp truncates t the way the AMQP wire format does.
func timestamp(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.Truncate(time.Second)
}

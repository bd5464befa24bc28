// Package broker defines the message broker surface the RPC layer runs on:
// queues, publishing and consuming with acknowledgement.
//
// Two network adapters live in sub-packages (redisbroker, amqpbroker); Memory
// is an in-process implementation used by tests and local runs.
package broker

import (
	"context"
	"time"
)

// DefaultExchange routes a message to the queue named by its routing key.
const DefaultExchange = ""

type Error string

func (e Error) Error() string {
	return string(e)
}

const (
	ErrClosed              = Error("broker closed")
	ErrQueueNotFound       = Error("queue not found")
	ErrUnknownDeliveryTag  = Error("unknown delivery tag")
	ErrUnsupportedExchange = Error("unsupported exchange")
)

// Broker is an at-least-once message broker with no ordering guarantee across
// distinct queues.
type Broker interface {
	// DeclareQueue creates the queue if it does not exist. An empty name asks
	// the broker to generate one; the generated name is returned in Queue.
	DeclareQueue(ctx context.Context, name string, opts QueueOptions) (Queue, error)
	DeleteQueue(ctx context.Context, name string) error
	Publish(ctx context.Context, exchange, routingKey string, msg Publishing) error
	// Consume starts a consumer on queue. The returned channel is closed when
	// ctx is cancelled or the broker goes away.
	Consume(ctx context.Context, queue string, opts ConsumeOptions) (<-chan Delivery, error)
	Close() error
}

type QueueOptions struct {
	Durable    bool
	Exclusive  bool
	AutoDelete bool
}

type Queue struct {
	Name string
}

type ConsumeOptions struct {
	// Consumer identifies the consumer; generated when empty.
	Consumer string
	// AutoAck marks deliveries as acknowledged as soon as they are handed out.
	AutoAck bool
	// Prefetch bounds the number of unacknowledged deliveries held by the
	// consumer. Zero means unbounded. Ignored with AutoAck.
	Prefetch int
}

// Publishing is a message on its way to the broker.
type Publishing struct {
	CorrelationID string
	ReplyTo       string
	Persistent    bool
	ContentType   string
	Timestamp     time.Time
	Headers       map[string]string
	Body          []byte
}

// Acknowledger settles deliveries by tag.
type Acknowledger interface {
	Ack(tag uint64) error
	Nack(tag uint64, requeue bool) error
}

// Delivery is a message handed out by a consumer.
type Delivery struct {
	Publishing

	Queue       string
	DeliveryTag uint64
	Redelivered bool

	Acknowledger Acknowledger
}

// Ack acknowledges the delivery. Deliveries consumed with AutoAck have
// nothing to settle.
func (d Delivery) Ack() error {
	if d.Acknowledger == nil {
		return nil
	}
	return d.Acknowledger.Ack(d.DeliveryTag)
}

// Nack rejects the delivery, returning it to its queue when requeue is set.
func (d Delivery) Nack(requeue bool) error {
	if d.Acknowledger == nil {
		return nil
	}
	return d.Acknowledger.Nack(d.DeliveryTag, requeue)
}

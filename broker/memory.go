package broker

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/atomic"
)

// Memory is an in-process Broker. Queues live in memory, deliveries honour
// prefetch and unacknowledged deliveries are requeued when their consumer
// stops, mirroring AMQP channel semantics.
type Memory struct {
	mu     sync.Mutex
	queues map[string]*memQueue
	closed bool
	done   chan struct{}
	tags   atomic.Uint64
	wg     sync.WaitGroup
}

var _ Broker = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		queues: make(map[string]*memQueue),
		done:   make(chan struct{}),
	}
}

func (m *Memory) DeclareQueue(_ context.Context, name string, opts QueueOptions) (Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Queue{}, ErrClosed
	}
	if name == "" {
		name = "amq.gen-" + uuid.NewString()
	}
	if _, ok := m.queues[name]; !ok {
		m.queues[name] = newMemQueue(name, opts)
	}
	return Queue{Name: name}, nil
}

// DeleteQueue removes the queue and drops its messages. Deleting a missing
// queue is not an error.
func (m *Memory) DeleteQueue(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.deleteLocked(name)
	return nil
}

func (m *Memory) deleteLocked(name string) {
	q, ok := m.queues[name]
	if !ok {
		return
	}
	delete(m.queues, name)
	q.delete()
}

// Publish enqueues msg on the queue named by routingKey. Messages for a
// queue that does not exist are dropped.
func (m *Memory) Publish(ctx context.Context, exchange, routingKey string, msg Publishing) error {
	if exchange != DefaultExchange {
		return ErrUnsupportedExchange
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	q, ok := m.queues[routingKey]
	if !ok {
		return nil
	}
	q.push(&memMessage{pub: clonePublishing(msg)}, false)
	return nil
}

func (m *Memory) Consume(ctx context.Context, queue string, opts ConsumeOptions) (<-chan Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	q, ok := m.queues[queue]
	if !ok {
		return nil, ErrQueueNotFound
	}
	q.consumers++

	c := &memConsumer{
		broker:  m,
		queue:   q,
		opts:    opts,
		out:     make(chan Delivery),
		unacked: make(map[uint64]*memMessage),
	}
	if !opts.AutoAck && opts.Prefetch > 0 {
		c.slots = make(chan struct{}, opts.Prefetch)
	}
	m.wg.Add(1)
	go c.run(ctx)
	return c.out, nil
}

// Close stops all consumers. Pending messages are discarded.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.done)
	m.mu.Unlock()

	m.wg.Wait()
	return nil
}

// Len reports the number of ready messages in queue.
func (m *Memory) Len(queue string) int {
	m.mu.Lock()
	q, ok := m.queues[queue]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}

// HasQueue reports whether queue is declared.
func (m *Memory) HasQueue(queue string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.queues[queue]
	return ok
}

func (m *Memory) consumerStopped(q *memQueue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q.consumers--
	if q.opts.AutoDelete && q.consumers == 0 && m.queues[q.name] == q {
		m.deleteLocked(q.name)
	}
}

type memMessage struct {
	pub         Publishing
	redelivered bool
}

type memQueue struct {
	name      string
	opts      QueueOptions
	consumers int // guarded by Memory.mu

	mu      sync.Mutex
	msgs    []*memMessage
	signal  chan struct{}
	deleted bool
}

func newMemQueue(name string, opts QueueOptions) *memQueue {
	return &memQueue{name: name, opts: opts, signal: make(chan struct{})}
}

func (q *memQueue) push(msg *memMessage, front bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.deleted {
		return
	}
	if front {
		q.msgs = append([]*memMessage{msg}, q.msgs...)
	} else {
		q.msgs = append(q.msgs, msg)
	}
	q.wakeLocked()
}

func (q *memQueue) delete() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deleted = true
	q.msgs = nil
	q.wakeLocked()
}

func (q *memQueue) wakeLocked() {
	close(q.signal)
	q.signal = make(chan struct{})
}

func (q *memQueue) pop(ctx context.Context, done <-chan struct{}) (*memMessage, error) {
	for {
		q.mu.Lock()
		if q.deleted {
			q.mu.Unlock()
			return nil, ErrQueueNotFound
		}
		if len(q.msgs) > 0 {
			msg := q.msgs[0]
			q.msgs[0] = nil
			q.msgs = q.msgs[1:]
			q.mu.Unlock()
			return msg, nil
		}
		signal := q.signal
		q.mu.Unlock()

		select {
		case <-signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-done:
			return nil, ErrClosed
		}
	}
}

type memConsumer struct {
	broker *Memory
	queue  *memQueue
	opts   ConsumeOptions
	out    chan Delivery
	slots  chan struct{}

	mu      sync.Mutex
	unacked map[uint64]*memMessage
}

func (c *memConsumer) run(ctx context.Context) {
	defer c.broker.wg.Done()
	defer c.stop()

	for {
		if c.slots != nil {
			select {
			case c.slots <- struct{}{}:
			case <-ctx.Done():
				return
			case <-c.broker.done:
				return
			}
		}

		msg, err := c.queue.pop(ctx, c.broker.done)
		if err != nil {
			return
		}

		d := Delivery{
			Publishing:  clonePublishing(msg.pub),
			Queue:       c.queue.name,
			DeliveryTag: c.broker.tags.Inc(),
			Redelivered: msg.redelivered,
		}
		if !c.opts.AutoAck {
			c.mu.Lock()
			c.unacked[d.DeliveryTag] = msg
			c.mu.Unlock()
			d.Acknowledger = c
		}

		select {
		case c.out <- d:
		case <-ctx.Done():
			if c.opts.AutoAck {
				c.queue.push(msg, true)
			}
			return
		case <-c.broker.done:
			return
		}
	}
}

func (c *memConsumer) stop() {
	c.mu.Lock()
	unacked := c.unacked
	c.unacked = make(map[uint64]*memMessage)
	c.mu.Unlock()

	for _, msg := range unacked {
		msg.redelivered = true
		c.queue.push(msg, true)
	}
	c.broker.consumerStopped(c.queue)
	close(c.out)
}

// settle forgets the delivery, returning it to the queue first when requeue
// is set, and frees its prefetch slot.
func (c *memConsumer) settle(tag uint64, requeue bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg, ok := c.unacked[tag]
	if !ok {
		return ErrUnknownDeliveryTag
	}
	delete(c.unacked, tag)
	if requeue {
		msg.redelivered = true
		c.queue.push(msg, true)
	}
	if c.slots != nil {
		select {
		case <-c.slots:
		default:
		}
	}
	return nil
}

func (c *memConsumer) Ack(tag uint64) error {
	return c.settle(tag, false)
}

func (c *memConsumer) Nack(tag uint64, requeue bool) error {
	return c.settle(tag, requeue)
}

func clonePublishing(p Publishing) Publishing {
	if p.Body != nil {
		p.Body = append([]byte(nil), p.Body...)
	}
	if p.Headers != nil {
		h := make(map[string]string, len(p.Headers))
		for k, v := range p.Headers {
			h[k] = v
		}
		p.Headers = h
	}
	return p
}

package rpc

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mrjvadi/go-broker-rpc/broker"
)

// Session is one caller's connection to an RPC service: a private reply
// queue, the consumer reading it and the registry of calls in flight.
// Sessions are safe for concurrent use and must be closed.
type Session struct {
	broker     broker.Broker
	opts       options
	logger     *zap.Logger
	replyQueue string
	registry   registry

	mu     sync.RWMutex
	closed bool
	broken error

	stopConsumer context.CancelFunc
	consumerDone chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// OpenSession declares the request queue, so requests published before any
// server starts are kept, then declares a broker-named, exclusive,
// auto-deleted reply queue and starts consuming it.
func OpenSession(ctx context.Context, b broker.Broker, opts ...Option) (*Session, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	if _, err := b.DeclareQueue(ctx, o.requestQueue, broker.QueueOptions{}); err != nil {
		return nil, withKind(ErrBrokerUnavailable, err, "declare request queue")
	}
	q, err := b.DeclareQueue(ctx, "", broker.QueueOptions{Exclusive: true, AutoDelete: true})
	if err != nil {
		return nil, withKind(ErrBrokerUnavailable, err, "declare reply queue")
	}

	consumeCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	deliveries, err := b.Consume(consumeCtx, q.Name, broker.ConsumeOptions{AutoAck: true})
	if err != nil {
		stop()
		if dErr := b.DeleteQueue(ctx, q.Name); dErr != nil {
			o.logger.Warn("cannot delete reply queue", zap.String("queue", q.Name), zap.Error(dErr))
		}
		return nil, withKind(ErrBrokerUnavailable, err, "consume reply queue")
	}

	s := &Session{
		broker:       b,
		opts:         o,
		logger:       o.logger.With(zap.String("component", "rpc-client"), zap.String("reply_queue", q.Name)),
		replyQueue:   q.Name,
		stopConsumer: stop,
		consumerDone: make(chan struct{}),
	}
	go s.consumeReplies(deliveries)

	s.logger.Debug("session opened")
	return s, nil
}

// ReplyQueue returns the name of the session's private reply queue.
func (s *Session) ReplyQueue() string {
	return s.replyQueue
}

// Pending returns the number of calls waiting for a reply.
func (s *Session) Pending() int {
	return s.registry.len()
}

// Call publishes payload to the request queue and returns the pending call
// without waiting for the reply.
//
// Cancelling ctx, or ctx reaching its deadline, abandons the call with
// ErrCallCancelled or ErrCallTimedOut unless the reply won the race. The
// server is not told; its late reply is discarded.
func (s *Session) Call(ctx context.Context, payload []byte) (*Call, error) {
	call := newCall(s.opts.idGenerator(), payload)

	s.mu.RLock()
	switch {
	case s.closed:
		s.mu.RUnlock()
		return nil, ErrSessionClosed
	case s.broken != nil:
		err := s.broken
		s.mu.RUnlock()
		return nil, err
	}
	err := s.registry.insert(call)
	s.mu.RUnlock()
	if err != nil {
		s.logger.Error("correlation id collision", zap.String("correlation_id", call.ID))
		return nil, errors.Wrapf(err, "call %s", call.ID)
	}
	s.opts.metrics.setPending(s.registry.len())

	req := Request{CorrelationID: call.ID, ReplyTo: s.replyQueue, Payload: payload}
	if err := s.broker.Publish(ctx, broker.DefaultExchange, s.opts.requestQueue, req.Publishing()); err != nil {
		kind, outcome := ErrBrokerUnavailable, outcomeUnavailable
		if ctxErr := ctx.Err(); ctxErr != nil {
			kind, outcome = ctxKind(ctxErr)
			err = ctxErr
		}
		err = withKind(kind, err, "publish request "+call.ID)
		if _, ok := s.take(call.ID); ok {
			call.resolve(nil, err)
			s.opts.metrics.callResolved(outcome)
		}
		return nil, err
	}

	s.watch(ctx, call)
	return call, nil
}

// Request is Call followed by waiting for the outcome.
func (s *Session) Request(ctx context.Context, payload []byte) ([]byte, error) {
	call, err := s.Call(ctx, payload)
	if err != nil {
		return nil, err
	}
	<-call.Done()
	return call.Result()
}

// Close fails the calls still pending with ErrSessionClosed, stops the reply
// consumer and deletes the reply queue. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.failPending(ErrSessionClosed, outcomeClosed)

		s.stopConsumer()
		<-s.consumerDone

		ctx, cancel := context.WithTimeout(context.Background(), s.opts.closeTimeout)
		defer cancel()
		if err := s.broker.DeleteQueue(ctx, s.replyQueue); err != nil {
			s.closeErr = errors.Wrapf(err, "delete reply queue %s", s.replyQueue)
		}
		s.logger.Debug("session closed")
	})
	return s.closeErr
}

func (s *Session) watch(ctx context.Context, call *Call) {
	if s.opts.callTimeout > 0 {
		t := time.AfterFunc(s.opts.callTimeout, func() {
			s.abandon(call.ID, withKind(ErrCallTimedOut, nil, "call "+call.ID), outcomeTimedOut)
		})
		call.onResolve(t.Stop)
	}
	if ctx.Done() != nil {
		stop := context.AfterFunc(ctx, func() {
			kind, outcome := ctxKind(ctx.Err())
			s.abandon(call.ID, withKind(kind, ctx.Err(), "call "+call.ID), outcome)
		})
		call.onResolve(stop)
	}
}

// ctxKind classifies a context error as a cancellation or a timeout.
func ctxKind(err error) (Error, string) {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrCallTimedOut, outcomeTimedOut
	}
	return ErrCallCancelled, outcomeCancelled
}

// abandon resolves the call with err if no reply took it first.
func (s *Session) abandon(id string, err error, outcome string) {
	call, ok := s.take(id)
	if !ok {
		return
	}
	call.resolve(nil, err)
	s.opts.metrics.callResolved(outcome)
	s.logger.Debug("call abandoned", zap.String("correlation_id", id), zap.Error(err))
}

func (s *Session) take(id string) (*Call, bool) {
	call, ok := s.registry.take(id)
	if ok {
		s.opts.metrics.setPending(s.registry.len())
	}
	return call, ok
}

func (s *Session) failPending(err error, outcome string) {
	calls := s.registry.drain()
	s.opts.metrics.setPending(s.registry.len())
	for _, call := range calls {
		call.resolve(nil, err)
		s.opts.metrics.callResolved(outcome)
	}
}

func (s *Session) consumeReplies(deliveries <-chan broker.Delivery) {
	defer close(s.consumerDone)

	for d := range deliveries {
		s.dispatch(d)
	}

	s.mu.Lock()
	closing := s.closed
	if !closing {
		s.broken = withKind(ErrBrokerUnavailable, nil, "reply consumer stopped")
	}
	broken := s.broken
	s.mu.Unlock()

	if !closing {
		s.logger.Error("reply consumer stopped", zap.Error(broken))
		s.failPending(broken, outcomeUnavailable)
	}
}

func (s *Session) dispatch(d broker.Delivery) {
	resp, err := DecodeResponse(d)
	if err != nil {
		s.logger.Warn("dropping malformed reply", zap.Uint64("delivery_tag", d.DeliveryTag), zap.Error(err))
		return
	}

	call, ok := s.take(resp.CorrelationID)
	if !ok {
		s.opts.metrics.unmatchedResponse()
		s.logger.Debug("discarding reply",
			zap.String("correlation_id", resp.CorrelationID),
			zap.Error(ErrUnmatchedResponse),
		)
		return
	}

	if resp.Failed() {
		call.resolve(nil, &HandlerError{Message: resp.Error})
		s.opts.metrics.callResolved(outcomeHandlerError)
		return
	}
	call.resolve(resp.Payload, nil)
	s.opts.metrics.callResolved(outcomeOK)
}

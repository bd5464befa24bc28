package rpc

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mrjvadi/go-broker-rpc/broker"
)

// Handler computes the reply payload for a request payload.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// AckPolicy decides what happens to a request whose reply could not be
// published.
type AckPolicy int

const (
	// AckAfterReply acknowledges a request only once its reply is published
	// and requeues it otherwise.
	AckAfterReply AckPolicy = iota
	// AckAlways acknowledges every request after the reply attempt, losing
	// the reply if the publish failed.
	AckAlways
)

func (p AckPolicy) String() string {
	switch p {
	case AckAfterReply:
		return "after-reply"
	case AckAlways:
		return "always"
	default:
		return fmt.Sprintf("AckPolicy(%d)", int(p))
	}
}

// ParseAckPolicy parses the String form of an AckPolicy. Empty means
// AckAfterReply.
func ParseAckPolicy(s string) (AckPolicy, error) {
	switch s {
	case "", "after-reply":
		return AckAfterReply, nil
	case "always":
		return AckAlways, nil
	default:
		return 0, errors.Errorf("unknown ack policy %q", s)
	}
}

// Server consumes the request queue and answers each request on its
// reply-to queue.
type Server struct {
	broker   broker.Broker
	opts     options
	logger   *zap.Logger
	inFlight atomic.Int64
}

// NewServer returns a server for the request queue named in opts.
func NewServer(b broker.Broker, opts ...Option) *Server {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Server{
		broker: b,
		opts:   o,
		logger: o.logger.With(zap.String("component", "rpc-server"), zap.String("queue", o.requestQueue)),
	}
}

// InFlight returns the number of requests delivered and not yet settled.
func (s *Server) InFlight() int64 {
	return s.inFlight.Load()
}

// Serve processes requests until ctx is cancelled, holding at most the
// configured concurrency of unacknowledged requests. It returns nil on
// cancellation and ErrBrokerUnavailable if the broker ends the delivery
// stream. Requests already being handled when ctx is cancelled are settled
// before Serve returns: a handler that completes gets its reply published,
// and one that gives up with ctx's error has its request requeued unanswered.
func (s *Server) Serve(ctx context.Context, h Handler) error {
	if h == nil {
		return errors.New("rpc: nil handler")
	}
	for i := len(s.opts.middleware) - 1; i >= 0; i-- {
		h = s.opts.middleware[i](h)
	}

	if _, err := s.broker.DeclareQueue(ctx, s.opts.requestQueue, broker.QueueOptions{}); err != nil {
		return withKind(ErrBrokerUnavailable, err, "declare request queue")
	}

	consumeCtx, stopConsuming := context.WithCancel(context.WithoutCancel(ctx))
	defer stopConsuming()

	deliveries, err := s.broker.Consume(consumeCtx, s.opts.requestQueue, broker.ConsumeOptions{
		Prefetch: s.opts.concurrency,
	})
	if err != nil {
		return withKind(ErrBrokerUnavailable, err, "consume request queue")
	}

	s.logger.Info("awaiting RPC requests", zap.Int("concurrency", s.opts.concurrency))

	var g errgroup.Group
	g.SetLimit(s.opts.concurrency)

	var serveErr error
loop:
	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() == nil {
					serveErr = withKind(ErrBrokerUnavailable, nil, "request consumer stopped")
				}
				break loop
			}
			s.inFlight.Inc()
			s.opts.metrics.setInFlight(s.inFlight.Load())
			g.Go(func() error {
				s.handle(ctx, consumeCtx, h, d)
				s.opts.metrics.setInFlight(s.inFlight.Dec())
				return nil
			})
		case <-ctx.Done():
			break loop
		}
	}

	_ = g.Wait()
	if serveErr != nil {
		s.logger.Error("serve loop stopped", zap.Error(serveErr))
	} else {
		s.logger.Info("serve loop stopped")
	}
	return serveErr
}

// handle takes one request through processing, replying and acking.
// replyCtx outlives ctx so a computed reply is still published on shutdown.
func (s *Server) handle(ctx, replyCtx context.Context, h Handler, d broker.Delivery) {
	log := s.logger.With(zap.Uint64("delivery_tag", d.DeliveryTag))

	req, err := DecodeRequest(d)
	if err != nil {
		log.Warn("rejecting request", zap.Error(err))
		if nErr := d.Nack(false); nErr != nil {
			log.Error("cannot reject request", zap.Error(nErr))
		}
		s.opts.metrics.requestSettled(outcomeRejected)
		return
	}
	log = log.With(zap.String("correlation_id", req.CorrelationID))
	if d.Redelivered {
		log.Debug("processing redelivered request")
	}

	start := time.Now()
	payload, hErr := s.invoke(ctx, log, h, req.Payload)
	s.opts.metrics.handlerFinished(time.Since(start))

	if hErr != nil && stopping(ctx, hErr) {
		log.Info("handler interrupted by shutdown, requeueing request", zap.Error(hErr))
		if nErr := d.Nack(true); nErr != nil {
			log.Error("cannot requeue request", zap.Error(nErr))
		}
		s.opts.metrics.requestSettled(outcomeRequeued)
		return
	}

	resp := Response{CorrelationID: req.CorrelationID, Payload: payload}
	outcome := outcomeOK
	if hErr != nil {
		log.Info("handler failed", zap.Error(hErr))
		resp.Payload = nil
		resp.Error = hErr.Error()
		outcome = outcomeHandlerError
	}

	pErr := s.reply(replyCtx, req.ReplyTo, resp)
	if pErr != nil {
		outcome = outcomePublishError
		if s.opts.ackPolicy == AckAfterReply {
			log.Error("cannot publish reply, requeueing request", zap.Error(pErr))
			if nErr := d.Nack(true); nErr != nil {
				log.Error("cannot requeue request", zap.Error(nErr))
			}
			s.opts.metrics.requestSettled(outcome)
			return
		}
		log.Error("cannot publish reply, acknowledging anyway", zap.Error(pErr))
	}

	if aErr := d.Ack(); aErr != nil {
		log.Error("cannot acknowledge request", zap.Error(aErr))
	}
	s.opts.metrics.requestSettled(outcome)
}

func (s *Server) reply(ctx context.Context, replyTo string, resp Response) error {
	msg, err := resp.Publishing()
	if err != nil {
		return withKind(ErrPublishFailure, err, "encode reply")
	}
	if err := s.broker.Publish(ctx, broker.DefaultExchange, replyTo, msg); err != nil {
		return withKind(ErrPublishFailure, err, "publish reply to "+replyTo)
	}
	return nil
}

// stopping reports whether err is ctx's own error, raised because Serve was
// cancelled while the handler ran.
func stopping(ctx context.Context, err error) bool {
	ctxErr := ctx.Err()
	return ctxErr != nil && errors.Is(err, ctxErr)
}

// invoke runs h, turning a panic into an error.
func (s *Server) invoke(ctx context.Context, log *zap.Logger, h Handler, payload []byte) (reply []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("handler panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			reply, err = nil, errors.Errorf("panic recovered: %v", r)
		}
	}()
	return h(ctx, payload)
}

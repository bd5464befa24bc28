package rpc

import (
	"time"

	"go.uber.org/zap"
)

// DefaultRequestQueue is the queue shared by clients and servers of one
// service unless WithRequestQueue says otherwise.
const DefaultRequestQueue = "rpc_queue"

type options struct {
	logger       *zap.Logger
	metrics      *Metrics
	requestQueue string

	// client
	idGenerator  IDGenerator
	callTimeout  time.Duration
	closeTimeout time.Duration

	// server
	concurrency int
	ackPolicy   AckPolicy
	middleware  []Middleware
}

func defaultOptions() options {
	return options{
		logger:       zap.NewNop(),
		requestQueue: DefaultRequestQueue,
		idGenerator:  RandomIDs,
		closeTimeout: 5 * time.Second,
		concurrency:  1,
		ackPolicy:    AckAfterReply,
	}
}

type Option func(*options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

func WithRequestQueue(name string) Option {
	return func(o *options) {
		if name != "" {
			o.requestQueue = name
		}
	}
}

func WithIDGenerator(gen IDGenerator) Option {
	return func(o *options) {
		if gen != nil {
			o.idGenerator = gen
		}
	}
}

// WithCallTimeout bounds every call of a session. Zero leaves calls bounded
// only by their context.
func WithCallTimeout(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.callTimeout = d
		}
	}
}

// WithConcurrency sets how many requests a server holds unacknowledged and
// processes at once.
func WithConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

func WithAckPolicy(p AckPolicy) Option {
	return func(o *options) {
		o.ackPolicy = p
	}
}

// WithMiddleware wraps the server handler. The first middleware is the
// outermost.
func WithMiddleware(mw ...Middleware) Option {
	return func(o *options) {
		o.middleware = append(o.middleware, mw...)
	}
}

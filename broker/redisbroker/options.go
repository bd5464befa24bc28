package redisbroker

import (
	"time"

	"go.uber.org/zap"
)

type Option func(*Broker)

func WithLogger(l *zap.Logger) Option {
	return func(b *Broker) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithGroup names the consumer group servers read request streams with.
func WithGroup(group string) Option {
	return func(b *Broker) {
		if group != "" {
			b.group = group
		}
	}
}

// WithStreamLength caps request streams at roughly n entries. Zero leaves
// them unbounded.
func WithStreamLength(n int64) Option {
	return func(b *Broker) {
		if n >= 0 {
			b.streamMaxLen = n
		}
	}
}

// WithPollBlock sets how long one XREADGROUP blocks waiting for entries. It
// bounds how quickly a stopped consumer notices.
func WithPollBlock(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.pollBlock = d
		}
	}
}

// WithClaimIdle sets how long an entry may sit unacknowledged in another
// consumer's pending list before this consumer claims it. Zero disables
// claiming.
func WithClaimIdle(d time.Duration) Option {
	return func(b *Broker) {
		if d >= 0 {
			b.claimIdle = d
		}
	}
}

// WithRetryWindow bounds how long a consumer keeps retrying a failing Redis
// connection before it gives up and closes its delivery channel.
func WithRetryWindow(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.retryWindow = d
		}
	}
}

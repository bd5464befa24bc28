// Package brokerdial opens the broker named by the configuration.
package brokerdial

import (
	"context"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mrjvadi/go-broker-rpc/broker"
	"github.com/mrjvadi/go-broker-rpc/broker/amqpbroker"
	"github.com/mrjvadi/go-broker-rpc/broker/redisbroker"
	"github.com/mrjvadi/go-broker-rpc/internal/config"
)

func Open(ctx context.Context, cfg config.BrokerConfig, logger *zap.Logger) (broker.Broker, error) {
	logger = logger.With(zap.String("broker", cfg.Kind))

	switch cfg.Kind {
	case config.BrokerMemory:
		logger.Info("using in-process broker")
		return broker.NewMemory(), nil

	case config.BrokerRedis:
		b, err := redisbroker.Dial(ctx, &redis.Options{
			Addr: cfg.RedisAddr,
			DB:   cfg.RedisDB,
		}, cfg.DialAttempts, redisbroker.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		logger.Info("connected", zap.String("addr", cfg.RedisAddr), zap.Int("db", cfg.RedisDB))
		return b, nil

	case config.BrokerAMQP:
		b, err := amqpbroker.Dial(ctx, cfg.AMQPURL, cfg.DialAttempts, amqpbroker.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		logger.Info("connected")
		return b, nil

	default:
		return nil, errors.Errorf("unknown broker kind %q", cfg.Kind)
	}
}

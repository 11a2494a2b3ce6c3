package queue

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"threatwatch/internal/config"
)

// New selects the queue implementation once, at process startup. With no
// broker configured, or when the broker does not answer a ping within the
// connect timeout, the in-process fallback is used for the process lifetime.
// There is no periodic reconnection: flapping between modes mid-flight would
// cascade latency into every caller.
func New(cfg config.BrokerConfig, policies map[string]RetryPolicy, logger *zap.Logger) Queue {
	if cfg.Addr == "" {
		if logger != nil {
			logger.Info("no broker configured, queue running in fallback mode")
		}
		return NewInline(logger)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		if logger != nil {
			logger.Warn("broker unreachable, queue running in fallback mode",
				zap.String("addr", cfg.Addr),
				zap.Error(err),
			)
		}
		_ = client.Close()
		return NewInline(logger)
	}

	if logger != nil {
		logger.Info("queue running in durable mode", zap.String("addr", cfg.Addr))
	}
	return NewRedis(client, policies, cfg.HandlerTimeout, cfg.HistoryLimit, logger)
}

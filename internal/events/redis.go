package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/go-redis/redis/v8"
	"github.com/loqalabs/loqa-reel/internal/config"
)

// RedisPublisher sends each event to the Redis pub/sub channel named by its subject.
type RedisPublisher struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// DialRedis connects and pings the server so an unreachable broker is
// reported before the run starts.
func DialRedis(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (*RedisPublisher, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	logger = logger.With(slog.String("component", "redis-publisher"))
	logger.Info("connected to Redis", slog.String("addr", cfg.Addr))
	return &RedisPublisher{rdb: rdb, logger: logger}, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, subject string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", subject, err)
	}
	if err := p.rdb.Publish(ctx, subject, body).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.rdb.Close()
}

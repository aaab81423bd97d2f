package events

import (
	"context"

	"bn-harvest-bot/internal/config"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher appends lifecycle events to a redis stream so out-of-process
// consumers (dashboards, notifiers) can tail them.
type RedisPublisher struct {
	rdb    *redis.Client
	stream string
}

func NewRedisPublisher(cfg config.RedisConfig) *RedisPublisher {
	return &RedisPublisher{
		rdb:    redis.NewClient(&redis.Options{Addr: cfg.Addr}),
		stream: cfg.Stream,
	}
}

// HandleEvent is the Bus handler.
func (p *RedisPublisher) HandleEvent(ctx context.Context, ev Event) error {
	return p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"ts_ms":      ev.Time.UnixMilli(),
			"type":       string(ev.Type),
			"symbol":     ev.Symbol,
			"amount_usd": ev.AmountUSD,
			"detail":     ev.Detail,
		},
	}).Err()
}

func (p *RedisPublisher) Close() error {
	return p.rdb.Close()
}

package approvals

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"
)

const defaultRedisChannel = "riskgate:approvals"

type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisNotifier publishes approval events as JSON on a pub/sub channel for
// chat bots and dashboards to pick up.
type RedisNotifier struct {
	Channel string
	client  publisher
}

func NewRedisNotifier(addr, password string, db int, channel string) *RedisNotifier {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return newRedisNotifier(rdb, channel)
}

func newRedisNotifier(client publisher, channel string) *RedisNotifier {
	if channel == "" {
		channel = defaultRedisChannel
	}
	return &RedisNotifier{Channel: channel, client: client}
}

func (n *RedisNotifier) Notify(ctx context.Context, ev Event) error {
	if n == nil || n.client == nil {
		return errors.New("redis notifier not configured")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, n.Channel, payload).Err()
}

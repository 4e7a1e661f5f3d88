package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Freeeeeet/booking_core/internal/model"
	"github.com/redis/go-redis/v9"
)

const DefaultRedisChannel = "booking:events"

// Publisher часть клиента go-redis, нужная для публикации
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisSink публикует события в Redis Pub/Sub в JSON
type RedisSink struct {
	client  Publisher
	channel string
}

func NewRedisSink(client Publisher, channel string) *RedisSink {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisSink{
		client:  client,
		channel: channel,
	}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Send(ctx context.Context, event model.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := s.client.Publish(ctx, s.channel, string(data)).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", s.channel, err)
	}
	return nil
}

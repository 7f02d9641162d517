package alerts

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/vzahanych/storeguard/internal/config"
	"github.com/vzahanych/storeguard/internal/state"
)

// RedisSink appends alerts to a Redis stream for downstream consumers
type RedisSink struct {
	client redis.Cmdable
	stream string
	maxLen int64
}

// NewRedisSink publishes to stream through client, trimming the stream to
// roughly maxLen entries
func NewRedisSink(client redis.Cmdable, stream string, maxLen int64) *RedisSink {
	return &RedisSink{client: client, stream: stream, maxLen: maxLen}
}

// DialRedis opens a client for the configured URL and checks it answers
func DialRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// Name implements Sink
func (s *RedisSink) Name() string {
	return "redis"
}

// Publish implements Sink
func (s *RedisSink) Publish(ctx context.Context, alert state.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"alert_id":  alert.ID,
			"camera_id": alert.CameraID,
			"type":      alert.Type,
			"alert":     string(payload),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish alert to %s: %w", s.stream, err)
	}
	return nil
}

package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultStream is the Redis stream notifications are appended to.
const DefaultStream = "seraph:notifications"

// RedisStream appends notifications to a Redis stream.
type RedisStream struct {
	rdb    redis.UniversalClient
	stream string
	maxLen int64
	logger *zap.Logger
}

// NewRedisStream creates a stream sink on an existing client.
func NewRedisStream(rdb redis.UniversalClient, stream string, logger *zap.Logger) *RedisStream {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisStream{rdb: rdb, stream: stream, maxLen: 10000, logger: logger}
}

func (s *RedisStream) Notify(ctx context.Context, n Notification) error {
	_, err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"kind":            n.Kind,
			"title":           n.Title,
			"message":         n.Message,
			"priority":        string(n.Priority),
			"source_agent_id": n.SourceAgentID,
			"created_at":      n.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", s.stream, err)
	}

	s.logger.Debug("notification published",
		zap.String("stream", s.stream),
		zap.String("title", n.Title))
	return nil
}

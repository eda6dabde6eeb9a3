package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nidhogg/seraph/internal/learning"
)

// DefaultStream is the Redis stream learning cycle requests are read from.
const DefaultStream = "seraph:learning:requests"

// StreamTrigger runs a learning cycle for every request appended to a Redis stream.
type StreamTrigger struct {
	rdb     redis.UniversalClient
	stream  string
	guard   *Guard
	startID string
	block   time.Duration
	logger  *zap.Logger
}

// NewStreamTrigger reads requests from stream. Only entries appended after
// Run starts are consumed.
func NewStreamTrigger(rdb redis.UniversalClient, stream string, g *Guard, logger *zap.Logger) *StreamTrigger {
	if stream == "" {
		stream = DefaultStream
	}
	return &StreamTrigger{
		rdb:     rdb,
		stream:  stream,
		guard:   g,
		startID: "$",
		block:   2 * time.Second,
		logger:  logger,
	}
}

// Enqueue appends a cycle request to the stream and returns its entry ID.
func (s *StreamTrigger) Enqueue(ctx context.Context, req learning.Request) (string, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	id, err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{"data": string(data)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("enqueue to %s: %w", s.stream, err)
	}
	return id, nil
}

// Run blocks reading the stream until ctx is cancelled. Requests arriving while
// a cycle is running are dropped rather than queued behind it.
func (s *StreamTrigger) Run(ctx context.Context) error {
	lastID := s.startID
	s.logger.Info("learning stream trigger started", zap.String("stream", s.stream))
	for {
		if ctx.Err() != nil {
			return nil
		}

		results, err := s.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.stream, lastID},
			Count:   10,
			Block:   s.block,
		}).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			s.logger.Warn("learning stream read failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.block):
			}
			continue
		}

		for _, r := range results {
			for _, msg := range r.Messages {
				lastID = msg.ID
				s.handle(ctx, msg)
			}
		}
	}
}

func (s *StreamTrigger) handle(ctx context.Context, msg redis.XMessage) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		s.logger.Warn("learning request without data", zap.String("id", msg.ID))
		return
	}
	var req learning.Request
	if err := json.Unmarshal([]byte(data), &req); err != nil {
		s.logger.Warn("malformed learning request", zap.String("id", msg.ID), zap.Error(err))
		return
	}
	req.Trigger = "stream"

	sum, err := s.guard.Fire(ctx, req)
	if err != nil {
		if !errors.Is(err, ErrBusy) {
			s.logger.Error("queued learning cycle failed", zap.String("id", msg.ID), zap.Error(err))
		}
		return
	}
	s.logger.Info("queued learning cycle done",
		zap.String("id", msg.ID),
		zap.String("cycle", sum.CycleID),
		zap.Int("agents", sum.AgentsProcessed))
}

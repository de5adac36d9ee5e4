package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultStream is the Redis stream events are appended to.
const DefaultStream = "priorauth:events"

// StreamAdder is the subset of the Redis client the sink needs.
type StreamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisSink appends events to a Redis stream. Failures are logged and dropped.
type RedisSink struct {
	client  StreamAdder
	stream  string
	maxLen  int64
	timeout time.Duration
	logger  zerolog.Logger
}

// NewRedisClient parses a redis:// URL into a client.
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

func NewRedisSink(client StreamAdder, stream string, logger zerolog.Logger) *RedisSink {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisSink{
		client:  client,
		stream:  stream,
		maxLen:  100000,
		timeout: 2 * time.Second,
		logger:  logger,
	}
}

func (s *RedisSink) Publish(ctx context.Context, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Error().Err(err).Str("event_id", event.ID).Msg("marshal event for stream")
		return
	}

	// Detached from the request so a finished response does not cancel the write.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"event_id": event.ID,
			"type":     event.Type,
			"payload":  string(payload),
		},
	}).Err()
	if err != nil {
		s.logger.Warn().Err(err).
			Str("stream", s.stream).
			Str("event_id", event.ID).
			Msg("event stream append failed")
	}
}

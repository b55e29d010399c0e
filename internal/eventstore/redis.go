package eventstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/jordanhubbard/tinyloom/internal/eventbus"
)

// RedisStore keeps events in a sorted set scored by timestamp.
type RedisStore struct {
	client    *redis.Client
	key       string
	maxEvents int64
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(ctx context.Context, redisURL, key string, maxEvents int64) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisStore{client: client, key: key, maxEvents: maxEvents}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Append adds the event and trims the set to maxEvents.
func (s *RedisStore) Append(ctx context.Context, event *eventbus.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, s.key, redis.Z{
		Score:  float64(event.Millis()),
		Member: string(data),
	})
	if s.maxEvents > 0 {
		// Keep the newest maxEvents entries
		pipe.ZRemRangeByRank(ctx, s.key, 0, -s.maxEvents-1)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Since returns events newer than since, newest first.
func (s *RedisStore) Since(ctx context.Context, since int64, limit int) ([]*eventbus.Event, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	results, err := s.client.ZRevRangeByScore(ctx, s.key, &redis.ZRangeBy{
		Min:   fmt.Sprintf("(%d", since), // exclusive
		Max:   "+inf",
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}

	events := make([]*eventbus.Event, 0, len(results))
	for _, data := range results {
		var ev eventbus.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}
		events = append(events, &ev)
	}
	return events, nil
}

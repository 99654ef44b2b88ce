package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisEventsKey = "xiaozhi:session_events"
	redisMaxEvents = 5000
)

// RedisStore keeps journal events in a capped redis list, newest first.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore accepts either a redis:// URL or a bare host:port address.
func NewRedisStore(ctx context.Context, redisURL, password string) (*RedisStore, error) {
	opts, err := redisOptions(redisURL, password)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func redisOptions(redisURL, password string) (*redis.Options, error) {
	redisURL = strings.TrimSpace(redisURL)
	if strings.Contains(redisURL, "://") {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		if password != "" {
			opts.Password = password
		}
		return opts, nil
	}
	return &redis.Options{
		Addr:     redisURL,
		Password: password,
		DB:       0,
	}, nil
}

func (s *RedisStore) Append(ctx context.Context, event Event) error {
	stamp(&event)
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, redisEventsKey, raw)
	pipe.LTrim(ctx, redisEventsKey, 0, redisMaxEvents-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (s *RedisStore) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	raws, err := s.client.LRange(ctx, redisEventsKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("query recent events: %w", err)
	}
	items := make([]Event, 0, len(raws))
	for _, raw := range raws {
		var e Event
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		items = append(items, e)
	}
	reverse(items)
	return items, nil
}

func (s *RedisStore) Mode() string { return "redis" }

func (s *RedisStore) Close() error {
	return s.client.Close()
}

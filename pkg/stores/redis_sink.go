package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	backend "github.com/redis/go-redis/v9"
)

// RedisSink pushes journal events onto a capped Redis list, newest first,
// so dashboards can tail a run without reading the SQLite journal.
type RedisSink struct {
	client  *backend.Client
	key     string
	maxLen  int64
	timeout time.Duration
}

// RedisOption configures a RedisSink.
type RedisOption func(*RedisSink)

// WithKey sets the list key.
func WithKey(key string) RedisOption {
	return func(s *RedisSink) {
		s.key = key
	}
}

// WithMaxLen caps the list length. Older entries are trimmed on push.
func WithMaxLen(n int64) RedisOption {
	return func(s *RedisSink) {
		s.maxLen = n
	}
}

// WithTimeout bounds each push.
func WithTimeout(d time.Duration) RedisOption {
	return func(s *RedisSink) {
		s.timeout = d
	}
}

// NewRedisSink creates a sink connected to address.
func NewRedisSink(address, password string, db int, opts ...RedisOption) *RedisSink {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewRedisSinkFromClient(rdb, opts...)
}

// NewRedisSinkFromClient creates a sink from an existing client.
func NewRedisSinkFromClient(client *backend.Client, opts ...RedisOption) *RedisSink {
	sink := &RedisSink{
		client:  client,
		key:     "bubbleform:events",
		maxLen:  10000,
		timeout: 2 * time.Second,
	}

	for _, opt := range opts {
		opt(sink)
	}

	return sink
}

// Key returns the list key.
func (s *RedisSink) Key() string {
	return s.key
}

// Ping checks the connection.
func (s *RedisSink) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

// Push appends an event and trims the list to its cap.
func (s *RedisSink) Push(ctx context.Context, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.key, data)
	if s.maxLen > 0 {
		pipe.LTrim(ctx, s.key, 0, s.maxLen-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to push event to redis: %w", err)
	}

	return nil
}

// Recent returns up to n events, newest first.
func (s *RedisSink) Recent(ctx context.Context, n int64) ([]*Event, error) {
	if n <= 0 {
		return nil, nil
	}

	vals, err := s.client.LRange(ctx, s.key, 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read events from redis: %w", err)
	}

	events := make([]*Event, 0, len(vals))
	for _, v := range vals {
		var e Event
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event: %w", err)
		}
		events = append(events, &e)
	}
	return events, nil
}

// Len returns the current list length.
func (s *RedisSink) Len(ctx context.Context) (int64, error) {
	return s.client.LLen(ctx, s.key).Result()
}

// Close closes the underlying client.
func (s *RedisSink) Close() error {
	return s.client.Close()
}

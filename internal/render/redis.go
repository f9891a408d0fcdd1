package render

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisOptions configure the Redis sink.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Key      string
	Channel  string
	TTL      time.Duration
}

// RedisSink stores the latest view under Key and publishes it on Channel.
// Updates older than the last stored one are published but never stored.
type RedisSink struct {
	client  redis.Cmdable
	key     string
	channel string
	ttl     time.Duration

	mu      sync.Mutex
	lastSeq uint64
	stored  bool
}

// NewRedisClient dials Redis and verifies the connection.
func NewRedisClient(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     4,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return rdb, nil
}

// NewRedisSink wraps an existing client.
func NewRedisSink(client redis.Cmdable, opts RedisOptions) *RedisSink {
	key := opts.Key
	if key == "" {
		key = "pricepulse:latest"
	}
	channel := opts.Channel
	if channel == "" {
		channel = "pricepulse:updates"
	}
	return &RedisSink{client: client, key: key, channel: channel, ttl: opts.TTL}
}

func (s *RedisSink) Push(ctx context.Context, update Update) error {
	payload, err := json.Marshal(NewView(update))
	if err != nil {
		return fmt.Errorf("marshal view: %w", err)
	}
	if err := s.store(ctx, update.Seq, payload); err != nil {
		return err
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// store holds mu across the SET so a racing older update cannot land after a newer one.
func (s *RedisSink) store(ctx context.Context, seq uint64, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stored && seq <= s.lastSeq {
		return nil
	}
	if err := s.client.Set(ctx, s.key, payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	s.lastSeq, s.stored = seq, true
	return nil
}

var _ Sink = (*RedisSink)(nil)

// Package cache keeps run state in Redis so several scraper processes can
// share it.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/maltedev/apparel-scraper/internal/config"
	"github.com/redis/go-redis/v9"
)

// NewClient connects to the configured Redis and checks the connection.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// SeenKey is the set holding the URLs processed by one run of source.
func SeenKey(source, runID string) string {
	return fmt.Sprintf("seen:%s:%s", source, runID)
}

// SeenSet is a Redis-backed set of processed product URLs. The key expires
// ttl after the first URL is added so abandoned runs clean themselves up.
type SeenSet struct {
	client  redis.Cmdable
	key     string
	ttl     time.Duration
	mu      sync.Mutex
	expires bool
}

func NewSeenSet(client redis.Cmdable, key string, ttl time.Duration) *SeenSet {
	return &SeenSet{client: client, key: key, ttl: ttl}
}

// Add reports whether url was not yet in the set.
func (s *SeenSet) Add(ctx context.Context, url string) (bool, error) {
	n, err := s.client.SAdd(ctx, s.key, url).Result()
	if err != nil {
		return false, fmt.Errorf("redis sadd failure: %w", err)
	}

	if err := s.ensureExpiry(ctx); err != nil {
		return n == 1, err
	}
	return n == 1, nil
}

func (s *SeenSet) ensureExpiry(ctx context.Context) error {
	if s.ttl <= 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expires {
		return nil
	}
	if err := s.client.Expire(ctx, s.key, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis expire failure: %w", err)
	}
	s.expires = true
	return nil
}

package throttle

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "licensegate:throttle:"

// Redis is a fixed-window counter shared by every instance using the same
// Redis. Each key may make limit calls per window.
type Redis struct {
	client redis.Cmdable
	limit  int64
	window time.Duration
}

func NewRedis(client redis.Cmdable, limit int64, window time.Duration) *Redis {
	return &Redis{client: client, limit: limit, window: window}
}

// Allow returns true with the error when Redis cannot be reached.
func (r *Redis) Allow(ctx context.Context, key string) (bool, error) {
	k := redisKeyPrefix + key

	n, err := r.client.Incr(ctx, k).Result()
	if err != nil {
		return true, fmt.Errorf("throttle incr: %w", err)
	}
	if n == 1 {
		if err := r.client.Expire(ctx, k, r.window).Err(); err != nil {
			return true, fmt.Errorf("throttle expire: %w", err)
		}
	}
	return n <= r.limit, nil
}

// Connect parses url, builds a client and pings it.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

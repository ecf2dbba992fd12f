package cache

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/darwin7381/oao-to-sub001/internal/config"

	"github.com/redis/go-redis/v9"
)

//go:embed fixed_window.lua
var fixedWindowScript string

// Redis is a fast-cache client backed by go-redis. It serves two distinct
// concerns with distinct trust levels: the verifier's credential projection
// cache (stale reads acceptable) and the rate limiter's window counters.
// Balance arithmetic never goes through here.
type Redis struct {
	client    *redis.Client
	scriptSHA string
}

// NewRedis connects to Redis and preloads the fixed-window script.
func NewRedis(cfg config.RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: ping redis: %w", err)
	}
	sha, err := client.ScriptLoad(ctx, fixedWindowScript).Result()
	if err != nil {
		return nil, fmt.Errorf("cache: load script: %w", err)
	}

	return &Redis{client: client, scriptSHA: sha}, nil
}

// Get returns the cached value for key. The second return is false on a miss.
func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cache: get %s: %w", key, err)
	}
	return val, true, nil
}

// SetWithTTL stores a value under key with the given expiry.
func (r *Redis) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache: set %s: %w", key, err)
	}
	return nil
}

// Delete removes a key. A missing key is not an error.
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache: del %s: %w", key, err)
	}
	return nil
}

// WindowCount reads the current window counter without incrementing it.
// A missing counter reads as zero.
func (r *Redis) WindowCount(ctx context.Context, key string) (int64, error) {
	count, err := r.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("cache: window count %s: %w", key, err)
	}
	return count, nil
}

// IncrWindow atomically increments the window counter unless its current
// value already reached limit, in which case the counter is left untouched.
// The expiry is applied when the counter is created.
func (r *Redis) IncrWindow(ctx context.Context, key string, limit int64, ttl time.Duration) (count int64, allowed bool, err error) {
	cmd := r.client.EvalSha(ctx, r.scriptSHA, []string{key}, limit, int64(ttl.Seconds()))
	result, err := cmd.Result()
	if err != nil {
		return 0, false, fmt.Errorf("cache: incr window %s: %w", key, err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		return 0, false, errors.New("cache: invalid lua response format")
	}
	allowedVal, _ := values[0].(int64)
	countVal, _ := values[1].(int64)
	return countVal, allowedVal == 1, nil
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Result describes one fixed-window decision.
type Result struct {
	Allowed    bool
	Count      int64
	RetryAfter time.Duration
}

// Limiter counts events per key in fixed windows and hands out cooldown slots.
type Limiter interface {
	// Allow records one event for key and reports whether the window's count stays within limit.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Result, error)
	// Cooldown claims key for ttl. It returns false and the remaining time when key is already claimed.
	Cooldown(ctx context.Context, key string, ttl time.Duration) (bool, time.Duration, error)
	// Reset forgets key.
	Reset(ctx context.Context, key string) error
}

// Redis implements Limiter with INCR+PEXPIRE windows and SET NX cooldowns.
// The first INCR of a window sets its expiry.
type Redis struct {
	client *redis.Client
	prefix string
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client, prefix: "ratelimit:"}
}

func (r *Redis) Allow(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	fk := r.prefix + key

	count, err := r.client.Incr(ctx, fk).Result()
	if err != nil {
		return Result{}, err
	}

	if count == 1 {
		if err := r.client.PExpire(ctx, fk, window).Err(); err != nil {
			return Result{}, err
		}
	}

	res := Result{Count: count, Allowed: count <= int64(limit)}
	if res.Allowed {
		return res, nil
	}

	ttl, err := r.client.PTTL(ctx, fk).Result()
	if err != nil {
		return Result{}, err
	}
	if ttl < 0 {
		// a previous PEXPIRE was lost; start the window now
		if err := r.client.PExpire(ctx, fk, window).Err(); err != nil {
			return Result{}, err
		}
		ttl = window
	}
	res.RetryAfter = ttl

	return res, nil
}

func (r *Redis) Cooldown(ctx context.Context, key string, ttl time.Duration) (bool, time.Duration, error) {
	fk := r.prefix + "cooldown:" + key

	ok, err := r.client.SetNX(ctx, fk, 1, ttl).Result()
	if err != nil {
		return false, 0, err
	}
	if ok {
		return true, 0, nil
	}

	remaining, err := r.client.PTTL(ctx, fk).Result()
	if err != nil {
		return false, 0, err
	}

	return false, max(remaining, 0), nil
}

func (r *Redis) Reset(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.prefix+key, r.prefix+"cooldown:"+key).Err()
}

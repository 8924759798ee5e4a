package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions selects the Redis instance used for the attendance queue and
// the leaderboard.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// Redis owns the client shared by the queue and the leaderboard.
type Redis struct {
	Client *redis.Client
	addr   string
}

// NewRedis builds a client with short timeouts. It does not dial; use Ping.
// BRPOP callers pass their own block timeout, which go-redis adds to the read
// deadline.
func NewRedis(opts RedisOptions) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		PoolSize:     20,
	})
	return &Redis{Client: client, addr: opts.Addr}
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	if r == nil || r.Client == nil {
		return fmt.Errorf("redis: no client")
	}
	if err := r.Client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis %s: %w", r.addr, err)
	}
	return nil
}

// Close releases the connection pool.
func (r *Redis) Close() error {
	if r == nil || r.Client == nil {
		return nil
	}
	return r.Client.Close()
}

// Package redis provides Redis client connection utilities.
package redis

import (
	"context"
	"time"

	"github.com/bissquit/newsletter-garden/internal/pkg/retry"
	goredis "github.com/redis/go-redis/v9"
)

// Config contains Redis connection configuration.
type Config struct {
	Addr            string
	Password        string
	DB              int
	PoolSize        int
	DialTimeout     time.Duration
	ConnectAttempts int
}

// Connect creates a Redis client and waits until the server answers PING.
func Connect(ctx context.Context, cfg Config) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: cfg.DialTimeout,
	})

	err := retry.Do(ctx, retry.Connect(cfg.ConnectAttempts), "redis "+cfg.Addr, func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	return client, nil
}

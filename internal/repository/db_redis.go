// Package repository contains the repository layer for the Ticker API
package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/quantbots/tickerapi/internal/config"
	"github.com/redis/go-redis/v9"
)

// ConnectRedis connects to Redis with a bounded connection pool
func ConnectRedis(cfg *config.Config) (*redis.Client, error) {
	redisClient := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.RedisHost, cfg.RedisPort),
		Password: cfg.RedisPassword,
		PoolSize: cfg.RedisPoolSize,
	})

	// Check Redis connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := redisClient.Ping(ctx).Result()
	if err != nil {
		return nil, err
	}
	return redisClient, nil
}

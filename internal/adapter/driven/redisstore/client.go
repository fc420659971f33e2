// Package redisstore implements the work queue and run status ports on Redis.
// Queues are Redis lists and statuses are string keys with an expiry, so
// several orchestrator processes can share one run.
package redisstore

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces every key written by this package.
const DefaultKeyPrefix = "batch:classification"

// Config holds the connection settings for NewClient.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// NewClient connects to Redis and verifies the connection with PING.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", cfg.Addr, err)
	}

	return client, nil
}

type keys struct {
	prefix string
}

func newKeys(prefix string) keys {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return keys{prefix: prefix}
}

func (k keys) queue(runKey string) string {
	return k.prefix + ":queue:" + runKey
}

func (k keys) status(runKey string) string {
	return k.prefix + ":status:" + runKey
}

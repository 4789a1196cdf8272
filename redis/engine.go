// Package redis hosts awaitflow executions in Redis.
package redis

import (
	"github.com/redis/go-redis/v9"

	"github.com/petrijr/awaitflow"

	rstore "github.com/petrijr/awaitflow/redis/internal/persistence"
)

// NewRedisEngine returns an Engine that persists executions and their
// history in Redis under the "awaitflow:" key prefix.
func NewRedisEngine(client *redis.Client) (*awaitflow.Engine, error) {
	return NewRedisEngineWithOptions(client, "", awaitflow.Options{})
}

// NewRedisEngineWithObserver returns a Redis-backed Engine with the given Observer.
func NewRedisEngineWithObserver(client *redis.Client, obs awaitflow.Observer) (*awaitflow.Engine, error) {
	return NewRedisEngineWithOptions(client, "", awaitflow.Options{Observer: obs})
}

// NewRedisEngineWithOptions keeps every key under prefix and applies opts.
// opts.DB is ignored.
func NewRedisEngineWithOptions(client *redis.Client, prefix string, opts awaitflow.Options) (*awaitflow.Engine, error) {
	return awaitflow.NewEngineWith(rstore.NewRedisPersistence(client, prefix), opts)
}

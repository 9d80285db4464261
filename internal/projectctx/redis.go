package projectctx

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vibesdlc/orchestrator/internal/apperr"
)

// Remote is an optional shared cache tier between the in-process LRU
// and the database, for deployments running more than one control
// plane replica against the same project set. A miss falls through to
// the store; remote failures degrade to store-only operation.
type Remote interface {
	Get(ctx context.Context, projectID string) (data string, found bool, err error)
	Set(ctx context.Context, projectID, data string) error
}

const redisKeyPrefix = "projectctx:"

// RedisRemote implements Remote over go-redis.
type RedisRemote struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisRemote dials addr. TTL bounds how stale a remote snapshot
// can get before the next reader reloads from the database.
func NewRedisRemote(addr string, ttl time.Duration) *RedisRemote {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &RedisRemote{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		ttl:    ttl,
	}
}

func (r *RedisRemote) Get(ctx context.Context, projectID string) (string, bool, error) {
	data, err := r.client.Get(ctx, redisKeyPrefix+projectID).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, apperr.Transient("projectctx.redis.get", err)
	}
	return data, true, nil
}

func (r *RedisRemote) Set(ctx context.Context, projectID, data string) error {
	if err := r.client.Set(ctx, redisKeyPrefix+projectID, data, r.ttl).Err(); err != nil {
		return apperr.Transient("projectctx.redis.set", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (r *RedisRemote) Close() error { return r.client.Close() }

package services

import (
	"context"
	"fmt"
	"time"

	"mediaconverter/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes a lock only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker guards scheduler ticks across processes.
type RedisLocker struct {
	client *redis.Client
	prefix string
}

func NewRedisLocker(client *redis.Client, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix}
}

// TryLock takes key for ttl. ok is false when another holder has it.
// release fails when the lock could not be dropped or had already expired.
func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (release func() error, ok bool, err error) {
	fullKey := l.prefix + key
	token := uuid.NewString()

	ok, err = l.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock %s: %w", fullKey, err)
	}
	if !ok {
		return nil, false, nil
	}

	release = func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		n, err := releaseScript.Run(ctx, l.client, []string{fullKey}, token).Int64()
		if err != nil {
			return fmt.Errorf("failed to release lock %s: %w", fullKey, err)
		}
		if n == 0 {
			return fmt.Errorf("lock %s expired before release", fullKey)
		}
		return nil
	}
	return release, true, nil
}

// RedisStatusCache mirrors job status into conversion:status:<id> hashes
// for dashboards that should not hit the database.
type RedisStatusCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStatusCache(client *redis.Client, prefix string) *RedisStatusCache {
	return &RedisStatusCache{client: client, prefix: prefix, ttl: 7 * 24 * time.Hour}
}

func (c *RedisStatusCache) Publish(ctx context.Context, jobID string, status models.JobStatus, progress int, errMsg string) error {
	key := fmt.Sprintf("%sconversion:status:%s", c.prefix, jobID)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]interface{}{
			"status":     string(status),
			"progress":   progress,
			"error":      errMsg,
			"updated_at": time.Now().Format(time.RFC3339),
		})
		pipe.Expire(ctx, key, c.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish status for %s: %w", jobID, err)
	}
	return nil
}

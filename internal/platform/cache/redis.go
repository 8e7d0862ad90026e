package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/devanshbm/runq/internal/domain"
)

const (
	// resultKeyPrefix namespaces fingerprint entries.
	resultKeyPrefix = "runq:result:"

	// resultsChannel is the pub/sub channel carrying completed JobResults
	// from workers to whichever API instance holds the subscriber's socket.
	resultsChannel = "runq:results"
)

// RedisCache implements domain.ResultCache on an expiring Redis key space
// and doubles as the completion-event bridge between worker and API
// processes.
type RedisCache struct {
	client *redis.Client
}

var _ domain.ResultCache = (*RedisCache)(nil)
var _ domain.ResultBroadcaster = (*RedisCache)(nil)

// New returns a Redis-backed cache. It fail-fast pings the server so a
// process never starts against an unreachable store.
func New(addr string) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return &RedisCache{client: client}, nil
}

// Get returns the entry for a fingerprint, or (nil, nil) on a miss.
func (c *RedisCache) Get(ctx context.Context, fingerprint string) (*domain.CacheEntry, error) {
	val, err := c.client.Get(ctx, resultKeyPrefix+fingerprint).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache get %s: %w", fingerprint, err)
	}

	var entry domain.CacheEntry
	if err := json.Unmarshal([]byte(val), &entry); err != nil {
		return nil, fmt.Errorf("decoding cache entry %s: %w", fingerprint, err)
	}
	return &entry, nil
}

// Set writes an entry with the given expiry.
func (c *RedisCache) Set(ctx context.Context, fingerprint string, entry domain.CacheEntry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding cache entry: %w", err)
	}
	if err := c.client.Set(ctx, resultKeyPrefix+fingerprint, data, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", fingerprint, err)
	}
	return nil
}

// SetIfAbsent claims the fingerprint atomically; the losing racer gets false.
func (c *RedisCache) SetIfAbsent(ctx context.Context, fingerprint string, entry domain.CacheEntry, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return false, fmt.Errorf("encoding cache entry: %w", err)
	}
	ok, err := c.client.SetNX(ctx, resultKeyPrefix+fingerprint, data, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("cache setnx %s: %w", fingerprint, err)
	}
	return ok, nil
}

// Delete removes an entry.
func (c *RedisCache) Delete(ctx context.Context, fingerprint string) error {
	if err := c.client.Del(ctx, resultKeyPrefix+fingerprint).Err(); err != nil {
		return fmt.Errorf("cache del %s: %w", fingerprint, err)
	}
	return nil
}

// Broadcast publishes a completed JobResult on the results channel.
func (c *RedisCache) Broadcast(ctx context.Context, result domain.JobResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding job result: %w", err)
	}
	if err := c.client.Publish(ctx, resultsChannel, data).Err(); err != nil {
		return fmt.Errorf("broadcasting result for job %s: %w", result.JobID, err)
	}
	return nil
}

// Results subscribes to the results channel and streams completion events
// until the context is cancelled.
func (c *RedisCache) Results(ctx context.Context) (<-chan domain.JobResult, error) {
	pubsub := c.client.Subscribe(ctx, resultsChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("subscribing to results: %w", err)
	}

	outCh := make(chan domain.JobResult)
	go func() {
		defer close(outCh)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var result domain.JobResult
				if err := json.Unmarshal([]byte(msg.Payload), &result); err != nil {
					slog.Error("failed to decode result event", "error", err)
					continue
				}
				outCh <- result
			}
		}
	}()
	return outCh, nil
}

// Close releases the underlying client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

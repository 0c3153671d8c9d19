package beliefs

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/mindforge-ai/mindforge/core"
)

const redisKeyPrefix = "mindforge:belief:"

// RedisStore persists beliefs in Redis with server-side TTL expiry. It is
// the drop-in alternative to MemoryStore for deployments that want belief
// state to survive restarts.
type RedisStore struct {
	client *redis.Client
	logger core.Logger
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg core.RedisConfig, logger core.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}

	return &RedisStore{
		client: client,
		logger: core.ComponentLogger(logger, "beliefs"),
	}, nil
}

func (r *RedisStore) Add(ctx context.Context, key string, value interface{}, confidence float64, source Source, ttl time.Duration) error {
	confidence, err := normalize(key, confidence)
	if err != nil {
		return err
	}

	belief := &Belief{
		Key:        key,
		Value:      value,
		Confidence: confidence,
		Source:     source,
		CreatedAt:  time.Now(),
	}
	if ttl > 0 {
		belief.TTLSeconds = ttl.Seconds()
	}

	data, err := json.Marshal(belief)
	if err != nil {
		return fmt.Errorf("marshaling belief %s: %w", key, err)
	}

	if err := r.client.Set(ctx, redisKeyPrefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("storing belief %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, key string) (*Belief, error) {
	data, err := r.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("getting belief %s: %w", key, err)
	}

	var belief Belief
	if err := json.Unmarshal(data, &belief); err != nil {
		return nil, fmt.Errorf("unmarshaling belief %s: %w", key, err)
	}
	if belief.Expired(time.Now()) {
		return nil, nil
	}
	return &belief, nil
}

func (r *RedisStore) Query(ctx context.Context, prefix string) ([]Entry, error) {
	var entries []Entry
	now := time.Now()

	iter := r.client.Scan(ctx, 0, redisKeyPrefix+prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := r.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var belief Belief
		if err := json.Unmarshal(data, &belief); err != nil {
			r.logger.Warn("Skipping undecodable belief", map[string]interface{}{
				"operation": "belief_query",
				"key":       iter.Val(),
				"error":     err.Error(),
			})
			continue
		}
		if belief.Expired(now) {
			continue
		}
		entries = append(entries, Entry{Key: belief.Key, Belief: &belief})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning beliefs with prefix %s: %w", prefix, err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

func (r *RedisStore) Remove(ctx context.Context, key string) error {
	return r.client.Del(ctx, redisKeyPrefix+key).Err()
}

// Close releases the Redis connection.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

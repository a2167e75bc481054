package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// scanBatch is the COUNT hint passed to SCAN.
const scanBatch = 200

// redisClient is the subset of Redis the store needs. Tests substitute a
// map-backed fake.
type redisClient interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error)
	MGet(ctx context.Context, keys ...string) ([]interface{}, error)
	Ping(ctx context.Context) error
	Close() error
}

// goRedisClient adapts *redis.Client to redisClient.
type goRedisClient struct {
	client *redis.Client
}

var _ redisClient = (*goRedisClient)(nil)

func (c *goRedisClient) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return b, err
}

func (c *goRedisClient) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *goRedisClient) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

func (c *goRedisClient) Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	return c.client.Scan(ctx, cursor, match, count).Result()
}

func (c *goRedisClient) MGet(ctx context.Context, keys ...string) ([]interface{}, error) {
	return c.client.MGet(ctx, keys...).Result()
}

func (c *goRedisClient) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *goRedisClient) Close() error {
	return c.client.Close()
}

// RedisStore keeps records in Redis as JSON strings with EXPIRE-based TTLs.
type RedisStore struct {
	client redisClient
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore builds a store from a redis:// or rediss:// URL. It does not
// contact the server; go-redis connects lazily and reconnects on its own, so
// an outage at startup only means callers see errors until it recovers.
func NewRedisStore(url string, timeout time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse store url: %w", err)
	}
	if timeout > 0 {
		opts.DialTimeout = timeout
		opts.ReadTimeout = timeout
		opts.WriteTimeout = timeout
	}
	// Fail fast while degraded instead of blocking request paths.
	opts.MaxRetries = 1
	log.Info().Str("addr", opts.Addr).Int("db", opts.DB).Msg("using redis connection store")
	return newRedisStore(&goRedisClient{client: redis.NewClient(opts)}), nil
}

func newRedisStore(c redisClient) *RedisStore {
	return &RedisStore{client: c}
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Record, error) {
	data, err := s.client.Get(ctx, Key(id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get %s: %w", Key(id), err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w: %v", id, ErrCorrupt, err)
	}
	return &rec, nil
}

func (s *RedisStore) Put(ctx context.Context, id string, rec *Record, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", id, err)
	}
	if err := s.client.Set(ctx, Key(id), data, ttl); err != nil {
		return fmt.Errorf("redis set %s: %w", Key(id), err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, Key(id)); err != nil {
		return fmt.Errorf("redis del %s: %w", Key(id), err)
	}
	return nil
}

// List walks the keyspace with SCAN and decodes records in batches.
// Undecodable records are skipped.
func (s *RedisStore) List(ctx context.Context, ownerID string) ([]Item, error) {
	var (
		out    []Item
		cursor uint64
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, KeyPrefix+"*", scanBatch)
		if err != nil {
			return nil, fmt.Errorf("redis scan: %w", err)
		}
		if len(keys) > 0 {
			vals, err := s.client.MGet(ctx, keys...)
			if err != nil {
				return nil, fmt.Errorf("redis mget: %w", err)
			}
			for i, v := range vals {
				raw, ok := v.(string)
				if !ok {
					// expired between SCAN and MGET
					continue
				}
				var rec Record
				if err := json.Unmarshal([]byte(raw), &rec); err != nil {
					log.Warn().Err(err).Str("key", keys[i]).Msg("skipping undecodable connection record")
					continue
				}
				if rec.OwnerID == ownerID {
					out = append(out, Item{ID: IDFromKey(keys[i]), Record: rec})
				}
			}
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const defaultRedisKeyPrefix = "qc"

// RedisConfig holds the configuration for the Redis client.
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
	KeyPrefix string        `yaml:"key_prefix"`
}

// flushGroupScript deletes every entry indexed by a group set, the set itself,
// and the group's membership in the groups set, atomically.
var flushGroupScript = redis.NewScript(`
local members = redis.call('SMEMBERS', KEYS[1])
for _, k in ipairs(members) do
	redis.call('DEL', k)
end
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], ARGV[1])
return #members
`)

// flushAllScript deletes every group reachable from the groups set.
var flushAllScript = redis.NewScript(`
local groups = redis.call('SMEMBERS', KEYS[1])
local n = 0
for _, g in ipairs(groups) do
	local gk = ARGV[1] .. g
	local members = redis.call('SMEMBERS', gk)
	for _, k in ipairs(members) do
		redis.call('DEL', k)
		n = n + 1
	end
	redis.call('DEL', gk)
end
redis.call('DEL', KEYS[1])
return n
`)

// RedisBackend is a distributed backend using Redis. Entries are JSON encoded;
// every group keeps a set of its entry keys so that it can be flushed without
// scanning the keyspace.
type RedisBackend[V any] struct {
	redisClient *redis.Client
	logger      zerolog.Logger
	ttl         time.Duration
	prefix      string
}

// NewRedisBackend creates and connects a new generic RedisBackend.
// It pings the Redis server to ensure connectivity before returning.
func NewRedisBackend[V any](
	ctx context.Context,
	cfg *RedisConfig,
	logger zerolog.Logger,
) (*RedisBackend[V], error) {
	if cfg == nil || cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis.")

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultRedisKeyPrefix
	}
	return &RedisBackend[V]{
		redisClient: rdb,
		logger:      logger.With().Str("component", "RedisBackend").Logger(),
		ttl:         cfg.CacheTTL,
		prefix:      prefix,
	}, nil
}

func (c *RedisBackend[V]) entryKey(group, key string) string {
	sum := sha256.Sum256([]byte(key))
	return c.prefix + ":entry:" + group + ":" + hex.EncodeToString(sum[:])
}

func (c *RedisBackend[V]) groupKeyPrefix() string {
	return c.prefix + ":group:"
}

func (c *RedisBackend[V]) groupKey(group string) string {
	return c.groupKeyPrefix() + group
}

func (c *RedisBackend[V]) groupsKey() string {
	return c.prefix + ":groups"
}

// Get retrieves and unmarshals an entry. A redis.Nil reply is a miss.
func (c *RedisBackend[V]) Get(ctx context.Context, group, key string) (V, bool, error) {
	var zero V
	entryKey := c.entryKey(group, key)
	cachedData, err := c.redisClient.Get(ctx, entryKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return zero, false, nil
		}
		return zero, false, fmt.Errorf("redis get failed for key %s: %w", entryKey, err)
	}

	var value V
	if err := json.Unmarshal(cachedData, &value); err != nil {
		c.logger.Error().Err(err).Str("key", entryKey).Msg("Failed to unmarshal cached data.")
		return zero, false, fmt.Errorf("failed to unmarshal data: %w", err)
	}

	c.logger.Debug().Str("key", entryKey).Msg("Redis cache hit.")
	return value, true, nil
}

// Put stores an entry and indexes it under its group in one transaction.
func (c *RedisBackend[V]) Put(ctx context.Context, group, key string, value V) error {
	entryKey := c.entryKey(group, key)
	jsonData, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal data for key %s: %w", entryKey, err)
	}

	_, err = c.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, entryKey, jsonData, c.ttl)
		pipe.SAdd(ctx, c.groupKey(group), entryKey)
		pipe.SAdd(ctx, c.groupsKey(), group)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set in redis for key %s: %w", entryKey, err)
	}

	c.logger.Debug().Str("key", entryKey).Msg("Successfully stored data in Redis cache.")
	return nil
}

// Flush evicts one group or every group known to the groups set.
func (c *RedisBackend[V]) Flush(ctx context.Context, event Event) error {
	var (
		n   int64
		err error
	)
	switch event.Scope {
	case ScopeGroup:
		n, err = flushGroupScript.Run(ctx, c.redisClient,
			[]string{c.groupKey(event.Group), c.groupsKey()}, event.Group).Int64()
	case ScopeAll:
		n, err = flushAllScript.Run(ctx, c.redisClient,
			[]string{c.groupsKey()}, c.groupKeyPrefix()).Int64()
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedEvent, event.Scope)
	}
	if err != nil {
		return fmt.Errorf("redis flush failed: %w", err)
	}
	c.logger.Debug().Int64("deleted", n).Str("event", event.String()).Msg("Redis cache flushed.")
	return nil
}

// Close closes the Redis client connection.
func (c *RedisBackend[V]) Close() error {
	if c.redisClient != nil {
		c.logger.Info().Msg("Closing Redis client connection...")
		return c.redisClient.Close()
	}
	return nil
}

package persistence

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/BaSui01/turnflow/internal/tlsutil"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// seedScript appends the seed entry only when the thread list is empty.
var seedScript = redis.NewScript(`
if redis.call('LLEN', KEYS[1]) > 0 then
  return 0
end
redis.call('RPUSH', KEYS[1], ARGV[1])
redis.call('SADD', KEYS[2], ARGV[2])
local ttl = tonumber(ARGV[3])
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
  redis.call('PEXPIRE', KEYS[2], ttl)
end
return 1
`)

// redisBackend stores each session as a core hash, an agent set and one list per agent thread.
type redisBackend struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
	owned     bool
}

// NewRedisStore wraps an existing client. The caller keeps ownership of it.
func NewRedisStore(client redis.UniversalClient, config StoreConfig, logger *zap.Logger) *Store {
	return newStore(newRedisBackend(client, config, false), StoreTypeRedis, logger)
}

// NewRedisStoreFromConfig dials Redis and verifies connectivity.
func NewRedisStoreFromConfig(config StoreConfig, logger *zap.Logger) (*Store, error) {
	opts := &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", config.Redis.Host, config.Redis.Port),
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
		PoolSize: config.Redis.PoolSize,
	}
	if config.Redis.TLS {
		opts.TLSConfig = tlsutil.RedisTLSConfig(config.Redis.Host)
	}
	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return newStore(newRedisBackend(client, config, true), StoreTypeRedis, logger), nil
}

func newRedisBackend(client redis.UniversalClient, config StoreConfig, owned bool) *redisBackend {
	keyPrefix := config.Redis.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "turnflow:"
	}
	return &redisBackend{
		client:    client,
		keyPrefix: keyPrefix + "session:",
		ttl:       config.SessionTTL,
		owned:     owned,
	}
}

func (b *redisBackend) coreKey(sessionID string) string {
	return b.keyPrefix + sessionID + ":core"
}

func (b *redisBackend) agentsKey(sessionID string) string {
	return b.keyPrefix + sessionID + ":agents"
}

func (b *redisBackend) threadKey(sessionID, agent string) string {
	return b.keyPrefix + sessionID + ":thread:" + agent
}

func (b *redisBackend) touch(ctx context.Context, pipe redis.Pipeliner, keys ...string) {
	if b.ttl <= 0 {
		return
	}
	for _, k := range keys {
		pipe.Expire(ctx, k, b.ttl)
	}
}

func (b *redisBackend) appendEntry(ctx context.Context, sessionID, agent string, raw []byte) error {
	threadKey, agentsKey := b.threadKey(sessionID, agent), b.agentsKey(sessionID)
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, threadKey, raw)
		pipe.SAdd(ctx, agentsKey, agent)
		b.touch(ctx, pipe, threadKey, agentsKey)
		return nil
	})
	return err
}

func (b *redisBackend) seedIfEmpty(ctx context.Context, sessionID, agent string, raw []byte) (bool, error) {
	keys := []string{b.threadKey(sessionID, agent), b.agentsKey(sessionID)}
	n, err := seedScript.Run(ctx, b.client, keys, raw, agent, b.ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (b *redisBackend) thread(ctx context.Context, sessionID, agent string) ([][]byte, error) {
	vals, err := b.client.LRange(ctx, b.threadKey(sessionID, agent), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (b *redisBackend) agents(ctx context.Context, sessionID string) ([]string, error) {
	names, err := b.client.SMembers(ctx, b.agentsKey(sessionID)).Result()
	if err != nil {
		return nil, err
	}
	slices.Sort(names)
	return names, nil
}

func (b *redisBackend) getCore(ctx context.Context, sessionID, key string) ([]byte, error) {
	v, err := b.client.HGet(ctx, b.coreKey(sessionID), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return v, err
}

func (b *redisBackend) setCore(ctx context.Context, sessionID string, values map[string][]byte) error {
	coreKey := b.coreKey(sessionID)
	fields := make(map[string]any, len(values))
	for k, v := range values {
		fields[k] = v
	}
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, coreKey, fields)
		b.touch(ctx, pipe, coreKey)
		return nil
	})
	return err
}

func (b *redisBackend) deleteCore(ctx context.Context, sessionID, key string) error {
	return b.client.HDel(ctx, b.coreKey(sessionID), key).Err()
}

func (b *redisBackend) snapshotCore(ctx context.Context, sessionID string) (map[string][]byte, error) {
	vals, err := b.client.HGetAll(ctx, b.coreKey(sessionID)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(vals))
	for k, v := range vals {
		out[k] = []byte(v)
	}
	return out, nil
}

func (b *redisBackend) drop(ctx context.Context, sessionID string) error {
	agentsKey := b.agentsKey(sessionID)
	names, err := b.client.SMembers(ctx, agentsKey).Result()
	if err != nil {
		return err
	}
	keys := []string{b.coreKey(sessionID), agentsKey}
	for _, name := range names {
		keys = append(keys, b.threadKey(sessionID, name))
	}
	return b.client.Del(ctx, keys...).Err()
}

func (b *redisBackend) ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *redisBackend) close() error {
	if !b.owned {
		return nil
	}
	return b.client.Close()
}

package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Each key is a hash {ver, data}; the script compares ver and writes both
// fields in one server-side step.
var casScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'ver')
local expected = tonumber(ARGV[1])
if expected >= 0 then
  if cur == false then
    if expected ~= 0 then return -1 end
  elseif tonumber(cur) ~= expected then
    return -1
  end
end
local nextver = 1
if cur ~= false then nextver = tonumber(cur) + 1 end
redis.call('HSET', KEYS[1], 'ver', nextver, 'data', ARGV[2])
local ttl = tonumber(ARGV[3])
if ttl > 0 then redis.call('PEXPIRE', KEYS[1], ttl) end
return nextver
`)

// RedisConfig holds Redis connectivity for the state store.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	PoolSize int           `mapstructure:"pool_size"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// RedisOption configures a Redis store.
type RedisOption func(*Redis)

// WithPrefix namespaces every key.
func WithPrefix(prefix string) RedisOption {
	return func(r *Redis) { r.prefix = prefix }
}

// WithTTL expires keys after ttl of inactivity.
func WithTTL(ttl time.Duration) RedisOption {
	return func(r *Redis) { r.ttl = ttl }
}

// Redis is a Store on top of go-redis.
type Redis struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedis wraps an existing client.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{client: client, prefix: "dispatch"}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DialRedis connects and pings the server.
func DialRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("store.redis.addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	opts := []RedisOption{WithTTL(cfg.TTL)}
	if cfg.Prefix != "" {
		opts = append(opts, WithPrefix(cfg.Prefix))
	}
	return NewRedis(client, opts...), nil
}

// Close releases the client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Get(ctx context.Context, key string) (Entry, error) {
	vals, err := r.client.HMGet(ctx, r.wrapKey(key), "ver", "data").Result()
	if err != nil {
		return Entry{}, fmt.Errorf("redis hmget: %w", err)
	}
	if len(vals) != 2 || vals[0] == nil {
		return Entry{}, ErrNotFound
	}

	verStr, _ := vals[0].(string)
	ver, err := strconv.ParseInt(verStr, 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("parse version of %s: %w", key, err)
	}
	data, _ := vals[1].(string)
	return Entry{Value: []byte(data), Version: ver}, nil
}

func (r *Redis) Put(ctx context.Context, key string, value []byte, expected int64) (int64, error) {
	res, err := casScript.Run(ctx, r.client, []string{r.wrapKey(key)}, expected, value, r.ttl.Milliseconds()).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("redis cas: %w", err)
	}
	if res < 0 {
		return 0, ErrConflict
	}
	return res, nil
}

func (r *Redis) wrapKey(key string) string {
	if r.prefix == "" {
		return key
	}
	return r.prefix + ":" + key
}

var _ Store = (*Redis)(nil)

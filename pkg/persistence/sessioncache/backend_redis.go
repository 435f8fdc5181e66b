package sessioncache

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisBackend keeps the record under prefix:scope:key. Expiration, when positive,
// lets Redis drop a record that nobody has written for a while.
type RedisBackend struct {
	client     *redis.Client
	key        string
	expiration time.Duration
}

var _ Backend = &RedisBackend{}

func NewRedisBackend(client *redis.Client, prefix, scope, key string, expiration time.Duration) (*RedisBackend, error) {
	if client == nil {
		return nil, errors.New("redis session cache: client is nil")
	}
	return &RedisBackend{
		client:     client,
		key:        joinKey(prefix, scope, key),
		expiration: expiration,
	}, nil
}

func (b *RedisBackend) Load(ctx context.Context) ([]byte, error) {
	data, err := b.client.Get(ctx, b.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "redis session cache: get")
	}
	return data, nil
}

func (b *RedisBackend) Save(ctx context.Context, data []byte) error {
	exp := b.expiration
	if exp < 0 {
		exp = 0
	}
	if err := b.client.Set(ctx, b.key, data, exp).Err(); err != nil {
		return errors.Wrap(err, "redis session cache: set")
	}
	return nil
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}

func (b *RedisBackend) Key() string { return b.key }

func joinKey(prefix, scope, key string) string {
	if strings.TrimSpace(scope) == "" {
		scope = "default"
	}
	if strings.TrimSpace(key) == "" {
		key = DefaultKey
	}
	parts := []string{scope, key}
	if p := strings.TrimSuffix(strings.TrimSpace(prefix), ":"); p != "" {
		parts = append([]string{p}, parts...)
	}
	return strings.Join(parts, ":")
}

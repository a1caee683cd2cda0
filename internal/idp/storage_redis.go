package idp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/al-bashkir/todoctl/internal/config"
	"github.com/al-bashkir/todoctl/internal/session"
)

// RedisStorage keeps the session under a single redis key, so several
// processes on different hosts can share one sign-in.
type RedisStorage struct {
	client redis.UniversalClient
	key    string
}

// NewRedisStorage connects to the configured redis server. The connection
// is established lazily on first use.
func NewRedisStorage(cfg *config.RedisConfig) *RedisStorage {
	return NewRedisStorageWithClient(redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}), cfg.Key)
}

// NewRedisStorageWithClient wraps an existing redis client.
func NewRedisStorageWithClient(client redis.UniversalClient, key string) *RedisStorage {
	return &RedisStorage{client: client, key: key}
}

func (r *RedisStorage) Load(ctx context.Context) (*session.Session, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session from redis: %w", err)
	}

	var sess session.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to parse stored session: %w", err)
	}
	return &sess, nil
}

func (r *RedisStorage) Save(ctx context.Context, sess *session.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := r.client.Set(ctx, r.key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to write session to redis: %w", err)
	}
	return nil
}

func (r *RedisStorage) Delete(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("failed to delete session from redis: %w", err)
	}
	return nil
}

// Close releases the redis connection pool.
func (r *RedisStorage) Close() error {
	return r.client.Close()
}

package dataset

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// BlobCache is a shared cache of raw dataset bytes, consulted before the
// network. A nil return with a nil error means a miss.
type BlobCache interface {
	Get(ctx context.Context, name string) ([]byte, error)
	Set(ctx context.Context, name string, data []byte) error
	Close() error
}

// RedisBlobCache shares downloaded files across processes. Writes use SETNX
// so concurrent downloaders of the same dataset cannot clobber each other;
// losing the race is fine, the bytes are identical.
type RedisBlobCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisBlobCache connects and pings within a bounded timeout.
func NewRedisBlobCache(addr, password string, db int, ttl time.Duration) (*RedisBlobCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &RedisBlobCache{client: client, ttl: ttl}, nil
}

func (r *RedisBlobCache) key(name string) string {
	return fmt.Sprintf("dataset:%s", name)
}

func (r *RedisBlobCache) Get(ctx context.Context, name string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.key(name)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET failed: %w", err)
	}
	return data, nil
}

func (r *RedisBlobCache) Set(ctx context.Context, name string, data []byte) error {
	if _, err := r.client.SetNX(ctx, r.key(name), data, r.ttl).Result(); err != nil {
		return fmt.Errorf("redis SETNX failed: %w", err)
	}
	return nil
}

func (r *RedisBlobCache) Close() error {
	return r.client.Close()
}

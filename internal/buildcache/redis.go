package buildcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix is prepended to every key. Default "voxelstruct:build:".
	Prefix   string
	// TTL of a cached entry. Default 24h.
	TTL      time.Duration
}

// Redis shares cached builds between server processes.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis cache: empty addr")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "voxelstruct:build:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis cache: connect %s: %w", cfg.Addr, err)
	}
	return &Redis{client: rdb, prefix: cfg.Prefix, ttl: cfg.TTL}, nil
}

func (r *Redis) key(digest string) string { return r.prefix + digest }

func (r *Redis) Get(ctx context.Context, digest string) (Entry, bool, error) {
	b, err := r.client.Get(ctx, r.key(digest)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	e, err := decodeEntry(b)
	if err != nil {
		return Entry{}, false, fmt.Errorf("redis cache: decode %s: %w", digest, err)
	}
	return e, true, nil
}

func (r *Redis) Put(ctx context.Context, digest string, e Entry) error {
	b, err := encodeEntry(e)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(digest), b, r.ttl).Err()
}

func (r *Redis) Close() error { return r.client.Close() }

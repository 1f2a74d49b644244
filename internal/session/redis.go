package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"keyPrefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// RedisStore implements Store using Redis, one key per known client.
// Signage devices are long-lived, so keys default to no expiry.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, release := context.WithTimeout(context.Background(), 5*time.Second)
	defer release()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "marquee:client:"
	}

	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       cfg.TTL,
	}, nil
}

func (r *RedisStore) key(clientId string) string {
	return r.keyPrefix + clientId
}

func (r *RedisStore) LoadKnownClients(ctx context.Context) ([]ClientSession, error) {
	var known []ClientSession
	var cursor uint64
	pattern := r.keyPrefix + "*"

	for {
		keys, nextCursor, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan client keys: %w", err)
		}

		for _, key := range keys {
			data, err := r.client.Get(ctx, key).Bytes()
			if err != nil {
				continue // Key may have expired between SCAN and GET.
			}

			var s ClientSession
			if err := json.Unmarshal(data, &s); err != nil {
				continue
			}
			known = append(known, s)
		}

		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}

	return known, nil
}

func (r *RedisStore) SaveClientStatus(ctx context.Context, session ClientSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal client session: %w", err)
	}
	return r.client.Set(ctx, r.key(session.ClientId), data, r.ttl).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

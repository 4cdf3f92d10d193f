// Package session caches verified identities in Redis so bearer tokens are
// not re-verified against the identity provider on every request.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"happysrt/api/internal/auth"
)

// ErrMiss is returned by Lookup when no identity is cached for a token.
var ErrMiss = errors.New("identity not cached")

// cachedIdentity is the JSON stored under each token hash
type cachedIdentity struct {
	Identity auth.Identity `json:"identity"`
	CachedAt time.Time     `json:"cached_at"`
}

// RedisStore holds verified identities keyed by token hash
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a new Redis-backed identity cache
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "identity:",
	}
}

func (s *RedisStore) key(tokenHash string) string {
	return s.prefix + tokenHash
}

// Save caches identity for ttl, never past the token's own expiry.
func (s *RedisStore) Save(ctx context.Context, tokenHash string, identity auth.Identity, ttl time.Duration) error {
	if identity.ExpiresAt != nil {
		if remaining := time.Until(*identity.ExpiresAt); remaining < ttl {
			ttl = remaining
		}
	}
	if ttl <= 0 {
		return nil
	}

	jsonData, err := json.Marshal(cachedIdentity{Identity: identity, CachedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}
	if err := s.client.Set(ctx, s.key(tokenHash), jsonData, ttl).Err(); err != nil {
		return fmt.Errorf("save identity: %w", err)
	}
	return nil
}

func (s *RedisStore) Lookup(ctx context.Context, tokenHash string) (auth.Identity, error) {
	jsonData, err := s.client.Get(ctx, s.key(tokenHash)).Result()
	if errors.Is(err, redis.Nil) {
		return auth.Identity{}, ErrMiss
	}
	if err != nil {
		return auth.Identity{}, fmt.Errorf("lookup identity: %w", err)
	}

	var data cachedIdentity
	if err := json.Unmarshal([]byte(jsonData), &data); err != nil {
		return auth.Identity{}, fmt.Errorf("unmarshal identity: %w", err)
	}
	return data.Identity, nil
}

// Forget drops a cached identity
func (s *RedisStore) Forget(ctx context.Context, tokenHash string) error {
	if err := s.client.Del(ctx, s.key(tokenHash)).Err(); err != nil {
		return fmt.Errorf("forget identity: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

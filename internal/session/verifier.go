package session

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"happysrt/api/internal/auth"
	"happysrt/api/internal/logger"
)

// CachedVerifier consults the Redis cache before the wrapped verifier.
// Rejected tokens are never cached.
type CachedVerifier struct {
	next  auth.Verifier
	cache *RedisStore
	ttl   time.Duration
	log   *zap.Logger
}

func NewCachedVerifier(next auth.Verifier, cache *RedisStore, ttl time.Duration, log *zap.Logger) *CachedVerifier {
	return &CachedVerifier{next: next, cache: cache, ttl: ttl, log: logger.OrNop(log)}
}

func (v *CachedVerifier) Verify(ctx context.Context, token string) (auth.Identity, error) {
	hash := auth.HashToken(token)
	identity, err := v.cache.Lookup(ctx, hash)
	if err == nil {
		if identity.ExpiresAt == nil || time.Now().Before(*identity.ExpiresAt) {
			return identity, nil
		}
	} else if !errors.Is(err, ErrMiss) {
		v.log.Warn("identity cache lookup failed", zap.Error(err))
	}

	identity, err = v.next.Verify(ctx, token)
	if err != nil {
		return auth.Identity{}, err
	}
	if err := v.cache.Save(ctx, hash, identity, v.ttl); err != nil {
		v.log.Warn("identity cache save failed", zap.Error(err))
	}
	return identity, nil
}

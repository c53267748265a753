package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vnmchuo/usage-gateway/internal/apperr"
)

// KeyResolver turns a raw API key into the stored key, going through a Redis
// cache keyed by the key hash.
type KeyResolver struct {
	store  Store
	cache  *redis.Client // optional
	ttl    time.Duration
	clock  quartz.Clock
	logger *zap.Logger
}

func NewKeyResolver(store Store, cache *redis.Client, ttl time.Duration, clock quartz.Clock, logger *zap.Logger) *KeyResolver {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &KeyResolver{store: store, cache: cache, ttl: ttl, clock: clock, logger: logger}
}

func cacheKey(secretHash string) string {
	return fmt.Sprintf("auth:%s", secretHash)
}

// Resolve returns the active key for raw or an *apperr.AuthenticationError.
func (r *KeyResolver) Resolve(ctx context.Context, raw string) (*APIKey, error) {
	if raw == "" {
		return nil, apperr.Unauthenticated(apperr.ReasonMissing, "API Key is missing")
	}
	secretHash := HashKey(raw)

	key, err := r.lookup(ctx, secretHash)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, apperr.Unauthenticated(apperr.ReasonInvalid, "Invalid API Key")
		}
		return nil, err
	}
	if key.Revoked() {
		return nil, apperr.Unauthenticated(apperr.ReasonRevoked, "API Key has been revoked")
	}
	return key, nil
}

func (r *KeyResolver) lookup(ctx context.Context, secretHash string) (*APIKey, error) {
	if r.cache != nil {
		var key APIKey
		err := r.cache.Get(ctx, cacheKey(secretHash)).Scan(&key)
		if err == nil {
			return &key, nil
		}
		if !errors.Is(err, redis.Nil) {
			r.logger.Warn("auth cache read failed", zap.Error(err))
		}
	}

	key, err := r.store.GetByHash(ctx, secretHash)
	if err != nil {
		return nil, err
	}

	// SetNX never replaces an entry, so a row read before a concurrent
	// Revoke cannot overwrite the revoked entry Revoke wrote.
	if r.cache != nil {
		if err := r.cache.SetNX(ctx, cacheKey(secretHash), key, r.ttl).Err(); err != nil {
			r.logger.Warn("auth cache write failed", zap.Error(err))
		}
	}
	return key, nil
}

// Issue creates a key for owner and returns the raw secret, which is not
// recoverable afterwards.
func (r *KeyResolver) Issue(ctx context.Context, key *APIKey) (string, error) {
	raw, err := GenerateKey()
	if err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	key.SecretHash = HashKey(raw)
	if err := r.store.Create(ctx, key); err != nil {
		return "", err
	}
	return raw, nil
}

// Revoke soft-revokes keyID and overwrites its cache entry with the revoked
// key, so every instance rejects it on its next lookup.
func (r *KeyResolver) Revoke(ctx context.Context, keyID string) (*APIKey, error) {
	key, err := r.store.Revoke(ctx, keyID, r.clock.Now())
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, apperr.NotFound("api_key", "API Key not found")
		}
		return nil, err
	}
	if r.cache != nil {
		if err := r.cache.Set(ctx, cacheKey(key.SecretHash), key, r.ttl).Err(); err != nil {
			return nil, fmt.Errorf("cache revoked key: %w", err)
		}
	}
	return key, nil
}

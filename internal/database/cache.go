package database

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

const (
	// Cache key prefixes
	CacheKeyUsage     = "routegate:usage:"
	CacheKeyCountries = "routegate:countries"
	CacheKeyBlacklist = "routegate:blacklist:"

	// Cache TTLs
	CacheTTLUsage     = 2 * time.Minute
	CacheTTLCountries = 5 * time.Minute
)

// ErrCacheDisabled is returned when Redis is not connected. Callers fall
// through to the source of truth.
var ErrCacheDisabled = errors.New("cache: redis not connected")

// CacheGet retrieves a value from Redis cache and unmarshals it into dest
func CacheGet(key string, dest interface{}) error {
	if Redis == nil {
		return ErrCacheDisabled
	}
	ctx := context.Background()
	data, err := Redis.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// CacheSet stores a value in Redis cache with TTL
func CacheSet(key string, value interface{}, ttl time.Duration) error {
	if Redis == nil {
		return ErrCacheDisabled
	}
	ctx := context.Background()
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return Redis.Set(ctx, key, data, ttl).Err()
}

// CacheDelete removes keys from Redis cache
func CacheDelete(keys ...string) error {
	if Redis == nil || len(keys) == 0 {
		return nil
	}
	ctx := context.Background()
	return Redis.Del(ctx, keys...).Err()
}

// InvalidateUsageCache clears the cached usage snapshot for a grant
func InvalidateUsageCache(grantID string) {
	CacheDelete(CacheKeyUsage + grantID)
}

// BlacklistToken marks a JWT as revoked until its natural expiry
func BlacklistToken(token string, ttl time.Duration) error {
	if Redis == nil {
		return ErrCacheDisabled
	}
	ctx := context.Background()
	return Redis.Set(ctx, CacheKeyBlacklist+token, "1", ttl).Err()
}

// IsTokenBlacklisted reports whether a JWT has been revoked via logout
func IsTokenBlacklisted(token string) bool {
	if Redis == nil {
		return false
	}
	ctx := context.Background()
	n, err := Redis.Exists(ctx, CacheKeyBlacklist+token).Result()
	return err == nil && n > 0
}

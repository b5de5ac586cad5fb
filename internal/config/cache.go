package config

import "time"

// CacheConfig defines settings for the seat inventory cache.  Room layouts
// change only when a room is reconfigured, so GET /v1/rooms/:id/seats is
// served from Redis for TTL.  Reservation routes are never cached; their
// freshness is the whole point of the live channel.
type CacheConfig struct {
	Enabled      bool
	TTL          time.Duration
	Prefix       string
	MaxBodyBytes int
}

// LoadCacheConfig reads CACHE_* variables.
func LoadCacheConfig() CacheConfig {
	return CacheConfig{
		Enabled:      envBool("CACHE_ENABLED", true),
		TTL:          envDur("CACHE_TTL", 5*time.Minute),
		Prefix:       envStr("CACHE_PREFIX", "inventory"),
		MaxBodyBytes: envInt("CACHE_MAX_BODY_BYTES", 1<<20),
	}
}

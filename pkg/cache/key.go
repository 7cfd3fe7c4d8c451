package cache

import "strings"

// Key prefixes. Player keys are built from the normalized opaque ID, name
// keys from the lowercased name, so the same player always maps to the same
// key regardless of caller formatting.
const (
	playerKeyPrefix = "player:"
	nameKeyPrefix   = "name:"

	// redisNamespace prefixes every L1 key so an admin flush can match
	// the proxy's keys without touching other tenants of the instance.
	redisNamespace = "cache:"
)

// PlayerKey builds the cache key for an opaque player ID.
func PlayerKey(id string) string {
	return playerKeyPrefix + strings.ToLower(id)
}

// NameKey builds the cache key for a short player name.
func NameKey(name string) string {
	return nameKeyPrefix + strings.ToLower(name)
}

// redisKey namespaces a cache key for the L1 tier.
func redisKey(key string) string {
	return redisNamespace + key
}

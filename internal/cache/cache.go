// Package cache implements the string-keyed, TTL'd, prefix-invalidatable
// KV collaborator described by spec.md §6. The primary backend is Redis;
// a process-local fallback is used when no Redis endpoint is configured,
// per spec.md §9 ("a process-local map with TTL is an acceptable
// implementation when no distributed cache is available"). Either way,
// cache unavailability degrades performance only, never correctness —
// callers treat every error as a cache miss.
package cache

import "context"

// Cache is the KV-with-TTL-and-prefix-invalidation collaborator.
type Cache interface {
	// Get returns the cached value for key, or ok=false on miss
	// (including backend errors, which are logged but not propagated).
	Get(ctx context.Context, key string) (value string, ok bool)
	// Set stores value under key with the given TTL. Backend errors are
	// logged but non-fatal: caching is best-effort.
	Set(ctx context.Context, key string, value string, ttlSeconds int)
	// InvalidatePrefix deletes every key starting with prefix.
	InvalidatePrefix(ctx context.Context, prefix string)
}

// Namespaces used as key prefixes across the core, matching spec.md §3's
// cache key shapes.
const (
	PrefixEmbedding   = "embedding:"
	PrefixRetrieval   = "retrieval:"
	PrefixResponse    = "response:"
	PrefixVectorStore = "vs:"
)

package store

import (
	"context"
	"time"
)

// CacheStore is the expiring key-value layer behind the cache mirror.
// It is best-effort: a failed or unavailable store degrades latency,
// never correctness, because every reader has a direct-compute
// fallback. Values past their TTL must never be returned.
type CacheStore interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

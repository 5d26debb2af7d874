package cache

import (
	"context"
	"time"
)

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Sweeper is implemented by backends whose expired entries must be reaped by
// the periodic scheduler rather than by the store itself (the in-memory
// backend). Redis expires keys natively and does not implement it.
type Sweeper interface {
	Sweep() int
}

// Package provider defines the byte store behind the replay consumer's dedupe
// window.
//
// The window remembers recently applied events for a bounded time so a
// redelivered event can be skipped without a sink round trip. It is purely an
// optimization: a miss (eviction, expiry, restart) falls through to the sink,
// which deduplicates authoritatively. Implementations may therefore drop
// entries under pressure, but Get must never report a hit for a key that was
// not Set.
//
// Implementations: ristretto and bigcache (in process), redis (shared by
// consumer replicas).
package provider

import (
	"context"
	"time"
)

// Provider is a minimal byte store with TTLs, safe for concurrent use.
type Provider interface {
	// Get returns (value, true, nil) on hit and (nil, false, nil) on miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value for ttl (0 = no expiry, or the store's global window).
	// ok=false means the store declined the write under pressure.
	Set(ctx context.Context, key string, value []byte, cost int64, ttl time.Duration) (ok bool, err error)

	Del(ctx context.Context, key string) error

	Close(ctx context.Context) error
}

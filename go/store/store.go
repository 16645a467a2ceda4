// Package store implements the service's shared state: deduplication marks,
// cached task results and distributed locks. Two interchangeable backends are
// provided: in-memory (single instance) and Redis (shared across instances).
//
// All keys are namespaced by role ("lock:", "dedup:", "result:") and carry
// TTLs. Reads degrade gracefully: a connectivity failure on a dedup check
// returns false (tolerating a rare duplicate) rather than failing the caller.
package store

import (
	"context"
	"time"
)

const (
	lockPrefix   = "lock:"
	dedupPrefix  = "dedup:"
	resultPrefix = "result:"
)

// DedupStore records which work keys have already been processed.
type DedupStore interface {
	// IsSeen returns true iff the key was marked within its TTL. Backend
	// failures degrade to false and are logged.
	IsSeen(ctx context.Context, key string) bool
	// MarkSeen marks the key as processed for the given TTL. Best-effort;
	// backend failures are logged.
	MarkSeen(ctx context.Context, key string, ttl time.Duration)
	// Unmark clears a mark before its TTL so the key reads as unseen again.
	// Best-effort; backend failures are logged.
	Unmark(ctx context.Context, key string)
}

// ResultStore hands task results from workers back to dispatchers.
type ResultStore interface {
	// GetResult returns the stored value for the task ID, if present. Backend
	// failures degrade to absent and are logged.
	GetResult(ctx context.Context, taskID string) (string, bool)
	// SetResult stores the value under the task ID for the given TTL.
	// Best-effort; backend failures are logged.
	SetResult(ctx context.Context, taskID, value string, ttl time.Duration)
}

// Lock is a held distributed lock. Release is safe to call exactly once.
type Lock interface {
	// Release releases the lock iff this holder still owns it. Best-effort;
	// an expired lease makes this a no-op.
	Release(ctx context.Context)
}

// Locker provides named mutual exclusion with a lease TTL. While a lock is
// held its lease is renewed in the background at half the TTL.
type Locker interface {
	// Acquire blocks until the named lock is acquired or the context is
	// cancelled.
	Acquire(ctx context.Context, name string, ttl time.Duration) (Lock, error)
}

// Store provides the three state roles behind one backend.
type Store interface {
	DedupStore
	ResultStore
	Locker
}

// lockBackend is the per-backend primitive set used by the shared lock
// implementation in lock.go.
type lockBackend interface {
	// tryAcquire atomically sets key=token with the TTL iff the key is unset.
	tryAcquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// renew extends the lease iff the key still holds token.
	renew(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// release deletes the key iff it still holds token.
	release(ctx context.Context, key, token string) (bool, error)
}

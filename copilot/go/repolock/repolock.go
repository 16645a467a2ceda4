// Package repolock serializes work per repository. Every orchestrator path
// which holds a checkout of a repository takes the repository's lock first,
// so two reviews, or a review and a coding run, on the same repository never
// overlap, within one instance or across instances.
package repolock

import (
	"context"
	"time"

	"go.copilot.dev/infra/go/skerr"
	"go.copilot.dev/infra/go/store"
)

// DefaultTTL is the lease TTL for repository locks. The lease is renewed at
// half this interval while held, so it only needs to outlive a renewal gap,
// not a whole task.
const DefaultTTL = 5 * time.Minute

// Manager hands out per-repository locks backed by the State Store.
type Manager struct {
	locker store.Locker
	ttl    time.Duration
}

// New returns a Manager. ttl of zero means DefaultTTL.
func New(locker store.Locker, ttl time.Duration) *Manager {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		locker: locker,
		ttl:    ttl,
	}
}

// Acquire blocks until the repository's lock is held or the context is done.
func (m *Manager) Acquire(ctx context.Context, cloneURL string) (store.Lock, error) {
	lock, err := m.locker.Acquire(ctx, "repo:"+cloneURL, m.ttl)
	if err != nil {
		return nil, skerr.Wrapf(err, "locking repo %s", cloneURL)
	}
	return lock, nil
}

// With runs fn while holding the repository's lock and releases it on every
// exit path.
func (m *Manager) With(ctx context.Context, cloneURL string, fn func(ctx context.Context) error) error {
	lock, err := m.Acquire(ctx, cloneURL)
	if err != nil {
		return err
	}
	defer lock.Release(ctx)
	return fn(ctx)
}

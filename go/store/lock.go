package store

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"go.copilot.dev/infra/go/metrics2"
	"go.copilot.dev/infra/go/skerr"
	"go.copilot.dev/infra/go/sklog"
)

const (
	// Spin-acquire backoff; capped so a released lock is picked up promptly.
	lockAcquireInitialInterval = 50 * time.Millisecond
	lockAcquireMaxInterval     = time.Second
)

// heldLock implements Lock on top of a lockBackend. The lease is renewed at
// ttl/2 until Release or until a renewal fails.
type heldLock struct {
	backend lockBackend
	key     string
	token   string
	ttl     time.Duration

	cancelRenew context.CancelFunc
	renewDone   sync.WaitGroup
	releaseOnce sync.Once
}

// acquireLock spin-acquires the named lock with exponential backoff and
// starts the lease renewer.
func acquireLock(ctx context.Context, b lockBackend, name string, ttl time.Duration) (Lock, error) {
	key := lockPrefix + name
	token := uuid.NewString()
	defer metrics2.NewTimer("statestore_lock_wait_s", map[string]string{"key": name}).Stop()

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = lockAcquireInitialInterval
	expBackoff.MaxInterval = lockAcquireMaxInterval
	expBackoff.MaxElapsedTime = 0 // Wait as long as the context allows.

	try := func() error {
		ok, err := b.tryAcquire(ctx, key, token, ttl)
		if err != nil {
			return backoff.Permanent(skerr.Wrapf(err, "acquiring lock %q", name))
		}
		if !ok {
			return skerr.Fmt("lock %q is held", name)
		}
		return nil
	}
	if err := backoff.Retry(try, backoff.WithContext(expBackoff, ctx)); err != nil {
		return nil, skerr.Wrap(err)
	}

	renewCtx, cancelRenew := context.WithCancel(context.Background())
	l := &heldLock{
		backend:     b,
		key:         key,
		token:       token,
		ttl:         ttl,
		cancelRenew: cancelRenew,
	}
	l.renewDone.Add(1)
	go l.renewLoop(renewCtx)
	return l, nil
}

// renewLoop extends the lease every ttl/2. A failed renewal logs and stops
// renewing but does not interrupt the critical section; the caller completes
// and then observes the best-effort release doing nothing.
func (l *heldLock) renewLoop(ctx context.Context) {
	defer l.renewDone.Done()
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := l.backend.renew(ctx, l.key, l.token, l.ttl)
			if err != nil {
				sklog.Errorf("Failed to renew lease on %s: %s; stopping renewal.", l.key, err)
				return
			}
			if !ok {
				sklog.Errorf("Lost lease on %s (token no longer matches); stopping renewal.", l.key)
				return
			}
		}
	}
}

// Release implements Lock.
func (l *heldLock) Release(ctx context.Context) {
	l.releaseOnce.Do(func() {
		l.cancelRenew()
		l.renewDone.Wait()
		ok, err := l.backend.release(ctx, l.key, l.token)
		if err != nil {
			sklog.Errorf("Failed to release %s: %s", l.key, err)
		} else if !ok {
			sklog.Warningf("Lock %s was no longer held at release.", l.key)
		}
	})
}

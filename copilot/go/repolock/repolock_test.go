package repolock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.copilot.dev/infra/go/store"
)

const cloneURL = "https://gitlab.example.com/group/repo.git"

func TestWithSerializesSameRepo(t *testing.T) {
	m := New(store.NewMemory(), time.Minute)
	ctx := context.Background()

	inside := 0
	maxInside := 0
	var mtx sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.With(ctx, cloneURL, func(ctx context.Context) error {
				mtx.Lock()
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				mtx.Unlock()
				time.Sleep(10 * time.Millisecond)
				mtx.Lock()
				inside--
				mtx.Unlock()
				return nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	require.Equal(t, 1, maxInside)
}

func TestWithReleasesOnError(t *testing.T) {
	m := New(store.NewMemory(), time.Minute)
	ctx := context.Background()

	require.Error(t, m.With(ctx, cloneURL, func(ctx context.Context) error {
		return context.DeadlineExceeded
	}))

	// The lock is free again.
	lock, err := m.Acquire(ctx, cloneURL)
	require.NoError(t, err)
	lock.Release(ctx)
}

func TestDistinctReposDoNotBlock(t *testing.T) {
	m := New(store.NewMemory(), time.Minute)
	ctx := context.Background()

	lock, err := m.Acquire(ctx, cloneURL)
	require.NoError(t, err)
	defer lock.Release(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		require.NoError(t, m.With(ctx, "https://gitlab.example.com/other/repo.git", func(ctx context.Context) error {
			return nil
		}))
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("unrelated repository lock blocked")
	}
}

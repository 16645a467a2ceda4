package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newRedisForTest(t *testing.T) (*Redis, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})
	return NewRedis(client), mr
}

func TestRedisDedup(t *testing.T) {
	ctx := context.Background()
	r, mr := newRedisForTest(t)

	require.False(t, r.IsSeen(ctx, "review:1:2:abc"))
	r.MarkSeen(ctx, "review:1:2:abc", time.Hour)
	require.True(t, r.IsSeen(ctx, "review:1:2:abc"))

	// The mark expires with its TTL.
	mr.FastForward(2 * time.Hour)
	require.False(t, r.IsSeen(ctx, "review:1:2:abc"))
}

func TestRedisUnmark(t *testing.T) {
	ctx := context.Background()
	r, mr := newRedisForTest(t)

	r.MarkSeen(ctx, "exec-lock:PROJ-42", time.Hour)
	require.True(t, r.IsSeen(ctx, "exec-lock:PROJ-42"))
	r.Unmark(ctx, "exec-lock:PROJ-42")
	require.False(t, r.IsSeen(ctx, "exec-lock:PROJ-42"))
	require.False(t, mr.Exists("dedup:exec-lock:PROJ-42"))
}

func TestRedisDedupDegradesToUnseen(t *testing.T) {
	ctx := context.Background()
	r, mr := newRedisForTest(t)

	r.MarkSeen(ctx, "k", time.Hour)
	mr.Close()
	// Connectivity failure tolerates a duplicate rather than failing.
	require.False(t, r.IsSeen(ctx, "k"))
}

func TestRedisResults(t *testing.T) {
	ctx := context.Background()
	r, mr := newRedisForTest(t)

	_, ok := r.GetResult(ctx, "PROJ-42")
	require.False(t, ok)
	r.SetResult(ctx, "PROJ-42", "summary here", time.Hour)
	got, ok := r.GetResult(ctx, "PROJ-42")
	require.True(t, ok)
	require.Equal(t, "summary here", got)

	mr.FastForward(2 * time.Hour)
	_, ok = r.GetResult(ctx, "PROJ-42")
	require.False(t, ok)
}

func TestRedisKeyPrefixes(t *testing.T) {
	ctx := context.Background()
	r, mr := newRedisForTest(t)

	r.MarkSeen(ctx, "x", time.Hour)
	r.SetResult(ctx, "x", "v", time.Hour)
	lock, err := r.Acquire(ctx, "x", time.Minute)
	require.NoError(t, err)
	defer lock.Release(ctx)

	require.True(t, mr.Exists("dedup:x"))
	require.True(t, mr.Exists("result:x"))
	require.True(t, mr.Exists("lock:x"))
}

func TestRedisLockTokenCheckedRelease(t *testing.T) {
	ctx := context.Background()
	r, _ := newRedisForTest(t)

	lock, err := r.Acquire(ctx, "repo", time.Minute)
	require.NoError(t, err)

	// A different holder token must not release the lock.
	ok, err := r.release(ctx, "lock:repo", "not-the-token")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = r.tryAcquire(ctx, "lock:repo", "intruder", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	lock.Release(ctx)
	ok, err = r.tryAcquire(ctx, "lock:repo", "next-holder", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRedisLockRenewal(t *testing.T) {
	ctx := context.Background()
	r, _ := newRedisForTest(t)

	ok, err := r.tryAcquire(ctx, "lock:repo", "tok", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = r.renew(ctx, "lock:repo", "tok", 2*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// Renewal with the wrong token fails.
	ok, err = r.renew(ctx, "lock:repo", "wrong", 2*time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisLockSerializes(t *testing.T) {
	ctx := context.Background()
	r, _ := newRedisForTest(t)

	l1, err := r.Acquire(ctx, "repo", time.Minute)
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		l2, err := r.Acquire(ctx, "repo", time.Minute)
		require.NoError(t, err)
		l2.Release(ctx)
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire succeeded while lock held")
	case <-time.After(200 * time.Millisecond):
	}

	l1.Release(ctx)
	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatal("second acquire never succeeded after release")
	}
}

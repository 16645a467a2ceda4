package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"go.copilot.dev/infra/go/metrics2"
	"go.copilot.dev/infra/go/skerr"
	"go.copilot.dev/infra/go/sklog"
)

var (
	// releaseScript deletes the key iff the holder token still matches, so a
	// lock which expired and was re-acquired by someone else is never deleted
	// by the old holder.
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)

	// renewScript extends the lease iff the holder token still matches.
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end`)

	redisErrorCounter = metrics2.GetCounter("statestore_redis_errors")
)

// Redis implements Store on a Redis server. Dedup marks and lock acquisition
// use SET NX EX; lock release and renewal are token-checked Lua scripts.
type Redis struct {
	client redis.UniversalClient
}

// NewRedis returns a Store backed by the given Redis client.
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

// NewRedisFromURL connects to Redis at the given URL
// (e.g. "redis://host:6379/0") and verifies connectivity.
func NewRedisFromURL(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, skerr.Wrapf(err, "parsing redis URL")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, skerr.Wrapf(err, "pinging redis at %s", opts.Addr)
	}
	return NewRedis(client), nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

// IsSeen implements DedupStore.
func (r *Redis) IsSeen(ctx context.Context, key string) bool {
	n, err := r.client.Exists(ctx, dedupPrefix+key).Result()
	if err != nil {
		redisErrorCounter.Inc(1)
		sklog.Errorf("Dedup check for %q failed; treating as unseen: %s", key, err)
		return false
	}
	return n > 0
}

// MarkSeen implements DedupStore.
func (r *Redis) MarkSeen(ctx context.Context, key string, ttl time.Duration) {
	if err := r.client.Set(ctx, dedupPrefix+key, "1", ttl).Err(); err != nil {
		redisErrorCounter.Inc(1)
		sklog.Errorf("Failed to mark %q as seen: %s", key, err)
	}
}

// Unmark implements DedupStore.
func (r *Redis) Unmark(ctx context.Context, key string) {
	if err := r.client.Del(ctx, dedupPrefix+key).Err(); err != nil {
		redisErrorCounter.Inc(1)
		sklog.Errorf("Failed to unmark %q: %s", key, err)
	}
}

// GetResult implements ResultStore.
func (r *Redis) GetResult(ctx context.Context, taskID string) (string, bool) {
	val, err := r.client.Get(ctx, resultPrefix+taskID).Result()
	if err == redis.Nil {
		return "", false
	}
	if err != nil {
		redisErrorCounter.Inc(1)
		sklog.Errorf("Result read for %q failed; treating as absent: %s", taskID, err)
		return "", false
	}
	return val, true
}

// SetResult implements ResultStore.
func (r *Redis) SetResult(ctx context.Context, taskID, value string, ttl time.Duration) {
	if err := r.client.Set(ctx, resultPrefix+taskID, value, ttl).Err(); err != nil {
		redisErrorCounter.Inc(1)
		sklog.Errorf("Failed to store result for %q: %s", taskID, err)
	}
}

// Acquire implements Locker.
func (r *Redis) Acquire(ctx context.Context, name string, ttl time.Duration) (Lock, error) {
	return acquireLock(ctx, r, name, ttl)
}

// tryAcquire implements lockBackend.
func (r *Redis) tryAcquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, skerr.Wrap(err)
	}
	return ok, nil
}

// renew implements lockBackend.
func (r *Redis) renew(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, r.client, []string{key}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, skerr.Wrap(err)
	}
	return n == 1, nil
}

// release implements lockBackend.
func (r *Redis) release(ctx context.Context, key, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, r.client, []string{key}, token).Int()
	if err != nil {
		return false, skerr.Wrap(err)
	}
	return n == 1, nil
}

var _ Store = (*Redis)(nil)

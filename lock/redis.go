package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// extendScript atomically renews a lease's TTL only if token still matches
// the stored value, so a lease that expired and was re-acquired by another
// holder is never silently extended out from under them.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript atomically deletes a lease only if token still matches.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLock implements Lock with Redis SETNX-style leases, matching what
// the teacher's cluster/lock.go doc comment names as its recommended
// multi-node backend ("a Redis SETNX-based lock"). Keys are namespaced
// under a caller-supplied prefix so multiple queues can share one Redis
// instance.
type RedisLock struct {
	client *redis.Client
	prefix string
}

// NewRedisLock wraps client. prefix is prepended to every key (e.g.
// "crawlee:lock:").
func NewRedisLock(client *redis.Client, prefix string) *RedisLock {
	return &RedisLock{client: client, prefix: prefix}
}

func (r *RedisLock) fullKey(key string) string { return r.prefix + key }

// TryAcquire implements Lock via SET key token NX PX ttl.
func (r *RedisLock) TryAcquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.fullKey(key), token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Extend implements Lock via extendScript.
func (r *RedisLock) Extend(ctx context.Context, key, token string, ttl time.Duration) error {
	res, err := extendScript.Run(ctx, r.client, []string{r.fullKey(key)}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if res == 0 {
		return ErrNotHeld
	}
	return nil
}

// Release implements Lock via releaseScript.
func (r *RedisLock) Release(ctx context.Context, key, token string) error {
	res, err := releaseScript.Run(ctx, r.client, []string{r.fullKey(key)}, token).Int()
	if err != nil {
		return err
	}
	if res == 0 {
		return ErrNotHeld
	}
	return nil
}

// IsLocked implements Lock.
func (r *RedisLock) IsLocked(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.fullKey(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Package lock implements the distributed chat-URL lock on Redis.
//
// At most one worker holds a given chat URL at any instant. The TTL is the
// only safety net against a crashed holder; there is no renewal, so it must
// exceed the worst-case duration of a single-chat sync.
package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "scrape_lock:"

// releaseScript deletes the key only when the caller still owns it, so a slow
// worker cannot release a lock the TTL already handed to someone else.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Locker acquires and releases per-chat-URL locks.
type Locker struct {
	rdb *redis.Client
	ttl time.Duration
}

// New creates a Locker with the given lock TTL.
func New(rdb *redis.Client, ttl time.Duration) *Locker {
	return &Locker{rdb: rdb, ttl: ttl}
}

// Acquire tries to take the lock for key. It returns an owner token and true
// iff this call created the lock. A false return is contention, not an error.
func (l *Locker) Acquire(ctx context.Context, key string) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, keyPrefix+key, token, l.ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release frees the lock if token still owns it. Releasing a lock that
// expired or was re-acquired by another holder is a silent no-op.
func (l *Locker) Release(ctx context.Context, key, token string) error {
	return releaseScript.Run(ctx, l.rdb, []string{keyPrefix + key}, token).Err()
}

// IsLocked reports whether any holder currently owns key.
func (l *Locker) IsLocked(ctx context.Context, key string) (bool, error) {
	n, err := l.rdb.Exists(ctx, keyPrefix+key).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

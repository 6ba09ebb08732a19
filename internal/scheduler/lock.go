package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// CycleLock keeps worker instances from scanning at the same time. It only
// reduces wasted claims; correctness comes from the per-rule claim.
type CycleLock interface {
	// TryAcquire returns ok=false without error when another holder has the lock.
	TryAcquire(ctx context.Context) (release func(), ok bool, err error)
}

// RedisLock is a SET NX lease released with a compare-and-delete script.
type RedisLock struct {
	client redis.Cmdable
	key    string
	ttl    time.Duration
}

func NewRedisLock(client redis.Cmdable, key string, ttl time.Duration) *RedisLock {
	return &RedisLock{client: client, key: "lock:" + key, ttl: ttl}
}

var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

func (l *RedisLock) TryAcquire(ctx context.Context) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		// A failed release just lets the lease expire.
		_ = releaseScript.Run(rctx, l.client, []string{l.key}, token).Err()
	}
	return release, true, nil
}

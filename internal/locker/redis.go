package locker

import (
	"context"
	"fmt"
	"time"

	"rezerv/internal/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLocker implements the critical section across processes with a
// SET NX lease per resource. The lease TTL guards against a crashed
// holder wedging the resource forever.
type RedisLocker struct {
	client   *redis.Client
	timeout  time.Duration
	leaseTTL time.Duration
	retry    time.Duration
}

func NewRedis(client *redis.Client, timeout, leaseTTL time.Duration) *RedisLocker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if leaseTTL <= 0 {
		leaseTTL = 10 * time.Second
	}
	return &RedisLocker{
		client:   client,
		timeout:  timeout,
		leaseTTL: leaseTTL,
		retry:    25 * time.Millisecond,
	}
}

// releaseScript deletes the lock only when it still holds our token, so a
// slow holder cannot release a lease that already expired and was re-taken.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

func (l *RedisLocker) Acquire(ctx context.Context, resourceID string) (func(), error) {
	key := lockKey(resourceID)
	token := uuid.NewString()
	deadline := time.Now().Add(l.timeout)

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.leaseTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock for %s: %w", resourceID, err)
		}
		if ok {
			release := func() {
				releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				_ = releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err()
			}
			return release, nil
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: resource %s lock not acquired within %s", models.ErrBusy, resourceID, l.timeout)
		}

		select {
		case <-time.After(l.retry):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func lockKey(resourceID string) string {
	return fmt.Sprintf("lock:resource:%s", resourceID)
}

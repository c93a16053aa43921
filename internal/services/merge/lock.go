package merge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld means another run is currently merging the same partition.
var ErrLockHeld = errors.New("merge partition lock held")

// Locker provides exclusive locks per merge partition so two concurrent runs
// cannot interleave partial writes for the same (source, date range).
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, err error)
}

// RedisLocker implements Locker with SET NX. The token guard on release
// keeps an expired-and-reacquired lock from being deleted by the old holder.
type RedisLocker struct {
	client *redis.Client
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, "mergelock:"+key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire merge lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	release := func(ctx context.Context) error {
		return releaseScript.Run(ctx, l.client, []string{"mergelock:" + key}, token).Err()
	}
	return release, nil
}

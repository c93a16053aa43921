package merge

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return NewRedisLocker(client), server
}

func TestRedisLockerMutualExclusion(t *testing.T) {
	locker, _ := newTestLocker(t)
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "anthropic:2026-03-01..2026-03-01", time.Minute)
	if err != nil {
		t.Fatalf("first acquire should pass: %v", err)
	}
	if _, err := locker.Acquire(ctx, "anthropic:2026-03-01..2026-03-01", time.Minute); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("second acquire should report held, got %v", err)
	}
	if _, err := locker.Acquire(ctx, "openai:2026-03-01..2026-03-01", time.Minute); err != nil {
		t.Fatalf("a different partition must not contend: %v", err)
	}

	if err := release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := locker.Acquire(ctx, "anthropic:2026-03-01..2026-03-01", time.Minute); err != nil {
		t.Fatalf("acquire after release should pass: %v", err)
	}
}

func TestRedisLockerStaleReleaseKeepsNewHolder(t *testing.T) {
	locker, server := newTestLocker(t)
	ctx := context.Background()

	staleRelease, err := locker.Acquire(ctx, "cursor:2026-03-01..2026-03-01", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// The TTL fires and another run takes the lock.
	server.FastForward(2 * time.Minute)
	if _, err := locker.Acquire(ctx, "cursor:2026-03-01..2026-03-01", time.Minute); err != nil {
		t.Fatalf("acquire after expiry should pass: %v", err)
	}

	// The old holder's release must not delete the new holder's lock.
	if err := staleRelease(ctx); err != nil {
		t.Fatalf("stale release should be a no-op, not an error: %v", err)
	}
	if _, err := locker.Acquire(ctx, "cursor:2026-03-01..2026-03-01", time.Minute); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("new holder's lock must survive the stale release, got %v", err)
	}
}

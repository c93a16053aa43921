package merge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nferch/spendscope/internal/config"
	"github.com/nferch/spendscope/internal/models"
	"github.com/nferch/spendscope/internal/timeutil"
	"github.com/nferch/spendscope/internal/warehouse"
)

type stubStore struct {
	calls    int
	failures int
	result   warehouse.MergeResult
}

func (s *stubStore) MergeFacts(ctx context.Context, usage []models.UsageFact, cost []models.CostFact) (warehouse.MergeResult, error) {
	s.calls++
	if s.calls <= s.failures {
		return warehouse.MergeResult{}, errors.New("deadlock detected")
	}
	return s.result, nil
}

type stubLocker struct {
	acquired int
	released int
	held     bool
}

func (l *stubLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	if l.held {
		return nil, ErrLockHeld
	}
	l.acquired++
	return func(context.Context) error {
		l.released++
		return nil
	}, nil
}

func mergeConfig() config.MergeConfig {
	return config.MergeConfig{
		RetryMax:      3,
		RetryInitial:  time.Millisecond,
		RetryMaxDelay: 2 * time.Millisecond,
	}
}

func usageFixture() []models.UsageFact {
	return []models.UsageFact{{Key: models.FactKey{SourceID: "anthropic"}}}
}

func window(t *testing.T) timeutil.DateRange {
	t.Helper()
	w, err := timeutil.ParseDateRange("2026-03-01", "2026-03-01")
	if err != nil {
		t.Fatalf("window: %v", err)
	}
	return w
}

func TestUpsertRetriesTransientFailures(t *testing.T) {
	store := &stubStore{failures: 2, result: warehouse.MergeResult{UsageWritten: 1}}
	locker := &stubLocker{}
	m := New(store, locker, mergeConfig(), nil)

	res, err := m.Upsert(context.Background(), "anthropic", window(t), usageFixture(), nil)
	if err != nil {
		t.Fatalf("upsert should succeed after retries: %v", err)
	}
	if store.calls != 3 {
		t.Fatalf("want 3 attempts, got %d", store.calls)
	}
	if res.UsageWritten != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if locker.acquired != 1 || locker.released != 1 {
		t.Fatalf("lock must be acquired and released exactly once, got %d/%d", locker.acquired, locker.released)
	}
}

func TestUpsertExhaustedRetriesIsMergeConflict(t *testing.T) {
	store := &stubStore{failures: 100}
	locker := &stubLocker{}
	m := New(store, locker, mergeConfig(), nil)

	_, err := m.Upsert(context.Background(), "anthropic", window(t), usageFixture(), nil)
	if !errors.Is(err, ErrMergeConflict) {
		t.Fatalf("want ErrMergeConflict, got %v", err)
	}
	if store.calls != 3 {
		t.Fatalf("want exactly RetryMax attempts, got %d", store.calls)
	}
	if locker.released != 1 {
		t.Fatal("lock must be released even on failure")
	}
}

func TestUpsertHeldLock(t *testing.T) {
	store := &stubStore{}
	m := New(store, &stubLocker{held: true}, mergeConfig(), nil)

	_, err := m.Upsert(context.Background(), "anthropic", window(t), usageFixture(), nil)
	if !errors.Is(err, ErrLockHeld) {
		t.Fatalf("want ErrLockHeld, got %v", err)
	}
	if store.calls != 0 {
		t.Fatal("a held lock must block the merge entirely")
	}
}

func TestUpsertEmptyInputSkipsLock(t *testing.T) {
	locker := &stubLocker{}
	m := New(&stubStore{}, locker, mergeConfig(), nil)

	res, err := m.Upsert(context.Background(), "anthropic", window(t), nil, nil)
	if err != nil {
		t.Fatalf("empty upsert: %v", err)
	}
	if res.UsageWritten != 0 || res.CostWritten != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if locker.acquired != 0 {
		t.Fatal("nothing to write means no lock traffic")
	}
}

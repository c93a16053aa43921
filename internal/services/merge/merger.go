package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/nferch/spendscope/internal/config"
	"github.com/nferch/spendscope/internal/models"
	"github.com/nferch/spendscope/internal/observability"
	"github.com/nferch/spendscope/internal/timeutil"
	"github.com/nferch/spendscope/internal/warehouse"
)

// ErrMergeConflict wraps storage contention that survived every retry. It is
// one of the two run-fatal conditions.
var ErrMergeConflict = errors.New("merge conflict after retry exhaustion")

// FactStore is the slice of the warehouse the merger needs.
type FactStore interface {
	MergeFacts(ctx context.Context, usage []models.UsageFact, cost []models.CostFact) (warehouse.MergeResult, error)
}

// Merger is the pipeline's single serialization point: every fact write for
// a run funnels through Upsert, under an exclusive per-partition lock.
type Merger struct {
	store   FactStore
	locker  Locker
	cfg     config.MergeConfig
	metrics *observability.Provider
}

func New(store FactStore, locker Locker, cfg config.MergeConfig, metrics *observability.Provider) *Merger {
	return &Merger{store: store, locker: locker, cfg: cfg, metrics: metrics}
}

// Upsert writes one source's facts for the run's date range. Idempotent by
// natural key: re-running an already-processed partition is a no-op replace.
// On value conflicts the latest computation wins and the prior row is logged.
func (m *Merger) Upsert(ctx context.Context, sourceID string, dates timeutil.DateRange, usage []models.UsageFact, cost []models.CostFact) (warehouse.MergeResult, error) {
	if len(usage) == 0 && len(cost) == 0 {
		return warehouse.MergeResult{}, nil
	}

	lockKey := fmt.Sprintf("%s:%s", sourceID, dates)
	release, err := m.locker.Acquire(ctx, lockKey, m.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, ErrLockHeld) {
			return warehouse.MergeResult{}, fmt.Errorf("partition %s: %w", lockKey, err)
		}
		return warehouse.MergeResult{}, err
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("release merge lock", "partition", lockKey, "error", err)
		}
	}()

	started := time.Now()
	res, err := m.mergeWithRetry(ctx, usage, cost)
	if err != nil {
		return warehouse.MergeResult{}, err
	}
	m.metrics.RecordMergeDuration(sourceID, time.Since(started))
	m.metrics.RecordFacts(sourceID, "usage", res.UsageWritten)
	m.metrics.RecordFacts(sourceID, "cost", res.CostWritten)

	for _, prior := range res.ReplacedUsage {
		slog.Info("usage fact replaced",
			"key", prior.Key.String(),
			"prior_requests", prior.Requests,
			"prior_input_tokens", prior.InputTokens,
			"prior_output_tokens", prior.OutputTokens)
	}
	for _, prior := range res.ReplacedCost {
		slog.Info("cost fact replaced",
			"key", prior.Key.String(),
			"prior_amount_minor_units", prior.AmountMinorUnits,
			"prior_currency", prior.Currency)
	}
	return res, nil
}

func (m *Merger) mergeWithRetry(ctx context.Context, usage []models.UsageFact, cost []models.CostFact) (warehouse.MergeResult, error) {
	b := backoff.NewExponentialBackOff()
	if m.cfg.RetryInitial > 0 {
		b.InitialInterval = m.cfg.RetryInitial
	}
	if m.cfg.RetryMaxDelay > 0 {
		b.MaxInterval = m.cfg.RetryMaxDelay
	}
	maxTries := uint(m.cfg.RetryMax)
	if maxTries == 0 {
		maxTries = 5
	}

	attempt := 0
	res, err := backoff.Retry(ctx, func() (warehouse.MergeResult, error) {
		attempt++
		res, err := m.store.MergeFacts(ctx, usage, cost)
		if err != nil {
			slog.Warn("merge attempt failed", "attempt", attempt, "error", err)
		}
		return res, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(maxTries))
	if err != nil {
		return warehouse.MergeResult{}, fmt.Errorf("%w: %v", ErrMergeConflict, err)
	}
	return res, nil
}

package warehouse

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nferch/spendscope/internal/timeutil"
)

// BillingSnapshot is one persisted cumulative observation. Snapshots survive
// across runs so the delta normalizer can always see a cycle's full history
// and recompute deltas idempotently.
type BillingSnapshot struct {
	SourceID        string
	EntityID        string
	CycleStart      time.Time
	ObservedAt      time.Time
	BucketStart     time.Time
	BucketEnd       time.Time
	Metric          string
	CumulativeValue decimal.Decimal
	Currency        string
}

// UpsertBillingSnapshot records a cumulative observation. Re-observing the
// same (source, entity, cycle, metric, observed_at) replaces the value, which
// keeps reruns convergent.
func (s *Store) UpsertBillingSnapshot(ctx context.Context, snap BillingSnapshot) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO billing_snapshots (
			source_id, entity_id, cycle_start, observed_at,
			bucket_start, bucket_end, metric, cumulative_value, currency
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (source_id, entity_id, cycle_start, metric, observed_at)
		DO UPDATE SET
			bucket_start = EXCLUDED.bucket_start,
			bucket_end = EXCLUDED.bucket_end,
			cumulative_value = EXCLUDED.cumulative_value,
			currency = EXCLUDED.currency`,
		snap.SourceID, snap.EntityID, snap.CycleStart, snap.ObservedAt,
		snap.BucketStart, snap.BucketEnd, snap.Metric, snap.CumulativeValue, snap.Currency,
	)
	if err != nil {
		return fmt.Errorf("upsert billing snapshot %s/%s: %w", snap.SourceID, snap.EntityID, err)
	}
	return nil
}

// ListBillingSnapshots returns every persisted snapshot for cycles that
// overlap the requested range, ordered for delta computation.
func (s *Store) ListBillingSnapshots(ctx context.Context, sourceID string, dates timeutil.DateRange) ([]BillingSnapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT source_id, entity_id, cycle_start, observed_at,
			bucket_start, bucket_end, metric, cumulative_value, currency
		FROM billing_snapshots
		WHERE source_id = $1
			AND cycle_start IN (
				SELECT DISTINCT cycle_start FROM billing_snapshots
				WHERE source_id = $1 AND bucket_start < $3 AND bucket_end > $2
			)
		ORDER BY entity_id, metric, cycle_start, observed_at`,
		sourceID, dates.Start(), dates.End(),
	)
	if err != nil {
		return nil, fmt.Errorf("list billing snapshots: %w", err)
	}
	defer rows.Close()

	var out []BillingSnapshot
	for rows.Next() {
		var snap BillingSnapshot
		if err := rows.Scan(
			&snap.SourceID, &snap.EntityID, &snap.CycleStart, &snap.ObservedAt,
			&snap.BucketStart, &snap.BucketEnd, &snap.Metric, &snap.CumulativeValue, &snap.Currency,
		); err != nil {
			return nil, fmt.Errorf("scan billing snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

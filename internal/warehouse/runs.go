package warehouse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nferch/spendscope/internal/models"
	"github.com/nferch/spendscope/internal/timeutil"
)

// InsertRawPayload archives one untransformed source payload as raw bytes;
// the blob need not be valid JSON, or parse at all. Write-once: re-running a
// window inserts a new audit row rather than touching old ones.
func (s *Store) InsertRawPayload(ctx context.Context, runID, sourceID string, fetchedAt time.Time, payload []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO raw_payloads (run_id, source_id, fetched_at, payload)
		VALUES ($1,$2,$3,$4)`,
		runID, sourceID, fetchedAt, payload)
	if err != nil {
		return fmt.Errorf("insert raw payload: %w", err)
	}
	return nil
}

// RecordRun persists the structured run summary for the scheduler and for
// backfill audit.
func (s *Store) RecordRun(ctx context.Context, kind string, summary models.RunSummary) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal run summary: %w", err)
	}
	status := "succeeded"
	switch {
	case summary.FatalError != "" || summary.TotalFailed:
		status = "failed"
	case summary.Partial():
		status = "partial"
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO pipeline_runs (run_id, kind, started_at, finished_at, range_start, range_end, status, summary)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (run_id) DO UPDATE SET
			finished_at = EXCLUDED.finished_at,
			status = EXCLUDED.status,
			summary = EXCLUDED.summary`,
		summary.RunID, kind, summary.StartedAt, summary.FinishedAt,
		summary.RangeStart, summary.RangeEnd, status, payload)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// GroundTruth looks up the externally entered total covering the period for
// one source. Absence is a normal outcome: reconciliation is skipped.
func (s *Store) GroundTruth(ctx context.Context, sourceID string, dates timeutil.DateRange) (int64, string, bool, error) {
	var amount int64
	var currency string
	err := s.pool.QueryRow(ctx, `
		SELECT amount_minor_units, currency
		FROM ground_truth_totals
		WHERE source_id = $1 AND period_start = $2 AND period_end = $3`,
		sourceID, dates.Start(), dates.End(),
	).Scan(&amount, &currency)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, "", false, nil
		}
		return 0, "", false, fmt.Errorf("ground truth lookup: %w", err)
	}
	return amount, currency, true, nil
}

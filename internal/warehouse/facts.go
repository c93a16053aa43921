package warehouse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/nferch/spendscope/internal/models"
	"github.com/nferch/spendscope/internal/timeutil"
)

// UpsertUsageFact writes one usage fact inside the caller's transaction. The
// prior row, when one existed with different values, is returned so the
// merger can log it for audit. Returns nil when the write was an insert or a
// no-op replace.
func (s *Store) UpsertUsageFact(ctx context.Context, tx pgx.Tx, fact models.UsageFact) (*models.UsageFact, error) {
	prior, err := selectUsageForUpdate(ctx, tx, fact.Key)
	if err != nil {
		return nil, err
	}

	metricsJSON, err := json.Marshal(fact.Metrics)
	if err != nil {
		return nil, fmt.Errorf("marshal metrics: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO usage_facts (
			fact_date, source_id, canonical_user_id, platform_category, dimension_discriminator,
			requests, input_tokens, output_tokens, cache_read_tokens, lines_added, lines_accepted,
			metrics, attribution_method, attribution_confidence, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,now())
		ON CONFLICT (fact_date, source_id, canonical_user_id, platform_category, dimension_discriminator)
		DO UPDATE SET
			requests = EXCLUDED.requests,
			input_tokens = EXCLUDED.input_tokens,
			output_tokens = EXCLUDED.output_tokens,
			cache_read_tokens = EXCLUDED.cache_read_tokens,
			lines_added = EXCLUDED.lines_added,
			lines_accepted = EXCLUDED.lines_accepted,
			metrics = EXCLUDED.metrics,
			attribution_method = EXCLUDED.attribution_method,
			attribution_confidence = EXCLUDED.attribution_confidence,
			updated_at = now()`,
		fact.Key.FactDate, fact.Key.SourceID, fact.Key.CanonicalUserID, string(fact.Key.Platform), fact.Key.Discriminator,
		fact.Requests, fact.InputTokens, fact.OutputTokens, fact.CacheReadTokens, fact.LinesAdded, fact.LinesAccepted,
		metricsJSON, string(fact.AttributionMethod), fact.AttributionConfidence,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert usage fact %s: %w", fact.Key, err)
	}

	if prior != nil && sameUsageValues(*prior, fact) {
		return nil, nil
	}
	return prior, nil
}

// UpsertCostFact mirrors UpsertUsageFact for the cost shape. The
// reconciliation status of an existing row is preserved: the checker owns
// that column, the merger never resets it.
func (s *Store) UpsertCostFact(ctx context.Context, tx pgx.Tx, fact models.CostFact) (*models.CostFact, error) {
	prior, err := selectCostForUpdate(ctx, tx, fact.Key)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO cost_facts (
			fact_date, source_id, canonical_user_id, platform_category, dimension_discriminator,
			amount_minor_units, currency, is_estimated,
			attribution_method, attribution_confidence, reconciliation_status, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,now())
		ON CONFLICT (fact_date, source_id, canonical_user_id, platform_category, dimension_discriminator)
		DO UPDATE SET
			amount_minor_units = EXCLUDED.amount_minor_units,
			currency = EXCLUDED.currency,
			is_estimated = EXCLUDED.is_estimated,
			attribution_method = EXCLUDED.attribution_method,
			attribution_confidence = EXCLUDED.attribution_confidence,
			updated_at = now()`,
		fact.Key.FactDate, fact.Key.SourceID, fact.Key.CanonicalUserID, string(fact.Key.Platform), fact.Key.Discriminator,
		fact.AmountMinorUnits, fact.Currency, fact.IsEstimated,
		string(fact.AttributionMethod), fact.AttributionConfidence, string(models.ReconciliationPending),
	)
	if err != nil {
		return nil, fmt.Errorf("upsert cost fact %s: %w", fact.Key, err)
	}

	if prior != nil && sameCostValues(*prior, fact) {
		return nil, nil
	}
	return prior, nil
}

// SumCostFacts aggregates cost facts for one source over a half-open range.
func (s *Store) SumCostFacts(ctx context.Context, sourceID string, dates timeutil.DateRange) (int64, string, error) {
	var total int64
	var currency *string
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount_minor_units), 0), MIN(currency)
		FROM cost_facts
		WHERE source_id = $1 AND fact_date >= $2 AND fact_date < $3`,
		sourceID, dates.Start(), dates.End(),
	).Scan(&total, &currency)
	if err != nil {
		return 0, "", fmt.Errorf("sum cost facts: %w", err)
	}
	cur := "USD"
	if currency != nil && *currency != "" {
		cur = *currency
	}
	return total, cur, nil
}

// AnnotateReconciliation stamps the reconciliation status on cost facts in
// the period. Values are untouched; this is the checker's only write.
func (s *Store) AnnotateReconciliation(ctx context.Context, sourceID string, dates timeutil.DateRange, status models.ReconciliationStatus) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE cost_facts
		SET reconciliation_status = $4, updated_at = now()
		WHERE source_id = $1 AND fact_date >= $2 AND fact_date < $3`,
		sourceID, dates.Start(), dates.End(), string(status),
	)
	if err != nil {
		return 0, fmt.Errorf("annotate reconciliation: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteFactsPartition removes both fact shapes for a partition. This is the
// only delete path and is reserved for the explicit backfill command.
func (s *Store) DeleteFactsPartition(ctx context.Context, sourceID string, dates timeutil.DateRange) (int64, int64, error) {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback(ctx)

	usage, err := tx.Exec(ctx,
		`DELETE FROM usage_facts WHERE source_id = $1 AND fact_date >= $2 AND fact_date < $3`,
		sourceID, dates.Start(), dates.End())
	if err != nil {
		return 0, 0, fmt.Errorf("delete usage facts: %w", err)
	}
	cost, err := tx.Exec(ctx,
		`DELETE FROM cost_facts WHERE source_id = $1 AND fact_date >= $2 AND fact_date < $3`,
		sourceID, dates.Start(), dates.End())
	if err != nil {
		return 0, 0, fmt.Errorf("delete cost facts: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, 0, err
	}
	return usage.RowsAffected(), cost.RowsAffected(), nil
}

func selectUsageForUpdate(ctx context.Context, tx pgx.Tx, key models.FactKey) (*models.UsageFact, error) {
	var fact models.UsageFact
	var metricsJSON []byte
	var method string
	var platform string
	err := tx.QueryRow(ctx, `
		SELECT fact_date, source_id, canonical_user_id, platform_category, dimension_discriminator,
			requests, input_tokens, output_tokens, cache_read_tokens, lines_added, lines_accepted,
			metrics, attribution_method, attribution_confidence
		FROM usage_facts
		WHERE fact_date = $1 AND source_id = $2 AND canonical_user_id = $3
			AND platform_category = $4 AND dimension_discriminator = $5
		FOR UPDATE`,
		key.FactDate, key.SourceID, key.CanonicalUserID, string(key.Platform), key.Discriminator,
	).Scan(
		&fact.Key.FactDate, &fact.Key.SourceID, &fact.Key.CanonicalUserID, &platform, &fact.Key.Discriminator,
		&fact.Requests, &fact.InputTokens, &fact.OutputTokens, &fact.CacheReadTokens, &fact.LinesAdded, &fact.LinesAccepted,
		&metricsJSON, &method, &fact.AttributionConfidence,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select usage fact %s: %w", key, err)
	}
	fact.Key.Platform = models.PlatformCategory(platform)
	fact.AttributionMethod = models.ResolutionMethod(method)
	if len(metricsJSON) > 0 {
		_ = json.Unmarshal(metricsJSON, &fact.Metrics)
	}
	return &fact, nil
}

func selectCostForUpdate(ctx context.Context, tx pgx.Tx, key models.FactKey) (*models.CostFact, error) {
	var fact models.CostFact
	var method, platform, status string
	err := tx.QueryRow(ctx, `
		SELECT fact_date, source_id, canonical_user_id, platform_category, dimension_discriminator,
			amount_minor_units, currency, is_estimated,
			attribution_method, attribution_confidence, reconciliation_status
		FROM cost_facts
		WHERE fact_date = $1 AND source_id = $2 AND canonical_user_id = $3
			AND platform_category = $4 AND dimension_discriminator = $5
		FOR UPDATE`,
		key.FactDate, key.SourceID, key.CanonicalUserID, string(key.Platform), key.Discriminator,
	).Scan(
		&fact.Key.FactDate, &fact.Key.SourceID, &fact.Key.CanonicalUserID, &platform, &fact.Key.Discriminator,
		&fact.AmountMinorUnits, &fact.Currency, &fact.IsEstimated,
		&method, &fact.AttributionConfidence, &status,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select cost fact %s: %w", key, err)
	}
	fact.Key.Platform = models.PlatformCategory(platform)
	fact.AttributionMethod = models.ResolutionMethod(method)
	fact.ReconciliationStatus = models.ReconciliationStatus(status)
	return &fact, nil
}

func sameUsageValues(a, b models.UsageFact) bool {
	if a.Requests != b.Requests || a.InputTokens != b.InputTokens || a.OutputTokens != b.OutputTokens {
		return false
	}
	if a.CacheReadTokens != b.CacheReadTokens || a.LinesAdded != b.LinesAdded || a.LinesAccepted != b.LinesAccepted {
		return false
	}
	return a.AttributionMethod == b.AttributionMethod && a.AttributionConfidence == b.AttributionConfidence
}

func sameCostValues(a, b models.CostFact) bool {
	return a.AmountMinorUnits == b.AmountMinorUnits &&
		a.Currency == b.Currency &&
		a.IsEstimated == b.IsEstimated &&
		a.AttributionMethod == b.AttributionMethod &&
		a.AttributionConfidence == b.AttributionConfidence
}

package reconcile

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/nferch/spendscope/internal/config"
	"github.com/nferch/spendscope/internal/models"
	"github.com/nferch/spendscope/internal/observability"
	"github.com/nferch/spendscope/internal/timeutil"
)

// Store is the slice of the warehouse the checker needs.
type Store interface {
	SumCostFacts(ctx context.Context, sourceID string, dates timeutil.DateRange) (int64, string, error)
	GroundTruth(ctx context.Context, sourceID string, dates timeutil.DateRange) (int64, string, bool, error)
	AnnotateReconciliation(ctx context.Context, sourceID string, dates timeutil.DateRange, status models.ReconciliationStatus) (int64, error)
}

// Checker compares merged cost facts against externally entered totals, e.g.
// invoices. Advisory only: it annotates reconciliation_status and produces a
// report, but never blocks a run or changes fact values.
type Checker struct {
	store     Store
	threshold float64
	metrics   *observability.Provider
}

func New(store Store, cfg config.ReconciliationConfig, metrics *observability.Provider) *Checker {
	threshold := cfg.VarianceThresholdPerc
	if threshold <= 0 {
		threshold = 5.0
	}
	return &Checker{store: store, threshold: threshold, metrics: metrics}
}

// Check reconciles one source over the run's range. The bool result reports
// whether a ground truth total existed; absence is normal and skips the
// check entirely.
func (c *Checker) Check(ctx context.Context, sourceID string, dates timeutil.DateRange) (models.ReconciliationReport, bool, error) {
	truth, truthCurrency, ok, err := c.store.GroundTruth(ctx, sourceID, dates)
	if err != nil {
		return models.ReconciliationReport{}, false, err
	}
	if !ok {
		return models.ReconciliationReport{}, false, nil
	}

	aggregated, currency, err := c.store.SumCostFacts(ctx, sourceID, dates)
	if err != nil {
		return models.ReconciliationReport{}, false, err
	}
	if truthCurrency != "" {
		currency = truthCurrency
	}

	report := Compare(dates, sourceID, aggregated, truth, currency, c.threshold)

	if _, err := c.store.AnnotateReconciliation(ctx, sourceID, dates, report.Status); err != nil {
		// Annotation failure downgrades to a logged anomaly; the report is
		// still valid and the run must not fail over an advisory check.
		slog.Warn("annotate reconciliation", "source", sourceID, "error", err)
	}

	c.metrics.RecordVariance(sourceID, report.VariancePercent)
	if report.Status == models.ReconciliationVariance {
		c.metrics.RecordAnomaly(sourceID, models.AnomalyReconciliationDrift)
	}
	return report, true, nil
}

// Compare builds the variance report for one period. Split out from Check so
// the arithmetic is testable without storage.
func Compare(dates timeutil.DateRange, sourceID string, aggregatedMinor, truthMinor int64, currency string, thresholdPerc float64) models.ReconciliationReport {
	report := models.ReconciliationReport{
		PeriodStart:      dates.Start(),
		PeriodEnd:        dates.End(),
		SourceID:         sourceID,
		AggregatedMinor:  aggregatedMinor,
		GroundTruthMinor: truthMinor,
		Currency:         currency,
		VarianceAbsolute: aggregatedMinor - truthMinor,
		Status:           models.ReconciliationMatched,
	}
	if report.VarianceAbsolute < 0 {
		report.VarianceAbsolute = -report.VarianceAbsolute
	}

	if truthMinor == 0 {
		if aggregatedMinor != 0 {
			report.VariancePercent = 100
			report.Status = models.ReconciliationVariance
		}
		return report
	}

	variance := decimal.NewFromInt(report.VarianceAbsolute).
		Div(decimal.NewFromInt(truthMinor)).
		Mul(decimal.NewFromInt(100))
	report.VariancePercent, _ = variance.Round(4).Float64()
	if report.VariancePercent > thresholdPerc {
		report.Status = models.ReconciliationVariance
	}
	return report
}

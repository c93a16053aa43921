package runner

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/nferch/spendscope/internal/models"
	"github.com/nferch/spendscope/internal/services/billingcycle"
	"github.com/nferch/spendscope/internal/timeutil"
)

// factBuilder accumulates classified records into the two fact shapes,
// summing rows that collapse onto the same natural key.
type factBuilder struct {
	usage map[models.FactKey]*models.UsageFact
	cost  map[models.FactKey]*models.CostFact
}

func newFactBuilder() *factBuilder {
	return &factBuilder{
		usage: make(map[models.FactKey]*models.UsageFact),
		cost:  make(map[models.FactKey]*models.CostFact),
	}
}

// addDirect folds one non-cumulative classified record into the builder.
// Records carrying a cost metric produce a cost fact; records carrying any
// usage metric produce a usage fact; a record can produce both.
func (b *factBuilder) addDirect(cr models.ClassifiedRecord) {
	rec := cr.Record
	key := models.FactKey{
		FactDate:        timeutil.TruncateToDay(rec.BucketStart),
		SourceID:        rec.SourceID,
		CanonicalUserID: cr.Identity.CanonicalUserID,
		Platform:        cr.Platform,
		Discriminator:   rec.Dimension,
	}

	if rec.HasMetric(models.MetricCostMinorUnits) {
		minor := decimal.NewFromFloat(rec.Metric(models.MetricCostMinorUnits)).Round(0).IntPart()
		b.addCost(models.CostFact{
			Key:                   key,
			AmountMinorUnits:      minor,
			Currency:              currencyOr(rec.Currency),
			AttributionMethod:     cr.Identity.Method,
			AttributionConfidence: cr.Identity.Confidence,
			ReconciliationStatus:  models.ReconciliationPending,
		})
	}

	if hasUsageMetrics(&rec) {
		fact := models.UsageFact{
			Key:                   key,
			Requests:              int64(rec.Metric(models.MetricRequests)),
			InputTokens:           int64(rec.Metric(models.MetricInputTokens)),
			OutputTokens:          int64(rec.Metric(models.MetricOutputTokens)),
			CacheReadTokens:       int64(rec.Metric(models.MetricCacheReadTokens)),
			LinesAdded:            int64(rec.Metric(models.MetricLinesAdded)),
			LinesAccepted:         int64(rec.Metric(models.MetricLinesAccepted)),
			Metrics:               rec.MetricFields,
			AttributionMethod:     cr.Identity.Method,
			AttributionConfidence: cr.Identity.Confidence,
		}
		b.addUsage(fact)
	}
}

// addDelta folds one computed billing delta into the cost facts. The fact
// date comes from the inter-snapshot gap's closing instant, attributed to
// the day the gap closes within.
func (b *factBuilder) addDelta(cr models.ClassifiedRecord, delta billingcycle.Delta, currency string) {
	minor := delta.Value.Round(0).IntPart()
	key := models.FactKey{
		FactDate:        timeutil.TruncateToDay(delta.End.Add(-time.Nanosecond)),
		SourceID:        cr.Record.SourceID,
		CanonicalUserID: cr.Identity.CanonicalUserID,
		Platform:        cr.Platform,
		Discriminator:   cr.Record.Dimension,
	}
	b.addCost(models.CostFact{
		Key:                   key,
		AmountMinorUnits:      minor,
		Currency:              currencyOr(currency),
		AttributionMethod:     cr.Identity.Method,
		AttributionConfidence: cr.Identity.Confidence,
		ReconciliationStatus:  models.ReconciliationPending,
	})
}

func (b *factBuilder) addUsage(fact models.UsageFact) {
	existing, ok := b.usage[fact.Key]
	if !ok {
		copied := fact
		copied.Metrics = copyMetrics(fact.Metrics)
		b.usage[fact.Key] = &copied
		return
	}
	existing.Requests += fact.Requests
	existing.InputTokens += fact.InputTokens
	existing.OutputTokens += fact.OutputTokens
	existing.CacheReadTokens += fact.CacheReadTokens
	existing.LinesAdded += fact.LinesAdded
	existing.LinesAccepted += fact.LinesAccepted
	for name, value := range fact.Metrics {
		if name == models.MetricCostMinorUnits {
			continue
		}
		existing.Metrics[name] += value
	}
	if fact.AttributionConfidence > existing.AttributionConfidence {
		existing.AttributionMethod = fact.AttributionMethod
		existing.AttributionConfidence = fact.AttributionConfidence
	}
}

func (b *factBuilder) addCost(fact models.CostFact) {
	existing, ok := b.cost[fact.Key]
	if !ok {
		copied := fact
		b.cost[fact.Key] = &copied
		return
	}
	existing.AmountMinorUnits += fact.AmountMinorUnits
	existing.IsEstimated = existing.IsEstimated || fact.IsEstimated
	if fact.AttributionConfidence > existing.AttributionConfidence {
		existing.AttributionMethod = fact.AttributionMethod
		existing.AttributionConfidence = fact.AttributionConfidence
	}
}

func (b *factBuilder) build() ([]models.UsageFact, []models.CostFact) {
	usage := make([]models.UsageFact, 0, len(b.usage))
	for _, fact := range b.usage {
		usage = append(usage, *fact)
	}
	cost := make([]models.CostFact, 0, len(b.cost))
	for _, fact := range b.cost {
		cost = append(cost, *fact)
	}
	return usage, cost
}

func hasUsageMetrics(rec *models.RawRecord) bool {
	for _, name := range []string{
		models.MetricRequests,
		models.MetricInputTokens,
		models.MetricOutputTokens,
		models.MetricCacheReadTokens,
		models.MetricLinesAdded,
		models.MetricLinesAccepted,
	} {
		if rec.HasMetric(name) {
			return true
		}
	}
	return false
}

func copyMetrics(src map[string]float64) map[string]float64 {
	dst := make(map[string]float64, len(src))
	for name, value := range src {
		if name == models.MetricCostMinorUnits {
			continue
		}
		dst[name] = value
	}
	return dst
}

func currencyOr(currency string) string {
	if currency == "" {
		return "USD"
	}
	return currency
}

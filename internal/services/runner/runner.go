package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/nferch/spendscope/internal/models"
	"github.com/nferch/spendscope/internal/observability"
	"github.com/nferch/spendscope/internal/services/billingcycle"
	"github.com/nferch/spendscope/internal/services/classify"
	"github.com/nferch/spendscope/internal/services/identity"
	"github.com/nferch/spendscope/internal/services/merge"
	"github.com/nferch/spendscope/internal/sources"
	"github.com/nferch/spendscope/internal/timeutil"
	"github.com/nferch/spendscope/internal/warehouse"
)

// PayloadProvider hands over the raw response blob one adapter collaborator
// fetched for a source and window.
type PayloadProvider interface {
	Fetch(sourceID string, window timeutil.DateRange) ([]byte, time.Time, error)
}

// Store is the warehouse surface the runner drives directly. Fact writes go
// through the merger, never through this interface.
type Store interface {
	LoadIdentityMappings(ctx context.Context) (*warehouse.MappingSnapshot, error)
	UpsertBillingSnapshot(ctx context.Context, snap warehouse.BillingSnapshot) error
	ListBillingSnapshots(ctx context.Context, sourceID string, dates timeutil.DateRange) ([]warehouse.BillingSnapshot, error)
	InsertRawPayload(ctx context.Context, runID, sourceID string, fetchedAt time.Time, payload []byte) error
	RecordRun(ctx context.Context, kind string, summary models.RunSummary) error
}

type factMerger interface {
	Upsert(ctx context.Context, sourceID string, dates timeutil.DateRange, usage []models.UsageFact, cost []models.CostFact) (warehouse.MergeResult, error)
}

type reconciler interface {
	Check(ctx context.Context, sourceID string, dates timeutil.DateRange) (models.ReconciliationReport, bool, error)
}

// Runner orchestrates one batch run: per-source normalize → resolve →
// classify → delta-normalize → merge, concurrently across sources, then
// post-hoc reconciliation. A failure local to one source never aborts the
// others; only merge retry exhaustion or an unreachable warehouse is fatal.
type Runner struct {
	registry   *sources.Registry
	payloads   PayloadProvider
	resolver   *identity.Resolver
	classifier *classify.Classifier
	merger     factMerger
	checker    reconciler
	store      Store
	metrics    *observability.Provider
}

func New(
	registry *sources.Registry,
	payloads PayloadProvider,
	resolver *identity.Resolver,
	classifier *classify.Classifier,
	merger factMerger,
	checker reconciler,
	store Store,
	metrics *observability.Provider,
) *Runner {
	return &Runner{
		registry:   registry,
		payloads:   payloads,
		resolver:   resolver,
		classifier: classifier,
		merger:     merger,
		checker:    checker,
		store:      store,
		metrics:    metrics,
	}
}

// Run processes the requested sources over the date range and returns the
// structured summary. The error is non-nil only for run-fatal conditions.
func (r *Runner) Run(ctx context.Context, dates timeutil.DateRange, sourceIDs []string) (models.RunSummary, error) {
	summary := models.RunSummary{
		RunID:      uuid.NewString(),
		StartedAt:  time.Now().UTC(),
		RangeStart: dates.Start(),
		RangeEnd:   dates.End(),
	}
	if len(sourceIDs) == 0 {
		sourceIDs = r.registry.IDs()
	}
	sort.Strings(sourceIDs)

	slog.Info("pipeline run starting", "run_id", summary.RunID, "range", dates.String(), "sources", sourceIDs)

	mapping, err := r.store.LoadIdentityMappings(ctx)
	if err != nil {
		// No mapping view at all means the warehouse is unreachable.
		summary.FatalError = err.Error()
		summary.FinishedAt = time.Now().UTC()
		return summary, fmt.Errorf("load identity mappings: %w", err)
	}

	outcomes := make([]models.SourceOutcome, len(sourceIDs))

	group, groupCtx := errgroup.WithContext(ctx)
	for i, sourceID := range sourceIDs {
		group.Go(func() error {
			outcome, err := r.processSource(groupCtx, summary.RunID, sourceID, dates, mapping)
			outcomes[i] = outcome
			if errors.Is(err, merge.ErrMergeConflict) {
				return err // cancels the remaining sources
			}
			// Other per-source failures stay local to the outcome.
			return nil
		})
	}
	fatal := group.Wait()

	summary.Sources = outcomes
	summary.TotalFailed = summary.AllFailed()
	if fatal != nil {
		summary.FatalError = fatal.Error()
	}

	// Reconciliation runs after every merge has committed; it is advisory
	// and must not fail the run.
	if fatal == nil {
		for _, outcome := range outcomes {
			if !outcome.Succeeded {
				continue
			}
			report, ok, err := r.checker.Check(ctx, outcome.SourceID, dates)
			if err != nil {
				slog.Warn("reconciliation failed", "source", outcome.SourceID, "error", err)
				continue
			}
			if ok {
				summary.Reports = append(summary.Reports, report)
			}
		}
	}

	summary.FinishedAt = time.Now().UTC()
	if err := r.store.RecordRun(ctx, "pipeline", summary); err != nil {
		slog.Error("record run summary", "run_id", summary.RunID, "error", err)
	}
	return summary, fatal
}

func (r *Runner) processSource(ctx context.Context, runID, sourceID string, dates timeutil.DateRange, mapping models.IdentityMappingView) (models.SourceOutcome, error) {
	outcome := models.SourceOutcome{
		SourceID:  sourceID,
		Anomalies: make(map[models.AnomalyKind]int),
	}
	fail := func(err error) (models.SourceOutcome, error) {
		outcome.Succeeded = false
		outcome.Error = err.Error()
		slog.Error("source failed", "run_id", runID, "source", sourceID, "error", err)
		return outcome, err
	}

	normalizer, ok := r.registry.Get(sourceID)
	if !ok {
		return fail(fmt.Errorf("source %s not registered", sourceID))
	}

	payload, fetchedAt, err := r.payloads.Fetch(sourceID, dates)
	if err != nil {
		return fail(err)
	}
	if err := r.store.InsertRawPayload(ctx, runID, sourceID, fetchedAt, payload); err != nil {
		return fail(err)
	}

	records := normalizer.Normalize(payload, fetchedAt, dates)
	outcome.RecordsIn = len(records)
	r.metrics.RecordNormalized(sourceID, len(records))

	builder := newFactBuilder()
	var cumulative []models.ClassifiedRecord

	for i := range records {
		rec := &records[i]
		if len(rec.Diagnostics) > 0 {
			for _, diag := range rec.Diagnostics {
				slog.Warn("unparseable source data", "run_id", runID, "source", sourceID, "diagnostic", diag)
			}
			outcome.Anomalies[models.AnomalySourceUnparseable]++
			r.metrics.RecordAnomaly(sourceID, models.AnomalySourceUnparseable)
			continue
		}
		if !rec.Valid() {
			outcome.Anomalies[models.AnomalyInvalidRecordSkipped]++
			r.metrics.RecordAnomaly(sourceID, models.AnomalyInvalidRecordSkipped)
			continue
		}

		ident := r.resolver.Resolve(rec, mapping)
		r.metrics.RecordResolution(sourceID, ident.Method)
		if ident.Method == models.MethodUnresolved {
			// Expected, tracked as a metric rather than treated as a fault.
			outcome.Anomalies[models.AnomalyIdentityUnresolved]++
		}

		platform, confidence := r.classifier.Classify(rec, ident)
		cr := models.ClassifiedRecord{
			Record:                   *rec,
			Identity:                 ident,
			Platform:                 platform,
			ClassificationConfidence: confidence,
		}
		if rec.IsCumulative {
			cumulative = append(cumulative, cr)
		} else {
			builder.addDirect(cr)
		}
	}

	if len(cumulative) > 0 {
		if err := r.normalizeCumulative(ctx, sourceID, dates, cumulative, builder, &outcome); err != nil {
			return fail(err)
		}
	}

	usage, cost := builder.build()
	res, err := r.merger.Upsert(ctx, sourceID, dates, usage, cost)
	if err != nil {
		if len(res.ReplacedUsage)+len(res.ReplacedCost) > 0 {
			outcome.Anomalies[models.AnomalyMergeConflict] += len(res.ReplacedUsage) + len(res.ReplacedCost)
		}
		return fail(err)
	}
	outcome.UsageFacts = res.UsageWritten
	outcome.CostFacts = res.CostWritten
	outcome.Succeeded = true

	slog.Info("source processed",
		"run_id", runID,
		"source", sourceID,
		"records_in", outcome.RecordsIn,
		"usage_facts", outcome.UsageFacts,
		"cost_facts", outcome.CostFacts,
		"cycle_rollovers", outcome.CycleRollovers)
	return outcome, nil
}

// normalizeCumulative persists this run's cumulative observations, replays
// the full cycle history, and folds the recomputed deltas into the fact
// builder. Every delta in the cycle is re-emitted: per-day fact totals are
// the sum of all gaps closing that day, so a replace-by-key merge of a later
// same-day fetch lands the whole day's total rather than just the newest gap.
func (r *Runner) normalizeCumulative(ctx context.Context, sourceID string, dates timeutil.DateRange, cumulative []models.ClassifiedRecord, builder *factBuilder, outcome *models.SourceOutcome) error {
	type seriesKey struct {
		entity string
		metric string
		cycle  int64
	}
	currentByEntity := make(map[string]models.ClassifiedRecord, len(cumulative))

	for _, cr := range cumulative {
		rec := cr.Record
		currentByEntity[rec.EntityID] = cr
		for metric, value := range rec.MetricFields {
			snap := warehouse.BillingSnapshot{
				SourceID:        sourceID,
				EntityID:        rec.EntityID,
				CycleStart:      rec.BillingCycleStart,
				ObservedAt:      rec.ObservedAt,
				BucketStart:     rec.BucketStart,
				BucketEnd:       rec.BucketEnd,
				Metric:          metric,
				CumulativeValue: decimal.NewFromFloat(value),
				Currency:        rec.Currency,
			}
			if err := r.store.UpsertBillingSnapshot(ctx, snap); err != nil {
				return err
			}
		}
	}

	persisted, err := r.store.ListBillingSnapshots(ctx, sourceID, dates)
	if err != nil {
		return err
	}

	series := make(map[seriesKey][]billingcycle.Snapshot)
	cycleStarts := make(map[seriesKey]time.Time)
	currencies := make(map[seriesKey]string)
	for _, snap := range persisted {
		key := seriesKey{entity: snap.EntityID, metric: snap.Metric, cycle: snap.CycleStart.Unix()}
		series[key] = append(series[key], billingcycle.Snapshot{
			ObservedAt: snap.ObservedAt,
			Value:      snap.CumulativeValue,
		})
		cycleStarts[key] = snap.CycleStart
		if snap.Currency != "" {
			currencies[key] = snap.Currency
		}
	}

	for key, snaps := range series {
		cr, ok := currentByEntity[key.entity]
		if !ok {
			// No new observation for this entity; its prior deltas are
			// already merged.
			continue
		}

		res := billingcycle.ToDeltas(cycleStarts[key], snaps)
		outcome.CycleRollovers += res.BoundaryEvents
		if res.BaselineHeld {
			slog.Warn("cumulative baseline held",
				"source", sourceID, "entity", key.entity, "metric", key.metric,
				"cycle_start", cycleStarts[key].Format(time.RFC3339))
		}
		for _, anomaly := range res.Anomalies {
			slog.Warn("cycle anomaly", "source", sourceID, "entity", key.entity, "detail", anomaly)
			outcome.Anomalies[models.AnomalyCycleBoundary]++
			r.metrics.RecordAnomaly(sourceID, models.AnomalyCycleBoundary)
		}

		if key.metric != models.MetricCostMinorUnits {
			continue
		}
		for _, delta := range res.Deltas {
			builder.addDelta(cr, delta, currencies[key])
		}
	}
	return nil
}

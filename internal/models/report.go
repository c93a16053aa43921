package models

import "time"

// ReconciliationReport compares aggregated cost facts against an externally
// supplied ground-truth total for one period. Advisory only: it never blocks
// a run or mutates fact values.
type ReconciliationReport struct {
	PeriodStart      time.Time            `json:"period_start"`
	PeriodEnd        time.Time            `json:"period_end"`
	SourceID         string               `json:"source_id,omitempty"`
	AggregatedMinor  int64                `json:"aggregated_minor_units"`
	GroundTruthMinor int64                `json:"ground_truth_minor_units"`
	Currency         string               `json:"currency"`
	VarianceAbsolute int64                `json:"variance_absolute"`
	VariancePercent  float64              `json:"variance_percent"`
	Status           ReconciliationStatus `json:"status"`
}

// AnomalyKind categorizes non-fatal per-run anomalies. Nothing is ever
// swallowed without at least a counted entry under one of these.
type AnomalyKind string

const (
	AnomalySourceUnparseable    AnomalyKind = "source_unparseable"
	AnomalyIdentityUnresolved   AnomalyKind = "identity_unresolved"
	AnomalyCycleBoundary        AnomalyKind = "cycle_boundary"
	AnomalyMergeConflict        AnomalyKind = "merge_conflict"
	AnomalyReconciliationDrift  AnomalyKind = "reconciliation_variance"
	AnomalyInvalidRecordSkipped AnomalyKind = "invalid_record_skipped"
)

// SourceOutcome summarizes one source's slice of a run.
type SourceOutcome struct {
	SourceID       string              `json:"source_id"`
	Succeeded      bool                `json:"succeeded"`
	Error          string              `json:"error,omitempty"`
	RecordsIn      int                 `json:"records_in"`
	UsageFacts     int                 `json:"usage_facts"`
	CostFacts      int                 `json:"cost_facts"`
	Anomalies      map[AnomalyKind]int `json:"anomalies,omitempty"`
	CycleRollovers int                 `json:"cycle_rollovers"`
}

// RunSummary is the structured per-run result handed back to the scheduler
// and persisted to the run log.
type RunSummary struct {
	RunID       string                 `json:"run_id"`
	StartedAt   time.Time              `json:"started_at"`
	FinishedAt  time.Time              `json:"finished_at"`
	RangeStart  time.Time              `json:"range_start"`
	RangeEnd    time.Time              `json:"range_end"`
	Sources     []SourceOutcome        `json:"sources"`
	Reports     []ReconciliationReport `json:"reconciliation,omitempty"`
	FatalError  string                 `json:"fatal_error,omitempty"`
	TotalFailed bool                   `json:"total_failed"`
}

// Partial reports whether some but not all sources failed.
func (s *RunSummary) Partial() bool {
	if len(s.Sources) == 0 {
		return false
	}
	failed := 0
	for _, src := range s.Sources {
		if !src.Succeeded {
			failed++
		}
	}
	return failed > 0 && failed < len(s.Sources)
}

// AllFailed reports whether every source in the run failed.
func (s *RunSummary) AllFailed() bool {
	if len(s.Sources) == 0 {
		return false
	}
	for _, src := range s.Sources {
		if src.Succeeded {
			return false
		}
	}
	return true
}

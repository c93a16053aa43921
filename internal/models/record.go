package models

import (
	"time"
)

// HintType names a partial identity signal carried on a raw record.
type HintType string

const (
	HintEmail       HintType = "email"
	HintOpaqueKeyID HintType = "opaque_key_id"
	HintWorkspaceID HintType = "workspace_id"
)

// Common metric field names shared across source normalizers. Sources may emit
// additional fields; only these flow into dedicated fact columns.
const (
	MetricRequests        = "requests"
	MetricInputTokens     = "input_tokens"
	MetricOutputTokens    = "output_tokens"
	MetricCacheReadTokens = "cache_read_tokens"
	MetricLinesAdded      = "lines_added"
	MetricLinesAccepted   = "lines_accepted"
	MetricCostMinorUnits  = "cost_minor_units"
)

// RawRecord is one observation from one source for one bucket. It is the
// canonical envelope every normalizer emits; downstream stages never look at
// vendor payloads again.
type RawRecord struct {
	SourceID    string
	EntityID    string
	BucketStart time.Time
	BucketEnd   time.Time

	// IdentityHints may be empty: some endpoints return org-wide aggregates
	// with every per-entity field null.
	IdentityHints map[HintType]string

	// MetricFields maps metric name to value. Cost values are minor currency
	// units. Semantics are per source.
	MetricFields map[string]float64

	// Dimension disambiguates records sharing a bucket and identity, e.g.
	// model name or cost type. It flows into the fact natural key.
	Dimension string

	// IsCumulative marks running totals since BillingCycleStart rather than
	// values scoped to the bucket.
	IsCumulative      bool
	BillingCycleStart time.Time

	ObservedAt time.Time
	Currency   string

	// RawPayload is retained for audit only. Nothing downstream of the
	// normalizer reads it.
	RawPayload []byte

	// Diagnostics records why a payload (or part of it) could not be parsed.
	// A record with diagnostics and empty metrics is the normalizer's way of
	// surfacing garbage without dropping it.
	Diagnostics []string
}

// Hint returns the hint value and whether it is present and non-empty.
func (r *RawRecord) Hint(t HintType) (string, bool) {
	if r.IdentityHints == nil {
		return "", false
	}
	v, ok := r.IdentityHints[t]
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// Metric returns the named metric value, zero when absent.
func (r *RawRecord) Metric(name string) float64 {
	if r.MetricFields == nil {
		return 0
	}
	return r.MetricFields[name]
}

// HasMetric reports whether the metric was present on the source payload, as
// opposed to being absent (which is not the same as zero).
func (r *RawRecord) HasMetric(name string) bool {
	_, ok := r.MetricFields[name]
	return ok
}

// Valid reports whether the envelope satisfies its structural invariants.
func (r *RawRecord) Valid() bool {
	if r.SourceID == "" || !r.BucketStart.Before(r.BucketEnd) {
		return false
	}
	if r.IsCumulative && r.BillingCycleStart.IsZero() {
		return false
	}
	return true
}

package models

import (
	"fmt"
	"time"
)

// PlatformCategory is the closed product-surface taxonomy facts are bucketed
// into. New surfaces require a new constant plus classifier rules; nothing
// downstream accepts free-form categories.
type PlatformCategory string

const (
	PlatformAPI         PlatformCategory = "api"
	PlatformCodingAgent PlatformCategory = "coding_agent"
	PlatformChat        PlatformCategory = "chat"
	PlatformUnknown     PlatformCategory = "unknown"
)

// ClassifiedRecord pairs a raw record with its attribution and platform
// assignment. This is the shape the fact builders consume.
type ClassifiedRecord struct {
	Record                   RawRecord
	Identity                 ResolvedIdentity
	Platform                 PlatformCategory
	ClassificationConfidence float64
}

// ReconciliationStatus tracks how a cost fact fared against ground truth.
type ReconciliationStatus string

const (
	ReconciliationPending  ReconciliationStatus = "pending"
	ReconciliationMatched  ReconciliationStatus = "matched"
	ReconciliationVariance ReconciliationStatus = "variance_flagged"
)

// FactKey is the natural key shared by both fact shapes. It must be stable
// across reruns so that re-processing a day replaces rather than duplicates.
type FactKey struct {
	FactDate        time.Time
	SourceID        string
	CanonicalUserID string
	Platform        PlatformCategory
	// Discriminator disambiguates rows that would otherwise collide on the
	// same day/source/user/platform, e.g. model name or cost type.
	Discriminator string
}

// String renders the key for lock names and audit log lines.
func (k FactKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s/%s",
		k.FactDate.Format("2006-01-02"), k.SourceID, k.CanonicalUserID, k.Platform, k.Discriminator)
}

// UsageFact is the persisted usage shape.
type UsageFact struct {
	Key FactKey

	Requests        int64
	InputTokens     int64
	OutputTokens    int64
	CacheReadTokens int64
	LinesAdded      int64
	LinesAccepted   int64

	// Metrics carries the full metric map verbatim for fields that have no
	// dedicated column.
	Metrics map[string]float64

	AttributionMethod     ResolutionMethod
	AttributionConfidence float64
}

// CostFact is the persisted cost shape. Amounts are minor currency units.
type CostFact struct {
	Key FactKey

	AmountMinorUnits int64
	Currency         string

	// IsEstimated is true when the amount came from a proxy calculation
	// rather than a vendor-reported figure.
	IsEstimated bool

	AttributionMethod     ResolutionMethod
	AttributionConfidence float64
	ReconciliationStatus  ReconciliationStatus
}

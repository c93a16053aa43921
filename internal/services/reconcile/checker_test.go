package reconcile

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nferch/spendscope/internal/config"
	"github.com/nferch/spendscope/internal/models"
	"github.com/nferch/spendscope/internal/timeutil"
)

func window(t *testing.T) timeutil.DateRange {
	t.Helper()
	w, err := timeutil.ParseDateRange("2026-03-01", "2026-03-31")
	require.NoError(t, err)
	return w
}

func TestCompareWithinThreshold(t *testing.T) {
	// 980 vs 1000 is 2% off: matched.
	report := Compare(window(t), "anthropic", 980, 1000, "USD", 5.0)
	require.Equal(t, models.ReconciliationMatched, report.Status)
	require.Equal(t, 2.0, report.VariancePercent)
	require.Equal(t, int64(20), report.VarianceAbsolute)
}

func TestCompareAboveThreshold(t *testing.T) {
	// 945 vs 1000 is 5.5% off: flagged.
	report := Compare(window(t), "anthropic", 945, 1000, "USD", 5.0)
	require.Equal(t, models.ReconciliationVariance, report.Status)
	require.Equal(t, 5.5, report.VariancePercent)
}

func TestCompareExactThresholdMatches(t *testing.T) {
	// Exactly 5% is not over the threshold.
	report := Compare(window(t), "anthropic", 950, 1000, "USD", 5.0)
	require.Equal(t, models.ReconciliationMatched, report.Status)
}

func TestCompareZeroGroundTruth(t *testing.T) {
	report := Compare(window(t), "anthropic", 500, 0, "USD", 5.0)
	require.Equal(t, models.ReconciliationVariance, report.Status)
	require.Equal(t, float64(100), report.VariancePercent)

	clean := Compare(window(t), "anthropic", 0, 0, "USD", 5.0)
	require.Equal(t, models.ReconciliationMatched, clean.Status)
}

type stubStore struct {
	truth        int64
	truthOK      bool
	aggregated   int64
	annotateErr  error
	annotated    models.ReconciliationStatus
	annotateHits int
}

func (s *stubStore) SumCostFacts(ctx context.Context, sourceID string, dates timeutil.DateRange) (int64, string, error) {
	return s.aggregated, "USD", nil
}

func (s *stubStore) GroundTruth(ctx context.Context, sourceID string, dates timeutil.DateRange) (int64, string, bool, error) {
	return s.truth, "USD", s.truthOK, nil
}

func (s *stubStore) AnnotateReconciliation(ctx context.Context, sourceID string, dates timeutil.DateRange, status models.ReconciliationStatus) (int64, error) {
	s.annotateHits++
	s.annotated = status
	return 1, s.annotateErr
}

func TestCheckSkipsWithoutGroundTruth(t *testing.T) {
	store := &stubStore{truthOK: false}
	checker := New(store, config.ReconciliationConfig{}, nil)

	_, found, err := checker.Check(context.Background(), "anthropic", window(t))
	require.NoError(t, err)
	require.False(t, found, "missing ground truth should skip the check")
	require.Zero(t, store.annotateHits, "nothing should be annotated without ground truth")
}

func TestCheckAnnotatesStatus(t *testing.T) {
	store := &stubStore{truth: 1000, truthOK: true, aggregated: 945}
	checker := New(store, config.ReconciliationConfig{VarianceThresholdPerc: 5.0}, nil)

	report, found, err := checker.Check(context.Background(), "anthropic", window(t))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, models.ReconciliationVariance, report.Status)
	require.Equal(t, models.ReconciliationVariance, store.annotated,
		"facts should be annotated with the report status")
}

func TestCheckToleratesAnnotationFailure(t *testing.T) {
	store := &stubStore{truth: 1000, truthOK: true, aggregated: 990, annotateErr: errors.New("db closed")}
	checker := New(store, config.ReconciliationConfig{}, nil)

	report, found, err := checker.Check(context.Background(), "anthropic", window(t))
	require.NoError(t, err, "annotation failure must not fail the check")
	require.True(t, found)
	require.Equal(t, models.ReconciliationMatched, report.Status)
}

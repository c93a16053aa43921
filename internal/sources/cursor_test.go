package sources

import (
	"testing"
	"time"

	"github.com/nferch/spendscope/internal/models"
)

func TestCursorNormalizeDailyUsage(t *testing.T) {
	payload := []byte(`{
		"daily_usage": [
			{"date": 1772323200, "email": "dev@corp.example", "linesAdded": 420, "acceptedLinesAdded": 390, "totalApplies": 30, "totalAccepts": 28, "composerRequests": 55}
		],
		"fetched_at": 1772420000
	}`)

	records := NewCursor().Normalize(payload, testFetchedAt, testWindow(t))
	if len(records) != 1 {
		t.Fatalf("want 1 record, got %d", len(records))
	}
	rec := records[0]
	if rec.EntityID != "dev@corp.example" || hintOf(rec, models.HintEmail) != "dev@corp.example" {
		t.Fatalf("unexpected entity/hints: %s %v", rec.EntityID, rec.IdentityHints)
	}
	if rec.IsCumulative {
		t.Fatal("daily usage is per-day, not cumulative")
	}
	if got := rec.Metric(models.MetricLinesAccepted); got != 390 {
		t.Fatalf("want 390 accepted lines, got %v", got)
	}
	wantDay := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	if !rec.BucketStart.Equal(wantDay) || !rec.BucketEnd.Equal(wantDay.AddDate(0, 0, 1)) {
		t.Fatalf("want whole-day bucket, got %s..%s", rec.BucketStart, rec.BucketEnd)
	}
}

func TestCursorNormalizeSpendIsCumulative(t *testing.T) {
	payload := []byte(`{
		"team_member_spend": [
			{"email": "dev@corp.example", "spendCents": 10350}
		],
		"billing_cycle_start": 1771200000,
		"fetched_at": 1772420000
	}`)

	records := NewCursor().Normalize(payload, testFetchedAt, testWindow(t))
	if len(records) != 1 {
		t.Fatalf("want 1 record, got %d", len(records))
	}
	rec := records[0]
	if !rec.IsCumulative {
		t.Fatal("spend records must be flagged cumulative")
	}
	if got := rec.Metric(models.MetricCostMinorUnits); got != 10350 {
		t.Fatalf("spendCents should pass through as minor units, got %v", got)
	}
	if !rec.BillingCycleStart.Equal(time.Unix(1771200000, 0).UTC()) {
		t.Fatalf("unexpected cycle start %s", rec.BillingCycleStart)
	}
	if rec.Dimension != "member_spend" || rec.Currency != "USD" {
		t.Fatalf("unexpected spend record: dimension=%q currency=%q", rec.Dimension, rec.Currency)
	}
}

func TestCursorNormalizeObservationTimeIsStable(t *testing.T) {
	// No fetched_at in the payload: the drop's fetch time is the fallback.
	// Replaying the identical drop must observe at the identical instant or
	// every replay would mint a new spend snapshot.
	payload := []byte(`{
		"team_member_spend": [{"email": "dev@corp.example", "spendCents": 500}],
		"billing_cycle_start": 1772323200
	}`)

	first := NewCursor().Normalize(payload, testFetchedAt, testWindow(t))
	second := NewCursor().Normalize(payload, testFetchedAt, testWindow(t))
	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("want 1 record per pass, got %d and %d", len(first), len(second))
	}
	if !first[0].ObservedAt.Equal(testFetchedAt) {
		t.Fatalf("want the fetch time as observation fallback, got %s", first[0].ObservedAt)
	}
	if !first[0].ObservedAt.Equal(second[0].ObservedAt) {
		t.Fatalf("replay observed at %s, want %s", second[0].ObservedAt, first[0].ObservedAt)
	}
}

func TestCursorNormalizeSpendGuards(t *testing.T) {
	window := testWindow(t)

	// Spend without a declared cycle start cannot be delta-normalized.
	noCycle := NewCursor().Normalize([]byte(`{"team_member_spend": [{"email": "a@b.c", "spendCents": 5}]}`), testFetchedAt, window)
	if len(noCycle) != 1 || len(noCycle[0].Diagnostics) == 0 {
		t.Fatalf("missing billing_cycle_start should yield a diagnostic, got %+v", noCycle)
	}

	// A cycle start at or after the fetch time is nonsense from upstream.
	badOrder := NewCursor().Normalize([]byte(`{
		"team_member_spend": [{"email": "a@b.c", "spendCents": 5}],
		"billing_cycle_start": 1772420000,
		"fetched_at": 1772420000
	}`), testFetchedAt, window)
	if len(badOrder) != 1 || len(badOrder[0].Diagnostics) == 0 {
		t.Fatalf("cycle start not before observation should yield a diagnostic, got %+v", badOrder)
	}

	// Rows missing spendCents are surfaced per-row without dropping the rest.
	mixed := NewCursor().Normalize([]byte(`{
		"team_member_spend": [{"email": "a@b.c"}, {"email": "d@e.f", "spendCents": 7}],
		"billing_cycle_start": 1771200000,
		"fetched_at": 1772420000
	}`), testFetchedAt, window)
	if len(mixed) != 2 {
		t.Fatalf("want 2 records, got %d", len(mixed))
	}
	if len(mixed[0].Diagnostics) == 0 {
		t.Fatal("row without spendCents must become a diagnostic")
	}
	if mixed[1].Metric(models.MetricCostMinorUnits) != 7 {
		t.Fatalf("valid row should survive alongside the diagnostic, got %+v", mixed[1])
	}
}

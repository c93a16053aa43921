package sources

import (
	"testing"

	"github.com/nferch/spendscope/internal/models"
)

func TestOpenAINormalizeUsageCarriesEmailHint(t *testing.T) {
	payload := []byte(`{
		"usage": {"data": [{
			"start_time": 1772323200,
			"end_time": 1772409600,
			"results": [
				{"user_email": "Dana.Smith@example.com", "api_key_id": "key_42", "project_id": "proj_ml", "model": "gpt-5", "input_tokens": 900, "output_tokens": 300, "input_cached_tokens": 120, "num_model_requests": 7}
			]
		}]}
	}`)

	records := NewOpenAI().Normalize(payload, testFetchedAt, testWindow(t))
	if len(records) != 1 {
		t.Fatalf("want 1 record, got %d", len(records))
	}
	rec := records[0]
	if got := hintOf(rec, models.HintEmail); got != "Dana.Smith@example.com" {
		t.Fatalf("email hint should pass through unnormalized, got %q", got)
	}
	if rec.EntityID != "key_42" {
		t.Fatalf("key id should win the entity over project, got %s", rec.EntityID)
	}
	if got := hintOf(rec, models.HintWorkspaceID); got != "proj_ml" {
		t.Fatalf("project should map to the workspace hint, got %q", got)
	}
	if rec.Dimension != "gpt-5" {
		t.Fatalf("want model dimension, got %q", rec.Dimension)
	}
	if got := rec.Metric(models.MetricCacheReadTokens); got != 120 {
		t.Fatalf("want 120 cached tokens, got %v", got)
	}
	if rec.IsCumulative {
		t.Fatal("usage buckets are point-in-time, not cumulative")
	}
}

func TestOpenAINormalizeCosts(t *testing.T) {
	payload := []byte(`{
		"costs": {"data": [{
			"start_time": 1772323200,
			"end_time": 1772409600,
			"results": [
				{"project_id": "proj_ml", "line_item": "gpt-5, input", "amount": {"value": 4.005, "currency": "usd"}},
				{"project_id": "proj_ml", "line_item": "gpt-5, output"}
			]
		}]}
	}`)

	records := NewOpenAI().Normalize(payload, testFetchedAt, testWindow(t))
	if len(records) != 2 {
		t.Fatalf("want 2 records, got %d", len(records))
	}

	cost := records[0]
	if got := cost.Metric(models.MetricCostMinorUnits); got != 401 {
		t.Fatalf("4.005 should round to 401 minor units, got %v", got)
	}
	if cost.Currency != "usd" {
		t.Fatalf("currency should pass through, got %q", cost.Currency)
	}
	if cost.Dimension != "gpt-5, input" {
		t.Fatalf("want line item dimension, got %q", cost.Dimension)
	}

	missing := records[1]
	if len(missing.Diagnostics) == 0 {
		t.Fatal("row without amount must become a diagnostic record")
	}
}

func TestOpenAINormalizeRejectsInvalidBuckets(t *testing.T) {
	payload := []byte(`{"usage": {"data": [{"start_time": 0, "end_time": 0, "results": [{}]}]}}`)
	records := NewOpenAI().Normalize(payload, testFetchedAt, testWindow(t))
	if len(records) != 1 || len(records[0].Diagnostics) == 0 {
		t.Fatalf("zero-bound bucket should yield one diagnostic record, got %+v", records)
	}
}

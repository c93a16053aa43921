package sources

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nferch/spendscope/internal/models"
	"github.com/nferch/spendscope/internal/timeutil"
)

// Anthropic normalizes the Admin API usage and cost reports. The usage report
// frequently returns org-wide buckets with api_key_id and workspace_id null;
// those rows are still emitted (entity "org", no identity hints) so org
// totals stay complete even when nothing can be attributed.
type Anthropic struct{}

func NewAnthropic() *Anthropic {
	return &Anthropic{}
}

func (a *Anthropic) SourceID() string { return SourceAnthropic }

type anthropicPayload struct {
	UsageReport *anthropicReport `json:"usage_report"`
	CostReport  *anthropicReport `json:"cost_report"`
}

type anthropicReport struct {
	Data []anthropicBucket `json:"data"`
}

type anthropicBucket struct {
	StartingAt string            `json:"starting_at"`
	EndingAt   string            `json:"ending_at"`
	Results    []json.RawMessage `json:"results"`
}

type anthropicUsageRow struct {
	APIKeyID             *string `json:"api_key_id"`
	WorkspaceID          *string `json:"workspace_id"`
	Model                *string `json:"model"`
	UncachedInputTokens  float64 `json:"uncached_input_tokens"`
	CacheReadInputTokens float64 `json:"cache_read_input_tokens"`
	OutputTokens         float64 `json:"output_tokens"`
	NumRequests          float64 `json:"num_requests"`
}

type anthropicCostRow struct {
	WorkspaceID *string `json:"workspace_id"`
	CostType    *string `json:"cost_type"`
	Amount      string  `json:"amount"`
	Currency    string  `json:"currency"`
}

// Normalize parses both report shapes. Bucket bounds come from the payload
// itself, so the fetch time is unused here.
func (a *Anthropic) Normalize(payload []byte, _ time.Time, window timeutil.DateRange) []models.RawRecord {
	var parsed anthropicPayload
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return []models.RawRecord{diagnosticRecord(SourceAnthropic, window, payload, fmt.Sprintf("payload unparseable: %v", err))}
	}
	if parsed.UsageReport == nil && parsed.CostReport == nil {
		return []models.RawRecord{diagnosticRecord(SourceAnthropic, window, payload, "payload carries neither usage_report nor cost_report")}
	}

	var out []models.RawRecord
	if parsed.UsageReport != nil {
		out = append(out, a.normalizeUsage(parsed.UsageReport, window, payload)...)
	}
	if parsed.CostReport != nil {
		out = append(out, a.normalizeCost(parsed.CostReport, window, payload)...)
	}
	return out
}

func (a *Anthropic) normalizeUsage(report *anthropicReport, window timeutil.DateRange, payload []byte) []models.RawRecord {
	var out []models.RawRecord
	for _, bucket := range report.Data {
		start, end, err := anthropicBucketBounds(bucket)
		if err != nil {
			out = append(out, diagnosticRecord(SourceAnthropic, window, payload, fmt.Sprintf("usage bucket: %v", err)))
			continue
		}
		for _, raw := range bucket.Results {
			var row anthropicUsageRow
			if err := json.Unmarshal(raw, &row); err != nil {
				out = append(out, diagnosticRecord(SourceAnthropic, window, payload, fmt.Sprintf("usage row unparseable: %v", err)))
				continue
			}

			hints := map[models.HintType]string{}
			entity := "org"
			if row.APIKeyID != nil && *row.APIKeyID != "" {
				hints[models.HintOpaqueKeyID] = *row.APIKeyID
				entity = *row.APIKeyID
			}
			if row.WorkspaceID != nil && *row.WorkspaceID != "" {
				hints[models.HintWorkspaceID] = *row.WorkspaceID
				if entity == "org" {
					entity = *row.WorkspaceID
				}
			}

			rec := models.RawRecord{
				SourceID:      SourceAnthropic,
				EntityID:      entity,
				BucketStart:   start,
				BucketEnd:     end,
				IdentityHints: hints,
				MetricFields: map[string]float64{
					models.MetricRequests:        row.NumRequests,
					models.MetricInputTokens:     row.UncachedInputTokens,
					models.MetricOutputTokens:    row.OutputTokens,
					models.MetricCacheReadTokens: row.CacheReadInputTokens,
				},
				ObservedAt: end,
				RawPayload: raw,
			}
			if row.Model != nil {
				rec.Dimension = *row.Model
			}
			out = append(out, rec)
		}
	}
	return out
}

func (a *Anthropic) normalizeCost(report *anthropicReport, window timeutil.DateRange, payload []byte) []models.RawRecord {
	var out []models.RawRecord
	for _, bucket := range report.Data {
		start, end, err := anthropicBucketBounds(bucket)
		if err != nil {
			out = append(out, diagnosticRecord(SourceAnthropic, window, payload, fmt.Sprintf("cost bucket: %v", err)))
			continue
		}
		for _, raw := range bucket.Results {
			var row anthropicCostRow
			if err := json.Unmarshal(raw, &row); err != nil {
				out = append(out, diagnosticRecord(SourceAnthropic, window, payload, fmt.Sprintf("cost row unparseable: %v", err)))
				continue
			}

			amount, err := decimal.NewFromString(row.Amount)
			if err != nil {
				out = append(out, diagnosticRecord(SourceAnthropic, window, payload, fmt.Sprintf("cost amount %q unparseable: %v", row.Amount, err)))
				continue
			}
			// Cost report amounts are whole-currency decimals.
			minor, _ := amount.Mul(decimal.NewFromInt(100)).Round(0).Float64()

			hints := map[models.HintType]string{}
			entity := "org"
			if row.WorkspaceID != nil && *row.WorkspaceID != "" {
				hints[models.HintWorkspaceID] = *row.WorkspaceID
				entity = *row.WorkspaceID
			}
			currency := row.Currency
			if currency == "" {
				currency = "USD"
			}

			rec := models.RawRecord{
				SourceID:      SourceAnthropic,
				EntityID:      entity,
				BucketStart:   start,
				BucketEnd:     end,
				IdentityHints: hints,
				MetricFields: map[string]float64{
					models.MetricCostMinorUnits: minor,
				},
				ObservedAt: end,
				Currency:   currency,
				RawPayload: raw,
			}
			if row.CostType != nil {
				rec.Dimension = *row.CostType
			}
			out = append(out, rec)
		}
	}
	return out
}

func anthropicBucketBounds(bucket anthropicBucket) (time.Time, time.Time, error) {
	start, err := time.Parse(time.RFC3339, bucket.StartingAt)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("starting_at %q: %w", bucket.StartingAt, err)
	}
	end, err := time.Parse(time.RFC3339, bucket.EndingAt)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("ending_at %q: %w", bucket.EndingAt, err)
	}
	if !start.Before(end) {
		return time.Time{}, time.Time{}, fmt.Errorf("bucket %s..%s is not a valid half-open range", bucket.StartingAt, bucket.EndingAt)
	}
	return start.UTC(), end.UTC(), nil
}

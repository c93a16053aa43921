package sources

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nferch/spendscope/internal/models"
	"github.com/nferch/spendscope/internal/timeutil"
)

// OpenAI normalizes the organization usage and costs endpoints. The adapter
// joins user ids against the members endpoint before dropping the blob, so
// usage rows usually carry an email; cost buckets are project-scoped daily
// amounts with no user dimension at all.
type OpenAI struct{}

func NewOpenAI() *OpenAI {
	return &OpenAI{}
}

func (o *OpenAI) SourceID() string { return SourceOpenAI }

type openaiPayload struct {
	Usage *openaiReport `json:"usage"`
	Costs *openaiReport `json:"costs"`
}

type openaiReport struct {
	Data []openaiBucket `json:"data"`
}

type openaiBucket struct {
	StartTime int64             `json:"start_time"`
	EndTime   int64             `json:"end_time"`
	Results   []json.RawMessage `json:"results"`
}

type openaiUsageRow struct {
	UserEmail         *string `json:"user_email"`
	APIKeyID          *string `json:"api_key_id"`
	ProjectID         *string `json:"project_id"`
	Model             *string `json:"model"`
	InputTokens       float64 `json:"input_tokens"`
	OutputTokens      float64 `json:"output_tokens"`
	InputCachedTokens float64 `json:"input_cached_tokens"`
	NumModelRequests  float64 `json:"num_model_requests"`
}

type openaiCostRow struct {
	ProjectID *string           `json:"project_id"`
	LineItem  *string           `json:"line_item"`
	Amount    *openaiCostAmount `json:"amount"`
}

type openaiCostAmount struct {
	Value    float64 `json:"value"`
	Currency string  `json:"currency"`
}

// Normalize parses both report shapes. Bucket bounds come from the payload
// itself, so the fetch time is unused here.
func (o *OpenAI) Normalize(payload []byte, _ time.Time, window timeutil.DateRange) []models.RawRecord {
	var parsed openaiPayload
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return []models.RawRecord{diagnosticRecord(SourceOpenAI, window, payload, fmt.Sprintf("payload unparseable: %v", err))}
	}
	if parsed.Usage == nil && parsed.Costs == nil {
		return []models.RawRecord{diagnosticRecord(SourceOpenAI, window, payload, "payload carries neither usage nor costs")}
	}

	var out []models.RawRecord
	if parsed.Usage != nil {
		out = append(out, o.normalizeUsage(parsed.Usage, window, payload)...)
	}
	if parsed.Costs != nil {
		out = append(out, o.normalizeCosts(parsed.Costs, window, payload)...)
	}
	return out
}

func (o *OpenAI) normalizeUsage(report *openaiReport, window timeutil.DateRange, payload []byte) []models.RawRecord {
	var out []models.RawRecord
	for _, bucket := range report.Data {
		start, end, err := openaiBucketBounds(bucket)
		if err != nil {
			out = append(out, diagnosticRecord(SourceOpenAI, window, payload, fmt.Sprintf("usage bucket: %v", err)))
			continue
		}
		for _, raw := range bucket.Results {
			var row openaiUsageRow
			if err := json.Unmarshal(raw, &row); err != nil {
				out = append(out, diagnosticRecord(SourceOpenAI, window, payload, fmt.Sprintf("usage row unparseable: %v", err)))
				continue
			}

			hints := map[models.HintType]string{}
			entity := "org"
			if row.UserEmail != nil && *row.UserEmail != "" {
				hints[models.HintEmail] = *row.UserEmail
			}
			if row.APIKeyID != nil && *row.APIKeyID != "" {
				hints[models.HintOpaqueKeyID] = *row.APIKeyID
				entity = *row.APIKeyID
			}
			if row.ProjectID != nil && *row.ProjectID != "" {
				hints[models.HintWorkspaceID] = *row.ProjectID
				if entity == "org" {
					entity = *row.ProjectID
				}
			}

			rec := models.RawRecord{
				SourceID:      SourceOpenAI,
				EntityID:      entity,
				BucketStart:   start,
				BucketEnd:     end,
				IdentityHints: hints,
				MetricFields: map[string]float64{
					models.MetricRequests:        row.NumModelRequests,
					models.MetricInputTokens:     row.InputTokens,
					models.MetricOutputTokens:    row.OutputTokens,
					models.MetricCacheReadTokens: row.InputCachedTokens,
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

func (o *OpenAI) normalizeCosts(report *openaiReport, window timeutil.DateRange, payload []byte) []models.RawRecord {
	var out []models.RawRecord
	for _, bucket := range report.Data {
		start, end, err := openaiBucketBounds(bucket)
		if err != nil {
			out = append(out, diagnosticRecord(SourceOpenAI, window, payload, fmt.Sprintf("cost bucket: %v", err)))
			continue
		}
		for _, raw := range bucket.Results {
			var row openaiCostRow
			if err := json.Unmarshal(raw, &row); err != nil {
				out = append(out, diagnosticRecord(SourceOpenAI, window, payload, fmt.Sprintf("cost row unparseable: %v", err)))
				continue
			}
			if row.Amount == nil {
				out = append(out, diagnosticRecord(SourceOpenAI, window, payload, "cost row missing amount"))
				continue
			}

			minor, _ := decimal.NewFromFloat(row.Amount.Value).Mul(decimal.NewFromInt(100)).Round(0).Float64()
			currency := row.Amount.Currency
			if currency == "" {
				currency = "USD"
			}

			hints := map[models.HintType]string{}
			entity := "org"
			if row.ProjectID != nil && *row.ProjectID != "" {
				hints[models.HintWorkspaceID] = *row.ProjectID
				entity = *row.ProjectID
			}

			rec := models.RawRecord{
				SourceID:      SourceOpenAI,
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
			if row.LineItem != nil {
				rec.Dimension = *row.LineItem
			}
			out = append(out, rec)
		}
	}
	return out
}

func openaiBucketBounds(bucket openaiBucket) (time.Time, time.Time, error) {
	if bucket.StartTime <= 0 || bucket.EndTime <= bucket.StartTime {
		return time.Time{}, time.Time{}, fmt.Errorf("bucket %d..%d is not a valid half-open range", bucket.StartTime, bucket.EndTime)
	}
	return time.Unix(bucket.StartTime, 0).UTC(), time.Unix(bucket.EndTime, 0).UTC(), nil
}

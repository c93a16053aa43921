package sources

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nferch/spendscope/internal/models"
	"github.com/nferch/spendscope/internal/timeutil"
)

// Cursor normalizes the teams daily-usage and spend endpoints. Daily usage
// rows are per-member and carry an email plus coding-agent metrics. Spend is
// the awkward one: spendCents is cumulative cycle-to-date, so those records
// are flagged cumulative and routed through the billing delta normalizer.
type Cursor struct{}

func NewCursor() *Cursor {
	return &Cursor{}
}

func (c *Cursor) SourceID() string { return SourceCursor }

type cursorPayload struct {
	DailyUsage        []json.RawMessage `json:"daily_usage"`
	TeamMemberSpend   []json.RawMessage `json:"team_member_spend"`
	BillingCycleStart int64             `json:"billing_cycle_start"`
	FetchedAt         int64             `json:"fetched_at"`
}

type cursorUsageRow struct {
	Date               int64   `json:"date"`
	Email              *string `json:"email"`
	LinesAdded         float64 `json:"linesAdded"`
	AcceptedLinesAdded float64 `json:"acceptedLinesAdded"`
	TotalApplies       float64 `json:"totalApplies"`
	TotalAccepts       float64 `json:"totalAccepts"`
	ComposerRequests   float64 `json:"composerRequests"`
}

type cursorSpendRow struct {
	Email      *string  `json:"email"`
	SpendCents *float64 `json:"spendCents"`
}

func (c *Cursor) Normalize(payload []byte, fetchedAt time.Time, window timeutil.DateRange) []models.RawRecord {
	var parsed cursorPayload
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return []models.RawRecord{diagnosticRecord(SourceCursor, window, payload, fmt.Sprintf("payload unparseable: %v", err))}
	}
	if len(parsed.DailyUsage) == 0 && len(parsed.TeamMemberSpend) == 0 {
		return []models.RawRecord{diagnosticRecord(SourceCursor, window, payload, "payload carries neither daily_usage nor team_member_spend")}
	}

	// The payload's own fetched_at wins; otherwise the drop's fetch time.
	// Never wall clock, which would mint a fresh snapshot per replay.
	observedAt := fetchedAt.UTC()
	if parsed.FetchedAt > 0 {
		observedAt = time.Unix(parsed.FetchedAt, 0).UTC()
	}

	var out []models.RawRecord
	for _, raw := range parsed.DailyUsage {
		var row cursorUsageRow
		if err := json.Unmarshal(raw, &row); err != nil {
			out = append(out, diagnosticRecord(SourceCursor, window, payload, fmt.Sprintf("daily usage row unparseable: %v", err)))
			continue
		}
		if row.Date <= 0 {
			out = append(out, diagnosticRecord(SourceCursor, window, payload, "daily usage row missing date"))
			continue
		}
		day, next := timeutil.DayBounds(time.Unix(row.Date, 0).UTC())

		hints := map[models.HintType]string{}
		entity := "team"
		if row.Email != nil && *row.Email != "" {
			hints[models.HintEmail] = *row.Email
			entity = *row.Email
		}

		out = append(out, models.RawRecord{
			SourceID:      SourceCursor,
			EntityID:      entity,
			BucketStart:   day,
			BucketEnd:     next,
			IdentityHints: hints,
			MetricFields: map[string]float64{
				models.MetricRequests:      row.ComposerRequests,
				models.MetricLinesAdded:    row.LinesAdded,
				models.MetricLinesAccepted: row.AcceptedLinesAdded,
				"applies":                  row.TotalApplies,
				"accepts":                  row.TotalAccepts,
			},
			ObservedAt: observedAt,
			RawPayload: raw,
		})
	}

	if len(parsed.TeamMemberSpend) > 0 && parsed.BillingCycleStart <= 0 {
		// Cumulative spend without a declared cycle start cannot be
		// delta-normalized safely; surface it instead of guessing.
		out = append(out, diagnosticRecord(SourceCursor, window, payload, "team_member_spend present without billing_cycle_start"))
		return out
	}

	cycleStart := time.Unix(parsed.BillingCycleStart, 0).UTC()
	if !observedAt.After(cycleStart) {
		out = append(out, diagnosticRecord(SourceCursor, window, payload, "billing_cycle_start is not before the observation time"))
		return out
	}
	for _, raw := range parsed.TeamMemberSpend {
		var row cursorSpendRow
		if err := json.Unmarshal(raw, &row); err != nil {
			out = append(out, diagnosticRecord(SourceCursor, window, payload, fmt.Sprintf("spend row unparseable: %v", err)))
			continue
		}
		if row.SpendCents == nil {
			out = append(out, diagnosticRecord(SourceCursor, window, payload, "spend row missing spendCents"))
			continue
		}

		hints := map[models.HintType]string{}
		entity := "team"
		if row.Email != nil && *row.Email != "" {
			hints[models.HintEmail] = *row.Email
			entity = *row.Email
		}

		out = append(out, models.RawRecord{
			SourceID:          SourceCursor,
			EntityID:          entity,
			BucketStart:       cycleStart,
			BucketEnd:         observedAt,
			IdentityHints:     hints,
			MetricFields:      map[string]float64{models.MetricCostMinorUnits: *row.SpendCents},
			IsCumulative:      true,
			BillingCycleStart: cycleStart,
			ObservedAt:        observedAt,
			Currency:          "USD",
			Dimension:         "member_spend",
			RawPayload:        raw,
		})
	}
	return out
}

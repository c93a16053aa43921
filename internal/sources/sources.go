package sources

import (
	"fmt"
	"sort"
	"time"

	"github.com/nferch/spendscope/internal/models"
	"github.com/nferch/spendscope/internal/timeutil"
)

// Normalizer converts one vendor's raw response blob into canonical raw
// records. Implementations must be total: a payload that cannot be parsed
// yields a diagnostic record with empty metrics, never an error or a panic.
// Fetching the blob is the adapter collaborator's job, not ours; fetchedAt is
// the provider's fetch time and is the observation fallback when the payload
// does not timestamp itself, so replaying a drop stays deterministic.
type Normalizer interface {
	SourceID() string
	Normalize(payload []byte, fetchedAt time.Time, window timeutil.DateRange) []models.RawRecord
}

// Registry holds the enabled normalizers for a run.
type Registry struct {
	normalizers map[string]Normalizer
}

// NewRegistry builds a registry from the enabled source ids. Unknown ids are
// rejected up front so a typo in config fails the run before any fetch.
func NewRegistry(enabled []string) (*Registry, error) {
	available := map[string]func() Normalizer{
		SourceAnthropic: func() Normalizer { return NewAnthropic() },
		SourceOpenAI:    func() Normalizer { return NewOpenAI() },
		SourceCursor:    func() Normalizer { return NewCursor() },
	}

	reg := &Registry{normalizers: make(map[string]Normalizer, len(enabled))}
	for _, id := range enabled {
		build, ok := available[id]
		if !ok {
			return nil, fmt.Errorf("unknown source %q", id)
		}
		reg.normalizers[id] = build()
	}
	return reg, nil
}

// Get returns the normalizer for a source id.
func (r *Registry) Get(sourceID string) (Normalizer, bool) {
	n, ok := r.normalizers[sourceID]
	return n, ok
}

// IDs returns the registered source ids in stable order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.normalizers))
	for id := range r.normalizers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Source ids. These appear in fact natural keys, so renaming one is a
// breaking schema change.
const (
	SourceAnthropic = "anthropic"
	SourceOpenAI    = "openai"
	SourceCursor    = "cursor"
)

// diagnosticRecord builds the empty-metric envelope normalizers emit when a
// payload (or one row of it) is unusable.
func diagnosticRecord(sourceID string, window timeutil.DateRange, payload []byte, diag string) models.RawRecord {
	return models.RawRecord{
		SourceID:      sourceID,
		EntityID:      "org",
		BucketStart:   window.Start(),
		BucketEnd:     window.End(),
		IdentityHints: map[models.HintType]string{},
		MetricFields:  map[string]float64{},
		RawPayload:    payload,
		Diagnostics:   []string{diag},
	}
}

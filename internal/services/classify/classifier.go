package classify

import (
	"sort"
	"strings"

	"github.com/nferch/spendscope/internal/config"
	"github.com/nferch/spendscope/internal/models"
)

// Signal reliabilities per rule. A rule's output confidence never exceeds
// its signal reliability, and identifier-pattern matches are additionally
// capped by the identity confidence they key on.
const (
	explicitFieldConfidence = 1.0
	patternConfidence       = 0.8
	heuristicConfidence     = 0.6
)

// Classifier assigns a platform category from the closed taxonomy. Rules are
// tried in descending priority; every branch handles missing metadata
// explicitly because upstream APIs null out fields routinely.
type Classifier struct {
	sourceDefaults    map[string]models.PlatformCategory
	workspacePatterns []patternRule
}

type patternRule struct {
	pattern  string
	category models.PlatformCategory
}

func NewClassifier(cfg config.ClassifierConfig) *Classifier {
	patterns := make([]patternRule, 0, len(cfg.WorkspacePatterns))
	for pattern, category := range cfg.WorkspacePatterns {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if pattern == "" {
			continue
		}
		if cat, ok := parseCategory(category); ok {
			patterns = append(patterns, patternRule{pattern: pattern, category: cat})
		}
	}
	// Longest pattern first, then lexicographic: the most specific match wins
	// and classification stays stable when several patterns hit.
	sort.Slice(patterns, func(i, j int) bool {
		if len(patterns[i].pattern) != len(patterns[j].pattern) {
			return len(patterns[i].pattern) > len(patterns[j].pattern)
		}
		return patterns[i].pattern < patterns[j].pattern
	})
	return &Classifier{
		// Direct source-level categories: a coding-tool source is a platform
		// signal in itself, equivalent to an explicit field.
		sourceDefaults: map[string]models.PlatformCategory{
			"cursor": models.PlatformCodingAgent,
		},
		workspacePatterns: patterns,
	}
}

// Classify returns the platform category and classification confidence for
// one attributed record.
func (c *Classifier) Classify(rec *models.RawRecord, ident models.ResolvedIdentity) (models.PlatformCategory, float64) {
	// (a) explicit platform signal: the source itself is a single product
	// surface, indistinguishable from the record carrying the field.
	if cat, ok := c.sourceDefaults[rec.SourceID]; ok {
		return cat, explicitFieldConfidence
	}

	// (b) identifier pattern match on workspace/key ids. Keyed on identity,
	// so confidence cannot exceed the identity's own.
	if cat, ok := c.matchPattern(rec); ok {
		confidence := patternConfidence
		if ident.Method != models.MethodDirectEmail && ident.Confidence < confidence {
			confidence = ident.Confidence
		}
		if confidence > 0 {
			return cat, confidence
		}
	}

	// (c) metric-shape heuristics.
	if cat, ok := metricShape(rec); ok {
		return cat, heuristicConfidence
	}

	return models.PlatformUnknown, 0
}

func (c *Classifier) matchPattern(rec *models.RawRecord) (models.PlatformCategory, bool) {
	candidates := make([]string, 0, 2)
	if ws, ok := rec.Hint(models.HintWorkspaceID); ok {
		candidates = append(candidates, strings.ToLower(ws))
	}
	if key, ok := rec.Hint(models.HintOpaqueKeyID); ok {
		candidates = append(candidates, strings.ToLower(key))
	}
	for _, rule := range c.workspacePatterns {
		for _, candidate := range candidates {
			if strings.Contains(candidate, rule.pattern) {
				return rule.category, true
			}
		}
	}
	return models.PlatformUnknown, false
}

func metricShape(rec *models.RawRecord) (models.PlatformCategory, bool) {
	hasLines := rec.HasMetric(models.MetricLinesAdded) || rec.HasMetric(models.MetricLinesAccepted)
	hasTokens := rec.HasMetric(models.MetricInputTokens) || rec.HasMetric(models.MetricOutputTokens)

	switch {
	case hasLines:
		return models.PlatformCodingAgent, true
	case hasTokens:
		return models.PlatformAPI, true
	default:
		return models.PlatformUnknown, false
	}
}

func parseCategory(raw string) (models.PlatformCategory, bool) {
	switch models.PlatformCategory(strings.ToLower(strings.TrimSpace(raw))) {
	case models.PlatformAPI:
		return models.PlatformAPI, true
	case models.PlatformCodingAgent:
		return models.PlatformCodingAgent, true
	case models.PlatformChat:
		return models.PlatformChat, true
	default:
		return models.PlatformUnknown, false
	}
}

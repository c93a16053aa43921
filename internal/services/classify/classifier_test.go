package classify

import (
	"testing"

	"github.com/nferch/spendscope/internal/config"
	"github.com/nferch/spendscope/internal/models"
)

func testClassifier() *Classifier {
	return NewClassifier(config.ClassifierConfig{
		WorkspacePatterns: map[string]string{
			"claude-code": "coding_agent",
			"chat":        "chat",
			"bogus":       "not-a-category",
		},
	})
}

func TestClassifySourceDefault(t *testing.T) {
	rec := &models.RawRecord{SourceID: "cursor"}
	cat, confidence := testClassifier().Classify(rec, models.Unresolved())
	if cat != models.PlatformCodingAgent || confidence != 1.0 {
		t.Fatalf("cursor records are coding_agent at 1.0, got %s %v", cat, confidence)
	}
}

func TestClassifyPatternMatch(t *testing.T) {
	rec := &models.RawRecord{
		SourceID:      "anthropic",
		IdentityHints: map[models.HintType]string{models.HintWorkspaceID: "wrkspc_Claude-Code_prod"},
	}
	ident := models.ResolvedIdentity{Method: models.MethodDirectEmail, Confidence: 1.0}
	cat, confidence := testClassifier().Classify(rec, ident)
	if cat != models.PlatformCodingAgent || confidence != 0.8 {
		t.Fatalf("want coding_agent at 0.8, got %s %v", cat, confidence)
	}
}

func TestClassifyPatternCappedByIdentityConfidence(t *testing.T) {
	rec := &models.RawRecord{
		SourceID:      "anthropic",
		IdentityHints: map[models.HintType]string{models.HintWorkspaceID: "chat-workspace"},
	}
	ident := models.ResolvedIdentity{Method: models.MethodWorkspaceInference, Confidence: 0.5}
	cat, confidence := testClassifier().Classify(rec, ident)
	if cat != models.PlatformChat || confidence != 0.5 {
		t.Fatalf("pattern confidence must not exceed identity confidence, got %s %v", cat, confidence)
	}
}

func TestClassifyPatternOnKeyHint(t *testing.T) {
	rec := &models.RawRecord{
		SourceID:      "openai",
		IdentityHints: map[models.HintType]string{models.HintOpaqueKeyID: "key-claude-code-ci"},
	}
	ident := models.ResolvedIdentity{Method: models.MethodKeyMapping, Confidence: 0.9}
	cat, confidence := testClassifier().Classify(rec, ident)
	if cat != models.PlatformCodingAgent || confidence != 0.8 {
		t.Fatalf("key hints participate in pattern matching, got %s %v", cat, confidence)
	}
}

func TestClassifyOverlappingPatternsDeterministic(t *testing.T) {
	c := NewClassifier(config.ClassifierConfig{
		WorkspacePatterns: map[string]string{
			"eng":      "api",
			"eng-chat": "chat",
		},
	})
	rec := &models.RawRecord{
		SourceID:      "anthropic",
		IdentityHints: map[models.HintType]string{models.HintWorkspaceID: "wrkspc_eng-chat_prod"},
	}
	ident := models.ResolvedIdentity{Method: models.MethodDirectEmail, Confidence: 1.0}
	for i := 0; i < 20; i++ {
		cat, _ := c.Classify(rec, ident)
		if cat != models.PlatformChat {
			t.Fatalf("the longer pattern must win every time, got %s on pass %d", cat, i)
		}
	}
}

func TestClassifyMetricShapeHeuristic(t *testing.T) {
	lines := &models.RawRecord{
		SourceID:     "anthropic",
		MetricFields: map[string]float64{models.MetricLinesAdded: 10},
	}
	cat, confidence := testClassifier().Classify(lines, models.Unresolved())
	if cat != models.PlatformCodingAgent || confidence != 0.6 {
		t.Fatalf("line metrics imply coding_agent at 0.6, got %s %v", cat, confidence)
	}

	tokens := &models.RawRecord{
		SourceID:     "anthropic",
		MetricFields: map[string]float64{models.MetricInputTokens: 10},
	}
	cat, confidence = testClassifier().Classify(tokens, models.Unresolved())
	if cat != models.PlatformAPI || confidence != 0.6 {
		t.Fatalf("token metrics imply api at 0.6, got %s %v", cat, confidence)
	}
}

func TestClassifyUnknown(t *testing.T) {
	rec := &models.RawRecord{
		SourceID:     "anthropic",
		MetricFields: map[string]float64{models.MetricCostMinorUnits: 500},
	}
	cat, confidence := testClassifier().Classify(rec, models.Unresolved())
	if cat != models.PlatformUnknown || confidence != 0 {
		t.Fatalf("no signal means unknown at 0, got %s %v", cat, confidence)
	}
}

func TestNewClassifierDropsInvalidPatterns(t *testing.T) {
	rec := &models.RawRecord{
		SourceID:      "anthropic",
		IdentityHints: map[models.HintType]string{models.HintWorkspaceID: "bogus-space"},
	}
	ident := models.ResolvedIdentity{Method: models.MethodDirectEmail, Confidence: 1.0}
	cat, confidence := testClassifier().Classify(rec, ident)
	if cat != models.PlatformUnknown || confidence != 0 {
		t.Fatalf("patterns with unknown categories are dropped at load, got %s %v", cat, confidence)
	}
}

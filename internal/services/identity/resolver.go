package identity

import (
	"strings"

	"github.com/nferch/spendscope/internal/config"
	"github.com/nferch/spendscope/internal/models"
)

// Resolver attributes raw records to canonical users. It is a pure function
// over the record's hints and the injected mapping view; absence of mapping
// data degrades to unresolved, never to an error.
type Resolver struct {
	aliasDomains map[string]string
	workspaceCap float64
}

func NewResolver(cfg config.IdentityConfig) *Resolver {
	ceiling := cfg.WorkspaceConfidenceCap
	if ceiling <= 0 || ceiling > 0.5 {
		ceiling = 0.5
	}
	return &Resolver{
		aliasDomains: cfg.AliasDomains,
		workspaceCap: ceiling,
	}
}

// Resolve applies the precedence rules: direct email, then opaque key
// mapping, then workspace inference, then unresolved. A key hint always
// outranks a workspace hint even when the key mapping's own confidence is
// lower; key identity is a stronger signal class.
func (r *Resolver) Resolve(rec *models.RawRecord, mapping models.IdentityMappingView) models.ResolvedIdentity {
	if email, ok := rec.Hint(models.HintEmail); ok {
		return models.ResolvedIdentity{
			CanonicalUserID: r.NormalizeEmail(email),
			Confidence:      1.0,
			Method:          models.MethodDirectEmail,
		}
	}

	keyID, hasKey := rec.Hint(models.HintOpaqueKeyID)
	if hasKey && mapping != nil {
		if entry, ok := mapping.ByOpaqueKey(keyID); ok && entry.CanonicalUserID != "" {
			return models.ResolvedIdentity{
				CanonicalUserID: entry.CanonicalUserID,
				Confidence:      clampConfidence(entry.Confidence),
				Method:          models.MethodKeyMapping,
			}
		}
	}

	// Workspace inference only runs when no key hint is present at all: an
	// unmapped key means we know the record belongs to a specific key whose
	// owner is unknown, and guessing by workspace would mis-attribute it.
	if wsID, ok := rec.Hint(models.HintWorkspaceID); ok && !hasKey && mapping != nil {
		if entry, ok := mapping.ByWorkspace(wsID); ok && entry.CanonicalUserID != "" {
			confidence := clampConfidence(entry.Confidence)
			if confidence > r.workspaceCap {
				confidence = r.workspaceCap
			}
			return models.ResolvedIdentity{
				CanonicalUserID: entry.CanonicalUserID,
				Confidence:      confidence,
				Method:          models.MethodWorkspaceInference,
			}
		}
	}

	return models.Unresolved()
}

// NormalizeEmail lowercases, trims, and collapses known alias domains onto
// the canonical one so the same person's accounts line up across vendors.
func (r *Resolver) NormalizeEmail(email string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return email
	}
	local, domain := email[:at], email[at+1:]
	if canonical, ok := r.aliasDomains[domain]; ok {
		domain = canonical
	}
	return local + "@" + domain
}

func clampConfidence(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

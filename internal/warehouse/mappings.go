package warehouse

import (
	"context"
	"fmt"
	"strings"

	"github.com/nferch/spendscope/internal/models"
)

// MappingSnapshot is an in-memory, read-only copy of the identity mapping
// table taken at the start of a run. The resolver works against the snapshot
// so mid-run sheet syncs cannot make a single run inconsistent.
type MappingSnapshot struct {
	byKey       map[string]models.MappingEntry
	byWorkspace map[string]models.MappingEntry
}

// NewMappingSnapshot builds a snapshot from already loaded entries.
func NewMappingSnapshot(byKey, byWorkspace map[string]models.MappingEntry) *MappingSnapshot {
	if byKey == nil {
		byKey = make(map[string]models.MappingEntry)
	}
	if byWorkspace == nil {
		byWorkspace = make(map[string]models.MappingEntry)
	}
	return &MappingSnapshot{byKey: byKey, byWorkspace: byWorkspace}
}

func (m *MappingSnapshot) ByOpaqueKey(id string) (models.MappingEntry, bool) {
	entry, ok := m.byKey[strings.TrimSpace(id)]
	return entry, ok
}

func (m *MappingSnapshot) ByWorkspace(id string) (models.MappingEntry, bool) {
	entry, ok := m.byWorkspace[strings.TrimSpace(id)]
	return entry, ok
}

// KeyCount and WorkspaceCount feed the inspectmapping command.
func (m *MappingSnapshot) KeyCount() int       { return len(m.byKey) }
func (m *MappingSnapshot) WorkspaceCount() int { return len(m.byWorkspace) }

// Entries returns every mapping entry by kind for inspection.
func (m *MappingSnapshot) Entries(kind string) map[string]models.MappingEntry {
	switch kind {
	case "key":
		return m.byKey
	case "workspace":
		return m.byWorkspace
	default:
		return nil
	}
}

var _ models.IdentityMappingView = (*MappingSnapshot)(nil)

// LoadIdentityMappings reads the externally synced mapping table. The
// pipeline never writes to it; an empty table is a normal result and yields
// a snapshot that resolves nothing.
func (s *Store) LoadIdentityMappings(ctx context.Context) (*MappingSnapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT kind, external_id, canonical_user_id, confidence
		FROM identity_mappings`)
	if err != nil {
		return nil, fmt.Errorf("load identity mappings: %w", err)
	}
	defer rows.Close()

	snap := &MappingSnapshot{
		byKey:       make(map[string]models.MappingEntry),
		byWorkspace: make(map[string]models.MappingEntry),
	}
	for rows.Next() {
		var kind, externalID, userID string
		var confidence float64
		if err := rows.Scan(&kind, &externalID, &userID, &confidence); err != nil {
			return nil, fmt.Errorf("scan identity mapping: %w", err)
		}
		if confidence < 0 {
			confidence = 0
		}
		if confidence > 1 {
			confidence = 1
		}
		entry := models.MappingEntry{CanonicalUserID: userID, Confidence: confidence}
		switch kind {
		case "key":
			snap.byKey[externalID] = entry
		case "workspace":
			snap.byWorkspace[externalID] = entry
		}
	}
	return snap, rows.Err()
}

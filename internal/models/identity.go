package models

// ResolutionMethod describes how an identity was attributed.
type ResolutionMethod string

const (
	MethodDirectEmail        ResolutionMethod = "direct_email"
	MethodKeyMapping         ResolutionMethod = "key_mapping"
	MethodWorkspaceInference ResolutionMethod = "workspace_inference"
	MethodUnresolved         ResolutionMethod = "unresolved"
)

// UnattributedUser is the sentinel canonical id for records no rule could
// attribute. It still produces facts so org totals stay complete.
const UnattributedUser = "unattributed"

// ResolvedIdentity is the attribution result for one raw record.
type ResolvedIdentity struct {
	CanonicalUserID string
	Confidence      float64
	Method          ResolutionMethod
}

// Unresolved returns the sentinel identity.
func Unresolved() ResolvedIdentity {
	return ResolvedIdentity{
		CanonicalUserID: UnattributedUser,
		Confidence:      0,
		Method:          MethodUnresolved,
	}
}

// Attributed reports whether the identity points at a real user.
func (ri ResolvedIdentity) Attributed() bool {
	return ri.Method != MethodUnresolved && ri.CanonicalUserID != UnattributedUser
}

// MappingEntry is one row of the externally maintained identity mapping. The
// mapping is read-only from the pipeline's perspective; entries may themselves
// be marked uncertain by whoever maintains the sheet it syncs from.
type MappingEntry struct {
	CanonicalUserID string
	Confidence      float64
}

// IdentityMappingView is the read-only mapping surface injected into the
// resolver. Implementations are expected to be snapshots: stable for the
// duration of one run.
type IdentityMappingView interface {
	ByOpaqueKey(id string) (MappingEntry, bool)
	ByWorkspace(id string) (MappingEntry, bool)
}

package common

import "github.com/google/uuid"

// ownerNamespace is the fixed UUIDv5 namespace under which non-UUID owner
// identifiers are hashed. Changing it would re-key every owner's concurrency
// row, so it is frozen.
var ownerNamespace = uuid.MustParse("b6e0d7a2-4f11-5a38-9c64-21d1c04e8f5b")

// NormalizeOwnerID maps an external team identifier onto the uniformly-typed
// uuid column. Identifiers that already parse as UUIDs pass through unchanged;
// anything else is deterministically hashed so the mapping is stable across
// processes and restarts.
func NormalizeOwnerID(ownerID string) uuid.UUID {
	if id, err := uuid.Parse(ownerID); err == nil {
		return id
	}
	return uuid.NewSHA1(ownerNamespace, []byte(ownerID))
}

// Package oplog implements the operation record model (C2) and the
// append-only operation-log store (C3).
package oplog

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/super-productivity/sync-core/pkg/vectorclock"
)

// OpType is the closed set of operation kinds spec.md §3 defines.
type OpType string

const (
	OpCreate     OpType = "create"
	OpUpdate     OpType = "update"
	OpDelete     OpType = "delete"
	OpSyncImport OpType = "sync_import"
)

// EntityType tags the kind of application entity an operation affects.
// The set is open at the Go-type level (plain string) but closed by
// convention to the tags the embedding application defines; ALL is
// reserved for bulk/import operations with no single entity.
type EntityType string

// ALLEntityType marks an operation (SyncImport, or a bulk move) that
// does not target one specific entity type.
const ALLEntityType EntityType = "ALL"

// Payload is the opaque, application-defined value carried by an
// operation. This package never introspects it except to require it be
// present for Delete and SyncImport ops.
type Payload = []byte

// Operation is an immutable record describing an intended state change.
// Once constructed it must never be mutated; callers that need a
// modified operation (the rewriter, for instance) construct a new value.
type Operation struct {
	ID           string
	ClientID     vectorclock.ClientID
	ActionType   string
	OpType       OpType
	EntityType   EntityType
	EntityID     string
	EntityIDs    []string
	Payload      Payload
	VectorClock  vectorclock.Clock
	Timestamp    int64 // milliseconds since epoch UTC
	SchemaVersion int
}

// NewOperationID returns a fresh time-ordered operation identifier. UUIDv7
// is preferred per spec.md §3 for tie-break stability: two ops produced
// moments apart sort the same way their creation order did.
func NewOperationID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the global random source is broken; fall
		// back to a random v4 rather than panic in a hot path.
		return uuid.New().String()
	}
	return id.String()
}

// NowMillis returns the current time in milliseconds since epoch UTC,
// the unit spec.md §3 mandates for Operation.Timestamp.
func NowMillis() int64 {
	return time.Now().UTC().UnixMilli()
}

// Validate checks the invariants spec.md §3 places on an operation:
// vectorClock[clientId] >= 1, and a non-empty payload for Delete and
// SyncImport ops (they must carry enough to re-execute intent on a
// peer).
func (op Operation) Validate() error {
	if op.ID == "" {
		return fmt.Errorf("operation: missing id")
	}
	if !op.ClientID.Valid() {
		return fmt.Errorf("operation: invalid client id %q", op.ClientID)
	}
	if op.VectorClock.Get(op.ClientID) < 1 {
		return fmt.Errorf("operation: vector clock for producing client %q must be >= 1, got %d",
			op.ClientID, op.VectorClock.Get(op.ClientID))
	}
	if (op.OpType == OpDelete || op.OpType == OpSyncImport) && len(op.Payload) == 0 {
		return fmt.Errorf("operation: %s op must carry a non-empty payload", op.OpType)
	}
	return nil
}

// IsBulk reports whether op targets a set of entities (EntityIDs) rather
// than, or in addition to, a single EntityID — the move-to-archive shape
// spec.md §4.3 calls out for verbatim-payload preservation.
func (op Operation) IsBulk() bool {
	return len(op.EntityIDs) > 0
}

// GroupKey returns the key C5 groups rejected operations by: EntityID
// for single-entity ops, EntityType for bulk ops with no single
// EntityID.
func (op Operation) GroupKey() string {
	if op.EntityID != "" {
		return "entity:" + op.EntityID
	}
	return "type:" + string(op.EntityType)
}

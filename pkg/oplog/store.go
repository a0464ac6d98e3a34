package oplog

import (
	"github.com/super-productivity/sync-core/pkg/vectorclock"
)

// Source distinguishes where an op-log entry originated.
type Source string

const (
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
)

// Entry is the stored form of an operation: the operation itself plus
// local-only metadata (spec.md §3 "Operation-log entry").
type Entry struct {
	Seq      uint64
	Op       Operation
	Source   Source
	Rejected bool
}

// StateCache is the serialized materialized-state cache described in
// spec.md §3 "Snapshot cache". Snapshot is the opaque materialized state
// blob; this package never interprets it.
type StateCache struct {
	Snapshot         []byte
	LastAppliedOpSeq uint64
	VectorClock      vectorclock.Clock
	CompactedAt      int64
	SchemaVersion    int
	// EntityKeys is a convenience index only (spec.md §9 Open Question);
	// no correctness path in this module reads it.
	EntityKeys []string
}

// Store is the C3 op-log store contract. Implementations must make
// AppendWithClockUpdate and WithOpLogLock mutually exclusive with each
// other and with themselves — the sp_op_log critical section of
// spec.md §5.
type Store interface {
	// Append assigns the next sequence number, persists the entry, and
	// returns the assigned seq. Does not touch the global vector clock.
	Append(op Operation, source Source) (uint64, error)

	// AppendWithClockUpdate appends op and advances the store's global
	// clock to Merge(globalClock, op.VectorClock), atomically with
	// respect to any other caller of AppendWithClockUpdate or
	// WithOpLogLock.
	AppendWithClockUpdate(op Operation, source Source) (uint64, error)

	// WithOpLogLock runs fn holding the same critical section
	// AppendWithClockUpdate uses, for callers (the rewriter) that must
	// read-then-append-then-advance-clock as one atomic unit. fn
	// receives a Tx exposing the subset of store operations that are
	// safe to call while already holding the lock — calling any method
	// on Store itself from within fn would deadlock.
	WithOpLogLock(fn func(tx Tx) error) error

	// Scan returns entries with Seq > fromSeq, ascending, up to limit
	// (0 means unbounded). Rejected entries are skipped unless
	// includeRejected is true.
	Scan(fromSeq uint64, limit int, includeRejected bool) ([]Entry, error)

	// MarkRejected idempotently tombstones the given operation IDs.
	MarkRejected(opIDs []string) error

	// GetProtectedClientIDs returns the pruning-safe ID set.
	GetProtectedClientIDs() ([]vectorclock.ClientID, error)
	// SetProtectedClientIDs overwrites the pruning-safe ID set.
	SetProtectedClientIDs(ids []vectorclock.ClientID) error

	// SaveStateCache overwrites the snapshot cache in place.
	SaveStateCache(cache StateCache) error
	// SaveStateCacheBackup copies the current snapshot cache into the
	// backup slot, for migration safety.
	SaveStateCacheBackup() error
	// RestoreStateCacheFromBackup overwrites the live snapshot cache
	// with the backup slot's contents.
	RestoreStateCacheFromBackup() error
	// ClearStateCacheBackup discards the backup slot.
	ClearStateCacheBackup() error
	// LoadStateCache returns the current snapshot cache, or ok=false if
	// none has been saved yet.
	LoadStateCache() (cache StateCache, ok bool, err error)

	// GetLastSeq returns the largest non-rejected seq, or 0 if the log
	// is empty.
	GetLastSeq() (uint64, error)

	// GetCurrentVectorClock returns the persisted global clock.
	GetCurrentVectorClock() (vectorclock.Clock, error)
	// SetVectorClock overwrites the persisted global clock (used by
	// clean-slate and after SyncImport).
	SetVectorClock(vc vectorclock.Clock) error

	// GetLocalClientID returns the client ID this store's local device
	// uses to produce operations, or ok=false if none has been
	// assigned yet.
	GetLocalClientID() (id vectorclock.ClientID, ok bool, err error)
	// SetLocalClientID assigns (or reassigns, on clean-slate) the local
	// client ID.
	SetLocalClientID(id vectorclock.ClientID) error

	// ClearAllOperations removes every entry and resets the sequence
	// counter. Never touches the protected-client-IDs set.
	ClearAllOperations() error
}

// Tx is the subset of Store operations available to a WithOpLogLock
// callback: everything the superseded-op rewriter (C5) needs to read the
// global clock, append rewrites, and advance the clock as a single
// atomic unit, without re-acquiring the sp_op_log lock.
type Tx interface {
	GetCurrentVectorClock() (vectorclock.Clock, error)
	AppendWithClockUpdate(op Operation, source Source) (uint64, error)
	GetProtectedClientIDs() ([]vectorclock.ClientID, error)
}

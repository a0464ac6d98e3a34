// Package syncimport implements C6: classifying local operations as
// pre-import (drop) or post-import (keep) relative to the most recent
// local SYNC_IMPORT operation, including the pruning-artifact heuristic
// that keeps legitimately-pruned post-import ops from being misread as
// concurrent with the import.
package syncimport

import (
	"github.com/rs/zerolog"

	"github.com/super-productivity/sync-core/pkg/metrics"
	"github.com/super-productivity/sync-core/pkg/oplog"
	"github.com/super-productivity/sync-core/pkg/vectorclock"
)

// Filter implements C6 against a fixed MaxVectorClockSize — the same
// bound the store's pruning (vectorclock.LimitSize) enforces, since the
// heuristic reasons about whether a Concurrent comparison could be
// explained by that bound having been hit.
type Filter struct {
	maxVectorClockSize int
	logger             zerolog.Logger
	metricsReg         *metrics.Registry
}

// New constructs a Filter. metricsReg may be nil.
func New(maxVectorClockSize int, logger zerolog.Logger, metricsReg *metrics.Registry) *Filter {
	return &Filter{maxVectorClockSize: maxVectorClockSize, logger: logger, metricsReg: metricsReg}
}

// Result is the partition spec.md §4.5 asks C6 to produce.
type Result struct {
	Valid      []oplog.Operation
	Invalidated []oplog.Operation
}

// Classify partitions candidates (local ops not yet uploaded) into valid
// and invalidated relative to importOp, the most recent local
// SYNC_IMPORT op. If no SYNC_IMPORT has ever been logged locally, every
// candidate is valid — pass importOp's zero value with haveImport=false.
func Classify(candidates []oplog.Operation, importOp oplog.Operation, haveImport bool, maxVectorClockSize int) Result {
	if !haveImport {
		return Result{Valid: candidates}
	}

	result := Result{
		Valid:       make([]oplog.Operation, 0, len(candidates)),
		Invalidated: make([]oplog.Operation, 0),
	}
	for _, op := range candidates {
		if isValid(op, importOp, maxVectorClockSize) {
			result.Valid = append(result.Valid, op)
		} else {
			result.Invalidated = append(result.Invalidated, op)
		}
	}
	return result
}

// Classify runs Classify using the Filter's configured clock-size bound.
// When any op is invalidated it logs the invalidated and valid counts and
// adds the invalidated count to the OpsInvalidated metric; tombstoning
// the invalidated ops is left to the caller.
func (f *Filter) Classify(candidates []oplog.Operation, importOp oplog.Operation, haveImport bool) Result {
	result := Classify(candidates, importOp, haveImport, f.maxVectorClockSize)
	if len(result.Invalidated) > 0 {
		f.logger.Info().
			Int("invalidated", len(result.Invalidated)).
			Int("valid", len(result.Valid)).
			Msg("sync-import filter tombstoned pre-import operations")
		if f.metricsReg != nil {
			for i := 0; i < len(result.Invalidated); i++ {
				f.metricsReg.OpsInvalidated.Inc()
			}
		}
	}
	return result
}

func isValid(l, importOp oplog.Operation, maxVectorClockSize int) bool {
	switch vectorclock.Compare(l.VectorClock, importOp.VectorClock) {
	case vectorclock.Greater:
		return true
	case vectorclock.Less, vectorclock.Equal:
		return false
	default: // Concurrent
		return isLikelyPruningArtifact(l, importOp, maxVectorClockSize)
	}
}

// isLikelyPruningArtifact implements spec.md §4.5 step 6's heuristic,
// exhaustive over its four cases (spec.md §8 property 5).
func isLikelyPruningArtifact(l, importOp oplog.Operation, maxVectorClockSize int) bool {
	if _, present := importOp.VectorClock[l.ClientID]; present {
		return false // case 1: truly concurrent, the import already knows this client
	}
	if len(importOp.VectorClock) < maxVectorClockSize {
		return false // case 2: import clock had room, so pruning can't explain Concurrent
	}

	shared := make([]vectorclock.ClientID, 0)
	for k := range l.VectorClock {
		if _, ok := importOp.VectorClock[k]; ok {
			shared = append(shared, k)
		}
	}
	if len(shared) == 0 {
		return false // case 3: no overlap to reason about
	}

	for _, k := range shared {
		if l.VectorClock[k] < importOp.VectorClock[k] {
			return false // case 4: at least one shared key regresses, not a pruning artifact
		}
	}
	return true
}

// MostRecentSyncImport scans entries in descending seq order for the
// latest SYNC_IMPORT op, the "locate the most recent SYNC_IMPORT op I in
// the local log" step of spec.md §4.5.
func MostRecentSyncImport(entries []oplog.Entry) (op oplog.Operation, ok bool) {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Op.OpType == oplog.OpSyncImport {
			return entries[i].Op, true
		}
	}
	return oplog.Operation{}, false
}

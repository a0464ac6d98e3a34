// Package rewrite implements C5: batch rewriting of locally-lost
// operations into new LWW operations that dominate the accepted remote
// clock, run inside the sp_op_log critical section.
package rewrite

import (
	"github.com/rs/zerolog"

	"github.com/super-productivity/sync-core/pkg/conflict"
	syncerrors "github.com/super-productivity/sync-core/pkg/errors"
	"github.com/super-productivity/sync-core/pkg/metrics"
	"github.com/super-productivity/sync-core/pkg/oplog"
	"github.com/super-productivity/sync-core/pkg/vectorclock"
)

// Input is one op the server rejected: the op itself, plus the clock the
// server reported it already had for the same entity (existingClock),
// when available.
type Input struct {
	OpID          string
	Op            oplog.Operation
	ExistingClock vectorclock.Clock // nil if the server reported none
}

// Result reports what the rewrite round actually did, the way spec.md
// §4.4 asks to surface to the user: "N local changes kept by rewrite, M
// discarded".
type Result struct {
	Rewritten   int
	Discarded   int
	RejectedIDs []string
}

// Rewriter implements C5.
type Rewriter struct {
	store       oplog.Store
	entityState conflict.EntityStateProvider
	maxClockLen int
	logger      zerolog.Logger
	metrics     *metrics.Registry
}

// New constructs a Rewriter. metricsReg may be nil.
func New(store oplog.Store, entityState conflict.EntityStateProvider, maxClockLen int, logger zerolog.Logger, metricsReg *metrics.Registry) *Rewriter {
	return &Rewriter{
		store:       store,
		entityState: entityState,
		maxClockLen: maxClockLen,
		logger:      logger,
		metrics:     metricsReg,
	}
}

// Rewrite implements the process of spec.md §4.4, steps 1–6, running
// steps 4–5 inside the store's sp_op_log critical section so that the
// global-clock read in step 4 and the appends in step 5 are atomic with
// respect to any concurrent caller of Store.AppendWithClockUpdate. The
// tombstoning of step 2 and the grouping of step 3 happen before the
// lock is taken.
func (rw *Rewriter) Rewrite(inputs []Input, extraClocks []vectorclock.Clock, snapshotVectorClock vectorclock.Clock) (Result, error) {
	if rw.metrics != nil {
		rw.metrics.RewriteRounds.Inc()
	}

	clientID, ok, err := rw.store.GetLocalClientID()
	if err != nil {
		return Result{}, err
	}
	if !ok {
		// spec.md §4.4 step 1: abort with zero rewrites.
		return Result{}, syncerrors.New(syncerrors.KindClockIDAbsent, "rewrite", "Rewrite", "no local client id assigned")
	}

	rejectedIDs := make([]string, 0, len(inputs))
	for _, in := range inputs {
		rejectedIDs = append(rejectedIDs, in.OpID)
	}
	if err := rw.store.MarkRejected(rejectedIDs); err != nil {
		return Result{}, err
	}

	groups := groupByEntity(inputs)

	result := Result{RejectedIDs: rejectedIDs}

	lockErr := rw.store.WithOpLogLock(func(tx oplog.Tx) error {
		globalClock, err := tx.GetCurrentVectorClock()
		if err != nil {
			return err
		}
		protectedBase, err := tx.GetProtectedClientIDs()
		if err != nil {
			return err
		}

		for _, group := range groups {
			rewritten, discarded, err := rw.rewriteGroup(tx, group, clientID, globalClock, extraClocks, snapshotVectorClock, protectedBase)
			if err != nil {
				return err
			}
			if discarded {
				result.Discarded++
				continue
			}
			if rewritten {
				result.Rewritten++
			}
		}
		return nil
	})
	if lockErr != nil {
		return Result{}, lockErr
	}

	if rw.metrics != nil {
		for i := 0; i < result.Rewritten; i++ {
			rw.metrics.OpsRewritten.Inc()
		}
		for i := 0; i < result.Discarded; i++ {
			rw.metrics.OpsDiscarded.Inc()
		}
	}

	rw.logger.Info().
		Int("rewritten", result.Rewritten).
		Int("discarded", result.Discarded).
		Msg("superseded-op rewrite round complete")

	return result, nil
}

// group is one entity's (or one bulk entity-type's) set of rejected
// inputs.
type group struct {
	key    string
	inputs []Input
}

func groupByEntity(inputs []Input) []group {
	order := make([]string, 0)
	byKey := make(map[string][]Input)
	for _, in := range inputs {
		k := in.Op.GroupKey()
		if _, seen := byKey[k]; !seen {
			order = append(order, k)
		}
		byKey[k] = append(byKey[k], in)
	}
	out := make([]group, 0, len(order))
	for _, k := range order {
		out = append(out, group{key: k, inputs: byKey[k]})
	}
	return out
}

// rewriteGroup produces and appends the single rewrite op for one group,
// per spec.md §4.4 step 4. Returns rewritten=true on success,
// discarded=true when a regular Update group's entity state was
// unavailable.
func (rw *Rewriter) rewriteGroup(tx oplog.Tx, g group, clientID vectorclock.ClientID, globalClock vectorclock.Clock, extraClocks []vectorclock.Clock, snapshotVC vectorclock.Clock, protectedBase []vectorclock.ClientID) (rewritten, discarded bool, err error) {
	clocksToMerge := []vectorclock.Clock{globalClock}
	if snapshotVC != nil {
		clocksToMerge = append(clocksToMerge, snapshotVC)
	}
	clocksToMerge = append(clocksToMerge, extraClocks...)

	existingClockKeySet := map[vectorclock.ClientID]struct{}{}
	var maxTimestamp int64
	representative := g.inputs[0].Op

	for _, in := range g.inputs {
		clocksToMerge = append(clocksToMerge, in.Op.VectorClock)
		if in.ExistingClock != nil {
			clocksToMerge = append(clocksToMerge, in.ExistingClock)
			for k := range in.ExistingClock {
				existingClockKeySet[k] = struct{}{}
			}
		}
		if in.Op.Timestamp > maxTimestamp {
			maxTimestamp = in.Op.Timestamp
			representative = in.Op
		}
	}

	merged := vectorclock.MergeAll(clocksToMerge...)
	rewriteClock := vectorclock.Increment(merged, clientID)

	protected := append([]vectorclock.ClientID(nil), protectedBase...)
	for k := range existingClockKeySet {
		protected = append(protected, k)
	}
	preLimitSize := len(rewriteClock)
	rewriteClock = vectorclock.LimitSize(rewriteClock, protected, clientID, rw.maxClockLen)
	if rw.metrics != nil && len(rewriteClock) < preLimitSize {
		rw.metrics.VectorClockPrunes.Inc()
	}

	rewrite := oplog.Operation{
		ID:            oplog.NewOperationID(),
		ClientID:      clientID,
		ActionType:    representative.ActionType,
		EntityType:    representative.EntityType,
		EntityID:      representative.EntityID,
		EntityIDs:     representative.EntityIDs,
		VectorClock:   rewriteClock,
		Timestamp:     maxTimestamp,
		SchemaVersion: representative.SchemaVersion,
	}

	switch {
	case representative.OpType == oplog.OpDelete:
		rewrite.OpType = oplog.OpDelete
		rewrite.Payload = representative.Payload

	case representative.IsBulk():
		rewrite.OpType = representative.OpType
		rewrite.Payload = representative.Payload

	default:
		state, ok := rw.entityState.GetCurrentEntityState(representative.EntityType, representative.EntityID)
		if !ok {
			rw.logger.Warn().Str("group", g.key).Msg("rewrite group discarded: entity state unavailable")
			return false, true, nil
		}
		rewrite.OpType = oplog.OpUpdate
		rewrite.Payload = state
	}

	if _, err := tx.AppendWithClockUpdate(rewrite, oplog.SourceLocal); err != nil {
		return false, false, err
	}
	return true, false, nil
}

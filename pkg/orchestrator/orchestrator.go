// Package orchestrator implements C8: the single-threaded round state
// machine that drives download -> apply -> upload, coordinates
// piggybacking, and invokes C4-C6 as needed.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	syncerrors "github.com/super-productivity/sync-core/pkg/errors"
	"github.com/super-productivity/sync-core/pkg/metrics"
	"github.com/super-productivity/sync-core/pkg/oplog"
	"github.com/super-productivity/sync-core/pkg/remote"
	"github.com/super-productivity/sync-core/pkg/rewrite"
	"github.com/super-productivity/sync-core/pkg/syncimport"
	"github.com/super-productivity/sync-core/pkg/vectorclock"
)

// State is one of the round state machine's states, spec.md §4.7.
type State string

const (
	StateIdle      State = "idle"
	StatePulling   State = "pulling"
	StateApplying  State = "applying"
	StatePushing   State = "pushing"
	StateResolving State = "resolving"
	StateError     State = "error"
)

// Applier is the inbound "applier" external interface of spec.md §4.7
// step 2: idempotent, ordering-preserving application of remote ops to
// the materialized state. It belongs to the surrounding application.
type Applier interface {
	ApplyRemoteOps(ops []oplog.Operation) error
}

// SnapshotProvider supplies the orchestrator's current materialized
// state for upload, standing in for C8's "our latest materialized
// snapshot" source in spec.md §4.6 step 4.
type SnapshotProvider interface {
	CurrentSnapshot() ([]byte, error)
}

// RemoteSync is the subset of *remote.Adapter the orchestrator drives.
// Exposed as an interface so tests can substitute a fake remote that
// actually rejects ops, exercising the Resolving transition the
// single-file adapter's piggyback design never triggers on its own.
type RemoteSync interface {
	DownloadOps(ctx context.Context, sinceSeq uint64, clientID vectorclock.ClientID) (remote.DownloadResult, error)
	UploadOps(ctx context.Context, entries []oplog.Entry, clientID vectorclock.ClientID, lastKnownSeq uint64, snapshot []byte, protected []vectorclock.ClientID) (remote.UploadResult, error)
	UploadSnapshot(ctx context.Context, snapshot []byte, clientID vectorclock.ClientID, vc vectorclock.Clock) (remote.UploadResult, error)
}

// RoundResult summarizes one RunRound call for the caller/UI.
type RoundResult struct {
	FinalState      State
	DownloadApplied int
	PiggybackApplied int
	Uploaded        int
	Invalidated     int
	RewriteRounds   int
	Rewritten       int
	Discarded       int
}

// Orchestrator implements C8.
type Orchestrator struct {
	store            oplog.Store
	remoteSync       RemoteSync
	applier          Applier
	snapshotProvider SnapshotProvider
	syncImportFilter *syncimport.Filter
	rewriter         *rewrite.Rewriter
	maxRewriteRounds int
	ioTimeout        time.Duration
	logger           zerolog.Logger
	metricsReg       *metrics.Registry

	mu              sync.Mutex
	state           State
	lastServerSeq   uint64
	lastUploadedSeq uint64
}

// New constructs an Orchestrator. metricsReg may be nil. ioTimeout bounds
// every individual call into remoteSync (spec.md §5); a zero value
// disables the bound and the caller's ctx governs alone.
func New(
	store oplog.Store,
	remoteSync RemoteSync,
	applier Applier,
	snapshotProvider SnapshotProvider,
	syncImportFilter *syncimport.Filter,
	rewriter *rewrite.Rewriter,
	maxRewriteRounds int,
	ioTimeout time.Duration,
	logger zerolog.Logger,
	metricsReg *metrics.Registry,
) *Orchestrator {
	return &Orchestrator{
		store:            store,
		remoteSync:       remoteSync,
		applier:          applier,
		snapshotProvider: snapshotProvider,
		syncImportFilter: syncImportFilter,
		rewriter:         rewriter,
		maxRewriteRounds: maxRewriteRounds,
		ioTimeout:        ioTimeout,
		logger:           logger,
		metricsReg:       metricsReg,
		state:            StateIdle,
	}
}

// withIOTimeout derives a per-call context bounded by o.ioTimeout, the way
// spec.md §5 requires every I/O call to carry a caller-supplied timeout.
// Callers must invoke the returned cancel func.
func (o *Orchestrator) withIOTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.ioTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, o.ioTimeout)
}

// State returns the orchestrator's current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// RunRound drives exactly one round of spec.md §4.7's transition
// sequence: Idle -> Pulling -> Applying -> Pushing -> (Resolving)* ->
// Idle, or -> Error on any fatal failure.
func (o *Orchestrator) RunRound(ctx context.Context) (RoundResult, error) {
	if o.metricsReg != nil {
		timer := prometheus.NewTimer(o.metricsReg.RoundDuration)
		defer timer.ObserveDuration()
	}

	clientID, ok, err := o.store.GetLocalClientID()
	if err != nil {
		return o.fail(err)
	}
	if !ok {
		return o.fail(syncerrors.New(syncerrors.KindClockIDAbsent, "orchestrator", "RunRound", "no local client id assigned"))
	}

	result := RoundResult{}

	o.setState(StatePulling)
	o.mu.Lock()
	sinceSeq := o.lastServerSeq
	o.mu.Unlock()
	downloadCtx, cancel := o.withIOTimeout(ctx)
	download, err := o.remoteSync.DownloadOps(downloadCtx, sinceSeq, clientID)
	cancel()
	if err != nil {
		return o.fail(mapTimeout(ctx, err))
	}

	o.setState(StateApplying)
	if len(download.Ops) > 0 {
		if err := o.applier.ApplyRemoteOps(download.Ops); err != nil {
			return o.fail(err)
		}
		result.DownloadApplied = len(download.Ops)
	}
	o.mu.Lock()
	if download.LatestSeq > o.lastServerSeq {
		o.lastServerSeq = download.LatestSeq
	}
	o.mu.Unlock()

	if err := o.pushAndResolve(ctx, clientID, &result); err != nil {
		result.FinalState = StateError
		return result, err
	}

	o.setState(StateIdle)
	result.FinalState = StateIdle
	if o.metricsReg != nil {
		o.metricsReg.SyncRounds.WithLabelValues("success").Inc()
	}
	return result, nil
}

// pushAndResolve implements spec.md §4.7 steps 3-5: collect and filter
// local ops, upload, and loop through Resolving at most maxRewriteRounds
// times if the remote reports rejections.
func (o *Orchestrator) pushAndResolve(ctx context.Context, clientID vectorclock.ClientID, result *RoundResult) error {
	fail := func(err error) error {
		_, ferr := o.fail(err)
		return ferr
	}

	o.setState(StatePushing)

	entries, err := o.validOutboundEntries(result)
	if err != nil {
		return fail(err)
	}

	snapshot, err := o.snapshotProvider.CurrentSnapshot()
	if err != nil {
		return fail(err)
	}
	protected, err := o.store.GetProtectedClientIDs()
	if err != nil {
		return fail(err)
	}

	o.mu.Lock()
	lastServerSeq := o.lastServerSeq
	o.mu.Unlock()

	uploadCtx, cancel := o.withIOTimeout(ctx)
	upload, err := o.remoteSync.UploadOps(uploadCtx, entries, clientID, lastServerSeq, snapshot, protected)
	cancel()
	if err != nil {
		return fail(mapTimeout(ctx, err))
	}

	for len(upload.Rejected) > 0 {
		if result.RewriteRounds >= o.maxRewriteRounds {
			return fail(syncerrors.New(syncerrors.KindRewriteBudgetExhausted, "orchestrator", "pushAndResolve",
				"exceeded MAX_LWW_REWRITE_ROUNDS resolving server-side rejections"))
		}
		result.RewriteRounds++
		o.setState(StateResolving)

		inputs := buildRewriteInputs(entries, upload.Rejected)
		rewriteResult, err := o.rewriter.Rewrite(inputs, nil, nil)
		if err != nil {
			return fail(err)
		}
		result.Rewritten += rewriteResult.Rewritten
		result.Discarded += rewriteResult.Discarded

		o.setState(StatePushing)
		entries, err = o.validOutboundEntries(result)
		if err != nil {
			return fail(err)
		}
		retryCtx, retryCancel := o.withIOTimeout(ctx)
		upload, err = o.remoteSync.UploadOps(retryCtx, entries, clientID, lastServerSeq, snapshot, protected)
		retryCancel()
		if err != nil {
			return fail(mapTimeout(ctx, err))
		}
	}

	newTop := o.lastUploadedSeqAfter(entries)
	o.mu.Lock()
	if newTop > o.lastUploadedSeq {
		o.lastUploadedSeq = newTop
	}
	if newTop > o.lastServerSeq {
		o.lastServerSeq = newTop
	}
	o.mu.Unlock()
	result.Uploaded = len(entries)

	if len(upload.NewOps) > 0 {
		// Piggybacked ops: accepted, with piggyback. Apply them, do not
		// re-enter Pushing this round (spec.md §4.7 step 4).
		ops := make([]oplog.Operation, 0, len(upload.NewOps))
		var maxSeq uint64
		for _, co := range upload.NewOps {
			ops = append(ops, co.Op)
			if co.Seq > maxSeq {
				maxSeq = co.Seq
			}
		}
		if err := o.applier.ApplyRemoteOps(ops); err != nil {
			return fail(err)
		}
		result.PiggybackApplied = len(ops)
		o.mu.Lock()
		if maxSeq > o.lastServerSeq {
			o.lastServerSeq = maxSeq
		}
		o.mu.Unlock()
	}

	return nil
}

// validOutboundEntries collects local ops with seq > lastUploadedSeq and
// runs C6 on them to drop pre-import ones, per spec.md §4.7 step 3.
func (o *Orchestrator) validOutboundEntries(result *RoundResult) ([]oplog.Entry, error) {
	o.mu.Lock()
	lastUploadedSeq := o.lastUploadedSeq
	o.mu.Unlock()

	candidates, err := o.store.Scan(lastUploadedSeq, 0, false)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	allEntries, err := o.store.Scan(0, 0, true)
	if err != nil {
		return nil, err
	}
	importOp, haveImport := syncimport.MostRecentSyncImport(allEntries)

	ops := make([]oplog.Operation, 0, len(candidates))
	byID := make(map[string]oplog.Entry, len(candidates))
	for _, e := range candidates {
		if haveImport && e.Op.ID == importOp.ID {
			continue
		}
		ops = append(ops, e.Op)
		byID[e.Op.ID] = e
	}

	classified := o.syncImportFilter.Classify(ops, importOp, haveImport)
	if len(classified.Invalidated) > 0 {
		ids := make([]string, 0, len(classified.Invalidated))
		for _, op := range classified.Invalidated {
			ids = append(ids, op.ID)
		}
		if err := o.store.MarkRejected(ids); err != nil {
			return nil, err
		}
		result.Invalidated += len(ids)
	}

	out := make([]oplog.Entry, 0, len(classified.Valid))
	for _, op := range classified.Valid {
		out = append(out, byID[op.ID])
	}
	return out, nil
}

func (o *Orchestrator) lastUploadedSeqAfter(entries []oplog.Entry) uint64 {
	o.mu.Lock()
	top := o.lastUploadedSeq
	o.mu.Unlock()
	for _, e := range entries {
		if e.Seq > top {
			top = e.Seq
		}
	}
	return top
}

// buildRewriteInputs correlates the remote's rejected-op IDs back to the
// local entries that were uploaded, the way C8 hands C5 "the rejected
// ops and the server's reported existingClock per op" (spec.md §4.7
// step 5).
func buildRewriteInputs(entries []oplog.Entry, rejected []remote.RejectedOp) []rewrite.Input {
	byID := make(map[string]oplog.Operation, len(entries))
	for _, e := range entries {
		byID[e.Op.ID] = e.Op
	}
	inputs := make([]rewrite.Input, 0, len(rejected))
	for _, r := range rejected {
		op, ok := byID[r.OpID]
		if !ok {
			continue
		}
		inputs = append(inputs, rewrite.Input{OpID: r.OpID, Op: op, ExistingClock: r.ExistingClock})
	}
	return inputs
}

// mapTimeout reports a round cancelled at an await point (spec.md §5) as
// a transient I/O error rather than whatever the remote happened to
// return, so callers can retry it the same way they'd retry a flaky
// network call.
func mapTimeout(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded || ctx.Err() == context.Canceled {
		return syncerrors.Wrap(syncerrors.KindTransientIO, "orchestrator", "RunRound", ctx.Err())
	}
	return err
}

func (o *Orchestrator) fail(err error) (RoundResult, error) {
	o.setState(StateError)
	kind := syncerrors.KindInternal
	if se, ok := err.(*syncerrors.SyncError); ok {
		kind = se.Kind
	}
	o.logger.Error().Err(err).Str("kind", string(kind)).Msg("sync round failed")
	if o.metricsReg != nil {
		o.metricsReg.SyncRounds.WithLabelValues("error").Inc()
	}
	return RoundResult{FinalState: StateError}, err
}

// CleanSlate implements spec.md §4.7's clean-slate trigger: appends one
// SyncImport op under a fresh client ID with a fresh clock, clears all
// prior log entries, protects the new clock's keys from pruning forever,
// and force-uploads the snapshot bypassing piggyback.
func (o *Orchestrator) CleanSlate(ctx context.Context, newClientID vectorclock.ClientID, snapshot []byte) error {
	if !newClientID.Valid() {
		return syncerrors.New(syncerrors.KindClockIDAbsent, "orchestrator", "CleanSlate", "new client id invalid")
	}

	freshClock := vectorclock.Clock{newClientID: 1}
	importOp := oplog.Operation{
		ID:          oplog.NewOperationID(),
		ClientID:    newClientID,
		OpType:      oplog.OpSyncImport,
		EntityType:  oplog.ALLEntityType,
		Payload:     snapshot,
		VectorClock: freshClock,
		Timestamp:   oplog.NowMillis(),
	}
	if err := importOp.Validate(); err != nil {
		return syncerrors.Wrap(syncerrors.KindInternal, "orchestrator", "CleanSlate", err)
	}

	if err := o.store.ClearAllOperations(); err != nil {
		return syncerrors.Wrap(syncerrors.KindInternal, "orchestrator", "CleanSlate", err)
	}
	seq, err := o.store.AppendWithClockUpdate(importOp, oplog.SourceLocal)
	if err != nil {
		return syncerrors.Wrap(syncerrors.KindInternal, "orchestrator", "CleanSlate", err)
	}
	if err := o.store.SetVectorClock(freshClock); err != nil {
		return syncerrors.Wrap(syncerrors.KindInternal, "orchestrator", "CleanSlate", err)
	}
	if err := o.store.SetProtectedClientIDs(vectorclock.Keys(freshClock)); err != nil {
		return syncerrors.Wrap(syncerrors.KindInternal, "orchestrator", "CleanSlate", err)
	}
	if err := o.store.SetLocalClientID(newClientID); err != nil {
		return syncerrors.Wrap(syncerrors.KindInternal, "orchestrator", "CleanSlate", err)
	}

	o.mu.Lock()
	o.lastServerSeq = 0
	o.lastUploadedSeq = seq
	o.mu.Unlock()

	snapshotCtx, cancel := o.withIOTimeout(ctx)
	_, err = o.remoteSync.UploadSnapshot(snapshotCtx, snapshot, newClientID, freshClock)
	cancel()
	if err != nil {
		return mapTimeout(ctx, err)
	}

	o.logger.Info().Str("new_client_id", string(newClientID)).Msg("clean-slate complete")
	return nil
}

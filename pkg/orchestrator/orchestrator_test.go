package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/super-productivity/sync-core/pkg/conflict"
	"github.com/super-productivity/sync-core/pkg/logging"
	"github.com/super-productivity/sync-core/pkg/oplog"
	"github.com/super-productivity/sync-core/pkg/remote"
	"github.com/super-productivity/sync-core/pkg/rewrite"
	"github.com/super-productivity/sync-core/pkg/syncimport"
	"github.com/super-productivity/sync-core/pkg/vectorclock"
)

type fakeApplier struct {
	applied [][]oplog.Operation
}

func (f *fakeApplier) ApplyRemoteOps(ops []oplog.Operation) error {
	f.applied = append(f.applied, ops)
	return nil
}

type fakeSnapshotProvider struct {
	snapshot []byte
}

func (f *fakeSnapshotProvider) CurrentSnapshot() ([]byte, error) {
	return f.snapshot, nil
}

type fakeEntityStateProvider struct {
	states map[string]oplog.Payload
}

func (f *fakeEntityStateProvider) GetCurrentEntityState(entityType oplog.EntityType, entityID string) (oplog.Payload, bool) {
	p, ok := f.states[entityID]
	return p, ok
}

var _ conflict.EntityStateProvider = (*fakeEntityStateProvider)(nil)

// fakeRemoteSync is a scriptable RemoteSync: DownloadOps always returns
// downloadResult; UploadOps returns uploadResults[call] (clamped to the
// last entry once exhausted), letting a test force an arbitrary number
// of consecutive rejections.
type fakeRemoteSync struct {
	downloadResult remote.DownloadResult
	downloadErr    error
	uploadResults  []remote.UploadResult
	uploadErr      error
	uploadCall     int
	snapshotResult remote.UploadResult
	snapshotErr    error
}

func (f *fakeRemoteSync) DownloadOps(ctx context.Context, sinceSeq uint64, clientID vectorclock.ClientID) (remote.DownloadResult, error) {
	return f.downloadResult, f.downloadErr
}

func (f *fakeRemoteSync) UploadOps(ctx context.Context, entries []oplog.Entry, clientID vectorclock.ClientID, lastKnownSeq uint64, snapshot []byte, protected []vectorclock.ClientID) (remote.UploadResult, error) {
	if f.uploadErr != nil {
		return remote.UploadResult{}, f.uploadErr
	}
	idx := f.uploadCall
	if idx >= len(f.uploadResults) {
		idx = len(f.uploadResults) - 1
	}
	f.uploadCall++
	return f.uploadResults[idx], nil
}

func (f *fakeRemoteSync) UploadSnapshot(ctx context.Context, snapshot []byte, clientID vectorclock.ClientID, vc vectorclock.Clock) (remote.UploadResult, error) {
	if f.snapshotErr != nil {
		return remote.UploadResult{}, f.snapshotErr
	}
	return f.snapshotResult, nil
}

func newTestOrchestrator(t *testing.T, store *oplog.MemStore, remoteSync RemoteSync, applier Applier) *Orchestrator {
	t.Helper()
	fes := &fakeEntityStateProvider{states: map[string]oplog.Payload{}}
	filter := syncimport.New(32, logging.Noop(), nil)
	rw := rewrite.New(store, fes, 32, logging.Noop(), nil)
	return New(store, remoteSync, applier, &fakeSnapshotProvider{snapshot: []byte("snapshot")}, filter, rw, 5, 0, logging.Noop(), nil)
}

func TestRunRoundHappyPathReturnsToIdle(t *testing.T) {
	store := oplog.NewMemStore(logging.Noop())
	require.NoError(t, store.SetLocalClientID("A1234"))

	remoteSync := &fakeRemoteSync{
		uploadResults: []remote.UploadResult{{Accepted: true, SyncVersion: 1}},
	}
	applier := &fakeApplier{}
	o := newTestOrchestrator(t, store, remoteSync, applier)

	result, err := o.RunRound(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateIdle, result.FinalState)
	assert.Equal(t, StateIdle, o.State())
}

func TestRunRoundAppliesPiggybackedOpsWithoutReenteringPushing(t *testing.T) {
	store := oplog.NewMemStore(logging.Noop())
	require.NoError(t, store.SetLocalClientID("A1234"))

	piggybacked := remote.CompactOp{Seq: 10, ClientID: "B1234", Op: oplog.Operation{ID: "op1", ClientID: "B1234", VectorClock: vectorclock.Clock{"B1234": 1}}}
	remoteSync := &fakeRemoteSync{
		uploadResults: []remote.UploadResult{{Accepted: true, SyncVersion: 2, NewOps: []remote.CompactOp{piggybacked}}},
	}
	applier := &fakeApplier{}
	o := newTestOrchestrator(t, store, remoteSync, applier)

	result, err := o.RunRound(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.PiggybackApplied)
	require.Len(t, applier.applied, 1)
	assert.Equal(t, "op1", applier.applied[0][0].ID)
}

// TestRunRoundBoundedRewriteLoopFailsAfterMaxRounds implements scenario
// S6: force-feed 6 consecutive server rejections on the same op; the
// orchestrator attempts 5 rewrite rounds, then a fatal resolution error.
func TestRunRoundBoundedRewriteLoopFailsAfterMaxRounds(t *testing.T) {
	store := oplog.NewMemStore(logging.Noop())
	require.NoError(t, store.SetLocalClientID("A1234"))

	lost := oplog.Operation{
		ID: "op1", ClientID: "A1234", OpType: oplog.OpDelete,
		EntityType: "TASK", EntityID: "t1",
		VectorClock: vectorclock.Clock{"A1234": 1}, Timestamp: 1000,
		Payload: []byte(`{"deleted":true}`),
	}
	_, err := store.Append(lost, oplog.SourceLocal)
	require.NoError(t, err)

	alwaysRejected := remote.UploadResult{Accepted: false, Rejected: []remote.RejectedOp{
		{OpID: "op1", ExistingClock: vectorclock.Clock{"B1234": 7}},
	}}
	remoteSync := &fakeRemoteSync{uploadResults: []remote.UploadResult{alwaysRejected}}
	applier := &fakeApplier{}
	o := newTestOrchestrator(t, store, remoteSync, applier)

	result, err := o.RunRound(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateError, result.FinalState)
	assert.Equal(t, 5, result.RewriteRounds)
	assert.Equal(t, StateError, o.State())
}

func TestCleanSlateRejectsInvalidClientID(t *testing.T) {
	store := oplog.NewMemStore(logging.Noop())
	o := newTestOrchestrator(t, store, &fakeRemoteSync{}, &fakeApplier{})

	err := o.CleanSlate(context.Background(), "abc", []byte("{}"))
	assert.Error(t, err)
}

// TestCleanSlateProducesFreshImportAndProtectsItsKeys implements the
// local-side half of scenario S5: after clean-slate, the store holds
// exactly one SYNC_IMPORT op under the new client ID, the global clock
// equals the fresh clock, and its keys are protected from pruning.
func TestCleanSlateProducesFreshImportAndProtectsItsKeys(t *testing.T) {
	store := oplog.NewMemStore(logging.Noop())
	require.NoError(t, store.SetLocalClientID("A1234"))
	old := oplog.Operation{ID: "old1", ClientID: "A1234", OpType: oplog.OpCreate, VectorClock: vectorclock.Clock{"A1234": 1}, EntityType: "TASK", EntityID: "t1"}
	_, err := store.Append(old, oplog.SourceLocal)
	require.NoError(t, err)

	remoteSync := &fakeRemoteSync{snapshotResult: remote.UploadResult{Accepted: true, SyncVersion: 1}}
	o := newTestOrchestrator(t, store, remoteSync, &fakeApplier{})

	err = o.CleanSlate(context.Background(), "A-NEW1", []byte(`{"state":"snapshot"}`))
	require.NoError(t, err)

	entries, err := store.Scan(0, 0, true)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, oplog.OpSyncImport, entries[0].Op.OpType)
	assert.Equal(t, vectorclock.ClientID("A-NEW1"), entries[0].Op.ClientID)

	clock, err := store.GetCurrentVectorClock()
	require.NoError(t, err)
	assert.Equal(t, vectorclock.Clock{"A-NEW1": 1}, clock)

	protected, err := store.GetProtectedClientIDs()
	require.NoError(t, err)
	assert.Equal(t, []vectorclock.ClientID{"A-NEW1"}, protected)

	localID, ok, err := store.GetLocalClientID()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, vectorclock.ClientID("A-NEW1"), localID)
}

// TestValidOutboundEntriesDropsPreImportOpAfterDownloadingImport is the
// remote-side half of scenario S5: once a SYNC_IMPORT op has landed in
// the local log (as if the applier recorded it), an older in-flight op
// whose clock is Less-than-or-equal the import's is dropped by C6
// before upload.
func TestValidOutboundEntriesDropsPreImportOpAfterDownloadingImport(t *testing.T) {
	store := oplog.NewMemStore(logging.Noop())
	require.NoError(t, store.SetLocalClientID("B1234"))

	staleLocal := oplog.Operation{
		ID: "stale", ClientID: "B1234", OpType: oplog.OpUpdate,
		EntityType: "TASK", EntityID: "t1",
		VectorClock: vectorclock.Clock{"B1234": 50}, Timestamp: 900,
	}
	_, err := store.Append(staleLocal, oplog.SourceRemote)
	require.NoError(t, err)

	importOp := oplog.Operation{
		ID: "import1", ClientID: "A-NEW1", OpType: oplog.OpSyncImport,
		EntityType: oplog.ALLEntityType, Payload: []byte("{}"),
		VectorClock: vectorclock.Clock{"A-NEW1": 1, "B1234": 50, "A1234": 100},
		Timestamp:   901,
	}
	_, err = store.Append(importOp, oplog.SourceRemote)
	require.NoError(t, err)

	o := newTestOrchestrator(t, store, &fakeRemoteSync{}, &fakeApplier{})
	result := &RoundResult{}
	entries, err := o.validOutboundEntries(result)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, 1, result.Invalidated)
}

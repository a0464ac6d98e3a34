package remote

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	syncerrors "github.com/super-productivity/sync-core/pkg/errors"
	"github.com/super-productivity/sync-core/pkg/metrics"
	"github.com/super-productivity/sync-core/pkg/oplog"
	"github.com/super-productivity/sync-core/pkg/vectorclock"
)

// CurrentSchemaVersion is this client's payload schema version, compared
// against a downloaded blob's SchemaVersion per spec.md §7's
// "schema too new" fatal case.
const CurrentSchemaVersion = 1

// Adapter implements C7 against a RemoteFile and Codec pair.
type Adapter struct {
	codec              Codec
	file               RemoteFile
	path               string
	recentOpsWindow    int
	maxVectorClockSize int
	logger             zerolog.Logger
	metricsReg         *metrics.Registry

	mu                  sync.Mutex
	expectedSyncVersion map[vectorclock.ClientID]uint64
}

// New constructs a C7 Adapter. metricsReg may be nil.
func New(codec Codec, file RemoteFile, path string, recentOpsWindow, maxVectorClockSize int, logger zerolog.Logger, metricsReg *metrics.Registry) *Adapter {
	return &Adapter{
		codec:               codec,
		file:                file,
		path:                path,
		recentOpsWindow:     recentOpsWindow,
		maxVectorClockSize:  maxVectorClockSize,
		logger:              logger,
		metricsReg:          metricsReg,
		expectedSyncVersion: make(map[vectorclock.ClientID]uint64),
	}
}

// DownloadResult is downloadOps's return shape per spec.md §4.6.
type DownloadResult struct {
	Ops               []oplog.Operation
	LatestSeq         uint64
	GlobalVectorClock vectorclock.Clock
	SyncVersion       uint64
}

// DownloadOps implements spec.md §4.6's downloadOps. ctx carries the
// caller-supplied timeout/cancellation of spec.md §5; expiry surfaces as
// a KindTransientIO error.
func (a *Adapter) DownloadOps(ctx context.Context, sinceSeq uint64, clientID vectorclock.ClientID) (DownloadResult, error) {
	blob, exists, err := a.downloadBlob(ctx)
	if err != nil {
		return DownloadResult{}, err
	}
	if !exists {
		return DownloadResult{GlobalVectorClock: vectorclock.Clock{}}, nil
	}

	a.mu.Lock()
	a.expectedSyncVersion[clientID] = blob.SyncVersion
	a.mu.Unlock()

	ops := make([]oplog.Operation, 0)
	var latestSeq uint64
	for _, co := range sortedBySeq(blob.RecentOps) {
		if co.Seq > sinceSeq && vectorclock.ClientID(co.ClientID) != clientID {
			ops = append(ops, co.Op)
			if co.Seq > latestSeq {
				latestSeq = co.Seq
			}
		}
	}

	return DownloadResult{
		Ops:               ops,
		LatestSeq:         latestSeq,
		GlobalVectorClock: blob.VectorClock,
		SyncVersion:       blob.SyncVersion,
	}, nil
}

// RejectedOp is one op the remote side reports as having lost a causal
// race, with the clock it already had recorded for the same entity —
// the orchestrator routes these to C5. The single-file adapter's
// piggyback-absorb design (spec.md §4.6) never produces one; the type
// exists so the orchestrator's Resolving transition has a real shape to
// program against for remote backends that do reject.
type RejectedOp struct {
	OpID          string
	ExistingClock vectorclock.Clock
}

// UploadResult is uploadOps's/uploadSnapshot's return shape per
// spec.md §4.6.
type UploadResult struct {
	Accepted    bool
	NewOps      []CompactOp
	SyncVersion uint64
	Rejected    []RejectedOp
}

// UploadOps implements spec.md §4.6's uploadOps, including the
// piggyback computation and the non-retrying commit of whatever
// syncVersion the remote actually had. ctx carries the caller-supplied
// timeout/cancellation of spec.md §5.
func (a *Adapter) UploadOps(ctx context.Context, entries []oplog.Entry, clientID vectorclock.ClientID, lastKnownSeq uint64, snapshot []byte, protected []vectorclock.ClientID) (UploadResult, error) {
	blob, exists, err := a.downloadBlob(ctx)
	if err != nil {
		return UploadResult{}, err
	}
	m := uint64(0)
	var existingOps []CompactOp
	existingClock := vectorclock.Clock{}
	if exists {
		m = blob.SyncVersion
		existingOps = blob.RecentOps
		existingClock = blob.VectorClock
	}

	newOps := make([]CompactOp, 0)
	for _, co := range sortedBySeq(existingOps) {
		if co.Seq > lastKnownSeq && vectorclock.ClientID(co.ClientID) != clientID {
			newOps = append(newOps, co)
		}
	}

	merged := mergeRecentOps(existingOps, entries, clientID, a.recentOpsWindow)

	clocksToMerge := []vectorclock.Clock{existingClock}
	for _, e := range entries {
		clocksToMerge = append(clocksToMerge, e.Op.VectorClock)
	}
	newClock := vectorclock.MergeAll(clocksToMerge...)
	mergedSize := len(newClock)
	newClock = vectorclock.LimitSize(newClock, protected, clientID, a.maxVectorClockSize)
	if a.metricsReg != nil && len(newClock) < mergedSize {
		a.metricsReg.VectorClockPrunes.Inc()
	}

	var lastSeq uint64
	for _, co := range merged {
		if co.Seq > lastSeq {
			lastSeq = co.Seq
		}
	}

	newBlob := Blob{
		Version:       BlobFormatVersion,
		SyncVersion:   m + 1,
		SchemaVersion: CurrentSchemaVersion,
		VectorClock:   newClock,
		LastSeq:       lastSeq,
		State:         snapshot,
		RecentOps:     merged,
		LastModified:  oplog.NowMillis(),
	}

	if err := a.uploadBlob(ctx, newBlob); err != nil {
		return UploadResult{}, err
	}

	a.mu.Lock()
	a.expectedSyncVersion[clientID] = m + 1
	a.mu.Unlock()

	if a.metricsReg != nil {
		for i := 0; i < len(newOps); i++ {
			a.metricsReg.PiggybackedOps.Inc()
		}
	}
	a.logger.Info().
		Uint64("sync_version", m+1).
		Int("uploaded", len(entries)).
		Int("piggybacked", len(newOps)).
		Msg("uploaded ops to remote blob")

	return UploadResult{Accepted: true, NewOps: newOps, SyncVersion: m + 1}, nil
}

// UploadSnapshot implements spec.md §4.6's uploadSnapshot: a
// force-overwrite path bypassing piggyback, used after clean-slate,
// import, or encryption change. ctx carries the caller-supplied
// timeout/cancellation of spec.md §5.
func (a *Adapter) UploadSnapshot(ctx context.Context, snapshot []byte, clientID vectorclock.ClientID, vc vectorclock.Clock) (UploadResult, error) {
	blob, exists, err := a.downloadBlob(ctx)
	if err != nil {
		return UploadResult{}, err
	}
	m := uint64(0)
	if exists {
		m = blob.SyncVersion
	}

	newBlob := Blob{
		Version:       BlobFormatVersion,
		SyncVersion:   m + 1,
		SchemaVersion: CurrentSchemaVersion,
		VectorClock:   vc,
		LastSeq:       0,
		State:         snapshot,
		RecentOps:     nil,
		LastModified:  oplog.NowMillis(),
	}

	if err := a.uploadBlob(ctx, newBlob); err != nil {
		return UploadResult{}, err
	}

	a.mu.Lock()
	a.expectedSyncVersion[clientID] = m + 1
	a.mu.Unlock()

	a.logger.Info().Uint64("sync_version", m+1).Msg("force-uploaded snapshot")
	return UploadResult{Accepted: true, SyncVersion: m + 1}, nil
}

func (a *Adapter) downloadBlob(ctx context.Context) (Blob, bool, error) {
	if ctx.Err() != nil {
		return Blob{}, false, syncerrors.Wrap(syncerrors.KindTransientIO, "remote", "downloadBlob", ctx.Err())
	}

	data, err := a.file.Download(ctx, a.path)
	if errors.Is(err, ErrNotFound) {
		return Blob{}, false, nil
	}
	if se, ok := err.(*syncerrors.SyncError); ok {
		return Blob{}, false, se
	}
	if err != nil {
		return Blob{}, false, syncerrors.Wrap(syncerrors.KindTransientIO, "remote", "downloadBlob", err)
	}

	blob, err := a.codec.Decode(data)
	if err != nil {
		return Blob{}, false, syncerrors.Wrap(syncerrors.KindCorruptBlob, "remote", "downloadBlob", err)
	}
	if !VerifyChecksum(blob) {
		return Blob{}, false, syncerrors.New(syncerrors.KindCorruptBlob, "remote", "downloadBlob", "checksum mismatch")
	}
	if blob.SchemaVersion > CurrentSchemaVersion {
		return Blob{}, false, syncerrors.New(syncerrors.KindSchemaTooNew, "remote", "downloadBlob",
			fmt.Sprintf("remote schema version %d exceeds local %d", blob.SchemaVersion, CurrentSchemaVersion))
	}
	return blob, true, nil
}

func (a *Adapter) uploadBlob(ctx context.Context, b Blob) error {
	if ctx.Err() != nil {
		return syncerrors.Wrap(syncerrors.KindTransientIO, "remote", "uploadBlob", ctx.Err())
	}

	data, err := a.codec.Encode(b)
	if err != nil {
		return syncerrors.Wrap(syncerrors.KindInternal, "remote", "uploadBlob", err)
	}
	if _, err := a.file.Upload(ctx, a.path, data); err != nil {
		if se, ok := err.(*syncerrors.SyncError); ok {
			return se
		}
		return syncerrors.Wrap(syncerrors.KindTransientIO, "remote", "uploadBlob", err)
	}
	return nil
}

// mergeRecentOps implements spec.md §4.6 step 4's recentOps rule:
// merge(blob.recentOps, local ops), trim to window most recent by seq,
// deduplicated by opId.
func mergeRecentOps(existing []CompactOp, entries []oplog.Entry, clientID vectorclock.ClientID, window int) []CompactOp {
	byID := make(map[string]CompactOp, len(existing)+len(entries))
	order := make([]string, 0, len(existing)+len(entries))

	add := func(co CompactOp) {
		if _, seen := byID[co.Op.ID]; !seen {
			order = append(order, co.Op.ID)
		}
		byID[co.Op.ID] = co
	}

	for _, co := range existing {
		add(co)
	}
	for _, e := range entries {
		add(CompactOp{Seq: e.Seq, ClientID: string(clientID), Op: e.Op})
	}

	merged := make([]CompactOp, 0, len(order))
	for _, id := range order {
		merged = append(merged, byID[id])
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Seq < merged[j].Seq })

	if window > 0 && len(merged) > window {
		merged = merged[len(merged)-window:]
	}
	return merged
}

func sortedBySeq(ops []CompactOp) []CompactOp {
	out := append([]CompactOp(nil), ops...)
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

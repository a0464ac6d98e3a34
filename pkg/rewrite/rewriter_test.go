package rewrite

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/super-productivity/sync-core/pkg/logging"
	"github.com/super-productivity/sync-core/pkg/oplog"
	"github.com/super-productivity/sync-core/pkg/vectorclock"
)

type fakeEntityState struct {
	states map[string]oplog.Payload
}

func (f *fakeEntityState) GetCurrentEntityState(entityType oplog.EntityType, entityID string) (oplog.Payload, bool) {
	p, ok := f.states[entityID]
	return p, ok
}

func newRewriterFixture(t *testing.T, clientID vectorclock.ClientID) (*oplog.MemStore, *Rewriter) {
	t.Helper()
	store := oplog.NewMemStore(logging.Noop())
	require.NoError(t, store.SetLocalClientID(clientID))
	fes := &fakeEntityState{states: map[string]oplog.Payload{"t1": []byte(`{"title":"edited"}`)}}
	return store, New(store, fes, 32, logging.Noop(), nil)
}

func TestRewriteAbortsWithoutLocalClientID(t *testing.T) {
	store := oplog.NewMemStore(logging.Noop())
	fes := &fakeEntityState{}
	rw := New(store, fes, 32, logging.Noop(), nil)

	_, err := rw.Rewrite(nil, nil, nil)
	assert.Error(t, err)
}

func TestRewriteTombstonesAllInputs(t *testing.T) {
	store, rw := newRewriterFixture(t, "A12345")

	op := oplog.Operation{
		ID: "lost-1", ClientID: "A12345", OpType: oplog.OpUpdate,
		EntityType: "TASK", EntityID: "t1",
		VectorClock: vectorclock.Clock{"A12345": 5}, Timestamp: 1000,
	}
	seq, err := store.Append(op, oplog.SourceLocal)
	require.NoError(t, err)
	_ = seq

	_, err = rw.Rewrite([]Input{{OpID: op.ID, Op: op}}, nil, nil)
	require.NoError(t, err)

	all, err := store.Scan(0, 0, true)
	require.NoError(t, err)
	require.Len(t, all, 2) // original (rejected) + rewrite
	assert.True(t, all[0].Rejected)
}

func TestRewriteDeletePreservesPayloadAndMergesClocks(t *testing.T) {
	// Scenario S3 from spec.md §8.
	store, rw := newRewriterFixture(t, "A12345")

	lost := oplog.Operation{
		ID: "L", ClientID: "A12345", OpType: oplog.OpUpdate,
		EntityType: "TASK", EntityID: "t1",
		VectorClock: vectorclock.Clock{"A12345": 5}, Timestamp: 1000,
	}
	existingClock := vectorclock.Clock{"B12345": 7}

	// The lost op's representative opType here is Update, but a Delete
	// payload surfaces through representative selection only when the
	// *input* op itself is the Delete; emulate the server having
	// rejected a Delete-shaped local op instead, matching S3 precisely.
	lostDelete := oplog.Operation{
		ID: "L2", ClientID: "A12345", OpType: oplog.OpDelete,
		EntityType: "TASK", EntityID: "t2",
		VectorClock: vectorclock.Clock{"A12345": 5}, Timestamp: 1000,
		Payload: []byte(`{"deleted":true}`),
	}
	_, err := store.Append(lost, oplog.SourceLocal)
	require.NoError(t, err)
	_, err = store.Append(lostDelete, oplog.SourceLocal)
	require.NoError(t, err)

	result, err := rw.Rewrite([]Input{
		{OpID: lostDelete.ID, Op: lostDelete, ExistingClock: existingClock},
	}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Rewritten)

	all, err := store.Scan(0, 0, true)
	require.NoError(t, err)
	var rewrite oplog.Operation
	for _, e := range all {
		if e.Op.ID != lostDelete.ID && e.Op.ID != lost.ID {
			rewrite = e.Op
		}
	}
	require.Equal(t, oplog.OpDelete, rewrite.OpType)
	assert.Equal(t, []byte(`{"deleted":true}`), rewrite.Payload)
	// Rewrite clock must be Greater than both the lost op's clock and
	// the server's reported existing clock.
	assert.Equal(t, vectorclock.Greater, vectorclock.Compare(rewrite.VectorClock, lostDelete.VectorClock))
	assert.Equal(t, vectorclock.Greater, vectorclock.Compare(rewrite.VectorClock, existingClock))
}

func TestRewriteTimestampIsMaxOfGroup(t *testing.T) {
	store, rw := newRewriterFixture(t, "A12345")

	op1 := oplog.Operation{
		ID: "o1", ClientID: "A12345", OpType: oplog.OpUpdate,
		EntityType: "TASK", EntityID: "t1",
		VectorClock: vectorclock.Clock{"A12345": 3}, Timestamp: 500,
	}
	op2 := oplog.Operation{
		ID: "o2", ClientID: "A12345", OpType: oplog.OpUpdate,
		EntityType: "TASK", EntityID: "t1",
		VectorClock: vectorclock.Clock{"A12345": 4}, Timestamp: 900,
	}
	_, err := store.Append(op1, oplog.SourceLocal)
	require.NoError(t, err)
	_, err = store.Append(op2, oplog.SourceLocal)
	require.NoError(t, err)

	_, err = rw.Rewrite([]Input{
		{OpID: op1.ID, Op: op1},
		{OpID: op2.ID, Op: op2},
	}, nil, nil)
	require.NoError(t, err)

	all, err := store.Scan(0, 0, true)
	require.NoError(t, err)
	var rewrite oplog.Operation
	for _, e := range all {
		if e.Op.ID != op1.ID && e.Op.ID != op2.ID {
			rewrite = e.Op
		}
	}
	assert.Equal(t, int64(900), rewrite.Timestamp)
}

func TestRewriteDiscardsWhenEntityStateMissing(t *testing.T) {
	store := oplog.NewMemStore(logging.Noop())
	require.NoError(t, store.SetLocalClientID("A12345"))
	fes := &fakeEntityState{states: map[string]oplog.Payload{}}
	rw := New(store, fes, 32, logging.Noop(), nil)

	op := oplog.Operation{
		ID: "o1", ClientID: "A12345", OpType: oplog.OpUpdate,
		EntityType: "TASK", EntityID: "missing",
		VectorClock: vectorclock.Clock{"A12345": 1}, Timestamp: 500,
	}
	_, err := store.Append(op, oplog.SourceLocal)
	require.NoError(t, err)

	result, err := rw.Rewrite([]Input{{OpID: op.ID, Op: op}}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Discarded)
	assert.Equal(t, 0, result.Rewritten)
}

func TestRewriteLimitsClockSizeProtectingExistingClockKeys(t *testing.T) {
	store, _ := newRewriterFixture(t, "local")
	// A bound of 4 leaves room only for the local key and the three
	// existing-clock keys, so the higher-counter extra keys must be pruned.
	fes := &fakeEntityState{states: map[string]oplog.Payload{"t1": []byte(`{"title":"edited"}`)}}
	rw := New(store, fes, 4, logging.Noop(), nil)

	op := oplog.Operation{
		ID: "o1", ClientID: "local", OpType: oplog.OpUpdate,
		EntityType: "TASK", EntityID: "t1",
		VectorClock: vectorclock.Clock{"local": 1}, Timestamp: 500,
	}
	_, err := store.Append(op, oplog.SourceLocal)
	require.NoError(t, err)

	existingClock := vectorclock.Clock{"remote1": 1, "remote2": 1, "remote3": 1}
	extra := []vectorclock.Clock{{"extra1": 100, "extra2": 100}}

	result, err := rw.Rewrite([]Input{{OpID: op.ID, Op: op, ExistingClock: existingClock}}, extra, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Rewritten)

	all, err := store.Scan(0, 0, true)
	require.NoError(t, err)
	var rewrite oplog.Operation
	for _, e := range all {
		if e.Op.ID != op.ID {
			rewrite = e.Op
		}
	}
	for k := range existingClock {
		assert.Contains(t, rewrite.VectorClock, k)
	}
}

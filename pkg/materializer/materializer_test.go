package materializer

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/super-productivity/sync-core/pkg/logging"
	"github.com/super-productivity/sync-core/pkg/oplog"
	"github.com/super-productivity/sync-core/pkg/vectorclock"
)

func TestApplyRemoteOpsCreateThenUpdate(t *testing.T) {
	m := New(logging.Noop())

	create := oplog.Operation{
		ID: "op1", ClientID: "A1234", OpType: oplog.OpCreate,
		EntityType: "TASK", EntityID: "t1",
		VectorClock: vectorclock.Clock{"A1234": 1}, Payload: []byte(`{"title":"a"}`),
	}
	require.NoError(t, m.ApplyRemoteOps([]oplog.Operation{create}))

	payload, ok := m.GetCurrentEntityState("TASK", "t1")
	require.True(t, ok)
	assert.JSONEq(t, `{"title":"a"}`, string(payload))

	update := oplog.Operation{
		ID: "op2", ClientID: "A1234", OpType: oplog.OpUpdate,
		EntityType: "TASK", EntityID: "t1",
		VectorClock: vectorclock.Clock{"A1234": 2}, Payload: []byte(`{"title":"b"}`),
	}
	require.NoError(t, m.ApplyRemoteOps([]oplog.Operation{update}))

	payload, ok = m.GetCurrentEntityState("TASK", "t1")
	require.True(t, ok)
	assert.JSONEq(t, `{"title":"b"}`, string(payload))
}

func TestApplyRemoteOpsDeleteRemovesEntity(t *testing.T) {
	m := New(logging.Noop())
	create := oplog.Operation{
		ID: "op1", ClientID: "A1234", OpType: oplog.OpCreate,
		EntityType: "TASK", EntityID: "t1",
		VectorClock: vectorclock.Clock{"A1234": 1}, Payload: []byte(`{}`),
	}
	del := oplog.Operation{
		ID: "op2", ClientID: "A1234", OpType: oplog.OpDelete,
		EntityType: "TASK", EntityID: "t1",
		VectorClock: vectorclock.Clock{"A1234": 2}, Payload: []byte(`{"deleted":true}`),
	}
	require.NoError(t, m.ApplyRemoteOps([]oplog.Operation{create, del}))

	_, ok := m.GetCurrentEntityState("TASK", "t1")
	assert.False(t, ok)
}

func TestApplyRemoteOpsBulkMoveToArchiveTouchesEveryEntityID(t *testing.T) {
	m := New(logging.Noop())
	bulk := oplog.Operation{
		ID: "op1", ClientID: "A1234", OpType: oplog.OpUpdate,
		EntityType: "TASK", EntityIDs: []string{"t1", "t2"},
		VectorClock: vectorclock.Clock{"A1234": 1}, Payload: []byte(`{"archived":true}`),
	}
	require.NoError(t, m.ApplyRemoteOps([]oplog.Operation{bulk}))

	for _, id := range []string{"t1", "t2"} {
		payload, ok := m.GetCurrentEntityState("TASK", id)
		require.True(t, ok)
		assert.JSONEq(t, `{"archived":true}`, string(payload))
	}
}

func TestApplyRemoteOpsSyncImportClearsProjection(t *testing.T) {
	m := New(logging.Noop())
	create := oplog.Operation{
		ID: "op1", ClientID: "A1234", OpType: oplog.OpCreate,
		EntityType: "TASK", EntityID: "t1",
		VectorClock: vectorclock.Clock{"A1234": 1}, Payload: []byte(`{}`),
	}
	require.NoError(t, m.ApplyRemoteOps([]oplog.Operation{create}))
	assert.Equal(t, 1, m.Len())

	importOp := oplog.Operation{
		ID: "op2", ClientID: "B1234", OpType: oplog.OpSyncImport,
		EntityType: oplog.ALLEntityType,
		VectorClock: vectorclock.Clock{"B1234": 1}, Payload: []byte(`{"state":"fresh"}`),
	}
	require.NoError(t, m.ApplyRemoteOps([]oplog.Operation{importOp}))
	assert.Equal(t, 0, m.Len())
}

func TestCurrentSnapshotRoundTripsThroughLoadSnapshot(t *testing.T) {
	m := New(logging.Noop())
	create := oplog.Operation{
		ID: "op1", ClientID: "A1234", OpType: oplog.OpCreate,
		EntityType: "TASK", EntityID: "t1",
		VectorClock: vectorclock.Clock{"A1234": 1}, Payload: []byte(`{"title":"a"}`),
	}
	require.NoError(t, m.ApplyRemoteOps([]oplog.Operation{create}))

	snap, err := m.CurrentSnapshot()
	require.NoError(t, err)

	var probe struct {
		Entries map[string]json.RawMessage `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(snap, &probe))
	require.Contains(t, probe.Entries, "t1")

	restored := New(logging.Noop())
	require.NoError(t, restored.LoadSnapshot(snap))
	payload, ok := restored.GetCurrentEntityState("TASK", "t1")
	require.True(t, ok)
	assert.JSONEq(t, `{"title":"a"}`, string(payload))
}

func TestLoadSnapshotEmptyIsNoop(t *testing.T) {
	m := New(logging.Noop())
	require.NoError(t, m.LoadSnapshot(nil))
	assert.Equal(t, 0, m.Len())
}

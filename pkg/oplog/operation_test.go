package oplog

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/super-productivity/sync-core/pkg/vectorclock"
)

func TestValidateRequiresVectorClockAtLeastOne(t *testing.T) {
	op := Operation{
		ID:          NewOperationID(),
		ClientID:    "A12345",
		OpType:      OpCreate,
		EntityType:  "TASK",
		EntityID:    "t1",
		Payload:     []byte(`{}`),
		VectorClock: vectorclock.Clock{"A12345": 0},
	}
	assert.Error(t, op.Validate())
}

func TestValidateRequiresPayloadForDeleteAndSyncImport(t *testing.T) {
	base := Operation{
		ID:          NewOperationID(),
		ClientID:    "A12345",
		EntityType:  "TASK",
		EntityID:    "t1",
		VectorClock: vectorclock.Clock{"A12345": 1},
	}

	del := base
	del.OpType = OpDelete
	assert.Error(t, del.Validate())
	del.Payload = []byte(`{"deleted":true}`)
	assert.NoError(t, del.Validate())

	imp := base
	imp.OpType = OpSyncImport
	imp.EntityType = ALLEntityType
	assert.Error(t, imp.Validate())
}

func TestValidateRejectsShortClientID(t *testing.T) {
	op := Operation{
		ID:          NewOperationID(),
		ClientID:    "ab",
		OpType:      OpCreate,
		VectorClock: vectorclock.Clock{"ab": 1},
	}
	assert.Error(t, op.Validate())
}

func TestGroupKeyPrefersEntityID(t *testing.T) {
	op := Operation{EntityID: "t1", EntityType: "TASK"}
	assert.Equal(t, "entity:t1", op.GroupKey())

	bulk := Operation{EntityType: "TASK", EntityIDs: []string{"t1", "t2"}}
	assert.Equal(t, "type:TASK", bulk.GroupKey())
}

func TestIsBulk(t *testing.T) {
	assert.True(t, Operation{EntityIDs: []string{"a"}}.IsBulk())
	assert.False(t, Operation{EntityID: "a"}.IsBulk())
}

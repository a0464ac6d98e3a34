// Package materializer keeps the in-memory entity-state projection the
// sync core's C4/C5 consult as their EntityStateProvider, whose snapshot
// the orchestrator uploads as the blob state and synccli persists as the
// snapshot cache of spec.md §3. It is the
// application-side half spec.md §6 leaves outside this module's scope;
// synccli needs a real one to drive the orchestrator end to end, built
// the way the teacher's pkg/database layer keeps an in-memory index
// alongside its durable store.
package materializer

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/super-productivity/sync-core/pkg/conflict"
	"github.com/super-productivity/sync-core/pkg/oplog"
)

// Materializer applies operations to a flat entityID -> payload map. It
// treats Payload as opaque JSON and never interprets its shape, matching
// oplog.Payload's contract.
type Materializer struct {
	mu      sync.RWMutex
	entries map[string]oplog.Payload
	logger  zerolog.Logger
}

// New constructs an empty Materializer.
func New(logger zerolog.Logger) *Materializer {
	return &Materializer{entries: make(map[string]oplog.Payload), logger: logger}
}

var _ conflict.EntityStateProvider = (*Materializer)(nil)

// GetCurrentEntityState implements conflict.EntityStateProvider.
func (m *Materializer) GetCurrentEntityState(entityType oplog.EntityType, entityID string) (oplog.Payload, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.entries[entityID]
	return p, ok
}

// ApplyRemoteOps implements orchestrator.Applier: it folds each op into
// the entity map in order, so a later op in the slice overwrites an
// earlier one touching the same entity.
func (m *Materializer) ApplyRemoteOps(ops []oplog.Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range ops {
		m.applyLocked(op)
	}
	return nil
}

// Apply folds a single locally-produced operation into the projection
// outside a sync round. None of synccli's subcommands call it.
func (m *Materializer) Apply(op oplog.Operation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyLocked(op)
}

func (m *Materializer) applyLocked(op oplog.Operation) {
	switch op.OpType {
	case oplog.OpDelete:
		if op.IsBulk() {
			for _, id := range op.EntityIDs {
				delete(m.entries, id)
			}
			return
		}
		delete(m.entries, op.EntityID)
	case oplog.OpSyncImport:
		m.entries = make(map[string]oplog.Payload)
	default: // Create, Update
		if op.IsBulk() {
			for _, id := range op.EntityIDs {
				m.entries[id] = op.Payload
			}
			return
		}
		m.entries[op.EntityID] = op.Payload
	}
	m.logger.Debug().Str("op_id", op.ID).Str("entity_id", op.EntityID).Str("op_type", string(op.OpType)).
		Msg("materialized op")
}

// snapshot is the wire shape CurrentSnapshot serializes, keeping the
// entity map as a stable-ordered opaque blob for the remote adapter.
type snapshot struct {
	Entries map[string]json.RawMessage `json:"entries"`
}

// CurrentSnapshot implements orchestrator.SnapshotProvider.
func (m *Materializer) CurrentSnapshot() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := snapshot{Entries: make(map[string]json.RawMessage, len(m.entries))}
	for id, payload := range m.entries {
		s.Entries[id] = json.RawMessage(payload)
	}
	return json.Marshal(s)
}

// LoadSnapshot replaces the projection with the contents of a previously
// serialized snapshot, for the CLI's startup path.
func (m *Materializer) LoadSnapshot(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]oplog.Payload, len(s.Entries))
	for id, raw := range s.Entries {
		m.entries[id] = oplog.Payload(raw)
	}
	return nil
}

// Len reports how many entities are currently materialized, for the
// CLI's status output.
func (m *Materializer) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

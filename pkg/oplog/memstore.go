package oplog

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/super-productivity/sync-core/pkg/vectorclock"
)

// MemStore is an in-memory Store, the in-memory fake Design Notes §9
// asks for in place of mocking internals — used by the store, rewriter
// and orchestrator tests. It keeps nothing across process restarts; the
// CLI demo uses LevelDBStore instead.
type MemStore struct {
	mu sync.Mutex // the sp_op_log critical section (spec.md §5)

	log          []Entry
	byID         map[string]int // Operation.ID -> index into log
	nextSeq      uint64
	globalClock  vectorclock.Clock
	protected    map[vectorclock.ClientID]struct{}
	stateCache   *StateCache
	backupCache  *StateCache
	localClient  vectorclock.ClientID
	haveLocalID  bool
	logger       zerolog.Logger
}

// NewMemStore constructs an empty MemStore.
func NewMemStore(logger zerolog.Logger) *MemStore {
	return &MemStore{
		byID:        make(map[string]int),
		globalClock: vectorclock.Clock{},
		protected:   make(map[vectorclock.ClientID]struct{}),
		logger:      logger,
	}
}

func (s *MemStore) Append(op Operation, source Source) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(op, source)
}

func (s *MemStore) appendLocked(op Operation, source Source) (uint64, error) {
	s.nextSeq++
	seq := s.nextSeq
	s.log = append(s.log, Entry{Seq: seq, Op: op, Source: source})
	s.byID[op.ID] = len(s.log) - 1
	s.logger.Debug().Uint64("seq", seq).Str("op_id", op.ID).Str("source", string(source)).Msg("op appended")
	return seq, nil
}

func (s *MemStore) AppendWithClockUpdate(op Operation, source Source) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq, err := s.appendLocked(op, source)
	if err != nil {
		return 0, err
	}
	s.globalClock = vectorclock.Merge(s.globalClock, op.VectorClock)
	return seq, nil
}

func (s *MemStore) WithOpLogLock(fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&memTx{s})
}

// memTx implements Tx against an already-locked MemStore, calling the
// *Locked helpers directly instead of the exported (self-locking)
// methods.
type memTx struct {
	s *MemStore
}

func (t *memTx) GetCurrentVectorClock() (vectorclock.Clock, error) {
	return t.s.globalClock.Clone(), nil
}

func (t *memTx) AppendWithClockUpdate(op Operation, source Source) (uint64, error) {
	seq, err := t.s.appendLocked(op, source)
	if err != nil {
		return 0, err
	}
	t.s.globalClock = vectorclock.Merge(t.s.globalClock, op.VectorClock)
	return seq, nil
}

func (t *memTx) GetProtectedClientIDs() ([]vectorclock.ClientID, error) {
	out := make([]vectorclock.ClientID, 0, len(t.s.protected))
	for id := range t.s.protected {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *MemStore) Scan(fromSeq uint64, limit int, includeRejected bool) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.log))
	for _, e := range s.log {
		if e.Seq <= fromSeq {
			continue
		}
		if e.Rejected && !includeRejected {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *MemStore) MarkRejected(opIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range opIDs {
		idx, ok := s.byID[id]
		if !ok {
			continue
		}
		s.log[idx].Rejected = true
	}
	return nil
}

func (s *MemStore) GetProtectedClientIDs() ([]vectorclock.ClientID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]vectorclock.ClientID, 0, len(s.protected))
	for id := range s.protected {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *MemStore) SetProtectedClientIDs(ids []vectorclock.ClientID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.protected = make(map[vectorclock.ClientID]struct{}, len(ids))
	for _, id := range ids {
		s.protected[id] = struct{}{}
	}
	return nil
}

func (s *MemStore) SaveStateCache(cache StateCache) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := cache
	s.stateCache = &c
	return nil
}

func (s *MemStore) SaveStateCacheBackup() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stateCache == nil {
		s.backupCache = nil
		return nil
	}
	c := *s.stateCache
	s.backupCache = &c
	return nil
}

func (s *MemStore) RestoreStateCacheFromBackup() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backupCache == nil {
		return errNoBackup
	}
	c := *s.backupCache
	s.stateCache = &c
	return nil
}

func (s *MemStore) ClearStateCacheBackup() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backupCache = nil
	return nil
}

func (s *MemStore) LoadStateCache() (StateCache, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stateCache == nil {
		return StateCache{}, false, nil
	}
	return *s.stateCache, true, nil
}

func (s *MemStore) GetLastSeq() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var last uint64
	for _, e := range s.log {
		if e.Rejected {
			continue
		}
		if e.Seq > last {
			last = e.Seq
		}
	}
	return last, nil
}

func (s *MemStore) GetCurrentVectorClock() (vectorclock.Clock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.globalClock.Clone(), nil
}

func (s *MemStore) SetVectorClock(vc vectorclock.Clock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globalClock = vc.Clone()
	return nil
}

func (s *MemStore) GetLocalClientID() (vectorclock.ClientID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localClient, s.haveLocalID, nil
}

func (s *MemStore) SetLocalClientID(id vectorclock.ClientID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localClient = id
	s.haveLocalID = true
	return nil
}

func (s *MemStore) ClearAllOperations() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = nil
	s.byID = make(map[string]int)
	s.nextSeq = 0
	return nil
}

var errNoBackup = &noBackupError{}

type noBackupError struct{}

func (*noBackupError) Error() string { return "oplog: no state cache backup saved" }

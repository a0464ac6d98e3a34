package oplog

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/super-productivity/sync-core/pkg/vectorclock"
)

// Durable key-space layout for LevelDBStore. Sequence numbers are
// zero-padded so lexicographic LevelDB iteration order matches numeric
// seq order, the same trick the teacher's pkg/database layer uses for
// its write-ahead segments.
const (
	opKeyPrefix       = "op:"
	opIDIndexPrefix   = "opid:"
	metaClockKey      = "meta:clock"
	metaProtectedKey  = "meta:protected"
	metaLocalIDKey    = "meta:local_client"
	metaNextSeqKey    = "meta:next_seq"
	metaCacheKey      = "meta:statecache"
	metaCacheBakKey   = "meta:statecache_backup"
)

func opKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", opKeyPrefix, seq))
}

// LevelDBStore is the durable Store implementation, grounded on the
// embedded-engine-backed manager pattern of
// ollama-distributed/pkg/database/manager.go. It owns an in-process
// mutex for the sp_op_log critical section — LevelDB itself guarantees
// single-writer durability but not the "read clock, then append" atomicity
// spec.md §5 requires across the whole sequence.
type LevelDBStore struct {
	mu     sync.Mutex
	db     *leveldb.DB
	logger zerolog.Logger
}

// OpenLevelDBStore opens (creating if absent) a LevelDB database at dir.
func OpenLevelDBStore(dir string, logger zerolog.Logger) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("oplog: open leveldb at %s: %w", dir, err)
	}
	return &LevelDBStore{db: db, logger: logger}, nil
}

// Close releases the underlying LevelDB handle.
func (s *LevelDBStore) Close() error {
	return s.db.Close()
}

type storedEntry struct {
	Seq      uint64    `json:"seq"`
	Op       Operation `json:"op"`
	Source   Source    `json:"source"`
	Rejected bool      `json:"rejected"`
}

func (s *LevelDBStore) readNextSeqLocked() (uint64, error) {
	v, err := s.db.Get([]byte(metaNextSeqKey), nil)
	if err == leveldb.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var seq uint64
	if err := json.Unmarshal(v, &seq); err != nil {
		return 0, err
	}
	return seq, nil
}

func (s *LevelDBStore) appendLocked(op Operation, source Source) (uint64, error) {
	last, err := s.readNextSeqLocked()
	if err != nil {
		return 0, err
	}
	seq := last + 1

	entry := storedEntry{Seq: seq, Op: op, Source: source}
	buf, err := json.Marshal(entry)
	if err != nil {
		return 0, err
	}

	batch := new(leveldb.Batch)
	batch.Put(opKey(seq), buf)
	batch.Put([]byte(opIDIndexPrefix+op.ID), []byte(fmt.Sprintf("%020d", seq)))
	nextSeqBuf, err := json.Marshal(seq)
	if err != nil {
		return 0, err
	}
	batch.Put([]byte(metaNextSeqKey), nextSeqBuf)

	if err := s.db.Write(batch, nil); err != nil {
		return 0, fmt.Errorf("oplog: append seq %d: %w", seq, err)
	}
	s.logger.Debug().Uint64("seq", seq).Str("op_id", op.ID).Str("source", string(source)).Msg("op appended")
	return seq, nil
}

func (s *LevelDBStore) Append(op Operation, source Source) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(op, source)
}

func (s *LevelDBStore) AppendWithClockUpdate(op Operation, source Source) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq, err := s.appendLocked(op, source)
	if err != nil {
		return 0, err
	}

	current, err := s.getClockLocked()
	if err != nil {
		return 0, err
	}
	merged := vectorclock.Merge(current, op.VectorClock)
	if err := s.putClockLocked(merged); err != nil {
		return 0, err
	}
	return seq, nil
}

func (s *LevelDBStore) WithOpLogLock(fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&levelDBTx{s})
}

// levelDBTx implements Tx against an already-locked LevelDBStore.
type levelDBTx struct {
	s *LevelDBStore
}

func (t *levelDBTx) GetCurrentVectorClock() (vectorclock.Clock, error) {
	return t.s.getClockLocked()
}

func (t *levelDBTx) AppendWithClockUpdate(op Operation, source Source) (uint64, error) {
	seq, err := t.s.appendLocked(op, source)
	if err != nil {
		return 0, err
	}
	current, err := t.s.getClockLocked()
	if err != nil {
		return 0, err
	}
	merged := vectorclock.Merge(current, op.VectorClock)
	if err := t.s.putClockLocked(merged); err != nil {
		return 0, err
	}
	return seq, nil
}

func (t *levelDBTx) GetProtectedClientIDs() ([]vectorclock.ClientID, error) {
	v, err := t.s.db.Get([]byte(metaProtectedKey), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []vectorclock.ClientID
	if err := json.Unmarshal(v, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *LevelDBStore) Scan(fromSeq uint64, limit int, includeRejected bool) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	iter := s.db.NewIterator(util.BytesPrefix([]byte(opKeyPrefix)), nil)
	defer iter.Release()

	out := make([]Entry, 0)
	for iter.Next() {
		var se storedEntry
		if err := json.Unmarshal(iter.Value(), &se); err != nil {
			return nil, err
		}
		if se.Seq <= fromSeq {
			continue
		}
		if se.Rejected && !includeRejected {
			continue
		}
		out = append(out, Entry{Seq: se.Seq, Op: se.Op, Source: se.Source, Rejected: se.Rejected})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *LevelDBStore) MarkRejected(opIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := new(leveldb.Batch)
	for _, id := range opIDs {
		seqBuf, err := s.db.Get([]byte(opIDIndexPrefix+id), nil)
		if err == leveldb.ErrNotFound {
			continue
		}
		if err != nil {
			return err
		}
		raw, err := s.db.Get(append([]byte(opKeyPrefix), seqBuf...), nil)
		if err != nil {
			continue
		}
		var se storedEntry
		if err := json.Unmarshal(raw, &se); err != nil {
			return err
		}
		se.Rejected = true
		buf, err := json.Marshal(se)
		if err != nil {
			return err
		}
		batch.Put(opKey(se.Seq), buf)
	}
	return s.db.Write(batch, nil)
}

func (s *LevelDBStore) GetProtectedClientIDs() ([]vectorclock.ClientID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.db.Get([]byte(metaProtectedKey), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []vectorclock.ClientID
	if err := json.Unmarshal(v, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *LevelDBStore) SetProtectedClientIDs(ids []vectorclock.ClientID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sorted := append([]vectorclock.ClientID(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	buf, err := json.Marshal(sorted)
	if err != nil {
		return err
	}
	return s.db.Put([]byte(metaProtectedKey), buf, nil)
}

func (s *LevelDBStore) SaveStateCache(cache StateCache) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, err := json.Marshal(cache)
	if err != nil {
		return err
	}
	return s.db.Put([]byte(metaCacheKey), buf, nil)
}

func (s *LevelDBStore) SaveStateCacheBackup() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.db.Get([]byte(metaCacheKey), nil)
	if err == leveldb.ErrNotFound {
		return s.db.Delete([]byte(metaCacheBakKey), nil)
	}
	if err != nil {
		return err
	}
	return s.db.Put([]byte(metaCacheBakKey), v, nil)
}

func (s *LevelDBStore) RestoreStateCacheFromBackup() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.db.Get([]byte(metaCacheBakKey), nil)
	if err == leveldb.ErrNotFound {
		return errNoBackup
	}
	if err != nil {
		return err
	}
	return s.db.Put([]byte(metaCacheKey), v, nil)
}

func (s *LevelDBStore) ClearStateCacheBackup() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Delete([]byte(metaCacheBakKey), nil)
}

func (s *LevelDBStore) LoadStateCache() (StateCache, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.db.Get([]byte(metaCacheKey), nil)
	if err == leveldb.ErrNotFound {
		return StateCache{}, false, nil
	}
	if err != nil {
		return StateCache{}, false, err
	}
	var cache StateCache
	if err := json.Unmarshal(v, &cache); err != nil {
		return StateCache{}, false, err
	}
	return cache, true, nil
}

func (s *LevelDBStore) GetLastSeq() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	iter := s.db.NewIterator(util.BytesPrefix([]byte(opKeyPrefix)), nil)
	defer iter.Release()

	var last uint64
	for iter.Next() {
		var se storedEntry
		if err := json.Unmarshal(iter.Value(), &se); err != nil {
			return 0, err
		}
		if se.Rejected {
			continue
		}
		if se.Seq > last {
			last = se.Seq
		}
	}
	return last, iter.Error()
}

func (s *LevelDBStore) getClockLocked() (vectorclock.Clock, error) {
	v, err := s.db.Get([]byte(metaClockKey), nil)
	if err == leveldb.ErrNotFound {
		return vectorclock.Clock{}, nil
	}
	if err != nil {
		return nil, err
	}
	var c vectorclock.Clock
	if err := json.Unmarshal(v, &c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *LevelDBStore) putClockLocked(c vectorclock.Clock) error {
	buf, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.db.Put([]byte(metaClockKey), buf, nil)
}

func (s *LevelDBStore) GetCurrentVectorClock() (vectorclock.Clock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getClockLocked()
}

func (s *LevelDBStore) SetVectorClock(vc vectorclock.Clock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putClockLocked(vc)
}

func (s *LevelDBStore) GetLocalClientID() (vectorclock.ClientID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.db.Get([]byte(metaLocalIDKey), nil)
	if err == leveldb.ErrNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return vectorclock.ClientID(v), true, nil
}

func (s *LevelDBStore) SetLocalClientID(id vectorclock.ClientID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Put([]byte(metaLocalIDKey), []byte(id), nil)
}

func (s *LevelDBStore) ClearAllOperations() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	iter := s.db.NewIterator(util.BytesPrefix([]byte(opKeyPrefix)), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	if err := iter.Error(); err != nil {
		return err
	}

	iter2 := s.db.NewIterator(util.BytesPrefix([]byte(opIDIndexPrefix)), nil)
	defer iter2.Release()
	for iter2.Next() {
		batch.Delete(append([]byte(nil), iter2.Key()...))
	}
	if err := iter2.Error(); err != nil {
		return err
	}

	batch.Delete([]byte(metaNextSeqKey))

	return s.db.Write(batch, nil)
}

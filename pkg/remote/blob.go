// Package remote implements C7: the single-file remote adapter with
// optimistic-concurrency upload/download of a sync blob containing a
// state snapshot, recent ops, a global vector clock, and a
// monotonically increasing syncVersion.
package remote

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/super-productivity/sync-core/pkg/oplog"
	"github.com/super-productivity/sync-core/pkg/vectorclock"
)

// BlobFormatVersion is the constant format marker spec.md §3 calls
// "version".
const BlobFormatVersion = 1

// Blob is the remote sync blob of spec.md §3, bit-level stable per
// spec.md §6: a JSON-like object, syncVersion as unsigned 64-bit,
// recentOps ordered by seq ascending, all timestamps milliseconds since
// epoch UTC.
type Blob struct {
	Version       int                  `yaml:"version"`
	SyncVersion   uint64               `yaml:"sync_version"`
	SchemaVersion int                  `yaml:"schema_version"`
	VectorClock   vectorclock.Clock    `yaml:"vector_clock"`
	LastSeq       uint64               `yaml:"last_seq"`
	State         []byte               `yaml:"state"`
	RecentOps     []CompactOp          `yaml:"recent_ops"`
	ArchiveYoung  []byte               `yaml:"archive_young,omitempty"`
	ArchiveOld    []byte               `yaml:"archive_old,omitempty"`
	Checksum      string               `yaml:"checksum"`
	LastModified  int64                `yaml:"last_modified"`
}

// CompactOp is the wire-compact form of an operation kept inside a
// blob's recentOps window.
type CompactOp struct {
	Seq      uint64             `yaml:"seq"`
	ClientID string             `yaml:"client_id"`
	Op       oplog.Operation    `yaml:"op"`
}

// checksumOf hashes every field that determines the blob's meaning
// except Checksum itself, so tamper or truncation during transport is
// detectable on decode.
func checksumOf(b Blob) string {
	b.Checksum = ""
	h := sha256.New()
	enc, err := marshalForChecksum(b)
	if err != nil {
		return ""
	}
	h.Write(enc)
	return hex.EncodeToString(h.Sum(nil))
}

// WithChecksum returns a copy of b with Checksum recomputed, the way a
// codec finalizes a blob just before encoding it for upload.
func WithChecksum(b Blob) Blob {
	b.Checksum = checksumOf(b)
	return b
}

// VerifyChecksum reports whether b.Checksum matches its content, the
// "corrupt blob" check of spec.md §4.6's failure model.
func VerifyChecksum(b Blob) bool {
	if b.Checksum == "" {
		return false
	}
	return b.Checksum == checksumOf(b)
}

// Package storage implements the fixed-size-bucket memory-mapped record
// store: durable, constant-time insert/lookup/free with an explicit
// per-bucket free list. Buckets are memory-mapped with
// golang.org/x/sys/unix, mirroring the mmap technique used by the
// retrieved slotcache reference package but with the simpler fixed-slot,
// linked-free-list layout this store actually needs (no hash index, no
// seqlock: each bucket is guarded by a single mutex).
package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrFull is returned by Insert when no existing bucket has room and a
	// new bucket could not be created.
	ErrFull = errors.New("storage: full")
	// ErrHandleStale is returned when a Handle references a slot that has
	// since been freed.
	ErrHandleStale = errors.New("storage: handle stale")
	// ErrHandleInvalid is returned when a Handle references an unknown
	// bucket.
	ErrHandleInvalid = errors.New("storage: handle invalid")
	// ErrCorrupt is returned internally when a bucket file fails header
	// validation; Engine.Load quarantines the file and continues rather
	// than propagating this to the caller.
	ErrCorrupt = errors.New("storage: corrupt bucket")
)

const (
	magic0, magic1, magic2, magic3 = 'S', 'M', 'Q', 'B'
	formatVersion                  = 1

	headerSize = 24

	slotHeaderSize = 16
	freeListEnd    = 0xFFFFFFFF
)

// Handle is an opaque, equality-comparable reference to a stored record. It
// is stable across process restarts: the same (bucketID, offset) pair will
// resolve to the same record as long as the record has not been freed.
type Handle struct {
	BucketID uint32
	Offset   uint32
}

func (h Handle) String() string {
	return fmt.Sprintf("Handle(bucket=%d,offset=%d)", h.BucketID, h.Offset)
}

// Record pairs a Handle with the raw bytes recovered from its slot. The
// storage engine has no notion of "destination"; callers that store
// envelope metadata alongside a payload are responsible for framing and
// parsing it themselves (see broker.encodeRecoveryEnvelope).
type Record struct {
	Handle  Handle
	UserKey uint32
	Payload []byte
}

// put the slot's fixed-width fields. slot is the slotSize-byte region for
// one record within a bucket's mapped memory.
func putSlotHeader(slot []byte, inUse bool, nextFree, userKey, payloadLen uint32) {
	if inUse {
		slot[0] = 1
	} else {
		slot[0] = 0
	}
	slot[1], slot[2], slot[3] = 0, 0, 0
	binary.LittleEndian.PutUint32(slot[4:8], nextFree)
	binary.LittleEndian.PutUint32(slot[8:12], userKey)
	binary.LittleEndian.PutUint32(slot[12:16], payloadLen)
}

func slotInUse(slot []byte) bool      { return slot[0] == 1 }
func slotNextFree(slot []byte) uint32 { return binary.LittleEndian.Uint32(slot[4:8]) }
func slotUserKey(slot []byte) uint32  { return binary.LittleEndian.Uint32(slot[8:12]) }
func slotPayloadLen(slot []byte) uint32 {
	return binary.LittleEndian.Uint32(slot[12:16])
}

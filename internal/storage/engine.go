package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// Config describes how an Engine lays out bucket files on disk.
type Config struct {
	// Directory holds the bucket files.
	Directory string
	// ObjectName is the listener identifier; bucket files are named
	// "<ObjectName>-<bucket-id>.bkt".
	ObjectName string
	// SlotSize is the per-record slot size in bytes, including the
	// 16-byte slot header. Immutable once any bucket has been created
	// (spec I2).
	SlotSize uint32
	// SlotsPerBucket is the number of slots in each bucket file.
	SlotsPerBucket uint32
}

// Engine is the fixed-size-bucket memory-mapped record store described in
// spec.md §4.1. The directory of buckets is read-mostly and guarded by a
// reader-writer lock; each bucket is guarded by its own mutex.
type Engine struct {
	cfg Config

	mu      sync.RWMutex
	buckets map[uint32]*bucket

	rotation uint32 // atomic rotation cursor over bucket ids, per §9.
}

// Open creates an Engine rooted at cfg.Directory. It does not load existing
// buckets; call Load for that.
func Open(cfg Config) (*Engine, error) {
	if cfg.SlotSize <= slotHeaderSize {
		return nil, fmt.Errorf("storage: slot size %d too small", cfg.SlotSize)
	}
	if err := os.MkdirAll(cfg.Directory, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create directory: %w", err)
	}
	return &Engine{cfg: cfg, buckets: make(map[uint32]*bucket)}, nil
}

func (e *Engine) bucketPath(id uint32) string {
	return filepath.Join(e.cfg.Directory, fmt.Sprintf("%s-%d.bkt", e.cfg.ObjectName, id))
}

// Load opens every bucket file in the configured directory matching the
// object name prefix, validates headers, quarantines corrupt files by
// renaming them aside with a .corrupt suffix, and returns the records of
// every currently in-use slot in ascending (bucket-id, offset) order.
func (e *Engine) Load() ([]Record, error) {
	entries, err := os.ReadDir(e.cfg.Directory)
	if err != nil {
		return nil, fmt.Errorf("storage: read directory: %w", err)
	}

	prefix := e.cfg.ObjectName + "-"
	var ids []uint32
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".bkt") {
			continue
		}
		idStr := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".bkt")
		id, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil {
			continue
		}
		ids = append(ids, uint32(id))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	e.mu.Lock()
	defer e.mu.Unlock()

	var records []Record
	var maxID uint32
	for _, id := range ids {
		path := e.bucketPath(id)
		b, err := openBucket(path)
		if err != nil {
			e.quarantine(path)
			continue
		}
		e.buckets[id] = b
		if id > maxID {
			maxID = id
		}
		var bucketRecords []Record
		b.scan(func(offset, userKey uint32, payload []byte) {
			bucketRecords = append(bucketRecords, Record{
				Handle:  Handle{BucketID: id, Offset: offset},
				UserKey: userKey,
				Payload: payload,
			})
		})
		records = append(records, bucketRecords...)
	}
	if len(ids) > 0 {
		atomic.StoreUint32(&e.rotation, maxID)
	}

	return records, nil
}

func (e *Engine) quarantine(path string) {
	os.Rename(path, path+".corrupt")
}

// Insert appends payload to the first bucket with room, rotating the
// starting point across the bucket directory (§9's round-robin rotation
// cursor) to balance fragmentation rather than to load-balance. A new
// bucket is created if none of the existing ones admit the record.
func (e *Engine) Insert(userKey uint32, payload []byte) (Handle, error) {
	if uint32(len(payload)) > e.cfg.SlotSize-slotHeaderSize {
		return Handle{}, fmt.Errorf("storage: payload exceeds slot capacity: %w", ErrFull)
	}

	ids := e.bucketIDsFrom(e.rotationStart())
	for _, id := range ids {
		b := e.bucketByID(id)
		if b == nil {
			continue
		}
		if offset, ok := b.tryInsert(userKey, payload); ok {
			atomic.StoreUint32(&e.rotation, id)
			return Handle{BucketID: id, Offset: offset}, nil
		}
	}

	b, id, err := e.createNextBucket()
	if err != nil {
		return Handle{}, fmt.Errorf("storage: %w", ErrFull)
	}
	offset, ok := b.tryInsert(userKey, payload)
	if !ok {
		return Handle{}, fmt.Errorf("storage: %w", ErrFull)
	}
	atomic.StoreUint32(&e.rotation, id)
	return Handle{BucketID: id, Offset: offset}, nil
}

func (e *Engine) rotationStart() uint32 {
	return atomic.LoadUint32(&e.rotation)
}

// bucketIDsFrom returns the known bucket ids in rotation order starting
// just after `from`, wrapping around.
func (e *Engine) bucketIDsFrom(from uint32) []uint32 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]uint32, 0, len(e.buckets))
	for id := range e.buckets {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	idx := 0
	for i, id := range ids {
		if id > from {
			idx = i
			break
		}
	}
	return append(ids[idx:], ids[:idx]...)
}

func (e *Engine) bucketByID(id uint32) *bucket {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.buckets[id]
}

func (e *Engine) createNextBucket() (*bucket, uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var nextID uint32
	for id := range e.buckets {
		if id+1 > nextID {
			nextID = id + 1
		}
	}
	b, err := createBucket(e.bucketPath(nextID), nextID, e.cfg.SlotSize, e.cfg.SlotsPerBucket)
	if err != nil {
		return nil, 0, err
	}
	e.buckets[nextID] = b
	return b, nextID, nil
}

// Lookup returns the payload referenced by h.
func (e *Engine) Lookup(h Handle) ([]byte, error) {
	b := e.bucketByID(h.BucketID)
	if b == nil {
		return nil, ErrHandleInvalid
	}
	return b.lookup(h.Offset)
}

// Free releases the slot referenced by h back to its bucket's free list.
func (e *Engine) Free(h Handle) error {
	b := e.bucketByID(h.BucketID)
	if b == nil {
		return ErrHandleInvalid
	}
	return b.free(h.Offset)
}

// Sync flushes every open bucket to disk.
func (e *Engine) Sync() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, b := range e.buckets {
		if err := b.sync(); err != nil {
			return err
		}
	}
	return nil
}

// Close unmaps and closes every open bucket.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var first error
	for _, b := range e.buckets {
		if err := b.close(); err != nil && first == nil {
			first = err
		}
	}
	e.buckets = make(map[uint32]*bucket)
	return first
}

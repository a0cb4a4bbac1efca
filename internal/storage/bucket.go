package storage

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// bucket is a single memory-mapped backing file holding a header followed
// by a dense array of slotCount fixed-size slots. All access to a bucket's
// mapped memory goes through bucket.mu, per spec.md's "a bucket is guarded
// by its own mutex".
type bucket struct {
	mu sync.Mutex

	file *os.File
	data []byte // mmap'd region, len == headerSize + slotSize*slotCount

	id        uint32
	slotSize  uint32
	slotCount uint32
}

// createBucket allocates a new bucket file of the given id, slot size and
// slot count, zero-fills it via truncate, writes the header and maps it.
func createBucket(path string, id, slotSize, slotCount uint32) (*bucket, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("storage: create bucket file: %w", err)
	}

	size := int64(headerSize) + int64(slotSize)*int64(slotCount)
	if err := f.Truncate(size); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("storage: truncate bucket file: %w", err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("storage: mmap bucket file: %w", err)
	}

	b := &bucket{file: f, data: data, id: id, slotSize: slotSize, slotCount: slotCount}

	// Thread every slot onto the free list in order; all slots start
	// free (in-use=0), so I1 (free list only threads free slots) holds.
	for i := uint32(0); i < slotCount; i++ {
		next := i + 1
		if next == slotCount {
			next = freeListEnd
		}
		putSlotHeader(b.slot(i), false, next, 0, 0)
	}
	if slotCount == 0 {
		b.writeHeader(freeListEnd)
	} else {
		b.writeHeader(0)
	}

	return b, nil
}

// openBucket maps an existing bucket file and validates its header. On
// header mismatch it returns ErrCorrupt without modifying the file; the
// caller (Engine.Load) is responsible for quarantining it.
func openBucket(path string) (*bucket, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("storage: open bucket file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("storage: stat bucket file: %w", err)
	}
	size := info.Size()
	if size < headerSize {
		f.Close()
		return nil, ErrCorrupt
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("storage: mmap bucket file: %w", err)
	}

	b := &bucket{file: f, data: data}
	if err := b.readHeader(); err != nil {
		unix.Munmap(data)
		f.Close()
		return nil, err
	}

	expect := int64(headerSize) + int64(b.slotSize)*int64(b.slotCount)
	if expect != size {
		unix.Munmap(data)
		f.Close()
		return nil, ErrCorrupt
	}

	return b, nil
}

func (b *bucket) writeHeader(freeListHead uint32) {
	h := b.data[:headerSize]
	h[0], h[1], h[2], h[3] = magic0, magic1, magic2, magic3
	binary.LittleEndian.PutUint16(h[4:6], formatVersion)
	h[6], h[7] = 0, 0
	binary.LittleEndian.PutUint32(h[8:12], b.id)
	binary.LittleEndian.PutUint32(h[12:16], b.slotSize)
	binary.LittleEndian.PutUint32(h[16:20], b.slotCount)
	binary.LittleEndian.PutUint32(h[20:24], freeListHead)
}

func (b *bucket) readHeader() error {
	h := b.data[:headerSize]
	if h[0] != magic0 || h[1] != magic1 || h[2] != magic2 || h[3] != magic3 {
		return ErrCorrupt
	}
	if binary.LittleEndian.Uint16(h[4:6]) != formatVersion {
		return ErrCorrupt
	}
	b.id = binary.LittleEndian.Uint32(h[8:12])
	b.slotSize = binary.LittleEndian.Uint32(h[12:16])
	b.slotCount = binary.LittleEndian.Uint32(h[16:20])
	if b.slotSize <= slotHeaderSize || b.slotCount == 0 {
		return ErrCorrupt
	}
	return nil
}

func (b *bucket) freeListHead() uint32 {
	return binary.LittleEndian.Uint32(b.data[20:24])
}

func (b *bucket) setFreeListHead(v uint32) {
	binary.LittleEndian.PutUint32(b.data[20:24], v)
}

// slot returns the slotSize-byte window for the i'th slot.
func (b *bucket) slot(i uint32) []byte {
	off := int64(headerSize) + int64(i)*int64(b.slotSize)
	return b.data[off : off+int64(b.slotSize)]
}

func (b *bucket) maxPayload() uint32 {
	return b.slotSize - slotHeaderSize
}

// tryInsert attempts to place payload in the slot at the head of the free
// list (every slot is threaded onto that list when the bucket is created).
// Returns ok=false if the bucket has no room.
func (b *bucket) tryInsert(userKey uint32, payload []byte) (offset uint32, ok bool) {
	if uint32(len(payload)) > b.maxPayload() {
		return 0, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	head := b.freeListHead()
	if head == freeListEnd {
		return 0, false
	}

	s := b.slot(head)
	next := slotNextFree(s)
	// I3: payload and user key are written before in-use is set.
	copy(s[slotHeaderSize:], payload)
	putSlotHeader(s, false, freeListEnd, userKey, uint32(len(payload)))
	s[0] = 1 // commit point
	// I4 governs free(); here the head is simply advanced to the next
	// free slot once the commit point has been crossed.
	b.setFreeListHead(next)
	return head, true
}

// lookup returns the payload stored at offset, or ErrHandleStale if the
// slot is not in-use.
func (b *bucket) lookup(offset uint32) ([]byte, error) {
	if offset >= b.slotCount {
		return nil, ErrHandleInvalid
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.slot(offset)
	if !slotInUse(s) {
		return nil, ErrHandleStale
	}
	n := slotPayloadLen(s)
	out := make([]byte, n)
	copy(out, s[slotHeaderSize:slotHeaderSize+n])
	return out, nil
}

// free clears the in-use flag and pushes the slot onto the bucket's free
// list. Returns ErrHandleStale if the slot was already free.
func (b *bucket) free(offset uint32) error {
	if offset >= b.slotCount {
		return ErrHandleInvalid
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.slot(offset)
	if !slotInUse(s) {
		return ErrHandleStale
	}
	// I4: in-use cleared before the free-list head is updated.
	prevHead := b.freeListHead()
	putSlotHeader(s, false, prevHead, 0, 0)
	b.setFreeListHead(offset)
	return nil
}

// scan yields (offset, userKey, payload) for every in-use slot in ascending
// offset order.
func (b *bucket) scan(fn func(offset, userKey uint32, payload []byte)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := uint32(0); i < b.slotCount; i++ {
		s := b.slot(i)
		if slotInUse(s) {
			n := slotPayloadLen(s)
			payload := make([]byte, n)
			copy(payload, s[slotHeaderSize:slotHeaderSize+n])
			fn(i, slotUserKey(s), payload)
		}
	}
}

func (b *bucket) close() error {
	if err := unix.Munmap(b.data); err != nil {
		b.file.Close()
		return err
	}
	return b.file.Close()
}

func (b *bucket) sync() error {
	return b.file.Sync()
}

package malloc

import (
	"fmt"
	"math/bits"
	"unsafe"

	"github.com/bytedance/gopkg/lang/dirtmake"
	"github.com/bytedance/gopkg/lang/mcache"
	"github.com/sirupsen/logrus"
)

// Handle identifies an allocated block. It is the arena offset of the block's
// first payload byte, so it is never zero for a valid allocation.
type Handle int

// Allocator manages one fixed arena with the buddy-block algorithm.
//
// Every block, free or allocated, begins with an in-band header, and the headers are
// linked into a chain starting at offset 0. Allocate picks the first free block in
// chain order that is large enough and halves it until it matches the rounded request.
// Release marks the block free and coalesces.
//
// An Allocator is not safe for concurrent use. Use SafeAllocator for that.
type Allocator struct {
	// arena is the memory slab we are managing. Headers and payloads both live here.
	arena []byte

	// arenaStart is a cached pointer to the start of the arena.
	arenaStart unsafe.Pointer

	// capacity is len(arena), a power of two.
	capacity int

	// minBlockSize is the smallest block size requests are rounded to.
	minBlockSize int
	// minBlockShift is log2(minBlockSize).
	minBlockShift int

	// live tracks the offsets of allocated blocks; Release rejects anything else.
	live liveSet

	policy CoalescePolicy
	pooled bool
	log    logrus.FieldLogger
}

// NewAllocator creates an allocator owning a fresh arena of o.Capacity bytes.
// A nil o means DefaultOption().
func NewAllocator(o *Option) (*Allocator, error) {
	if o == nil {
		o = DefaultOption()
	}
	capacity := o.Capacity
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	opt, err := o.normalize(capacity)
	if err != nil {
		return nil, err
	}

	var arena []byte
	if opt.Pooled {
		arena = mcache.Malloc(capacity)
	} else {
		// headers are written before they are read, so the arena needs no zeroing
		arena = dirtmake.Bytes(capacity, capacity)
	}
	return newAllocator(arena, opt), nil
}

// NewAllocatorWithArena creates an allocator managing the given arena.
// The arena's size MUST be a power of two and its start MUST be 8-byte aligned.
// o.Capacity and o.Pooled are ignored.
func NewAllocatorWithArena(arena []byte, o *Option) (*Allocator, error) {
	if o == nil {
		o = DefaultOption()
	}
	opt, err := o.normalize(len(arena))
	if err != nil {
		return nil, err
	}
	if uintptr(unsafe.Pointer(unsafe.SliceData(arena)))&7 != 0 {
		return nil, fmt.Errorf("arena must be 8-byte aligned")
	}
	opt.Pooled = false
	return newAllocator(arena, opt), nil
}

func newAllocator(arena []byte, o Option) *Allocator {
	shift := bits.TrailingZeros(uint(o.MinBlockSize))
	a := &Allocator{
		arena:         arena[:o.Capacity:o.Capacity],
		arenaStart:    unsafe.Pointer(unsafe.SliceData(arena)),
		capacity:      o.Capacity,
		minBlockSize:  o.MinBlockSize,
		minBlockShift: shift,
		live:          newLiveSet(o.Capacity, shift),
		policy:        o.Coalesce,
		pooled:        o.Pooled,
		log:           o.Logger,
	}
	a.Reset()
	return a
}

// RoundUp returns the smallest power of two that is >= n and >= minBlock.
// minBlock must be a power of two. It panics if n exceeds MaxCapacity,
// since no arena could hold such a block.
func RoundUp(n, minBlock int) int {
	if n > MaxCapacity {
		panic(fmt.Sprintf("buddy: RoundUp(%d) exceeds MaxCapacity", n))
	}
	if n <= minBlock {
		return minBlock
	}
	return 1 << bits.Len(uint(n-1))
}

// Allocate reserves a block whose payload holds at least size bytes.
// The block size is RoundUp(size+HeaderSize, MinBlockSize).
//
// It returns ErrOutOfMemory if no single free block is large enough,
// even if the free bytes of several blocks would add up to the request.
func (a *Allocator) Allocate(size int) (Handle, error) {
	a.mustOpen()
	if size < 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	if size > a.capacity-HeaderSize {
		a.trace("buddy: rejected allocate", logrus.Fields{"size": size})
		return 0, fmt.Errorf("%w: %d bytes exceeds arena of %d bytes", ErrOutOfMemory, size, a.capacity)
	}
	target := RoundUp(size+HeaderSize, a.minBlockSize)

	offset := a.firstFit(target)
	if offset == endOfChain {
		a.trace("buddy: rejected allocate", logrus.Fields{"size": size, "block": target})
		return 0, fmt.Errorf("%w: no free block of %d bytes", ErrOutOfMemory, target)
	}

	// Split until we reach the target size. The block keeps its offset and the upper
	// half becomes a free block linked right after it.
	h := a.header(offset)
	for int(h.size) > target {
		a.split(offset, h)
	}
	h.status = statusAllocated
	a.live.add(offset)

	a.trace("buddy: allocate", logrus.Fields{"offset": offset, "size": target, "request": size})
	return Handle(offset + HeaderSize), nil
}

// firstFit returns the offset of the first free block in chain order with
// at least target bytes, or endOfChain.
func (a *Allocator) firstFit(target int) int {
	for off := 0; off != endOfChain; {
		h := a.header(off)
		if h.free() && int(h.size) >= target {
			return off
		}
		off = h.nextOffset()
	}
	return endOfChain
}

func (a *Allocator) split(offset int, h *header) {
	half := int(h.size) / 2
	a.putHeader(offset+half, half, h.next, statusFree)
	h.size = uint32(half)
	h.next = uint32(offset + half)
	a.trace("buddy: split", logrus.Fields{"offset": offset, "size": half})
}

// Release returns an allocated block to the arena and coalesces free blocks.
// Returns ErrInvalidHandle if h is zero, outside the arena, or not currently
// allocated, so a double release is rejected.
func (a *Allocator) Release(h Handle) error {
	a.mustOpen()
	offset, ok := a.blockOffset(h)
	if !ok {
		a.trace("buddy: rejected release", logrus.Fields{"handle": int(h)})
		return fmt.Errorf("%w: %d", ErrInvalidHandle, h)
	}
	hdr := a.header(offset)
	hdr.status = statusFree
	a.live.remove(offset)
	a.trace("buddy: release", logrus.Fields{"offset": offset, "size": int(hdr.size)})

	a.coalesce()
	return nil
}

// Bytes returns the payload of the block identified by h. The slice's length and
// capacity are the block size minus HeaderSize, and it is only valid until Release.
func (a *Allocator) Bytes(h Handle) ([]byte, error) {
	a.mustOpen()
	offset, ok := a.blockOffset(h)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidHandle, h)
	}
	end := offset + int(a.header(offset).size)
	return a.arena[offset+HeaderSize : end : end], nil
}

// HandleOf returns the handle of a payload slice returned by Bytes.
//
// IMPORTANT: b must start where the payload starts. Reslicing from the front
// (e.g., b[n:]) yields a pointer that doesn't identify any block.
func (a *Allocator) HandleOf(b []byte) (Handle, error) {
	a.mustOpen()
	if cap(b) == 0 {
		return 0, fmt.Errorf("%w: empty slice", ErrInvalidHandle)
	}
	dataPtr := uintptr(unsafe.Pointer(unsafe.SliceData(b)))
	start := uintptr(a.arenaStart)
	if dataPtr < start || dataPtr >= start+uintptr(a.capacity) {
		return 0, fmt.Errorf("%w: slice not in arena", ErrInvalidHandle)
	}
	h := Handle(dataPtr - start)
	if _, ok := a.blockOffset(h); !ok {
		return 0, fmt.Errorf("%w: %d", ErrInvalidHandle, h)
	}
	return h, nil
}

// blockOffset resolves h to its block offset. ok is false unless the block is live.
func (a *Allocator) blockOffset(h Handle) (offset int, ok bool) {
	offset = int(h) - HeaderSize
	if offset < 0 || offset >= a.capacity || offset&(a.minBlockSize-1) != 0 {
		return 0, false
	}
	return offset, a.live.has(offset)
}

// Reset clears all allocations and returns the allocator to its initial state:
// one free block spanning the whole arena.
func (a *Allocator) Reset() {
	a.mustOpen()
	a.putHeader(0, a.capacity, nilOffset, statusFree)
	a.live.reset()
}

// Close releases the arena. A pooled arena goes back to mcache.
// Any later call on a panics.
func (a *Allocator) Close() {
	if a.arena == nil {
		return
	}
	if a.pooled {
		mcache.Free(a.arena)
	}
	a.arena = nil
	a.arenaStart = nil
}

// Capacity returns the arena size in bytes.
func (a *Allocator) Capacity() int {
	return a.capacity
}

// MinBlockSize returns the smallest block size requests are rounded to.
func (a *Allocator) MinBlockSize() int {
	return a.minBlockSize
}

func (a *Allocator) mustOpen() {
	if a.arena == nil {
		panic("buddy: use after Close")
	}
}

func (a *Allocator) trace(msg string, fields logrus.Fields) {
	if a.log == nil {
		return
	}
	a.log.WithFields(fields).Debug(msg)
}

package malloc

import (
	"encoding/binary"
	"fmt"
	"iter"

	"github.com/bytedance/gopkg/lang/dirtmake"
	"github.com/bytedance/gopkg/util/xxhash3"
)

// Block describes one block of the chain.
type Block struct {
	Offset int  `json:"offset"`
	Size   int  `json:"size"`
	Free   bool `json:"free"`
}

// Handle returns the handle an allocated block was returned under.
func (b Block) Handle() Handle {
	return Handle(b.Offset + HeaderSize)
}

// Blocks returns every block in chain order.
// The sequence is lazy and can be iterated again; each iteration walks the current chain.
// Don't allocate or release while iterating.
func (a *Allocator) Blocks() iter.Seq[Block] {
	return func(yield func(Block) bool) {
		a.mustOpen()
		for off := 0; off != endOfChain; {
			h := a.header(off)
			b := Block{Offset: off, Size: int(h.size), Free: h.free()}
			off = h.nextOffset()
			if !yield(b) {
				return
			}
		}
	}
}

// FreeBlocks returns the free blocks in chain order.
func (a *Allocator) FreeBlocks() iter.Seq[Block] {
	return filterBlocks(a.Blocks(), true)
}

// AllocatedBlocks returns the allocated blocks in chain order.
func (a *Allocator) AllocatedBlocks() iter.Seq[Block] {
	return filterBlocks(a.Blocks(), false)
}

func filterBlocks(seq iter.Seq[Block], free bool) iter.Seq[Block] {
	return func(yield func(Block) bool) {
		for b := range seq {
			if b.Free == free && !yield(b) {
				return
			}
		}
	}
}

// TotalFreeBytes returns the sum of the sizes of all free blocks, headers included.
func (a *Allocator) TotalFreeBytes() int {
	total := 0
	for b := range a.FreeBlocks() {
		total += b.Size
	}
	return total
}

// Stats is a snapshot of the arena's usage.
type Stats struct {
	Capacity         int `json:"capacity"`
	FreeBytes        int `json:"free_bytes"`
	AllocatedBytes   int `json:"allocated_bytes"`
	FreeBlocks       int `json:"free_blocks"`
	AllocatedBlocks  int `json:"allocated_blocks"`
	LargestFreeBlock int `json:"largest_free_block"`

	// Fragmentation is 1 - LargestFreeBlock/FreeBytes (0.0 to 1.0): the share of free
	// bytes that a single allocation can't reach. 0 if nothing is free.
	Fragmentation float64 `json:"fragmentation"`
}

// Stats returns a snapshot of the arena's usage.
func (a *Allocator) Stats() Stats {
	s := Stats{Capacity: a.capacity}
	for b := range a.Blocks() {
		if !b.Free {
			s.AllocatedBytes += b.Size
			s.AllocatedBlocks++
			continue
		}
		s.FreeBytes += b.Size
		s.FreeBlocks++
		if b.Size > s.LargestFreeBlock {
			s.LargestFreeBlock = b.Size
		}
	}
	if s.FreeBytes > 0 {
		s.Fragmentation = 1 - float64(s.LargestFreeBlock)/float64(s.FreeBytes)
	}
	return s
}

// Fingerprint hashes the chain layout (offset, size and status of every block).
// Two allocators with the same layout have the same fingerprint.
// DO NOT STORE the return value; it is meant for comparing in-memory states.
func (a *Allocator) Fingerprint() uint64 {
	buf := dirtmake.Bytes(0, 64)
	for b := range a.Blocks() {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(b.Offset))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(b.Size))
		if b.Free {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}
	return xxhash3.Hash(buf)
}

// Check verifies the chain invariants and returns the first violation found:
//   - blocks are contiguous in chain order, starting at offset 0
//   - every size is a power of two and >= MinBlockSize
//   - the sizes add up to the arena capacity
//   - the live-handle registry matches the allocated blocks exactly
func (a *Allocator) Check() error {
	sum, expect, allocated := 0, 0, 0
	for b := range a.Blocks() {
		if b.Offset != expect {
			return fmt.Errorf("buddy: block at offset %d, want %d", b.Offset, expect)
		}
		if b.Size < a.minBlockSize || b.Size&(b.Size-1) != 0 {
			return fmt.Errorf("buddy: block at offset %d has invalid size %d", b.Offset, b.Size)
		}
		if b.Offset+b.Size > a.capacity {
			return fmt.Errorf("buddy: block at offset %d overruns arena", b.Offset)
		}
		live := b.Offset&(a.minBlockSize-1) == 0 && a.live.has(b.Offset)
		if b.Free == live {
			return fmt.Errorf("buddy: block at offset %d free=%v but registry says live=%v", b.Offset, b.Free, live)
		}
		if !b.Free {
			allocated++
		}
		sum += b.Size
		expect = b.Offset + b.Size
	}
	if sum != a.capacity {
		return fmt.Errorf("buddy: block sizes add up to %d, want %d", sum, a.capacity)
	}
	if n := a.live.count(); n != allocated {
		return fmt.Errorf("buddy: registry holds %d handles, chain has %d allocated blocks", n, allocated)
	}
	return nil
}

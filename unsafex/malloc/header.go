package malloc

import "unsafe"

// header is the in-band block metadata stored at the first byte of every block,
// free or allocated:
//
//	[4 bytes magic][4 bytes size][4 bytes next offset][4 bytes status]
//
// next threads the chain. It always points at offset+size, so chain order is address order.
type header struct {
	magic  uint32
	size   uint32
	next   uint32
	status uint32
}

const (
	// HeaderSize is the number of bytes every block spends on its header.
	HeaderSize = int(unsafe.Sizeof(header{}))

	// headerMagic is checked on every header read to detect a corrupted arena.
	headerMagic uint32 = 0xB0DD1E5

	// nilOffset terminates the chain.
	nilOffset uint32 = 0xFFFFFFFF

	statusFree      uint32 = 1
	statusAllocated uint32 = 2
)

// endOfChain is nextOffset's int form of nilOffset.
const endOfChain = -1

func (h *header) nextOffset() int {
	if h.next == nilOffset {
		return endOfChain
	}
	return int(h.next)
}

func (h *header) free() bool {
	return h.status == statusFree
}

// header returns the block header at offset.
// Panics if the magic doesn't match, which only happens after an out-of-bounds write.
func (a *Allocator) header(offset int) *header {
	h := (*header)(unsafe.Add(a.arenaStart, offset))
	if h.magic != headerMagic {
		panic("buddy: corrupted block header")
	}
	return h
}

// putHeader installs a fresh header at offset.
func (a *Allocator) putHeader(offset, size int, next, status uint32) *header {
	h := (*header)(unsafe.Add(a.arenaStart, offset))
	*h = header{magic: headerMagic, size: uint32(size), next: next, status: status}
	return h
}

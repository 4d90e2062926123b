package malloc

import "math/bits"

// liveSet records which block offsets currently hold an allocated block.
// Each bit represents one minBlockSize slot of the arena, so only offsets
// aligned to minBlockSize can be members.
type liveSet struct {
	words []uint64
	shift int // log2(minBlockSize)
}

func newLiveSet(capacity, shift int) liveSet {
	slots := capacity >> shift
	return liveSet{
		words: make([]uint64, (slots+63)>>6),
		shift: shift,
	}
}

func (s *liveSet) add(offset int) {
	idx := offset >> s.shift
	s.words[idx>>6] |= 1 << (idx & 63)
}

func (s *liveSet) remove(offset int) {
	idx := offset >> s.shift
	s.words[idx>>6] &^= 1 << (idx & 63)
}

// has returns true if a block allocated at offset is live.
func (s *liveSet) has(offset int) bool {
	idx := offset >> s.shift
	return s.words[idx>>6]&(1<<(idx&63)) != 0
}

func (s *liveSet) count() int {
	n := 0
	for _, w := range s.words {
		n += bits.OnesCount64(w)
	}
	return n
}

func (s *liveSet) reset() {
	for i := range s.words {
		s.words[i] = 0
	}
}

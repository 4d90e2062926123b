package malloc

import "github.com/sirupsen/logrus"

// coalesce runs merge passes after a release and returns the number of merges.
func (a *Allocator) coalesce() int {
	if a.policy == ChainOrderCoalesce {
		return a.mergePass(false)
	}
	// A merge can turn a block into the right buddy of its predecessor,
	// which this pass has already walked past. Repeat until a pass merges nothing.
	// Every merge shortens the chain, so this terminates.
	total := 0
	for {
		n := a.mergePass(true)
		if n == 0 {
			return total
		}
		total += n
	}
}

// mergePass walks the chain once from the head. For each adjacent pair
// (cur, cur.next) that is free and equal in size, cur absorbs cur.next and the walk
// stays on cur to try its new neighbour. Otherwise it advances.
//
// With buddyOnly set, cur must also be the left buddy of the pair (offset&size == 0).
// Since the chain is contiguous in address order, cur.next is then its exact buddy.
func (a *Allocator) mergePass(buddyOnly bool) int {
	merged := 0
	off := 0
	for {
		cur := a.header(off)
		if cur.next == nilOffset {
			return merged
		}
		nextOff := int(cur.next)
		next := a.header(nextOff)
		if cur.free() && next.free() && cur.size == next.size &&
			(!buddyOnly || off&int(cur.size) == 0) {
			cur.size *= 2
			cur.next = next.next
			// the absorbed header is payload now; clearing it makes stale reads panic
			next.magic = 0
			merged++
			a.trace("buddy: merge", logrus.Fields{"offset": off, "size": int(cur.size)})
			continue
		}
		off = nextOff
	}
}

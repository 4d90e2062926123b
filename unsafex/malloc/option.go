package malloc

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultCapacity is the default arena size (1KB).
	DefaultCapacity = 1024

	// DefaultMinBlockSize is the default minimum block size.
	// Real blocks are never smaller than HeaderSize, since every block carries a header.
	DefaultMinBlockSize = 8

	// MaxCapacity is the largest arena an Allocator manages. Sizes and offsets are
	// stored as uint32 in the in-band header.
	MaxCapacity = 1 << 30
)

// CoalescePolicy selects how released blocks merge with their neighbours.
type CoalescePolicy int

const (
	// BuddyCoalesce merges a free block only with its true buddy
	// (the neighbour at offset^size of equal size), repeating passes until nothing merges.
	// After every Release no two free buddies remain, so releasing everything
	// always restores a single free block spanning the arena.
	BuddyCoalesce CoalescePolicy = iota

	// ChainOrderCoalesce makes one left-to-right pass merging any two adjacent free
	// blocks of equal size, without restarting. Merged blocks need not be aligned to
	// their size, and releasing everything may leave several free blocks behind.
	ChainOrderCoalesce
)

func (p CoalescePolicy) String() string {
	switch p {
	case BuddyCoalesce:
		return "buddy"
	case ChainOrderCoalesce:
		return "chain"
	}
	return fmt.Sprintf("CoalescePolicy(%d)", int(p))
}

// ParseCoalescePolicy parses the String form of a CoalescePolicy.
func ParseCoalescePolicy(s string) (CoalescePolicy, error) {
	switch s {
	case "buddy", "":
		return BuddyCoalesce, nil
	case "chain":
		return ChainOrderCoalesce, nil
	}
	return 0, fmt.Errorf("unknown coalesce policy %q, want buddy or chain", s)
}

// Option configures an Allocator.
type Option struct {
	// Capacity is the arena size in bytes. It must be a power of two.
	// Zero means DefaultCapacity. Ignored by NewAllocatorWithArena.
	Capacity int

	// MinBlockSize is the smallest block size the allocator rounds requests to.
	// It must be a power of two. Zero means DefaultMinBlockSize.
	MinBlockSize int

	// Coalesce selects the merge policy used after every Release.
	Coalesce CoalescePolicy

	// Pooled takes the arena from mcache instead of allocating a dedicated buffer.
	// Close returns it to the pool.
	Pooled bool

	// Logger receives split, merge, allocate and release traces at debug level.
	// Nil disables tracing.
	Logger logrus.FieldLogger
}

// DefaultOption returns the default values of Option.
func DefaultOption() *Option {
	return &Option{
		Capacity:     DefaultCapacity,
		MinBlockSize: DefaultMinBlockSize,
		Coalesce:     BuddyCoalesce,
	}
}

// normalize fills zero fields with defaults and validates the result against capacity.
func (o Option) normalize(capacity int) (Option, error) {
	if o.MinBlockSize == 0 {
		o.MinBlockSize = DefaultMinBlockSize
	}
	minBlock := o.MinBlockSize
	if minBlock < 0 || (minBlock&(minBlock-1)) != 0 {
		return o, fmt.Errorf("minBlockSize must be a power of two, got %d", minBlock)
	}
	if capacity <= 0 || (capacity&(capacity-1)) != 0 {
		return o, fmt.Errorf("arena capacity must be a power of two, got %d", capacity)
	}
	if capacity < HeaderSize || capacity < minBlock {
		return o, fmt.Errorf("arena capacity (%d) must be >= headerSize (%d) and >= minBlockSize (%d)",
			capacity, HeaderSize, minBlock)
	}
	if capacity > MaxCapacity {
		return o, fmt.Errorf("arena capacity must be <= %d, got %d", MaxCapacity, capacity)
	}
	if o.Coalesce != BuddyCoalesce && o.Coalesce != ChainOrderCoalesce {
		return o, fmt.Errorf("invalid coalesce policy %v", o.Coalesce)
	}
	o.Capacity = capacity
	return o, nil
}

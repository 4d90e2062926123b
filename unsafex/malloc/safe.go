package malloc

import (
	"iter"
	"slices"
	"sync"
)

// SafeAllocator is a mutex-protected wrapper around Allocator for concurrent access.
// Allocate, Release and the merge passes all run under one lock. Splits and merges
// rewrite neighbouring headers, so no finer-grained locking is safe.
type SafeAllocator struct {
	mu sync.Mutex
	a  *Allocator
}

// NewSafeAllocator creates a thread-safe allocator owning a fresh arena.
func NewSafeAllocator(o *Option) (*SafeAllocator, error) {
	a, err := NewAllocator(o)
	if err != nil {
		return nil, err
	}
	return &SafeAllocator{a: a}, nil
}

// NewSafeAllocatorWithArena creates a thread-safe allocator managing the given arena.
func NewSafeAllocatorWithArena(arena []byte, o *Option) (*SafeAllocator, error) {
	a, err := NewAllocatorWithArena(arena, o)
	if err != nil {
		return nil, err
	}
	return &SafeAllocator{a: a}, nil
}

func (s *SafeAllocator) Allocate(size int) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.a.Allocate(size)
}

func (s *SafeAllocator) Release(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.a.Release(h)
}

// Bytes thread-safely returns the payload of h. Writing to the payload needs no lock,
// but it must not outlive Release.
func (s *SafeAllocator) Bytes(h Handle) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.a.Bytes(h)
}

func (s *SafeAllocator) HandleOf(b []byte) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.a.HandleOf(b)
}

func (s *SafeAllocator) TotalFreeBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.a.TotalFreeBytes()
}

// Blocks returns a snapshot of the chain taken under the lock.
// Unlike Allocator.Blocks it is safe to allocate or release while iterating.
func (s *SafeAllocator) Blocks() iter.Seq[Block] {
	return s.snapshot(s.a.Blocks)
}

func (s *SafeAllocator) FreeBlocks() iter.Seq[Block] {
	return s.snapshot(s.a.FreeBlocks)
}

func (s *SafeAllocator) AllocatedBlocks() iter.Seq[Block] {
	return s.snapshot(s.a.AllocatedBlocks)
}

func (s *SafeAllocator) snapshot(seq func() iter.Seq[Block]) iter.Seq[Block] {
	return func(yield func(Block) bool) {
		s.mu.Lock()
		blocks := slices.Collect(seq())
		s.mu.Unlock()
		for _, b := range blocks {
			if !yield(b) {
				return
			}
		}
	}
}

func (s *SafeAllocator) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.a.Stats()
}

func (s *SafeAllocator) Fingerprint() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.a.Fingerprint()
}

func (s *SafeAllocator) Check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.a.Check()
}

func (s *SafeAllocator) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.a.Reset()
}

func (s *SafeAllocator) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.a.Close()
}

func (s *SafeAllocator) Capacity() int {
	return s.a.Capacity()
}

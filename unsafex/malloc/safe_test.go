package malloc

import (
	"math/rand"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestSafeAllocatorConcurrent(t *testing.T) {
	s, err := NewSafeAllocator(&Option{Capacity: 64 * 1024, MinBlockSize: 16})
	require.NoError(t, err)

	var g errgroup.Group
	for w := 0; w < 8; w++ {
		w := w
		g.Go(func() error {
			rng := rand.New(rand.NewSource(int64(w)))
			var held []Handle
			for i := 0; i < 500; i++ {
				if len(held) > 0 && rng.Intn(2) == 0 {
					h := held[len(held)-1]
					held = held[:len(held)-1]
					if err := verifyAndRelease(s, h, byte(w)); err != nil {
						return err
					}
					continue
				}
				h, err := s.Allocate(rng.Intn(500))
				if err != nil {
					continue // ErrOutOfMemory under contention
				}
				b, err := s.Bytes(h)
				if err != nil {
					return err
				}
				for j := range b {
					b[j] = byte(w)
				}
				held = append(held, h)
			}
			for _, h := range held {
				if err := verifyAndRelease(s, h, byte(w)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	require.NoError(t, s.Check())
	assert.Equal(t, s.Capacity(), s.TotalFreeBytes())
	assert.Equal(t, []Block{{Offset: 0, Size: s.Capacity(), Free: true}}, slices.Collect(s.Blocks()))
}

func verifyAndRelease(s *SafeAllocator, h Handle, pattern byte) error {
	b, err := s.Bytes(h)
	if err != nil {
		return err
	}
	for _, c := range b {
		if c != pattern {
			return assert.AnError
		}
	}
	return s.Release(h)
}

func TestSafeAllocatorSnapshot(t *testing.T) {
	s, err := NewSafeAllocatorWithArena(make([]byte, 1024), nil)
	require.NoError(t, err)
	h, err := s.Allocate(100)
	require.NoError(t, err)

	// releasing while iterating doesn't deadlock; the snapshot is unaffected
	var seen []Block
	for b := range s.AllocatedBlocks() {
		require.NoError(t, s.Release(b.Handle()))
		seen = append(seen, b)
	}
	assert.Equal(t, []Block{{Offset: 0, Size: 128}}, seen)
	assert.Equal(t, 0, count(s.AllocatedBlocks()))
	assert.Equal(t, 1, count(s.FreeBlocks()))
	assert.ErrorIs(t, s.Release(h), ErrInvalidHandle)

	b, err := s.Bytes(mustSafeAllocate(t, s, 10))
	require.NoError(t, err)
	got, err := s.HandleOf(b)
	require.NoError(t, err)
	assert.Equal(t, Handle(HeaderSize), got)
	assert.Equal(t, 1, s.Stats().AllocatedBlocks)

	fp := s.Fingerprint()
	s.Reset()
	assert.NotEqual(t, fp, s.Fingerprint())
	assert.Equal(t, 1024, s.TotalFreeBytes())

	s.Close()
	assert.Panics(t, func() { _, _ = s.Allocate(1) })
}

func TestNewSafeAllocatorInvalid(t *testing.T) {
	_, err := NewSafeAllocator(&Option{Capacity: 1000})
	assert.Error(t, err)
	_, err = NewSafeAllocatorWithArena(make([]byte, 1000), nil)
	assert.Error(t, err)
}

func mustSafeAllocate(t *testing.T, s *SafeAllocator, size int) Handle {
	t.Helper()
	h, err := s.Allocate(size)
	require.NoError(t, err)
	return h
}

func BenchmarkSafeAllocatorParallel(b *testing.B) {
	s, _ := NewSafeAllocator(&Option{Capacity: 16 * 1024 * 1024})
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			h, err := s.Allocate(1024)
			if err == nil {
				_ = s.Release(h)
			}
		}
	})
}

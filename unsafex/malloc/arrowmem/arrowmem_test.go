// Copyright 2024 CloudWeGo Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package arrowmem

import (
	"fmt"
	"testing"
	"unsafe"

	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudwego/buddyarena/unsafex/malloc"
)

func newHeap(t *testing.T, capacity int) *malloc.SafeAllocator {
	t.Helper()
	h, err := malloc.NewSafeAllocator(&malloc.Option{Capacity: capacity})
	require.NoError(t, err)
	t.Cleanup(h.Close)
	return h
}

func TestAllocate(t *testing.T) {
	for _, size := range []int{0, 1, 4, 33, 65, 1000, 4080} {
		t.Run(fmt.Sprint(size), func(t *testing.T) {
			h := newHeap(t, 8192)
			a := New(h)

			// dirty the arena so zeroing is actually exercised
			dirty := a.Allocate(8192 - malloc.HeaderSize)
			for i := range dirty {
				dirty[i] = 0xFF
			}
			a.Free(dirty)

			buf := a.Allocate(size)
			assert.Equal(t, size, len(buf))
			assert.LessOrEqual(t, size, cap(buf))
			if size > 0 {
				addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
				assert.Zero(t, addr%uintptr(PayloadAlignment), "buf not %d-byte aligned", PayloadAlignment)
			}
			for idx, c := range buf {
				assert.Equal(t, uint8(0), c, "buf not zeroed at %d", idx)
			}
			a.Free(buf)
			assert.Equal(t, 8192, h.TotalFreeBytes())
		})
	}
}

func TestReallocate(t *testing.T) {
	sizes := []struct {
		before, after int
	}{
		{0, 1},
		{1, 0},
		{1, 2},
		{1, 33},
		{4, 4},
		{32, 16},
		{32, 1},
		{100, 500},
	}
	for _, test := range sizes {
		t.Run(fmt.Sprintf("%dTo%d", test.before, test.after), func(t *testing.T) {
			h := newHeap(t, 4096)
			a := New(h)
			buf := a.Allocate(test.before)
			for i := range buf {
				buf[i] = byte(i + 1)
			}

			buf = a.Reallocate(test.after, buf)
			assert.Equal(t, test.after, len(buf))
			for i, c := range buf {
				if i < test.before {
					assert.Equal(t, byte(i+1), c, "content lost at %d", i)
				} else {
					assert.Equal(t, uint8(0), c, "tail not zeroed at %d", i)
				}
			}
			a.Free(buf)
			assert.Equal(t, 4096, h.TotalFreeBytes())
		})
	}
}

func TestReallocateInPlace(t *testing.T) {
	a := New(newHeap(t, 1024))
	buf := a.Allocate(10) // 32-byte block, 16-byte payload
	p := unsafe.SliceData(buf)

	grown := a.Reallocate(16, buf)
	assert.Same(t, p, unsafe.SliceData(grown))

	moved := a.Reallocate(17, grown)
	assert.NotSame(t, p, unsafe.SliceData(moved))
	a.Free(moved)
}

func TestAllocatePanics(t *testing.T) {
	a := New(newHeap(t, 1024))
	assert.PanicsWithValue(t, "arrowmem: negative size", func() { a.Allocate(-1) })
	assert.Panics(t, func() { a.Allocate(1024) })
	assert.Panics(t, func() { a.Free(make([]byte, 8)) })

	buf := a.Allocate(8)
	a.Free(buf)
	assert.Panics(t, func() { a.Free(buf) }, "double free")
}

func TestArrowBuilder(t *testing.T) {
	h := newHeap(t, 1<<20)
	mem := memory.NewCheckedAllocator(New(h))
	defer mem.AssertSize(t, 0)

	bldr := array.NewInt64Builder(mem)
	for i := 0; i < 10000; i++ {
		if i%7 == 0 {
			bldr.AppendNull()
			continue
		}
		bldr.Append(int64(i))
	}
	arr := bldr.NewInt64Array()
	bldr.Release()

	assert.Equal(t, 10000, arr.Len())
	assert.Equal(t, 1429, arr.NullN())
	assert.Equal(t, int64(9999), arr.Value(9999))
	assert.True(t, arr.IsNull(7))
	for _, buf := range arr.Data().Buffers() {
		if buf != nil && buf.Len() > 0 {
			addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf.Bytes())))
			assert.Zero(t, addr%uintptr(PayloadAlignment))
		}
	}
	assert.Less(t, h.TotalFreeBytes(), 1<<20)
	require.NoError(t, h.Check())

	arr.Release()
	assert.Equal(t, 1<<20, h.TotalFreeBytes())
	require.NoError(t, h.Check())
}

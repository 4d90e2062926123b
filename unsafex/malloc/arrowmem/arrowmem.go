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

// Package arrowmem adapts a buddy arena to arrow's memory.Allocator,
// so arrow buffers and builders can be backed by a fixed arena.
package arrowmem

import (
	"github.com/apache/arrow/go/v17/arrow/memory"

	"github.com/cloudwego/buddyarena/unsafex/malloc"
)

// Heap is the subset of malloc.Allocator and malloc.SafeAllocator the adaptor needs.
type Heap interface {
	Allocate(size int) (malloc.Handle, error)
	Release(h malloc.Handle) error
	Bytes(h malloc.Handle) ([]byte, error)
	HandleOf(b []byte) (malloc.Handle, error)
}

var _ memory.Allocator = (*Allocator)(nil)

// PayloadAlignment is the alignment of every non-empty slice Allocate returns,
// given an arena whose start is at least as aligned. Payloads start HeaderSize bytes
// into a power-of-two block.
//
// NOTE: this is weaker than the 64-byte alignment arrow's own allocators provide.
// Arrow's Go kernels and builders only need natural alignment of the value type,
// which 16 covers for every fixed-width type up to decimal128. Code that hands
// buffers to SIMD or C routines expecting 64-byte alignment must not use this allocator.
const PayloadAlignment = malloc.HeaderSize

// Allocator implements memory.Allocator on top of a Heap.
//
// arrow may call an allocator from several goroutines, so h should be a
// *malloc.SafeAllocator unless the caller serializes access itself.
// Like the other arrow allocators, it panics when the heap is exhausted.
type Allocator struct {
	h Heap
}

// New returns an Allocator backed by h.
func New(h Heap) *Allocator {
	return &Allocator{h: h}
}

// Allocate returns a zeroed slice of len size.
// A zero size gets an empty slice that doesn't touch the heap.
func (a *Allocator) Allocate(size int) []byte {
	if size < 0 {
		panic("arrowmem: negative size")
	}
	if size == 0 {
		return []byte{}
	}
	h, err := a.h.Allocate(size)
	if err != nil {
		panic("arrowmem: " + err.Error())
	}
	buf, err := a.h.Bytes(h)
	if err != nil {
		panic("arrowmem: " + err.Error())
	}
	buf = buf[:size]
	clear(buf) // arrow expects zeroed memory
	return buf
}

// Reallocate resizes b in place when its block is big enough, otherwise it
// moves the contents to a new block and releases the old one.
func (a *Allocator) Reallocate(size int, b []byte) []byte {
	if size < 0 {
		panic("arrowmem: negative size")
	}
	if cap(b) == 0 {
		return a.Allocate(size)
	}
	if size <= cap(b) {
		if size > len(b) {
			clear(b[len(b):size])
		}
		return b[:size]
	}
	nb := a.Allocate(size)
	copy(nb, b)
	a.Free(b)
	return nb
}

// Free releases the block behind b. b must be a slice returned by Allocate or Reallocate.
func (a *Allocator) Free(b []byte) {
	if cap(b) == 0 {
		return
	}
	h, err := a.h.HandleOf(b)
	if err != nil {
		panic("arrowmem: " + err.Error())
	}
	if err = a.h.Release(h); err != nil {
		panic("arrowmem: " + err.Error())
	}
}

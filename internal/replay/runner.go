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

package replay

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"slices"

	mapset "github.com/deckarep/golang-set"
	json "github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/cloudwego/buddyarena/unsafex/malloc"
)

// ErrInvalidIndex is reported by free for an index that was never assigned or is already freed.
var ErrInvalidIndex = errors.New("replay: invalid index")

// Heap is what a Runner drives. Both malloc.Allocator and malloc.SafeAllocator implement it.
type Heap interface {
	Allocate(size int) (malloc.Handle, error)
	Release(h malloc.Handle) error
	Bytes(h malloc.Handle) ([]byte, error)
	FreeBlocks() iter.Seq[malloc.Block]
	AllocatedBlocks() iter.Seq[malloc.Block]
	TotalFreeBytes() int
	Stats() malloc.Stats
	Check() error
	Reset()
}

// Format selects how a Runner prints events.
type Format int

const (
	FormatText Format = iota
	// FormatJSON prints one JSON object per event.
	FormatJSON
)

// ParseFormat parses "text" or "json".
func ParseFormat(s string) (Format, error) {
	switch s {
	case "text", "":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	}
	return 0, fmt.Errorf("unknown format %q, want text or json", s)
}

// Event is the outcome of one operation.
type Event struct {
	Line      int            `json:"line,omitempty"`
	Op        string         `json:"op"`
	Request   *int           `json:"request,omitempty"`
	Index     *int           `json:"index,omitempty"`
	Handle    malloc.Handle  `json:"handle,omitempty"`
	Size      int            `json:"size,omitempty"`
	FreeBytes int            `json:"free_bytes"`
	Blocks    []malloc.Block `json:"blocks,omitempty"`
	Stats     *malloc.Stats  `json:"stats,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Result summarizes a run.
type Result struct {
	Ops      int
	Failures int
	// Final is taken after the outstanding handles are released.
	Final malloc.Stats
}

// Runner executes parsed scripts against a Heap.
//
// Successful allocations are numbered from 0 in order; failed ones take no number.
// Numbers are never reused, even across reset.
type Runner struct {
	heap   Heap
	out    io.Writer
	format Format
	log    logrus.FieldLogger

	handles []malloc.Handle
	live    mapset.Set // indices into handles that are still allocated
	res     Result
}

// NewRunner creates a Runner writing events to out. A nil log means the logrus standard logger.
func NewRunner(h Heap, out io.Writer, format Format, log logrus.FieldLogger) *Runner {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Runner{
		heap:   h,
		out:    out,
		format: format,
		log:    log,
		live:   mapset.NewThreadUnsafeSet(),
	}
}

// Run executes ops in order, then releases every outstanding handle and reports the
// final stats. Failed operations are reported and counted, they don't stop the run.
// The returned error is non-nil only if writing to the output fails.
func (r *Runner) Run(ops []Op) (Result, error) {
	for _, op := range ops {
		ev := r.exec(op)
		if err := r.emit(ev); err != nil {
			return r.res, err
		}
	}

	for _, idx := range r.outstanding() {
		if err := r.emit(r.free(Event{Op: "free"}, idx)); err != nil {
			return r.res, err
		}
	}

	st := r.heap.Stats()
	r.res.Final = st
	err := r.emit(Event{Op: "final", FreeBytes: st.FreeBytes, Stats: &st})
	return r.res, err
}

func (r *Runner) exec(op Op) Event {
	r.res.Ops++
	ev := Event{Line: op.Line, Op: op.Kind.String()}
	switch op.Kind {
	case OpAlloc:
		ev = r.alloc(ev, op.Arg)
	case OpFree:
		ev = r.free(ev, op.Arg)
	case OpFreeList:
		ev.Blocks = slices.Collect(r.heap.FreeBlocks())
	case OpAllocList:
		ev.Blocks = slices.Collect(r.heap.AllocatedBlocks())
	case OpStats:
		st := r.heap.Stats()
		ev.Stats = &st
	case OpCheck:
		if err := r.heap.Check(); err != nil {
			ev.Error = err.Error()
		}
	case OpReset:
		r.heap.Reset()
		r.live.Clear()
	}
	ev.FreeBytes = r.heap.TotalFreeBytes()

	if ev.Error != "" {
		r.res.Failures++
		r.log.WithFields(logrus.Fields{"line": op.Line, "op": ev.Op}).Warn(ev.Error)
	} else {
		r.log.WithFields(logrus.Fields{"line": op.Line, "op": ev.Op}).Debug("replay: op")
	}
	return ev
}

func (r *Runner) alloc(ev Event, size int) Event {
	ev.Request = &size
	h, err := r.heap.Allocate(size)
	if err != nil {
		ev.Error = err.Error()
		return ev
	}
	idx := len(r.handles)
	r.handles = append(r.handles, h)
	r.live.Add(idx)

	ev.Index = &idx
	ev.Handle = h
	ev.Size = r.blockSize(h)
	return ev
}

func (r *Runner) free(ev Event, idx int) Event {
	ev.Index = &idx
	if err := r.release(&ev, idx); err != nil {
		ev.Error = err.Error()
	}
	ev.FreeBytes = r.heap.TotalFreeBytes()
	return ev
}

func (r *Runner) release(ev *Event, idx int) error {
	if !r.live.Contains(idx) {
		return fmt.Errorf("%w: %d", ErrInvalidIndex, idx)
	}
	h := r.handles[idx]
	ev.Handle = h
	ev.Size = r.blockSize(h)
	if err := r.heap.Release(h); err != nil {
		return err
	}
	r.live.Remove(idx)
	return nil
}

func (r *Runner) blockSize(h malloc.Handle) int {
	b, err := r.heap.Bytes(h)
	if err != nil {
		return 0
	}
	return cap(b) + malloc.HeaderSize
}

// outstanding returns the live indices in ascending order.
func (r *Runner) outstanding() []int {
	idx := make([]int, 0, r.live.Cardinality())
	for _, v := range r.live.ToSlice() {
		idx = append(idx, v.(int))
	}
	slices.Sort(idx)
	return idx
}

func (r *Runner) emit(ev Event) error {
	if r.format == FormatJSON {
		return json.NewEncoder(r.out).Encode(ev)
	}
	_, err := io.WriteString(r.out, formatText(ev))
	return err
}

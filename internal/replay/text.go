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
	"fmt"
	"strings"

	"github.com/cloudwego/buddyarena/unsafex/malloc"
)

// formatText renders ev as one or more newline-terminated lines.
func formatText(ev Event) string {
	var sb strings.Builder
	switch ev.Op {
	case "alloc":
		fmt.Fprintf(&sb, "alloc %d: ", *ev.Request)
		if ev.Error != "" {
			sb.WriteString(ev.Error)
			break
		}
		fmt.Fprintf(&sb, "#%d handle=%d block=%d free=%d", *ev.Index, ev.Handle, ev.Size, ev.FreeBytes)
	case "free":
		fmt.Fprintf(&sb, "free #%d: ", *ev.Index)
		if ev.Error != "" {
			sb.WriteString(ev.Error)
			break
		}
		fmt.Fprintf(&sb, "handle=%d block=%d free=%d", ev.Handle, ev.Size, ev.FreeBytes)
	case "free-list", "alloc-list":
		if ev.Op == "free-list" {
			sb.WriteString("free list:")
		} else {
			sb.WriteString("allocated list:")
		}
		if len(ev.Blocks) == 0 {
			sb.WriteString(" empty")
		}
		for _, b := range ev.Blocks {
			fmt.Fprintf(&sb, "\n  offset=%d size=%d", b.Offset, b.Size)
		}
	case "stats", "final":
		sb.WriteString(ev.Op + ": ")
		writeStats(&sb, ev.Stats)
	case "check":
		sb.WriteString("check: ")
		if ev.Error != "" {
			sb.WriteString(ev.Error)
		} else {
			sb.WriteString("ok")
		}
	case "reset":
		fmt.Fprintf(&sb, "reset: free=%d", ev.FreeBytes)
	}
	sb.WriteByte('\n')
	return sb.String()
}

func writeStats(sb *strings.Builder, s *malloc.Stats) {
	fmt.Fprintf(sb, "capacity=%d free=%d allocated=%d free_blocks=%d allocated_blocks=%d largest_free=%d fragmentation=%.2f",
		s.Capacity, s.FreeBytes, s.AllocatedBytes, s.FreeBlocks, s.AllocatedBlocks, s.LargestFreeBlock, s.Fragmentation)
}

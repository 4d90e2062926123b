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

// Package replay runs allocation scripts against a buddy arena.
package replay

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrSyntax is wrapped by every error Parse returns for a malformed line.
var ErrSyntax = errors.New("replay: syntax error")

// Kind is the command of one script line.
type Kind int

const (
	OpAlloc Kind = iota + 1
	OpFree
	OpFreeList
	OpAllocList
	OpStats
	OpCheck
	OpReset
)

var kindNames = map[string]Kind{
	"alloc":      OpAlloc,
	"free":       OpFree,
	"free-list":  OpFreeList,
	"alloc-list": OpAllocList,
	"stats":      OpStats,
	"check":      OpCheck,
	"reset":      OpReset,
}

func (k Kind) String() string {
	for name, kind := range kindNames {
		if kind == k {
			return name
		}
	}
	return "Kind(" + strconv.Itoa(int(k)) + ")"
}

// takesArg reports whether the command has exactly one integer argument.
func (k Kind) takesArg() bool {
	return k == OpAlloc || k == OpFree
}

// Op is one parsed script line.
type Op struct {
	Line int
	Kind Kind
	// Arg is the byte count of alloc and the index of free.
	Arg int
}

// Parse reads a script: one command per line, '#' starts a comment, blank lines are skipped.
func Parse(r io.Reader) ([]Op, error) {
	var ops []Op
	sc := bufio.NewScanner(r)
	for n := 1; sc.Scan(); n++ {
		line, _, _ := strings.Cut(sc.Text(), "#")
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		kind, ok := kindNames[fields[0]]
		if !ok {
			return nil, fmt.Errorf("line %d: %w: unknown command %q", n, ErrSyntax, fields[0])
		}
		op := Op{Line: n, Kind: kind}
		switch {
		case kind.takesArg() && len(fields) != 2:
			return nil, fmt.Errorf("line %d: %w: %s takes one argument", n, ErrSyntax, kind)
		case !kind.takesArg() && len(fields) != 1:
			return nil, fmt.Errorf("line %d: %w: %s takes no arguments", n, ErrSyntax, kind)
		case kind.takesArg():
			v, err := strconv.Atoi(fields[1])
			if err != nil {
				return nil, fmt.Errorf("line %d: %w: bad number %q", n, ErrSyntax, fields[1])
			}
			op.Arg = v
		}
		ops = append(ops, op)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return ops, nil
}

// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package rankindex parses the fixed header at the front of a merged
// trace file into a per-rank byte-slice table, and applies an
// ordered set of (process, thread) predicates to derive a
// logical-to-physical rank mapping.
package rankindex

import (
	"github.com/SnellerInc/tracedbd/internal/pagedfile"
	"github.com/SnellerInc/tracedbd/internal/tracerr"
)

const (
	typeFlagMultiProcess   = 1 << 0
	typeFlagMultiThreading = 1 << 1

	headerFixedSize = 8  // type:u32 + count:u32
	entrySize       = 16 // pid:u32 + tid:u32 + start:u64
)

// Slice is the (process, thread, byte range) tuple for one physical rank.
type Slice struct {
	ProcessID uint32
	ThreadID  uint32
	Start     int64
	End       int64
}

// HeaderSize returns the number of header bytes (type, count, and
// rankCount entries) that precede the first trace record.
func HeaderSize(rankCount int) int64 {
	return headerFixedSize + int64(rankCount)*entrySize
}

// RankIndex is the parsed, read-only header of a merged trace file.
// It is safe to share across goroutines once constructed.
type RankIndex struct {
	typeFlags uint32
	slices    []Slice
}

// Open parses the header at the front of pf. endMarkerSize is the
// size, in bytes, of the trailing end-of-file marker (see the .mt
// file layout) subtracted from the last rank's computed end offset.
func Open(pf *pagedfile.PagedFile, endMarkerSize int64) (*RankIndex, error) {
	if pf.Size() < headerFixedSize {
		return nil, &tracerr.InvalidDatabase{Reason: "trace file smaller than fixed header"}
	}
	typeFlags, err := pf.GetU32(0)
	if err != nil {
		return nil, err
	}
	n32, err := pf.GetU32(4)
	if err != nil {
		return nil, err
	}
	n := int(n32)
	hdrSize := HeaderSize(n)
	if pf.Size() < hdrSize {
		return nil, &tracerr.InvalidDatabase{Reason: "trace file smaller than declared rank table"}
	}

	slices := make([]Slice, n)
	off := int64(headerFixedSize)
	for i := 0; i < n; i++ {
		pid, err := pf.GetU32(off)
		if err != nil {
			return nil, err
		}
		tid, err := pf.GetU32(off + 4)
		if err != nil {
			return nil, err
		}
		start, err := pf.GetU64(off + 8)
		if err != nil {
			return nil, err
		}
		slices[i] = Slice{ProcessID: pid, ThreadID: tid, Start: int64(start)}
		off += entrySize
	}

	for i := 0; i < n; i++ {
		if i+1 < n {
			slices[i].End = slices[i+1].Start - pagedfile.RecordSize
		} else {
			slices[i].End = pf.Size() - pagedfile.RecordSize - endMarkerSize
		}
	}

	return &RankIndex{typeFlags: typeFlags, slices: slices}, nil
}

// Rebase shifts every rank's start/end offsets by delta. It is used
// when a client's INFO message declares a header size that differs
// from the one this index was built with (see
// controller.Controller.SetInfo).
func (ri *RankIndex) Rebase(delta int64) {
	for i := range ri.slices {
		ri.slices[i].Start += delta
		ri.slices[i].End += delta
	}
}

// RankCount returns the number of physical ranks.
func (ri *RankIndex) RankCount() int { return len(ri.slices) }

// IsMultiProcess reports whether bit 0 of the type flags is set.
func (ri *RankIndex) IsMultiProcess() bool { return ri.typeFlags&typeFlagMultiProcess != 0 }

// IsMultiThreading reports whether bit 1 of the type flags is set.
func (ri *RankIndex) IsMultiThreading() bool { return ri.typeFlags&typeFlagMultiThreading != 0 }

// PIDOf returns the process id of physical rank i.
func (ri *RankIndex) PIDOf(i int) uint32 { return ri.slices[i].ProcessID }

// TIDOf returns the thread id of physical rank i.
func (ri *RankIndex) TIDOf(i int) uint32 { return ri.slices[i].ThreadID }

// StartOf returns the first byte offset of physical rank i.
func (ri *RankIndex) StartOf(i int) int64 { return ri.slices[i].Start }

// EndOf returns the last byte offset of physical rank i.
func (ri *RankIndex) EndOf(i int) int64 { return ri.slices[i].End }

// Slice returns the full tuple for physical rank i.
func (ri *RankIndex) Slice(i int) Slice { return ri.slices[i] }

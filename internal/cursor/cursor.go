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

// Package cursor implements the per-rank sampling algorithm: given a
// byte slice belonging to one logical rank and a (time window, pixel
// width) request, it selects at most one record per output column
// using interpolated binary search, so that a renderer can draw one
// point per horizontal pixel without reading every record in the
// window.
package cursor

import "github.com/SnellerInc/tracedbd/internal/pagedfile"

// Sample is one decoded (time, context_id) pair.
type Sample struct {
	Time      uint64
	ContextID uint32
}

// reader is the minimal interface a Cursor needs from the backing
// file; it is satisfied by *pagedfile.PagedFile and lets tests swap
// in an in-memory fake without going through mmap.
type reader interface {
	GetU64(offset int64) (uint64, error)
	GetU32(offset int64) (uint32, error)
}

// Cursor answers sample requests for one logical rank's byte slice
// [Lo, Hi] (inclusive, as in RankIndex.Slice). It borrows its reader
// read-only for the duration of each Sample call; it does not outlive
// the backing PagedFile.
type Cursor struct {
	r      reader
	lo, hi int64 // byte offsets, inclusive
}

// New returns a Cursor over the closed byte range [lo, hi] of r. An
// empty rank (no records) is represented by hi < lo.
func New(r reader, lo, hi int64) *Cursor {
	return &Cursor{r: r, lo: lo, hi: hi}
}

func (c *Cursor) timeAt(off int64) (uint64, error) {
	return c.r.GetU64(off)
}

func (c *Cursor) recordAt(off int64) (Sample, error) {
	t, err := c.r.GetU64(off)
	if err != nil {
		return Sample{}, err
	}
	cpid, err := c.r.GetU32(off + 8)
	if err != nil {
		return Sample{}, err
	}
	return Sample{Time: t, ContextID: cpid}, nil
}

func (c *Cursor) recordCount() int64 {
	if c.hi < c.lo {
		return 0
	}
	return (c.hi-c.lo)/pagedfile.RecordSize + 1
}

// findTime performs an interpolated binary search over the record
// indices covering [lo, hi] for the record whose time is closest to
// t, returning its byte offset. On ties it returns the left (lower
// offset) candidate. The result never exceeds hi.
func (c *Cursor) findTime(t uint64, lo, hi int64) (int64, error) {
	if lo >= hi {
		return min64(lo, hi), nil
	}
	// Indices count records from lo, which need not sit at a multiple
	// of RecordSize from the start of the file.
	lIndex := int64(0)
	rIndex := (hi - lo) / pagedfile.RecordSize

	lTime, err := c.timeAt(lo + lIndex*pagedfile.RecordSize)
	if err != nil {
		return 0, err
	}
	rTime, err := c.timeAt(lo + rIndex*pagedfile.RecordSize)
	if err != nil {
		return 0, err
	}

	for rIndex-lIndex > 1 {
		var mid int64
		if rTime == lTime {
			mid = (lIndex + rIndex) / 2
		} else {
			// predict the index assuming a uniform local slope of
			// time(index), then clamp strictly inside (lIndex, rIndex)
			// to guarantee progress even when the prediction is exact.
			frac := float64(t-lTime) / float64(rTime-lTime)
			mid = lIndex + int64(frac*float64(rIndex-lIndex))
			if mid <= lIndex {
				mid = lIndex + 1
			}
			if mid >= rIndex {
				mid = rIndex - 1
			}
		}
		mTime, err := c.timeAt(lo + mid*pagedfile.RecordSize)
		if err != nil {
			return 0, err
		}
		if mTime <= t {
			lIndex, lTime = mid, mTime
		} else {
			rIndex, rTime = mid, mTime
		}
	}

	// lIndex and rIndex now bracket t (or coincide); pick whichever
	// is numerically closer, ties favoring the left (lower) index.
	ld := absDelta(t, lTime)
	rd := absDelta(t, rTime)
	var result int64
	if ld <= rd {
		result = lIndex
	} else {
		result = rIndex
	}
	off := lo + result*pagedfile.RecordSize
	if off > hi {
		off = hi
	}
	return off, nil
}

func absDelta(t, other uint64) uint64 {
	if t >= other {
		return t - other
	}
	return other - t
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// Sample returns, for the window [tStart, tStart+tRange), at most
// pixelWidth interior samples plus up to two boundary samples, in
// non-decreasing time order with no two consecutive samples sharing
// a timestamp.
func (c *Cursor) Sample(tStart uint64, tRange uint64, pixelWidth int) ([]Sample, error) {
	if c.recordCount() == 0 {
		return nil, nil
	}
	if pixelWidth <= 0 {
		pixelWidth = 1
	}
	tEnd := tStart + tRange
	dtPerPixel := float64(tRange) / float64(pixelWidth)

	locStart, err := c.findTime(tStart, c.lo, c.hi)
	if err != nil {
		return nil, err
	}
	locEndRaw, err := c.findTime(tEnd, c.lo, c.hi)
	if err != nil {
		return nil, err
	}
	locEnd := locEndRaw + pagedfile.RecordSize
	if locEnd > c.hi {
		locEnd = c.hi
	}

	n := (locEnd-locStart)/pagedfile.RecordSize + 1

	var interior []Sample
	if n <= int64(pixelWidth) {
		interior = make([]Sample, 0, n)
		for off := locStart; off <= locEnd; off += pagedfile.RecordSize {
			s, err := c.recordAt(off)
			if err != nil {
				return nil, err
			}
			interior = append(interior, s)
		}
	} else {
		// Column 0 is the record at locStart; sampleColumns fills
		// columns 1 through pixelWidth-1.
		first, err := c.recordAt(locStart)
		if err != nil {
			return nil, err
		}
		interior = make([]Sample, 0, pixelWidth)
		interior = append(interior, first)
		interior, err = c.sampleColumns(locStart, locEnd, 0, pixelWidth, interior, tStart, dtPerPixel)
		if err != nil {
			return nil, err
		}
	}

	out := interior
	if locEnd < c.hi {
		s, err := c.recordAt(locEnd)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if locStart > c.lo {
		s, err := c.recordAt(locStart - pagedfile.RecordSize)
		if err != nil {
			return nil, err
		}
		out = append([]Sample{s}, out...)
	}

	return dedupConsecutive(out), nil
}

// sampleColumns recursively samples the columns strictly between
// colLo and colHi (colLo itself is not sampled) over the byte range
// [lo, hi], appending results to acc in file order.
// It mirrors the recursive mid-point insertion described for the
// per-rank sampler: rather than inserting at an explicit index, we
// build the sequence via an in-order (left, mid, right) recursion,
// which produces the same file-ordered result as repeated positional
// inserts.
func (c *Cursor) sampleColumns(lo, hi int64, colLo, colHi int, acc []Sample, tStart uint64, dtPerPixel float64) ([]Sample, error) {
	mid := (colLo + colHi) / 2
	if mid == colLo {
		return acc, nil
	}
	tMid := tStart + uint64(float64(mid)*dtPerPixel)
	loc, err := c.findTime(tMid, lo, hi)
	if err != nil {
		return nil, err
	}

	acc, err = c.sampleColumns(lo, loc, colLo, mid, acc, tStart, dtPerPixel)
	if err != nil {
		return nil, err
	}

	s, err := c.recordAt(loc)
	if err != nil {
		return nil, err
	}
	acc = append(acc, s)

	acc, err = c.sampleColumns(loc, hi, mid, colHi, acc, tStart, dtPerPixel)
	if err != nil {
		return nil, err
	}
	return acc, nil
}

func dedupConsecutive(in []Sample) []Sample {
	if len(in) < 2 {
		return in
	}
	out := in[:1]
	for _, s := range in[1:] {
		if s.Time == out[len(out)-1].Time {
			continue
		}
		out = append(out, s)
	}
	return out
}

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

// Package controller implements SpaceTimeController, the composition
// root for one opened database: it owns the PagedFile, RankIndex and
// RankFilter and produces per-rank samples on demand. A SessionServer
// owns zero or one Controller at a time; opening a new database
// replaces it outright.
package controller

import (
	"github.com/SnellerInc/tracedbd/internal/cursor"
	"github.com/SnellerInc/tracedbd/internal/pagedfile"
	"github.com/SnellerInc/tracedbd/internal/rankindex"
	"github.com/SnellerInc/tracedbd/internal/tracerr"
)

// Controller owns one opened database's PagedFile, RankIndex and
// RankFilter. It is not safe for concurrent use: per the engine's
// concurrency model, a process drives at most one sampler at a time
// against a given Controller.
type Controller struct {
	XMLPath   string
	TracePath string

	pf *pagedfile.PagedFile
	ri *rankindex.RankIndex
	rf rankindex.RankFilter

	// headerSize is the byte offset, relative to the start of the
	// file, that the first trace record was assumed to follow when
	// ri was built. INFO may declare a different value; SetInfo
	// rebases ri by the difference rather than reopening the file,
	// since the file's bytes never change, only where the first
	// record is believed to start.
	headerSize int64
}

// New wraps an already-opened PagedFile and RankIndex (produced by
// internal/dbopen) as the composition root for one database.
func New(xmlPath, tracePath string, pf *pagedfile.PagedFile, ri *rankindex.RankIndex) *Controller {
	c := &Controller{
		XMLPath:    xmlPath,
		TracePath:  tracePath,
		pf:         pf,
		ri:         ri,
		headerSize: rankindex.HeaderSize(ri.RankCount()),
	}
	c.rf.Reset(ri)
	return c
}

// Open satisfies workerpool.LocalController: the database itself is
// already open by the time a Controller exists (DatabaseOpener built
// it), so this only records the path the client named in TracePath.
func (c *Controller) Open(path string) error {
	c.TracePath = path
	return nil
}

// SetInfo applies the first INFO message's declared header size. If
// headerSize differs from the header size ri was built with, every
// rank's byte range is rebased by the difference rather than
// re-merging or reopening the trace file (see the Open Question this
// resolves: the header-size override never changes the file's bytes,
// only where the engine believes the first record begins). minBegin
// and maxEnd are accepted to satisfy workerpool.LocalController but
// carry no state of their own: every SampleRank call supplies its own
// [tLo, tHi) bounds.
func (c *Controller) SetInfo(minBegin, maxEnd int64, headerSize int32) error {
	delta := int64(headerSize) - c.headerSize
	if delta != 0 {
		c.ri.Rebase(delta)
		c.headerSize = int64(headerSize)
	}
	return nil
}

// ApplyFilter forwards to the RankFilter, replacing the current
// FilterMap outright.
func (c *Controller) ApplyFilter(polarity bool, filters []rankindex.Filter) error {
	c.rf.SetFilters(c.ri, rankindex.FilterSet{Filters: filters, Polarity: polarity})
	return nil
}

// LogicalCount returns the number of logical ranks surviving the
// current RankFilter.
func (c *Controller) LogicalCount() int { return c.rf.LogicalCount() }

// SampleRank satisfies workerpool.Sampler: it drives a TraceCursor for
// one logical rank directly. logicalRank is validated against the
// current RankFilter rather than silently producing an empty result,
// matching every other caller-supplied-range check on the request
// validation surface (e.g. the t_hi < t_lo check just below).
func (c *Controller) SampleRank(logicalRank int, tLo, tHi uint64, pixelsH int) ([]cursor.Sample, error) {
	if logicalRank < 0 || logicalRank >= c.rf.LogicalCount() {
		return nil, &tracerr.InvalidRequest{Reason: "rank exceeds logical rank count"}
	}
	if tHi < tLo {
		return nil, &tracerr.InvalidRequest{Reason: "t_hi < t_lo"}
	}
	lo, hi := c.rf.SliceOf(c.ri, logicalRank)
	cur := cursor.New(c.pf, lo, hi)
	return cur.Sample(tLo, tHi-tLo, pixelsH)
}

// PIDOf and TIDOf report the (process_id, thread_id) of logical rank
// logical, for the DBOK response's per-rank identity table.
func (c *Controller) PIDOf(logical int) uint32 { return c.ri.PIDOf(c.rf.Physical(logical)) }
func (c *Controller) TIDOf(logical int) uint32 { return c.ri.TIDOf(c.rf.Physical(logical)) }

// IsMultiProcess and IsMultiThreading report the merged trace file's
// type bits.
func (c *Controller) IsMultiProcess() bool   { return c.ri.IsMultiProcess() }
func (c *Controller) IsMultiThreading() bool { return c.ri.IsMultiThreading() }

// Close releases the underlying PagedFile.
func (c *Controller) Close() error { return c.pf.Close() }

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

package rankindex

import "golang.org/x/exp/slices"

// Range is an inclusive stride range (min, max, stride). It matches
// v iff min <= v <= max and (v - min) mod stride == 0. A range whose
// Max < Min matches nothing.
type Range struct {
	Min, Max, Stride int64
}

// Matches reports whether v falls within the range.
func (r Range) Matches(v int64) bool {
	if r.Max < r.Min {
		return false
	}
	if v < r.Min || v > r.Max {
		return false
	}
	stride := r.Stride
	if stride <= 0 {
		stride = 1
	}
	return (v-r.Min)%stride == 0
}

// Filter is a pair of ranges over (process id, thread id).
type Filter struct {
	Process Range
	Thread  Range
}

// Matches reports whether both of the filter's ranges match.
func (f Filter) Matches(pid, tid int64) bool {
	return f.Process.Matches(pid) && f.Thread.Matches(tid)
}

// FilterSet holds an ordered list of filters and a polarity bit.
// With Polarity=false a rank is selected when it matches every
// filter; with Polarity=true, when it matches none of them.
type FilterSet struct {
	Filters  []Filter
	Polarity bool
}

// Matches reports whether (pid, tid) is selected by the filter set.
// An empty filter set always matches (the default, identity,
// behavior).
func (fs FilterSet) Matches(pid, tid int64) bool {
	for _, f := range fs.Filters {
		if f.Matches(pid, tid) == fs.Polarity {
			return false
		}
	}
	return true
}

// RankFilter maps logical rank indices onto physical rank indices
// using the most recently applied FilterSet. The zero value maps no
// ranks: Reset or SetFilters must be called against a RankIndex to
// populate it; after Reset (an empty FilterSet) every physical rank
// is selected.
type RankFilter struct {
	fs  FilterSet
	fmp []int // FilterMap: logical index -> physical index
}

// SetFilters replaces the current filter set and recomputes the
// FilterMap by scanning every physical rank in ri.
func (rf *RankFilter) SetFilters(ri *RankIndex, fs FilterSet) {
	rf.fs = fs
	// Every physical rank can survive the filter, so grow for the
	// worst case up front rather than let append reallocate
	// repeatedly on a full-size FilterMap.
	rf.fmp = slices.Grow(rf.fmp[:0], ri.RankCount())
	for i := 0; i < ri.RankCount(); i++ {
		pid := int64(ri.PIDOf(i))
		tid := int64(ri.TIDOf(i))
		if fs.Matches(pid, tid) {
			rf.fmp = append(rf.fmp, i)
		}
	}
}

// Reset installs the identity mapping over ri, equivalent to
// SetFilters with an empty FilterSet and Polarity=false.
func (rf *RankFilter) Reset(ri *RankIndex) {
	rf.SetFilters(ri, FilterSet{})
}

// LogicalCount returns the number of ranks remaining after filtering.
func (rf *RankFilter) LogicalCount() int { return len(rf.fmp) }

// Physical returns the physical rank index for logical rank
// logical.
func (rf *RankFilter) Physical(logical int) int { return rf.fmp[logical] }

// SliceOf returns the byte range for logical rank logical.
func (rf *RankFilter) SliceOf(ri *RankIndex, logical int) (int64, int64) {
	p := rf.fmp[logical]
	return ri.StartOf(p), ri.EndOf(p)
}

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

// Package pagedfile provides read-only, memory-budgeted random
// access over a trace file that may be much larger than available
// RAM. The file is divided into fixed-size pages; a page is mapped
// on first touch and evicted, strictly least-recently-used, once the
// number of mapped pages would exceed the configured budget.
package pagedfile

import (
	"os"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/SnellerInc/tracedbd/internal/byteutil"
	"github.com/SnellerInc/tracedbd/internal/tracerr"
	"github.com/SnellerInc/tracedbd/ints"
)

const (
	// RecordSize is the on-disk size of one trace record (time:u64, context_id:u32).
	RecordSize = 12

	minPageSize    = 512 * 1024
	defaultPageHint = 6 * 1024 * 1024

	// minMemoryBudget is the floor applied to the process-wide
	// page cache memory budget, regardless of what half of
	// physical RAM happens to compute to.
	minMemoryBudget = 512 * 1024 * 1024
)

// Page describes one fixed-size region of the underlying file.
// A page is "mapped" iff mem is non-nil; it is "in use" iff it is
// currently held in the LRU active list, which for this
// implementation is precisely when it is mapped.
type Page struct {
	offset int64
	length int64
	index  int
	mem    []byte
}

// Mapped reports whether the page currently has live backing memory.
func (p *Page) Mapped() bool { return p.mem != nil }

// PagedFile is a read-only, paged view over a single file. All
// multi-byte reads are big-endian. PagedFile owns the file
// descriptor and the page table exclusively; per the concurrency
// model, only one logical thread of control touches a given
// PagedFile's LRU list at a time.
type PagedFile struct {
	f        *os.File
	size     int64
	pageSize int64
	pages    []Page

	active   *lru.Cache[int, *Page]
	maxPages int // capacity active is configured with

	mapped  int64 // count of currently-mapped pages, for telemetry
	evicted int64 // cumulative eviction count, for telemetry
}

// Open opens path as a paged file. pageSize must be a multiple of
// RecordSize; NewPageSize below computes a sane default.
// maxPagesInMemory bounds the number of simultaneously-mapped pages.
func Open(path string, pageSize int64, maxPagesInMemory int) (*PagedFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &tracerr.InvalidDatabase{Reason: err.Error()}
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &tracerr.InvalidDatabase{Reason: err.Error()}
	}
	size := fi.Size()
	pageSize = NewPageSize(pageSize)
	pageCount := int(ints.AlignUp64(uint64(size), uint64(pageSize)) / uint64(pageSize))
	if pageCount == 0 {
		pageCount = 1
	}
	if maxPagesInMemory <= 0 || maxPagesInMemory > pageCount {
		maxPagesInMemory = pageCount
	}

	pf := &PagedFile{
		f:        f,
		size:     size,
		pageSize: pageSize,
		pages:    make([]Page, pageCount),
		maxPages: maxPagesInMemory,
	}
	for i := range pf.pages {
		off := int64(i) * pageSize
		length := pageSize
		if off+length > size {
			length = size - off
		}
		pf.pages[i] = Page{offset: off, length: length, index: i}
	}
	active, err := lru.NewWithEvict(maxPagesInMemory, func(_ int, p *Page) {
		pf.unmapPage(p)
	})
	if err != nil {
		f.Close()
		return nil, &tracerr.IOError{Op: "pagedfile.Open: building LRU", Err: err}
	}
	pf.active = active
	return pf, nil
}

// NewPageSize replaces a non-positive hint with the recommended
// default, raises a hint below minPageSize to minPageSize, and rounds
// the result up to a multiple of both RecordSize and the OS page size
// (mmap offsets must be OS-page aligned).
func NewPageSize(hint int64) int64 {
	if hint <= 0 {
		hint = defaultPageHint
	}
	if hint < minPageSize {
		hint = minPageSize
	}
	align := uint64(os.Getpagesize())
	for align%RecordSize != 0 {
		align += uint64(os.Getpagesize())
	}
	return int64(ints.AlignUp64(uint64(hint), align))
}

// MemoryBudgetPages returns the number of pages that fit within
// budget bytes, applying the floor of minMemoryBudget. budget == 0
// requests the default (half of physical RAM, as reported by total).
func MemoryBudgetPages(budget, totalPhysicalRAM, pageSize int64) int {
	if budget <= 0 {
		budget = totalPhysicalRAM / 2
	}
	if budget < minMemoryBudget {
		budget = minMemoryBudget
	}
	if pageSize <= 0 {
		pageSize = defaultPageHint
	}
	n := budget / pageSize
	if n <= 0 {
		n = 1
	}
	return int(n)
}

// Size returns the size of the underlying file in bytes.
func (pf *PagedFile) Size() int64 { return pf.size }

// MappedPages returns the number of pages currently mapped.
func (pf *PagedFile) MappedPages() int { return pf.active.Len() }

// Evictions returns the cumulative count of page evictions.
func (pf *PagedFile) Evictions() int64 { return pf.evicted }

// Close unmaps every mapped page and closes the file descriptor.
func (pf *PagedFile) Close() error {
	pf.active.Purge()
	return pf.f.Close()
}

func (pf *PagedFile) pageFor(offset int64) (*Page, error) {
	if offset < 0 || offset >= pf.size {
		return nil, &tracerr.OutOfRange{Offset: offset, Limit: pf.size}
	}
	idx := int(offset / pf.pageSize)
	if p, ok := pf.active.Get(idx); ok {
		return p, nil
	}
	// Evict the LRU tail before mapping the new page, never the other
	// way around: the active list is capped at maxPages, so mapping
	// first would momentarily hold maxPages+1 pages mapped at once.
	if pf.active.Len() >= pf.maxPages {
		pf.active.RemoveOldest()
	}
	p := &pf.pages[idx]
	mem, err := mmapPage(pf.f, p.offset, p.length)
	if err != nil {
		return nil, &tracerr.MapFailed{Err: err}
	}
	p.mem = mem
	pf.mapped++
	pf.active.Add(idx, p)
	return p, nil
}

func (pf *PagedFile) unmapPage(p *Page) {
	if p.mem == nil {
		return
	}
	munmapPage(p.mem)
	p.mem = nil
	pf.mapped--
	pf.evicted++
}

// GetU32 reads a big-endian uint32 at offset. offset+4 must not
// exceed Size().
func (pf *PagedFile) GetU32(offset int64) (uint32, error) {
	if offset+4 > pf.size {
		return 0, &tracerr.OutOfRange{Offset: offset, Limit: pf.size}
	}
	p, err := pf.pageFor(offset)
	if err != nil {
		return 0, err
	}
	inPage := offset - p.offset
	return byteutil.GetU32(p.mem, int(inPage)), nil
}

// GetU64 reads a big-endian uint64 at offset. offset+8 must not
// exceed Size(). Record times sit at 4-byte but not always 8-byte
// alignment, so a read can straddle a page boundary; such a read is
// assembled from two GetU32 reads, which never straddle because
// offsets and page sizes are multiples of 4.
func (pf *PagedFile) GetU64(offset int64) (uint64, error) {
	if offset+8 > pf.size {
		return 0, &tracerr.OutOfRange{Offset: offset, Limit: pf.size}
	}
	p, err := pf.pageFor(offset)
	if err != nil {
		return 0, err
	}
	inPage := offset - p.offset
	if inPage+8 > p.length {
		hiWord, err := pf.GetU32(offset)
		if err != nil {
			return 0, err
		}
		loWord, err := pf.GetU32(offset + 4)
		if err != nil {
			return 0, err
		}
		return uint64(hiWord)<<32 | uint64(loWord), nil
	}
	return byteutil.GetU64(p.mem, int(inPage)), nil
}

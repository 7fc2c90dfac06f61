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

package pagedfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/SnellerInc/tracedbd/internal/byteutil"
)

func writeTestFile(t *testing.T, n int) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "trace.mt")
	buf := make([]byte, n)
	for i := 0; i < n/4; i++ {
		byteutil.PutU32(buf, i*4, uint32(i))
	}
	if err := os.WriteFile(path, buf, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestGetU32RoundTrip(t *testing.T) {
	path := writeTestFile(t, 64*1024)
	pf, err := Open(path, 4096, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer pf.Close()

	for i := 0; i < 64*1024/4; i++ {
		v, err := pf.GetU32(int64(i * 4))
		if err != nil {
			t.Fatalf("GetU32(%d): %s", i*4, err)
		}
		if v != uint32(i) {
			t.Fatalf("GetU32(%d) = %d, want %d", i*4, v, i)
		}
	}
}

func TestGetU64Straddle(t *testing.T) {
	pageSize := NewPageSize(minPageSize)
	path := writeTestFile(t, int(2*pageSize))
	pf, err := Open(path, pageSize, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer pf.Close()

	// The u64 starts 4 bytes before the end of page 0 and ends 4 bytes
	// into page 1.
	off := pageSize - 4
	v, err := pf.GetU64(off)
	if err != nil {
		t.Fatal(err)
	}
	want := uint64(off/4)<<32 | uint64(off/4+1)
	if v != want {
		t.Fatalf("GetU64(%d) = %#x, want %#x", off, v, want)
	}
}

func TestOutOfRange(t *testing.T) {
	path := writeTestFile(t, 16)
	pf, err := Open(path, NewPageSize(minPageSize), 1)
	if err != nil {
		t.Fatal(err)
	}
	defer pf.Close()

	if _, err := pf.GetU64(12); err == nil {
		t.Fatal("expected OutOfRange error")
	}
}

// TestLRUEvictionBound checks invariant 7: at no instant are there
// more than maxPagesInMemory pages mapped.
func TestLRUEvictionBound(t *testing.T) {
	pageSize := NewPageSize(minPageSize)
	n := 8 * pageSize
	path := writeTestFile(t, int(n))

	const maxPages = 2
	pf, err := Open(path, pageSize, maxPages)
	if err != nil {
		t.Fatal(err)
	}
	defer pf.Close()

	for i := int64(0); i < n; i += pageSize {
		if _, err := pf.GetU32(i); err != nil {
			t.Fatal(err)
		}
		if pf.MappedPages() > maxPages {
			t.Fatalf("mapped pages %d exceeds budget %d", pf.MappedPages(), maxPages)
		}
	}
	if pf.Evictions() == 0 {
		t.Fatal("expected at least one eviction touching 8 pages with a 2-page budget")
	}
}

// TestLRUDeterministicEviction checks invariant 8: the same access
// trace produces the same eviction count across repeated runs.
func TestLRUDeterministicEviction(t *testing.T) {
	pageSize := NewPageSize(minPageSize)
	n := 6 * pageSize
	path := writeTestFile(t, int(n))

	trace := []int64{0, pageSize, 2 * pageSize, 0, 3 * pageSize, pageSize, 4 * pageSize}

	run := func() int64 {
		pf, err := Open(path, pageSize, 2)
		if err != nil {
			t.Fatal(err)
		}
		defer pf.Close()
		for _, off := range trace {
			if _, err := pf.GetU32(off); err != nil {
				t.Fatal(err)
			}
		}
		return pf.Evictions()
	}

	first := run()
	second := run()
	if first != second {
		t.Fatalf("non-deterministic eviction count: %d vs %d", first, second)
	}
}

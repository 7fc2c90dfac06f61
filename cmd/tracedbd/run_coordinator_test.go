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

package main

import (
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/SnellerInc/tracedbd/internal/byteutil"
	"github.com/SnellerInc/tracedbd/internal/pagedfile"
	"github.com/SnellerInc/tracedbd/internal/workerpool"
)

func writeShard(t *testing.T, dir, name string, records [][2]uint64) {
	t.Helper()
	var buf []byte
	for _, r := range records {
		buf = byteutil.AppendU64(buf, r[0])
		buf = byteutil.AppendU32(buf, uint32(r[1]))
	}
	if err := os.WriteFile(filepath.Join(dir, name), buf, 0644); err != nil {
		t.Fatal(err)
	}
}

// setupDatabase builds a two-rank database directly resolvable by
// dbopen.Open, identical in shape to the fixture internal/session uses
// for its own round-trip tests.
func setupDatabase(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "experiment.xml"), []byte("<experiment/>"), 0644); err != nil {
		t.Fatal(err)
	}
	writeShard(t, dir, "0-0-a-b-c.hpctrace", [][2]uint64{{100, 1}, {200, 2}, {300, 3}})
	writeShard(t, dir, "1-2-a-b-c.hpctrace", [][2]uint64{{150, 11}, {250, 12}, {350, 13}})
	return dir
}

func TestCoordinatorPort(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	c := &coordinator{logger: log.New(io.Discard, "", 0), listener: l}
	if got := c.port(); got == 0 {
		t.Fatal("port() = 0, want the listener's actual TCP port")
	}
	if want := int32(l.Addr().(*net.TCPAddr).Port); c.port() != want {
		t.Fatalf("port() = %d, want %d", c.port(), want)
	}
}

func TestCoordinatorOpenAndInlinePool(t *testing.T) {
	dir := setupDatabase(t)
	c := &coordinator{
		logger:   log.New(io.Discard, "", 0),
		pageSize: pagedfile.NewPageSize(0),
		maxPages: 0,
		compress: true,
	}

	ctrl, err := c.open(dir, c.pageSize, c.maxPages)
	if err != nil {
		t.Fatal(err)
	}
	defer ctrl.Close()
	if ctrl.LogicalCount() != 2 {
		t.Fatalf("LogicalCount() = %d, want 2", ctrl.LogicalCount())
	}

	pool := c.newPool(ctrl)
	if _, ok := pool.(*workerpool.InlinePool); !ok {
		t.Fatalf("newPool() with no -peers = %T, want *workerpool.InlinePool", pool)
	}
}

func TestCoordinatorNewPoolFallsBackWhenPeersUnreachable(t *testing.T) {
	dir := setupDatabase(t)
	c := &coordinator{
		logger:   log.New(io.Discard, "", 0),
		peers:    []string{"127.0.0.1:1"}, // deliberately refused: exercises the dial-failure fallback
		pageSize: pagedfile.NewPageSize(0),
		compress: true,
	}
	ctrl, err := c.open(dir, c.pageSize, c.maxPages)
	if err != nil {
		t.Fatal(err)
	}
	defer ctrl.Close()

	// Nothing listens on 127.0.0.1:1, so the dial is refused immediately;
	// newPool must fall back to inline sampling rather than panic or hang.
	pool := c.newPool(ctrl)
	if pool == nil {
		t.Fatal("newPool() returned nil")
	}
}

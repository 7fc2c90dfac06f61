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

package dbopen

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/SnellerInc/tracedbd/internal/byteutil"
	"github.com/SnellerInc/tracedbd/internal/pagedfile"
	"github.com/SnellerInc/tracedbd/internal/tracerr"
)

func writeShard(t *testing.T, dir, name string, records [][2]uint64) string {
	t.Helper()
	var buf []byte
	for _, r := range records {
		buf = byteutil.AppendU64(buf, r[0])
		buf = byteutil.AppendU32(buf, uint32(r[1]))
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buf, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// setupDatabase builds a directory with experiment.xml and two shards:
// pid 0/tid 0 (two records) and pid 1/tid 2 (two records), sorting
// before/after each other by filename so the merge order is
// unambiguous.
func setupDatabase(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, xmlName), []byte("<experiment/>"), 0644); err != nil {
		t.Fatal(err)
	}
	writeShard(t, dir, "0-0-a-b-c.hpctrace", [][2]uint64{{100, 1}, {200, 2}})
	writeShard(t, dir, "1-2-a-b-c.hpctrace", [][2]uint64{{150, 11}, {250, 12}})
	return dir
}

func TestOpenMergesShardsIntoExperimentMT(t *testing.T) {
	dir := setupDatabase(t)
	c, err := Open(dir, pagedfile.NewPageSize(0), 0)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if !c.IsMultiProcess() {
		t.Fatal("expected multi-process flag set (pid 1 present)")
	}
	if !c.IsMultiThreading() {
		t.Fatal("expected multi-threading flag set (tid 2 present)")
	}
	if c.LogicalCount() != 2 {
		t.Fatalf("LogicalCount = %d, want 2", c.LogicalCount())
	}
	if c.PIDOf(0) != 0 || c.TIDOf(0) != 0 {
		t.Fatalf("rank 0 = (pid %d, tid %d), want (0, 0)", c.PIDOf(0), c.TIDOf(0))
	}
	if c.PIDOf(1) != 1 || c.TIDOf(1) != 2 {
		t.Fatalf("rank 1 = (pid %d, tid %d), want (1, 2)", c.PIDOf(1), c.TIDOf(1))
	}

	if _, err := os.Stat(filepath.Join(dir, mergedName)); err != nil {
		t.Fatalf("expected experiment.mt to exist: %v", err)
	}

	samples, err := c.SampleRank(0, 0, 300, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(samples) != 2 || samples[0].Time != 100 || samples[1].Time != 200 {
		t.Fatalf("rank 0 samples = %+v", samples)
	}

	samples, err = c.SampleRank(1, 0, 300, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(samples) != 2 || samples[0].Time != 150 || samples[1].Time != 250 {
		t.Fatalf("rank 1 samples = %+v", samples)
	}

	if _, err := c.SampleRank(2, 0, 300, 10); err == nil {
		t.Fatal("SampleRank(2) on a 2-rank database: expected an error")
	}
}

func TestOpenReusesValidExistingMergedFile(t *testing.T) {
	dir := setupDatabase(t)
	c, err := Open(dir, pagedfile.NewPageSize(0), 0)
	if err != nil {
		t.Fatal(err)
	}
	rankCount := c.LogicalCount()
	c.Close()

	// Remove the shards: a second Open can only succeed by reusing
	// the merged file built on the first call, never by re-merging.
	if err := os.Remove(filepath.Join(dir, "0-0-a-b-c.hpctrace")); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(filepath.Join(dir, "1-2-a-b-c.hpctrace")); err != nil {
		t.Fatal(err)
	}

	c2, err := Open(dir, pagedfile.NewPageSize(0), 0)
	if err != nil {
		t.Fatalf("reopen of valid experiment.mt failed: %v", err)
	}
	defer c2.Close()
	if c2.LogicalCount() != rankCount {
		t.Fatalf("LogicalCount after reopen = %d, want %d", c2.LogicalCount(), rankCount)
	}
}

func TestOpenMissingExperimentXML(t *testing.T) {
	dir := t.TempDir()
	writeShard(t, dir, "0-0-a-b-c.hpctrace", [][2]uint64{{100, 1}})
	_, err := Open(dir, pagedfile.NewPageSize(0), 0)
	var dbErr *tracerr.InvalidDatabase
	if err == nil || !isInvalidDatabase(err, &dbErr) {
		t.Fatalf("Open() error = %v, want *tracerr.InvalidDatabase", err)
	}
}

func TestOpenEmptyExperimentXML(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, xmlName), nil, 0644); err != nil {
		t.Fatal(err)
	}
	writeShard(t, dir, "0-0-a-b-c.hpctrace", [][2]uint64{{100, 1}})
	_, err := Open(dir, pagedfile.NewPageSize(0), 0)
	var dbErr *tracerr.InvalidDatabase
	if err == nil || !isInvalidDatabase(err, &dbErr) {
		t.Fatalf("Open() error = %v, want *tracerr.InvalidDatabase", err)
	}
}

func TestOpenNoShards(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, xmlName), []byte("<experiment/>"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := Open(dir, pagedfile.NewPageSize(0), 0)
	var dbErr *tracerr.InvalidDatabase
	if err == nil || !isInvalidDatabase(err, &dbErr) {
		t.Fatalf("Open() error = %v, want *tracerr.InvalidDatabase", err)
	}
}

func TestOpenCorruptExistingMergedFile(t *testing.T) {
	dir := setupDatabase(t)
	if err := os.WriteFile(filepath.Join(dir, mergedName), []byte("not a real merged trace file"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := Open(dir, pagedfile.NewPageSize(0), 0)
	var dbErr *tracerr.InvalidDatabase
	if err == nil || !isInvalidDatabase(err, &dbErr) {
		t.Fatalf("Open() error = %v, want *tracerr.InvalidDatabase", err)
	}
}

func isInvalidDatabase(err error, target **tracerr.InvalidDatabase) bool {
	e, ok := err.(*tracerr.InvalidDatabase)
	if !ok {
		return false
	}
	*target = e
	return true
}

func TestShardIdentityFallsBackToOlderNameFormat(t *testing.T) {
	// A five-token name where the position-0 token is non-numeric
	// forces the name_format=1 fallback exactly as hpcprof's older
	// trace writer would have produced it.
	pid, tid, ok := shardIdentity("host-0-3-x-y")
	if !ok {
		t.Fatal("shardIdentity() returned ok=false")
	}
	if pid != 0 || tid != 3 {
		t.Fatalf("pid=%d tid=%d, want pid=0 tid=3", pid, tid)
	}
}

func TestShardIdentityTooFewTokens(t *testing.T) {
	if _, _, ok := shardIdentity("a-b-c"); ok {
		t.Fatal("expected ok=false for a basename with fewer than procPos tokens")
	}
}

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

// Package dbopen implements DatabaseOpener: given a database directory
// holding an experiment.xml and either an already-merged experiment.mt
// or a set of per-rank *.hpctrace shard files, it produces a ready
// Controller. A directory whose experiment.mt already carries a valid
// end-of-file marker is reused outright, and one whose experiment.mt
// exists with any other trailing bytes is refused as an invalid
// database; when there is no experiment.mt, the shards are merged
// into a fresh one before opening.
package dbopen

import (
	"bufio"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/SnellerInc/tracedbd/heap"
	"github.com/SnellerInc/tracedbd/internal/byteutil"
	"github.com/SnellerInc/tracedbd/internal/controller"
	"github.com/SnellerInc/tracedbd/internal/pagedfile"
	"github.com/SnellerInc/tracedbd/internal/rankindex"
	"github.com/SnellerInc/tracedbd/internal/tracerr"
)

const (
	xmlName     = "experiment.xml"
	mergedName  = "experiment.mt"
	shardSuffix = ".hpctrace"

	// endMarker is written as the last 8 bytes of a merged trace file
	// and is the sole signal that a pre-existing experiment.mt is
	// trustworthy enough to reuse without re-merging.
	endMarker     = uint64(0xFFFFFFFFDEADF00D)
	endMarkerSize = 8

	// minTraceSize is the smallest a merged trace file can be and
	// still hold a single rank: header(32) + one record(8+4=12...
	// rounded up) + the end marker's own slack. Below this the file
	// cannot be the product of a successful merge.
	minTraceSize = 32 + 8 + 24

	// procPos and threadPos locate the process id and thread id
	// tokens in a shard's filename, counted from the right after
	// splitting the suffix-stripped basename on '-'.
	procPos   = 5
	threadPos = 4

	typeMultiProcess   = 1
	typeMultiThreading = 2
)

// Open resolves dir into a Controller, merging shard files into
// experiment.mt first if no merged file exists yet. An existing
// experiment.mt without a valid end marker is refused.
func Open(dir string, pageSize int64, maxPagesInMemory int) (*controller.Controller, error) {
	xmlPath := filepath.Join(dir, xmlName)
	xmlInfo, err := os.Stat(xmlPath)
	if err != nil {
		return nil, &tracerr.InvalidDatabase{Reason: "experiment.xml is missing"}
	}
	if xmlInfo.Size() == 0 {
		return nil, &tracerr.InvalidDatabase{Reason: "experiment.xml is empty"}
	}

	tracePath := filepath.Join(dir, mergedName)
	switch exists, valid, err := statMergedFile(tracePath); {
	case err != nil:
		return nil, err
	case exists && !valid:
		return nil, &tracerr.InvalidDatabase{Reason: "experiment.mt exists but its end marker does not match"}
	case exists && valid:
		return openTraceFile(xmlPath, tracePath, pageSize, maxPagesInMemory)
	default:
		if err := merge(dir, tracePath); err != nil {
			return nil, err
		}
		return openTraceFile(xmlPath, tracePath, pageSize, maxPagesInMemory)
	}
}

// statMergedFile reports whether path exists and, if so, whether its
// trailing 8 bytes match endMarker.
func statMergedFile(path string) (exists, valid bool, err error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, false, nil
	}
	if err != nil {
		return false, false, &tracerr.IOError{Op: "open experiment.mt", Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return true, false, &tracerr.IOError{Op: "stat experiment.mt", Err: err}
	}
	if info.Size() <= minTraceSize || info.Size() < endMarkerSize {
		return true, false, nil
	}
	var buf [endMarkerSize]byte
	if _, err := f.ReadAt(buf[:], info.Size()-endMarkerSize); err != nil {
		return true, false, &tracerr.IOError{Op: "read experiment.mt end marker", Err: err}
	}
	return true, byteutil.GetU64(buf[:], 0) == endMarker, nil
}

type shard struct {
	path     string
	pid, tid uint32
	size     int64
}

// shardIdentity extracts a shard's (process id, thread id) from its
// suffix-stripped basename. hpcprof has shipped at least two filename
// token layouts; nameFormat 0 is tried first, falling back to 1 when
// the process token at position 0 parses as zero without actually
// being the literal "0".
func shardIdentity(base string) (pid, tid uint32, ok bool) {
	tokens := strings.Split(base, "-")
	n := len(tokens)
	if n < procPos {
		return 0, 0, false
	}

	nameFormat := 0
	pIdx := nameFormat + n - procPos
	pTok := tokens[pIdx]
	p, _ := strconv.Atoi(pTok)
	if p == 0 && pTok != "0" {
		nameFormat = 1
		pIdx = nameFormat + n - procPos
		if pIdx < 0 || pIdx >= n {
			return 0, 0, false
		}
		pTok = tokens[pIdx]
		p, _ = strconv.Atoi(pTok)
	}

	tIdx := nameFormat + n - threadPos
	if tIdx < 0 || tIdx >= n {
		return 0, 0, false
	}
	t, _ := strconv.Atoi(tokens[tIdx])
	return uint32(p), uint32(t), true
}

func discoverShards(dir string) ([]shard, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &tracerr.IOError{Op: "read database directory", Err: err}
	}
	var shards []shard
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), shardSuffix) {
			continue
		}
		base := strings.TrimSuffix(e.Name(), shardSuffix)
		pid, tid, ok := shardIdentity(base)
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, &tracerr.IOError{Op: "stat shard file", Err: err}
		}
		shards = append(shards, shard{path: filepath.Join(dir, e.Name()), pid: pid, tid: tid, size: info.Size()})
	}
	return shards, nil
}

// merge concatenates every shard in dir into outPath: a header
// (type flags, shard count, then one (pid, tid, start offset) triple
// per shard in lexicographic filename order), the shards' bytes in
// that same order, and the trailing end marker. The file is built
// under a randomly-suffixed temporary name and renamed into place
// only once fully written, so a crash mid-merge never leaves a
// corrupt experiment.mt for statMergedFile to mistake as valid.
func merge(dir, outPath string) error {
	shards, err := discoverShards(dir)
	if err != nil {
		return err
	}
	if len(shards) == 0 {
		return &tracerr.InvalidDatabase{Reason: "no .hpctrace shard files found"}
	}
	shards = heap.Sorted(shards, func(a, b shard) bool { return a.path < b.path })

	headerSize := int64(8 + len(shards)*16)
	var typeFlags uint32
	offset := headerSize
	index := make([]byte, 0, len(shards)*16)
	for _, s := range shards {
		if s.pid != 0 {
			typeFlags |= typeMultiProcess
		}
		if s.tid != 0 {
			typeFlags |= typeMultiThreading
		}
		index = byteutil.AppendU32(index, s.pid)
		index = byteutil.AppendU32(index, s.tid)
		index = byteutil.AppendU64(index, uint64(offset))
		offset += s.size
	}

	tmpPath := outPath + "." + uuid.NewString() + ".tmp"
	if err := writeMergedFile(tmpPath, typeFlags, index, shards); err != nil {
		os.Remove(tmpPath)
		return err
	}

	info, err := os.Stat(tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return &tracerr.IOError{Op: "stat merged trace file", Err: err}
	}
	if info.Size() < minTraceSize {
		os.Remove(tmpPath)
		return &tracerr.InvalidDatabase{Reason: "merged trace file is smaller than the minimum valid size"}
	}
	if err := os.Rename(tmpPath, outPath); err != nil {
		os.Remove(tmpPath)
		return &tracerr.IOError{Op: "rename merged trace file into place", Err: err}
	}
	return nil
}

func writeMergedFile(path string, typeFlags uint32, index []byte, shards []shard) error {
	out, err := os.Create(path)
	if err != nil {
		return &tracerr.IOError{Op: "create merged trace file", Err: err}
	}
	defer out.Close()

	w := bufio.NewWriter(out)
	header := byteutil.AppendU32(nil, typeFlags)
	header = byteutil.AppendU32(header, uint32(len(shards)))
	header = append(header, index...)
	if _, err := w.Write(header); err != nil {
		return &tracerr.IOError{Op: "write merged trace header", Err: err}
	}
	for _, s := range shards {
		if err := copyShard(w, s.path); err != nil {
			return err
		}
	}
	var marker [endMarkerSize]byte
	byteutil.PutU64(marker[:], 0, endMarker)
	if _, err := w.Write(marker[:]); err != nil {
		return &tracerr.IOError{Op: "write merged trace end marker", Err: err}
	}
	if err := w.Flush(); err != nil {
		return &tracerr.IOError{Op: "flush merged trace file", Err: err}
	}
	return nil
}

func copyShard(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return &tracerr.IOError{Op: "open shard file", Err: err}
	}
	defer f.Close()
	if _, err := io.Copy(w, f); err != nil {
		return &tracerr.IOError{Op: "copy shard file", Err: err}
	}
	return nil
}

func openTraceFile(xmlPath, tracePath string, pageSize int64, maxPagesInMemory int) (*controller.Controller, error) {
	pf, err := pagedfile.Open(tracePath, pageSize, maxPagesInMemory)
	if err != nil {
		return nil, err
	}
	ri, err := rankindex.Open(pf, endMarkerSize)
	if err != nil {
		pf.Close()
		return nil, err
	}
	return controller.New(xmlPath, tracePath, pf, ri), nil
}

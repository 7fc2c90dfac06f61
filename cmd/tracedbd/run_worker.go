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
	"flag"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/SnellerInc/tracedbd/internal/controller"
	"github.com/SnellerInc/tracedbd/internal/dbopen"
	"github.com/SnellerInc/tracedbd/internal/peergroup"
	"github.com/SnellerInc/tracedbd/internal/rankindex"
	"github.com/SnellerInc/tracedbd/internal/wire"
	"github.com/SnellerInc/tracedbd/internal/workerpool"
)

func runWorker(args []string) {
	cmd := flag.NewFlagSet("worker", flag.ExitOnError)
	listenAddr := cmd.String("l", "127.0.0.1:9401", "endpoint to listen on for the coordinator's broadcast/reply connection")
	index := cmd.Int("index", 1, "this worker's 1-based peer rank (rank 0 is always the coordinator)")
	numPeers := cmd.Int("workers", 2, "total peer count, including the coordinator at rank 0")
	pageSize := cmd.Int64("page-size", 4<<20, "paged file page size in bytes")
	maxPages := cmd.Int("max-pages", 256, "maximum pages held in memory")
	compress := cmd.Bool("compress", true, "zlib-compress per-rank sample payloads (must match the coordinator's setting)")

	if cmd.Parse(args) != nil {
		os.Exit(1)
	}
	logger := log.New(os.Stderr, "", log.Lshortfile)

	l, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		logger.Fatal(err)
	}

	w := &worker{
		logger:   logger,
		index:    *index,
		numPeers: *numPeers,
		pageSize: *pageSize,
		maxPages: *maxPages,
		compress: *compress,
	}

	go func() {
		logger.Printf("tracedbd worker %s (rank %d/%d) listening on %v\n", version, w.index, w.numPeers, l.Addr())
		for {
			conn, err := l.Accept()
			if err != nil {
				logger.Fatal(err)
			}
			go w.serve(conn)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	l.Close()
}

// worker answers one coordinator's broadcast commands against its own
// locally opened Controller, sampling only the logical-rank Span that
// workerpool.Partition assigns to its peer rank.
type worker struct {
	logger   *log.Logger
	index    int
	numPeers int
	pageSize int64
	maxPages int
	compress bool
}

// serve drives a single coordinator connection end to end: the
// connection carries the full OPEN/INFO/FLTR/DATA sequence of one
// client session, mirroring the lifetime of the SessionServer state
// machine on the coordinator's side.
func (w *worker) serve(conn net.Conn) {
	defer conn.Close()
	peer := &peergroup.Peer{Conn: conn}

	var ctrl *controller.Controller
	defer func() {
		if ctrl != nil {
			ctrl.Close()
		}
	}()

	for {
		cmd, err := peer.ReadCommand()
		if err != nil {
			if err != io.EOF {
				w.logger.Printf("reading broadcast command: %s", err)
			}
			return
		}
		switch cmd.Tag {
		case peergroup.TagOpen:
			if ctrl != nil {
				ctrl.Close()
				ctrl = nil
			}
			c, err := dbopen.Open(cmd.Path, w.pageSize, w.maxPages)
			if err != nil {
				w.logger.Printf("opening %q: %s", cmd.Path, err)
				return
			}
			ctrl = c
		case peergroup.TagInfo:
			if ctrl == nil {
				w.logger.Printf("INFO received before OPEN")
				return
			}
			if err := ctrl.SetInfo(cmd.MinBegin, cmd.MaxEnd, cmd.HeaderSz); err != nil {
				w.logger.Printf("applying INFO: %s", err)
				return
			}
		case peergroup.TagFltr:
			if ctrl == nil {
				w.logger.Printf("FLTR received before OPEN")
				return
			}
			if err := ctrl.ApplyFilter(cmd.Polarity, decodeFilters(cmd.Filters)); err != nil {
				w.logger.Printf("applying FLTR: %s", err)
				return
			}
		case peergroup.TagData:
			if ctrl == nil {
				w.logger.Printf("DATA received before OPEN")
				return
			}
			if err := w.handleData(peer, ctrl, cmd.Data); err != nil {
				w.logger.Printf("handling DATA: %s", err)
				return
			}
		}
	}
}

func decodeFilters(descs []peergroup.FilterDescriptor) []rankindex.Filter {
	filters := make([]rankindex.Filter, len(descs))
	for i, d := range descs {
		filters[i] = rankindex.Filter{
			Process: rankindex.Range{Min: int64(d.PMin), Max: int64(d.PMax), Stride: int64(d.PStride)},
			Thread:  rankindex.Range{Min: int64(d.TMin), Max: int64(d.TMax), Stride: int64(d.TStride)},
		}
	}
	return filters
}

// handleData samples exactly the cursor lines workerpool.Partition
// assigns to this worker's peer rank, replying in increasing
// cursor_line order and finishing with a DONE message whether or not
// any line was actually assigned to it.
func (w *worker) handleData(peer *peergroup.Peer, ctrl *controller.Controller, d peergroup.DataRequest) error {
	req := workerpool.Request{
		RankLo: int(d.RankLo), RankHi: int(d.RankHi),
		TLo: uint64(d.TLo), THi: uint64(d.THi),
		PixelsH: int(d.PixelsH), PixelsV: int(d.PixelsV),
	}

	workerSlot := w.index - 1
	spans := workerpool.Partition(req.RankLo, req.RankHi, w.numPeers)
	if workerSlot < 0 || workerSlot >= len(spans) {
		return peer.SendDone(peergroup.DoneMessage{RankID: int32(w.index)})
	}
	span := spans[workerSlot]

	total := req.CursorCount()
	seed := workerpool.Seed(workerSlot, total, w.numPeers-1)
	lines := workerpool.AssignedCursorLines(total, span, seed, req.LogicalRank)

	enc := wire.NewEncoder(w.compress)
	for _, line := range lines {
		rank := req.LogicalRank(line)
		samples, err := ctrl.SampleRank(rank, req.TLo, req.THi, req.PixelsH)
		if err != nil {
			return err
		}
		h, body, err := enc.Encode(int32(line), samples)
		if err != nil {
			return err
		}
		rh := peergroup.ReplyHeader{
			RankID:          int32(rank),
			CursorLine:      h.CursorLine,
			EntryCount:      h.EntryCount,
			BeginTime:       h.BeginTime,
			EndTime:         h.EndTime,
			CompressedBytes: h.CompressedBytes,
		}
		if err := peer.SendReply(rh, body); err != nil {
			return err
		}
	}
	return peer.SendDone(peergroup.DoneMessage{RankID: int32(w.index), LinesSent: int32(len(lines))})
}

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
	"testing"
	"time"

	"github.com/SnellerInc/tracedbd/internal/dbopen"
	"github.com/SnellerInc/tracedbd/internal/pagedfile"
	"github.com/SnellerInc/tracedbd/internal/peergroup"
)

// driveWorker runs w.serve on one side of an in-memory pipe and hands
// back a Group wired to the other side, so a test can act as the
// coordinator without any real network I/O.
func driveWorker(t *testing.T, w *worker) (*peergroup.Group, <-chan struct{}) {
	t.Helper()
	coordConn, workerConn := net.Pipe()
	done := make(chan struct{})
	go func() {
		w.serve(workerConn)
		close(done)
	}()
	t.Cleanup(func() { coordConn.Close() })
	return &peergroup.Group{Conns: []net.Conn{coordConn}}, done
}

func TestWorkerSingleRankRoundTrip(t *testing.T) {
	dir := setupDatabase(t)
	w := &worker{
		logger:   log.New(io.Discard, "", 0),
		index:    1,
		numPeers: 2,
		pageSize: pagedfile.NewPageSize(0),
		compress: true,
	}
	g, done := driveWorker(t, w)

	if err := g.BroadcastOpen(dir); err != nil {
		t.Fatal(err)
	}
	if err := g.BroadcastInfo(0, 1000, 24); err != nil {
		t.Fatal(err)
	}
	if err := g.BroadcastData(peergroup.DataRequest{RankLo: 0, RankHi: 2, TLo: 0, THi: 1000, PixelsH: 10, PixelsV: 2}); err != nil {
		t.Fatal(err)
	}

	var replies int
	for {
		h, payload, doneMsg, err := peergroup.ReadReplyOrDone(g.Conns[0])
		if err != nil {
			t.Fatal(err)
		}
		if doneMsg != nil {
			if doneMsg.LinesSent != int32(replies) {
				t.Fatalf("DONE.LinesSent = %d, want %d", doneMsg.LinesSent, replies)
			}
			break
		}
		replies++
		if len(payload) != int(h.CompressedBytes) {
			t.Fatalf("payload length = %d, want %d", len(payload), h.CompressedBytes)
		}
	}
	// With numPeers=2 there is exactly one worker, so it gets the whole
	// [0,2) rank range: both cursor lines.
	if replies != 2 {
		t.Fatalf("replies = %d, want 2", replies)
	}

	g.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker.serve did not return after the coordinator connection closed")
	}
}

func TestWorkerOutOfRangeSlotSendsEmptyDone(t *testing.T) {
	dir := setupDatabase(t)
	// numPeers=2 means exactly one worker slot (rank 1); rank 2 has
	// nothing assigned to it and must still answer with an empty DONE.
	w := &worker{
		logger:   log.New(io.Discard, "", 0),
		index:    2,
		numPeers: 2,
		pageSize: pagedfile.NewPageSize(0),
		compress: true,
	}
	g, done := driveWorker(t, w)
	defer func() { <-done }()
	defer g.Close()

	if err := g.BroadcastOpen(dir); err != nil {
		t.Fatal(err)
	}
	if err := g.BroadcastInfo(0, 1000, 24); err != nil {
		t.Fatal(err)
	}
	if err := g.BroadcastData(peergroup.DataRequest{RankLo: 0, RankHi: 2, TLo: 0, THi: 1000, PixelsH: 10, PixelsV: 2}); err != nil {
		t.Fatal(err)
	}

	_, _, doneMsg, err := peergroup.ReadReplyOrDone(g.Conns[0])
	if err != nil {
		t.Fatal(err)
	}
	if doneMsg == nil {
		t.Fatal("expected an immediate DONE for an out-of-range worker slot")
	}
	if doneMsg.LinesSent != 0 {
		t.Fatalf("LinesSent = %d, want 0", doneMsg.LinesSent)
	}
}

func TestWorkerRejectsDataBeforeOpen(t *testing.T) {
	w := &worker{
		logger:   log.New(io.Discard, "", 0),
		index:    1,
		numPeers: 2,
		pageSize: pagedfile.NewPageSize(0),
	}
	g, done := driveWorker(t, w)

	if err := g.BroadcastData(peergroup.DataRequest{RankLo: 0, RankHi: 1, TLo: 0, THi: 100, PixelsH: 10, PixelsV: 1}); err != nil {
		t.Fatal(err)
	}
	g.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker.serve did not return after DATA before OPEN")
	}
}

func TestDbopenOpenerDirectlyResolvesFixture(t *testing.T) {
	dir := setupDatabase(t)
	ctrl, err := dbopen.Open(dir, pagedfile.NewPageSize(0), 0)
	if err != nil {
		t.Fatal(err)
	}
	defer ctrl.Close()
	if ctrl.LogicalCount() != 2 {
		t.Fatalf("LogicalCount() = %d, want 2", ctrl.LogicalCount())
	}
}

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

package peergroup

import (
	"bytes"
	"net"
	"testing"
)

// pipeConn wires a Group of one in-memory connection to a Peer on
// the other end, avoiding any real network I/O in tests.
func pipeConn(t *testing.T) (coord net.Conn, worker net.Conn) {
	t.Helper()
	c, w := net.Pipe()
	return c, w
}

func TestBroadcastOpenRoundTrip(t *testing.T) {
	coord, worker := pipeConn(t)
	defer coord.Close()
	defer worker.Close()

	g := &Group{Conns: []net.Conn{coord}}
	done := make(chan error, 1)
	go func() { done <- g.BroadcastOpen("/traces/run1") }()

	p := &Peer{Conn: worker}
	cmd, err := p.ReadCommand()
	if err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if cmd.Tag != TagOpen {
		t.Fatalf("tag = %x, want OPEN", cmd.Tag)
	}
	if cmd.Path != "/traces/run1" {
		t.Fatalf("path = %q, want /traces/run1", cmd.Path)
	}
}

func TestBroadcastOpenPathTooLong(t *testing.T) {
	g := &Group{}
	longPath := bytes.Repeat([]byte("a"), PathFieldSize+1)
	err := g.BroadcastOpen(string(longPath))
	if err == nil {
		t.Fatal("expected PathTooLong error")
	}
}

func TestBroadcastInfoRoundTrip(t *testing.T) {
	coord, worker := pipeConn(t)
	defer coord.Close()
	defer worker.Close()

	g := &Group{Conns: []net.Conn{coord}}
	done := make(chan error, 1)
	go func() { done <- g.BroadcastInfo(100, 900, 24) }()

	p := &Peer{Conn: worker}
	cmd, err := p.ReadCommand()
	if err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if cmd.MinBegin != 100 || cmd.MaxEnd != 900 || cmd.HeaderSz != 24 {
		t.Fatalf("unexpected INFO command: %+v", cmd)
	}
}

func TestBroadcastDataRoundTrip(t *testing.T) {
	coord, worker := pipeConn(t)
	defer coord.Close()
	defer worker.Close()

	req := DataRequest{RankLo: 0, RankHi: 4, TLo: 10, THi: 9999, PixelsH: 100, PixelsV: 4}
	g := &Group{Conns: []net.Conn{coord}}
	done := make(chan error, 1)
	go func() { done <- g.BroadcastData(req) }()

	p := &Peer{Conn: worker}
	cmd, err := p.ReadCommand()
	if err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if cmd.Data != req {
		t.Fatalf("got %+v, want %+v", cmd.Data, req)
	}
}

func TestBroadcastFilterRoundTrip(t *testing.T) {
	coord, worker := pipeConn(t)
	defer coord.Close()
	defer worker.Close()

	filters := []FilterDescriptor{
		{PMin: 0, PMax: 0, PStride: 1, TMin: 0, TMax: 0, TStride: 1},
		{PMin: 1, PMax: 3, PStride: 2, TMin: 0, TMax: 10, TStride: 1},
	}
	g := &Group{Conns: []net.Conn{coord}}
	done := make(chan error, 1)
	go func() { done <- g.BroadcastFilter(true, filters) }()

	p := &Peer{Conn: worker}
	cmd, err := p.ReadCommand()
	if err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if !cmd.Polarity {
		t.Fatal("expected polarity=true")
	}
	if len(cmd.Filters) != 2 || cmd.Filters[0] != filters[0] || cmd.Filters[1] != filters[1] {
		t.Fatalf("got %+v, want %+v", cmd.Filters, filters)
	}
}

func TestReplyAndDoneRoundTrip(t *testing.T) {
	coord, worker := pipeConn(t)
	defer coord.Close()
	defer worker.Close()

	p := &Peer{Conn: worker}
	h := ReplyHeader{RankID: 2, CursorLine: 1, EntryCount: 3, BeginTime: 10, EndTime: 30, CompressedBytes: 5}
	payload := []byte{1, 2, 3, 4, 5}

	errc := make(chan error, 2)
	go func() {
		errc <- p.SendReply(h, payload)
		errc <- p.SendDone(DoneMessage{RankID: 2, LinesSent: 1})
	}()

	gotH, gotPayload, gotDone, err := ReadReplyOrDone(coord)
	if err != nil {
		t.Fatal(err)
	}
	if gotH == nil || gotDone != nil {
		t.Fatalf("expected a reply header, got header=%v done=%v", gotH, gotDone)
	}
	if *gotH != h {
		t.Fatalf("got %+v, want %+v", *gotH, h)
	}
	if !bytes.Equal(gotPayload, payload) {
		t.Fatalf("got payload %v, want %v", gotPayload, payload)
	}

	_, _, gotDone2, err := ReadReplyOrDone(coord)
	if err != nil {
		t.Fatal(err)
	}
	if gotDone2 == nil || gotDone2.RankID != 2 || gotDone2.LinesSent != 1 {
		t.Fatalf("unexpected DONE message: %+v", gotDone2)
	}

	if err := <-errc; err != nil {
		t.Fatal(err)
	}
	if err := <-errc; err != nil {
		t.Fatal(err)
	}
}

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

// Package peergroup implements the coordinator/worker transport used
// by the distributed WorkerPool: a broadcast channel for commands
// (OPEN, INFO, DATA, FLTR) from the coordinator to every worker, and
// a point-to-point channel for each worker's replies (one header+
// payload per finished rank, one DONE when its assigned slice is
// exhausted). It is deliberately a thin framing layer over net.Conn,
// in the spirit of an MPI broadcast/point-to-point primitive, rather
// than a general RPC system.
package peergroup

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/SnellerInc/tracedbd/internal/tracerr"
)

// PathFieldSize is the fixed width, in bytes, of the path field
// inside an OPEN command.
const PathFieldSize = 1024

func tag(s string) uint32 {
	var b [4]byte
	copy(b[:], s)
	return binary.BigEndian.Uint32(b[:])
}

// Command tags, shared with the client-facing session tags where
// the command carries the same meaning (OPEN, INFO, DATA, FLTR).
var (
	TagOpen = tag("OPEN")
	TagInfo = tag("INFO")
	TagData = tag("DATA")
	TagFltr = tag("FLTR")
	// TagReply and TagDone are internal to the coordinator/worker
	// transport; they never appear on the client-facing socket.
	TagReply = tag("SLRP")
	TagDone  = tag("SLDN")
)

// FilterDescriptor is the wire form of one rankindex.Filter.
type FilterDescriptor struct {
	PMin, PMax, PStride int32
	TMin, TMax, TStride int32
}

func (d FilterDescriptor) encode() []byte {
	buf := make([]byte, 24)
	binary.BigEndian.PutUint32(buf[0:], uint32(d.PMin))
	binary.BigEndian.PutUint32(buf[4:], uint32(d.PMax))
	binary.BigEndian.PutUint32(buf[8:], uint32(d.PStride))
	binary.BigEndian.PutUint32(buf[12:], uint32(d.TMin))
	binary.BigEndian.PutUint32(buf[16:], uint32(d.TMax))
	binary.BigEndian.PutUint32(buf[20:], uint32(d.TStride))
	return buf
}

func decodeFilterDescriptor(buf []byte) FilterDescriptor {
	return FilterDescriptor{
		PMin:    int32(binary.BigEndian.Uint32(buf[0:])),
		PMax:    int32(binary.BigEndian.Uint32(buf[4:])),
		PStride: int32(binary.BigEndian.Uint32(buf[8:])),
		TMin:    int32(binary.BigEndian.Uint32(buf[12:])),
		TMax:    int32(binary.BigEndian.Uint32(buf[16:])),
		TStride: int32(binary.BigEndian.Uint32(buf[20:])),
	}
}

// DataRequest is the payload of a DATA command.
type DataRequest struct {
	RankLo, RankHi   int32
	TLo, THi         int64
	PixelsH, PixelsV int32
}

// Command is a decoded broadcast message. Exactly one of the typed
// fields is meaningful, selected by Tag.
type Command struct {
	Tag      uint32
	Path     string // OPEN
	MinBegin int64  // INFO
	MaxEnd   int64  // INFO
	HeaderSz int32  // INFO
	Data     DataRequest
	Polarity bool               // FLTR
	Filters  []FilterDescriptor // FLTR
}

// ReplyHeader is one worker's per-rank reply header, sent ahead of
// compressed_bytes of payload.
type ReplyHeader struct {
	RankID          int32
	CursorLine      int32
	EntryCount      int32
	BeginTime       uint64
	EndTime         uint64
	CompressedBytes int32
}

const replyHeaderSize = 4 + 4 + 4 + 8 + 8 + 4

// DoneMessage reports that a worker has finished its assigned slice.
type DoneMessage struct {
	RankID    int32
	LinesSent int32
}

// --- coordinator side -------------------------------------------------

// Group is the coordinator's handle to W-1 worker connections. Peer
// index 0 in the deterministic rank partition is the coordinator
// itself and never appears in Conns.
type Group struct {
	Conns []net.Conn
}

// Dial connects to every address in addrs, in order, and returns a
// Group. On any failure it closes the connections already opened.
func Dial(addrs []string) (*Group, error) {
	g := &Group{Conns: make([]net.Conn, 0, len(addrs))}
	for _, addr := range addrs {
		c, err := net.Dial("tcp", addr)
		if err != nil {
			g.Close()
			return nil, &tracerr.IOError{Op: "dial worker " + addr, Err: err}
		}
		g.Conns = append(g.Conns, c)
	}
	return g, nil
}

// Close closes every worker connection.
func (g *Group) Close() error {
	var first error
	for _, c := range g.Conns {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (g *Group) broadcast(encode func(w io.Writer) error) error {
	var wg sync.WaitGroup
	errs := make([]error, len(g.Conns))
	for i, c := range g.Conns {
		wg.Add(1)
		go func(i int, c net.Conn) {
			defer wg.Done()
			errs[i] = encode(c)
		}(i, c)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// BroadcastOpen sends an OPEN command to every worker.
func (g *Group) BroadcastOpen(path string) error {
	if len(path) > PathFieldSize {
		return &tracerr.PathTooLong{Path: path, Max: PathFieldSize}
	}
	buf := make([]byte, 4+PathFieldSize)
	binary.BigEndian.PutUint32(buf[0:], TagOpen)
	copy(buf[4:], path)
	return g.broadcast(func(w io.Writer) error {
		_, err := w.Write(buf)
		return err
	})
}

// BroadcastInfo sends an INFO command to every worker.
func (g *Group) BroadcastInfo(minBegin, maxEnd int64, headerSize int32) error {
	buf := make([]byte, 4+8+8+4)
	binary.BigEndian.PutUint32(buf[0:], TagInfo)
	binary.BigEndian.PutUint64(buf[4:], uint64(minBegin))
	binary.BigEndian.PutUint64(buf[12:], uint64(maxEnd))
	binary.BigEndian.PutUint32(buf[20:], uint32(headerSize))
	return g.broadcast(func(w io.Writer) error {
		_, err := w.Write(buf)
		return err
	})
}

// BroadcastData sends a DATA command to every worker.
func (g *Group) BroadcastData(req DataRequest) error {
	buf := make([]byte, 4+4+4+8+8+4+4)
	binary.BigEndian.PutUint32(buf[0:], TagData)
	binary.BigEndian.PutUint32(buf[4:], uint32(req.RankLo))
	binary.BigEndian.PutUint32(buf[8:], uint32(req.RankHi))
	binary.BigEndian.PutUint64(buf[12:], uint64(req.TLo))
	binary.BigEndian.PutUint64(buf[20:], uint64(req.THi))
	binary.BigEndian.PutUint32(buf[28:], uint32(req.PixelsH))
	binary.BigEndian.PutUint32(buf[32:], uint32(req.PixelsV))
	return g.broadcast(func(w io.Writer) error {
		_, err := w.Write(buf)
		return err
	})
}

// BroadcastFilter sends a FLTR command followed by len(filters)
// descriptors to every worker.
func (g *Group) BroadcastFilter(polarity bool, filters []FilterDescriptor) error {
	head := make([]byte, 4+1+1+2)
	binary.BigEndian.PutUint32(head[0:], TagFltr)
	if polarity {
		head[5] = 1
	}
	binary.BigEndian.PutUint16(head[6:], uint16(len(filters)))

	buf := make([]byte, 0, len(head)+len(filters)*24)
	buf = append(buf, head...)
	for _, f := range filters {
		buf = append(buf, f.encode()...)
	}
	return g.broadcast(func(w io.Writer) error {
		_, err := w.Write(buf)
		return err
	})
}

// ReadReplyOrDone reads one message from a worker connection: either
// a ReplyHeader (with its payload) or a DoneMessage. When err is nil,
// exactly one of the ReplyHeader and the DoneMessage is non-nil.
func ReadReplyOrDone(r io.Reader) (*ReplyHeader, []byte, *DoneMessage, error) {
	var tagBuf [4]byte
	if _, err := io.ReadFull(r, tagBuf[:]); err != nil {
		return nil, nil, nil, err
	}
	switch binary.BigEndian.Uint32(tagBuf[:]) {
	case TagReply:
		hbuf := make([]byte, replyHeaderSize)
		if _, err := io.ReadFull(r, hbuf); err != nil {
			return nil, nil, nil, err
		}
		h := &ReplyHeader{
			RankID:          int32(binary.BigEndian.Uint32(hbuf[0:])),
			CursorLine:      int32(binary.BigEndian.Uint32(hbuf[4:])),
			EntryCount:      int32(binary.BigEndian.Uint32(hbuf[8:])),
			BeginTime:       binary.BigEndian.Uint64(hbuf[12:]),
			EndTime:         binary.BigEndian.Uint64(hbuf[20:]),
			CompressedBytes: int32(binary.BigEndian.Uint32(hbuf[28:])),
		}
		payload := make([]byte, h.CompressedBytes)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, nil, nil, err
		}
		return h, payload, nil, nil
	case TagDone:
		dbuf := make([]byte, 8)
		if _, err := io.ReadFull(r, dbuf); err != nil {
			return nil, nil, nil, err
		}
		d := &DoneMessage{
			RankID:    int32(binary.BigEndian.Uint32(dbuf[0:])),
			LinesSent: int32(binary.BigEndian.Uint32(dbuf[4:])),
		}
		return nil, nil, d, nil
	default:
		return nil, nil, nil, &tracerr.InvalidProtocol{Reason: fmt.Sprintf("unexpected peer tag %x", tagBuf)}
	}
}

// --- worker side --------------------------------------------------

// Peer is a worker's handle to the coordinator's broadcast/reply
// connection.
type Peer struct {
	Conn net.Conn
}

// ReadCommand blocks for the next broadcast command from the
// coordinator.
func (p *Peer) ReadCommand() (Command, error) {
	var tagBuf [4]byte
	if _, err := io.ReadFull(p.Conn, tagBuf[:]); err != nil {
		return Command{}, err
	}
	t := binary.BigEndian.Uint32(tagBuf[:])
	switch t {
	case TagOpen:
		buf := make([]byte, PathFieldSize)
		if _, err := io.ReadFull(p.Conn, buf); err != nil {
			return Command{}, err
		}
		n := 0
		for n < len(buf) && buf[n] != 0 {
			n++
		}
		return Command{Tag: t, Path: string(buf[:n])}, nil
	case TagInfo:
		buf := make([]byte, 8+8+4)
		if _, err := io.ReadFull(p.Conn, buf); err != nil {
			return Command{}, err
		}
		return Command{
			Tag:      t,
			MinBegin: int64(binary.BigEndian.Uint64(buf[0:])),
			MaxEnd:   int64(binary.BigEndian.Uint64(buf[8:])),
			HeaderSz: int32(binary.BigEndian.Uint32(buf[16:])),
		}, nil
	case TagData:
		buf := make([]byte, 4+4+8+8+4+4)
		if _, err := io.ReadFull(p.Conn, buf); err != nil {
			return Command{}, err
		}
		return Command{
			Tag: t,
			Data: DataRequest{
				RankLo:  int32(binary.BigEndian.Uint32(buf[0:])),
				RankHi:  int32(binary.BigEndian.Uint32(buf[4:])),
				TLo:     int64(binary.BigEndian.Uint64(buf[8:])),
				THi:     int64(binary.BigEndian.Uint64(buf[16:])),
				PixelsH: int32(binary.BigEndian.Uint32(buf[24:])),
				PixelsV: int32(binary.BigEndian.Uint32(buf[28:])),
			},
		}, nil
	case TagFltr:
		head := make([]byte, 1+1+2)
		if _, err := io.ReadFull(p.Conn, head); err != nil {
			return Command{}, err
		}
		polarity := head[1] != 0
		count := int(binary.BigEndian.Uint16(head[2:]))
		filters := make([]FilterDescriptor, count)
		descBuf := make([]byte, 24)
		for i := 0; i < count; i++ {
			if _, err := io.ReadFull(p.Conn, descBuf); err != nil {
				return Command{}, err
			}
			filters[i] = decodeFilterDescriptor(descBuf)
		}
		return Command{Tag: t, Polarity: polarity, Filters: filters}, nil
	default:
		return Command{}, &tracerr.InvalidProtocol{Reason: fmt.Sprintf("unexpected broadcast tag %x", tagBuf)}
	}
}

// SendReply writes one rank's reply header and payload to the
// coordinator.
func (p *Peer) SendReply(h ReplyHeader, payload []byte) error {
	buf := make([]byte, 4+replyHeaderSize)
	binary.BigEndian.PutUint32(buf[0:], TagReply)
	binary.BigEndian.PutUint32(buf[4:], uint32(h.RankID))
	binary.BigEndian.PutUint32(buf[8:], uint32(h.CursorLine))
	binary.BigEndian.PutUint32(buf[12:], uint32(h.EntryCount))
	binary.BigEndian.PutUint64(buf[16:], h.BeginTime)
	binary.BigEndian.PutUint64(buf[24:], h.EndTime)
	binary.BigEndian.PutUint32(buf[32:], uint32(h.CompressedBytes))
	if _, err := p.Conn.Write(buf); err != nil {
		return err
	}
	_, err := p.Conn.Write(payload)
	return err
}

// SendDone reports that this worker finished its assigned slice.
func (p *Peer) SendDone(d DoneMessage) error {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:], TagDone)
	binary.BigEndian.PutUint32(buf[4:], uint32(d.RankID))
	binary.BigEndian.PutUint32(buf[8:], uint32(d.LinesSent))
	_, err := p.Conn.Write(buf)
	return err
}

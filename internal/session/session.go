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

// Package session implements the client-facing state machine:
// IDLE -> AWAIT_INFO -> READY, reading framed OPEN/INFO/DATA/FLTR
// commands off one TCP connection and writing DBOK/NODB/HERE/EXML
// responses and per-rank payloads. A Session owns at most one
// Controller and WorkerPool at a time; OPEN replaces them outright.
package session

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"net"
	"os"

	"github.com/google/uuid"

	"github.com/SnellerInc/tracedbd/internal/byteutil"
	"github.com/SnellerInc/tracedbd/internal/controller"
	"github.com/SnellerInc/tracedbd/internal/rankindex"
	"github.com/SnellerInc/tracedbd/internal/tracerr"
	"github.com/SnellerInc/tracedbd/internal/wire"
	"github.com/SnellerInc/tracedbd/internal/workerpool"
)

// protocolVersion is the single version this engine accepts; any
// other value is treated the same as a failed OPEN (NODB), per the
// versioning decision of the engine's design notes.
const protocolVersion = 1

func tag(s string) uint32 {
	var b [4]byte
	copy(b[:], s)
	return binary.BigEndian.Uint32(b[:])
}

var (
	tagOpen = tag("OPEN")
	tagInfo = tag("INFO")
	tagData = tag("DATA")
	tagFltr = tag("FLTR")
	tagDone = tag("DONE")
	tagDBOK = tag("DBOK")
	tagNODB = tag("NODB")
	tagHere = tag("HERE")
	tagExml = tag("EXML")
)

func tagString(t uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], t)
	return string(b[:])
}

type state int

const (
	stateIdle state = iota
	stateAwaitInfo
	stateReady
	stateClosed
)

// Opener resolves a database directory into a Controller. Production
// wiring passes dbopen.Open directly; tests substitute a stub.
type Opener func(path string, pageSize int64, maxPagesInMemory int) (*controller.Controller, error)

// PoolFactory builds the WorkerPool that will drive a freshly opened
// Controller: an InlinePool for single-process service, or a
// DistributedPool wired to a peer cluster.
type PoolFactory func(ctrl *controller.Controller) workerpool.Pool

// Session drives one client connection through the wire protocol.
// It is not safe for concurrent use; the engine's concurrency model
// serves one command at a time per connection.
type Session struct {
	Conn             net.Conn
	Logger           *log.Logger
	Opener           Opener
	NewPool          PoolFactory
	PageSize         int64
	MaxPagesInMemory int
	Compress         bool
	// Port is reported to the client as xml_port. The XML payload is
	// always delivered inline on Conn immediately after DBOK, so this
	// value only satisfies the field; no second listener is opened.
	Port int32

	id    uuid.UUID
	state state
	ctrl  *controller.Controller
	pool  workerpool.Pool
}

// New prepares a Session for Serve.
func New(conn net.Conn, logger *log.Logger, opener Opener, newPool PoolFactory, pageSize int64, maxPagesInMemory int, compress bool, port int32) *Session {
	return &Session{
		Conn:             conn,
		Logger:           logger,
		Opener:           opener,
		NewPool:          newPool,
		PageSize:         pageSize,
		MaxPagesInMemory: maxPagesInMemory,
		Compress:         compress,
		Port:             port,
		id:               uuid.New(),
	}
}

// Serve runs the protocol loop until the client sends DONE, closes
// the connection, or a command fails in a way the protocol has no
// recovery for. It always closes Conn and any owned Controller before
// returning.
func (s *Session) Serve() {
	defer s.Conn.Close()
	defer s.closeController()

	for s.state != stateClosed {
		t, err := readTag(s.Conn)
		if err != nil {
			if err != io.EOF {
				s.logf("read command tag: %v", err)
			}
			return
		}
		if err := s.dispatch(t); err != nil {
			s.logf("%v", err)
			return
		}
	}
}

func (s *Session) dispatch(t uint32) error {
	switch s.state {
	case stateIdle:
		if t != tagOpen {
			return &tracerr.InvalidProtocol{Reason: fmt.Sprintf("expected OPEN in IDLE, got %q", tagString(t))}
		}
		return s.handleOpen()
	case stateAwaitInfo:
		if t != tagInfo {
			return &tracerr.InvalidProtocol{Reason: fmt.Sprintf("expected INFO in AWAIT_INFO, got %q", tagString(t))}
		}
		return s.handleInfo()
	case stateReady:
		switch t {
		case tagData:
			return s.handleData()
		case tagFltr:
			return s.handleFltr()
		case tagOpen:
			return s.handleOpen()
		case tagDone:
			s.state = stateClosed
			return nil
		default:
			return &tracerr.InvalidProtocol{Reason: fmt.Sprintf("unexpected tag %q in READY", tagString(t))}
		}
	}
	return nil
}

func (s *Session) logf(format string, args ...interface{}) {
	if s.Logger == nil {
		return
	}
	s.Logger.Printf("session %s: "+format, append([]interface{}{s.id}, args...)...)
}

func (s *Session) closeController() {
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	if s.ctrl != nil {
		s.ctrl.Close()
		s.ctrl = nil
	}
}

// handleOpen reads protocol_version and path, attempts DatabaseOpener,
// and either replaces the current Controller/WorkerPool, forwards OPEN
// to the new pool (so distributed workers open the same database), and
// replies DBOK+EXML, or replies NODB and stays/returns to IDLE. An unknown
// protocol version is treated identically to a failed open (NODB),
// per the single-exact-match versioning decision.
func (s *Session) handleOpen() error {
	version, err := readI32(s.Conn)
	if err != nil {
		return &tracerr.IOError{Op: "read OPEN protocol_version", Err: err}
	}
	path, err := readString(s.Conn)
	if err != nil {
		return &tracerr.IOError{Op: "read OPEN path", Err: err}
	}
	if version != protocolVersion {
		return s.replyNODB(0)
	}

	ctrl, err := s.Opener(path, s.PageSize, s.MaxPagesInMemory)
	if err != nil {
		if _, ok := err.(*tracerr.InvalidDatabase); ok {
			return s.replyNODB(0)
		}
		return err
	}

	s.closeController()
	s.ctrl = ctrl
	s.pool = s.NewPool(ctrl)
	if err := s.pool.BroadcastOpen(path); err != nil {
		return err
	}
	return s.replyDBOK()
}

func (s *Session) replyNODB(code int32) error {
	buf := appendTag(nil, tagNODB)
	buf = byteutil.AppendI32(buf, code)
	if _, err := s.Conn.Write(buf); err != nil {
		return &tracerr.IOError{Op: "write NODB", Err: err}
	}
	s.state = stateIdle
	return nil
}

// replyDBOK writes the DBOK response (xml_port, rank_count,
// compression_flag, then rank_count (process_id:i32, thread_id:i16)
// records in logical-rank order), then delivers the EXML payload
// inline, then advances to AWAIT_INFO.
func (s *Session) replyDBOK() error {
	n := s.ctrl.LogicalCount()
	buf := appendTag(nil, tagDBOK)
	buf = byteutil.AppendI32(buf, s.Port)
	buf = byteutil.AppendI32(buf, int32(n))
	compFlag := int32(0)
	if s.Compress {
		compFlag = 1
	}
	buf = byteutil.AppendI32(buf, compFlag)
	for i := 0; i < n; i++ {
		buf = byteutil.AppendI32(buf, int32(s.ctrl.PIDOf(i)))
		buf = appendI16(buf, int16(s.ctrl.TIDOf(i)))
	}
	if _, err := s.Conn.Write(buf); err != nil {
		return &tracerr.IOError{Op: "write DBOK", Err: err}
	}
	if err := s.sendXML(); err != nil {
		return err
	}
	s.state = stateAwaitInfo
	return nil
}

func (s *Session) sendXML() error {
	raw, err := os.ReadFile(s.ctrl.XMLPath)
	if err != nil {
		return &tracerr.IOError{Op: "read experiment.xml", Err: err}
	}
	compressed, err := wire.EncodeXML(raw)
	if err != nil {
		return &tracerr.IOError{Op: "gzip experiment.xml", Err: err}
	}
	buf := appendTag(nil, tagExml)
	buf = byteutil.AppendI32(buf, int32(len(compressed)))
	buf = append(buf, compressed...)
	if _, err := s.Conn.Write(buf); err != nil {
		return &tracerr.IOError{Op: "write EXML", Err: err}
	}
	return nil
}

// handleInfo reads (min_begin, max_end, header_size), forwards it to
// the controller and to every worker, then advances to READY.
func (s *Session) handleInfo() error {
	minBegin, err := readI64(s.Conn)
	if err != nil {
		return &tracerr.IOError{Op: "read INFO min_begin", Err: err}
	}
	maxEnd, err := readI64(s.Conn)
	if err != nil {
		return &tracerr.IOError{Op: "read INFO max_end", Err: err}
	}
	headerSize, err := readI32(s.Conn)
	if err != nil {
		return &tracerr.IOError{Op: "read INFO header_size", Err: err}
	}
	if err := s.pool.BroadcastInfo(minBegin, maxEnd, headerSize); err != nil {
		return err
	}
	s.state = stateReady
	return nil
}

// handleData reads the DATA parameters, validates the range
// invariants, replies HERE, then streams exactly
// min(pixels_v, rank_hi-rank_lo) per-rank payloads.
func (s *Session) handleData() error {
	rankLo, err := readI32(s.Conn)
	if err != nil {
		return &tracerr.IOError{Op: "read DATA rank_lo", Err: err}
	}
	rankHi, err := readI32(s.Conn)
	if err != nil {
		return &tracerr.IOError{Op: "read DATA rank_hi", Err: err}
	}
	tLo, err := readI64(s.Conn)
	if err != nil {
		return &tracerr.IOError{Op: "read DATA t_lo", Err: err}
	}
	tHi, err := readI64(s.Conn)
	if err != nil {
		return &tracerr.IOError{Op: "read DATA t_hi", Err: err}
	}
	pixelsV, err := readI32(s.Conn)
	if err != nil {
		return &tracerr.IOError{Op: "read DATA pixels_v", Err: err}
	}
	pixelsH, err := readI32(s.Conn)
	if err != nil {
		return &tracerr.IOError{Op: "read DATA pixels_h", Err: err}
	}

	if rankLo > rankHi || rankLo < 0 || pixelsV < 0 || pixelsH < 0 || tLo > tHi {
		return &tracerr.InvalidRequest{Reason: "DATA parameters fail the range invariants"}
	}

	req := workerpool.Request{
		RankLo: int(rankLo), RankHi: int(rankHi),
		TLo: uint64(tLo), THi: uint64(tHi),
		PixelsH: int(pixelsH), PixelsV: int(pixelsV),
	}

	if err := s.writeHere(); err != nil {
		return err
	}

	enc := wire.NewEncoder(s.Compress)
	sink := workerpool.SinkFunc(func(r workerpool.RankResult) error {
		h, body, err := enc.Encode(int32(r.CursorLine), r.Samples)
		if err != nil {
			return &tracerr.IOError{Op: "encode rank payload", Err: err}
		}
		hdr := make([]byte, wire.HeaderSize)
		h.Encode(hdr)
		if _, err := s.Conn.Write(hdr); err != nil {
			return &tracerr.IOError{Op: "write rank header", Err: err}
		}
		if _, err := s.Conn.Write(body); err != nil {
			return &tracerr.IOError{Op: "write rank body", Err: err}
		}
		return nil
	})
	return s.pool.DispatchData(req, sink)
}

func (s *Session) writeHere() error {
	buf := appendTag(nil, tagHere)
	if _, err := s.Conn.Write(buf); err != nil {
		return &tracerr.IOError{Op: "write HERE", Err: err}
	}
	return nil
}

// handleFltr reads (pad:u8, polarity:u8, count:i16) then count filter
// descriptors and forwards the resulting FilterSet to the controller
// and to every worker. It never changes state; FLTR only happens in
// READY and stays there.
func (s *Session) handleFltr() error {
	if _, err := readByte(s.Conn); err != nil {
		return &tracerr.IOError{Op: "read FLTR pad", Err: err}
	}
	polarityByte, err := readByte(s.Conn)
	if err != nil {
		return &tracerr.IOError{Op: "read FLTR polarity", Err: err}
	}
	count, err := readI16(s.Conn)
	if err != nil {
		return &tracerr.IOError{Op: "read FLTR count", Err: err}
	}
	filters := make([]rankindex.Filter, count)
	for i := range filters {
		var vals [6]int32
		for j := range vals {
			v, err := readI32(s.Conn)
			if err != nil {
				return &tracerr.IOError{Op: "read FLTR descriptor", Err: err}
			}
			vals[j] = v
		}
		filters[i] = rankindex.Filter{
			Process: rankindex.Range{Min: int64(vals[0]), Max: int64(vals[1]), Stride: int64(vals[2])},
			Thread:  rankindex.Range{Min: int64(vals[3]), Max: int64(vals[4]), Stride: int64(vals[5])},
		}
	}
	return s.pool.BroadcastFilter(polarityByte != 0, filters)
}

// --- wire primitives -------------------------------------------------

func appendTag(buf []byte, t uint32) []byte { return byteutil.AppendU32(buf, t) }

func appendI16(buf []byte, v int16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(v))
	return append(buf, tmp[:]...)
}

func readTag(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func readByte(r io.Reader) (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func readI16(r io.Reader) (int16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int16(binary.BigEndian.Uint16(buf[:])), nil
}

func readI32(r io.Reader) (int32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(buf[:])), nil
}

func readI64(r io.Reader) (int64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(buf[:])), nil
}

func readString(r io.Reader) (string, error) {
	n, err := readI16(r)
	if err != nil {
		return "", err
	}
	if n < 0 {
		return "", &tracerr.InvalidProtocol{Reason: "negative string length"}
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

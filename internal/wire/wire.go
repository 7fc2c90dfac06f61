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

// Package wire compresses one rank's sampled sequence into a single
// opaque, self-contained byte block, and frames the
// experiment-description XML as a gzip-wrapped stream. Every rank's
// body is its own complete zlib stream rather than a shared
// session-wide one: distributed mode forwards worker replies in
// arrival order, not cursor-line order, so a decoder can never assume
// the previous rank's compressor state is available. Both codecs use
// klauspost/compress as an accelerated drop-in for the standard
// library's flate/zlib/gzip, the way package compr wraps third-party
// codecs behind a small interface.
package wire

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"

	"github.com/SnellerInc/tracedbd/internal/byteutil"
	"github.com/SnellerInc/tracedbd/internal/cursor"
)

// HeaderSize is the fixed size, in bytes, of a per-rank payload
// header.
const HeaderSize = 32

// Header is the fixed-size prefix of a per-rank payload.
type Header struct {
	CursorLine      int32
	EntryCount      int32
	BeginTime       uint64
	EndTime         uint64
	CompressedBytes int32
}

// Encode writes h in wire order (all big-endian) to buf, which must
// have length HeaderSize.
func (h Header) Encode(buf []byte) {
	byteutil.PutU32(buf, 0, uint32(h.CursorLine))
	byteutil.PutU32(buf, 4, uint32(h.EntryCount))
	byteutil.PutU64(buf, 8, h.BeginTime)
	byteutil.PutU64(buf, 16, h.EndTime)
	byteutil.PutU32(buf, 24, uint32(h.CompressedBytes))
}

// DecodeHeader parses a Header from its wire encoding.
func DecodeHeader(buf []byte) Header {
	return Header{
		CursorLine:      int32(byteutil.GetU32(buf, 0)),
		EntryCount:      int32(byteutil.GetU32(buf, 4)),
		BeginTime:       byteutil.GetU64(buf, 8),
		EndTime:         byteutil.GetU64(buf, 16),
		CompressedBytes: int32(byteutil.GetU32(buf, 24)),
	}
}

// Encoder turns one rank's samples into a wire payload. Each call to
// Encode produces a complete, independently decodable zlib stream:
// ranks can arrive at the client out of cursor-line order (distributed
// mode forwards REPLYs in arrival order, not rank order), so no
// decoder state may carry over from one rank's body to the next.
type Encoder struct {
	compress bool
}

// NewEncoder returns an Encoder. When compress is false, rank bodies
// are the raw (uncompressed) delta-encoded byte stream.
func NewEncoder(compress bool) *Encoder {
	return &Encoder{compress: compress}
}

// Encode produces the header and body for one rank's samples.
func (e *Encoder) Encode(cursorLine int32, samples []cursor.Sample) (Header, []byte, error) {
	h := Header{CursorLine: cursorLine}
	if len(samples) > 0 {
		h.BeginTime = samples[0].Time
		h.EndTime = samples[len(samples)-1].Time
	}
	h.EntryCount = int32(len(samples))

	delta := make([]byte, 0, len(samples)*8)
	prev := h.BeginTime
	for _, s := range samples {
		dt := int32(int64(s.Time) - int64(prev))
		delta = byteutil.AppendI32(delta, dt)
		delta = byteutil.AppendI32(delta, int32(s.ContextID))
		prev = s.Time
	}

	if !e.compress {
		h.CompressedBytes = int32(len(delta))
		return h, delta, nil
	}

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(delta); err != nil {
		return Header{}, nil, err
	}
	if err := zw.Close(); err != nil {
		return Header{}, nil, err
	}
	h.CompressedBytes = int32(buf.Len())
	return h, buf.Bytes(), nil
}

// DecodeBody reconstructs one rank's samples from its self-contained
// body (the inverse of Encoder.Encode). A real client performs the
// equivalent decode on its own side of the wire.
func DecodeBody(h Header, body []byte, compress bool) ([]cursor.Sample, error) {
	raw := body
	if compress {
		zr, err := zlib.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		var buf bytes.Buffer
		buf.Grow(int(h.EntryCount) * 8)
		if _, err := io.Copy(&buf, zr); err != nil {
			return nil, err
		}
		raw = buf.Bytes()
	}

	out := make([]cursor.Sample, h.EntryCount)
	prev := h.BeginTime
	for i := range out {
		off := i * 8
		dt := byteutil.GetI32(raw, off)
		cpid := byteutil.GetI32(raw, off+4)
		prev = uint64(int64(prev) + int64(dt))
		out[i] = cursor.Sample{Time: prev, ContextID: uint32(cpid)}
	}
	return out, nil
}

// EncodeXML gzip-compresses src (window bits 15, gzip wrapper,
// default level) for the EXML payload.
func EncodeXML(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(src); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeXML reverses EncodeXML.
func DecodeXML(compressed []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(zr); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

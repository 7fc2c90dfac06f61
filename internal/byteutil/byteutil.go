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

// Package byteutil provides the big-endian record decoding
// helpers shared by the paged file, the database opener, the
// session, and the wire encoder. Every multi-byte quantity on disk and on the
// wire is big-endian.
package byteutil

import "encoding/binary"

// GetU32 decodes a big-endian uint32 from buf at offset.
func GetU32(buf []byte, offset int) uint32 {
	return binary.BigEndian.Uint32(buf[offset:])
}

// GetU64 decodes a big-endian uint64 from buf at offset.
func GetU64(buf []byte, offset int) uint64 {
	return binary.BigEndian.Uint64(buf[offset:])
}

// PutU32 encodes v as big-endian into buf at offset.
func PutU32(buf []byte, offset int, v uint32) {
	binary.BigEndian.PutUint32(buf[offset:], v)
}

// PutU64 encodes v as big-endian into buf at offset.
func PutU64(buf []byte, offset int, v uint64) {
	binary.BigEndian.PutUint64(buf[offset:], v)
}

// AppendU32 appends the big-endian encoding of v to buf.
func AppendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

// AppendU64 appends the big-endian encoding of v to buf.
func AppendU64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

// AppendI32 appends the big-endian two's-complement encoding of v to buf.
func AppendI32(buf []byte, v int32) []byte {
	return AppendU32(buf, uint32(v))
}

// AppendI64 appends the big-endian two's-complement encoding of v to buf.
func AppendI64(buf []byte, v int64) []byte {
	return AppendU64(buf, uint64(v))
}

// GetI32 decodes a big-endian two's-complement int32 from buf at offset.
func GetI32(buf []byte, offset int) int32 {
	return int32(GetU32(buf, offset))
}

// GetI64 decodes a big-endian two's-complement int64 from buf at offset.
func GetI64(buf []byte, offset int) int64 {
	return int64(GetU64(buf, offset))
}

// This file is part of Gopher2600.
//
// Gopher2600 is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Gopher2600 is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with Gopher2600.  If not, see <https://www.gnu.org/licenses/>.

// Package leb128 decodes the variable-length integer encodings used
// throughout DWARF: unsigned and signed LEB128, plus a Reader wrapper for
// consuming a sequence of them from a byte cursor (the shape the CFI
// unwinder and location-list evaluator both need, rather than a single
// one-shot decode per call site).
package leb128

// DecodeULEB128 decodes an unsigned LEB128 value (DWARF-4 Standard fig. 46),
// returning the value and the number of bytes consumed.
func DecodeULEB128(encoded []uint8) (uint64, int) {
	var result uint64
	var shift uint64

	var n int
	for _, v := range encoded {
		n++
		result |= uint64(v&0x7f) << shift
		if v&0x80 == 0x00 {
			break
		}
		shift += 7
	}

	return result, n
}

// DecodeSLEB128 decodes a signed LEB128 value (DWARF-4 Standard fig. 47),
// returning the value and the number of bytes consumed.
func DecodeSLEB128(encoded []uint8) (int64, int) {
	const size = 64

	var result int64
	var shift uint64

	var v uint8
	var n int
	for _, v = range encoded {
		n++
		result |= int64(v&0x7f) << shift
		shift += 7
		if v&0x80 == 0x00 {
			break
		}
	}

	if shift < size && v&0x40 > 0 {
		result |= -(1 << shift)
	}

	return result, n
}

// Reader walks a byte slice decoding a sequence of LEB128 values, tracking
// position so the CFI opcode decoder doesn't have to thread an offset
// through every call by hand.
type Reader struct {
	buf []byte
	pos int
}

func NewReader(buf []byte) *Reader { return &Reader{buf: buf} }

func (r *Reader) Pos() int   { return r.pos }
func (r *Reader) Len() int   { return len(r.buf) }
func (r *Reader) Done() bool { return r.pos >= len(r.buf) }

// Byte consumes and returns a single raw byte.
func (r *Reader) Byte() byte {
	b := r.buf[r.pos]
	r.pos++
	return b
}

func (r *Reader) ULEB128() uint64 {
	v, n := DecodeULEB128(r.buf[r.pos:])
	r.pos += n
	return v
}

func (r *Reader) SLEB128() int64 {
	v, n := DecodeSLEB128(r.buf[r.pos:])
	r.pos += n
	return v
}

// Remaining returns the unconsumed tail of the buffer, for callers decoding
// a fixed-width or raw field the Reader itself has no helper for.
func (r *Reader) Remaining() []byte { return r.buf[r.pos:] }

// Advance skips n raw bytes, for use after Remaining() has been decoded.
func (r *Reader) Advance(n int) { r.pos += n }

// TakeBytes consumes and returns the next n raw bytes.
func (r *Reader) TakeBytes(n int) []byte {
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b
}

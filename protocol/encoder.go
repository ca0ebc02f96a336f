/*
Package protocol implements the binary primitives the update format is built of.

# Integers

Unsigned integers are LEB128 varints: 7 bits per byte, the high bit set on every
byte but the last. Signed integers put the continuation flag in bit 8, the sign
in bit 7 and the six lowest bits of the magnitude in the first byte; the
following bytes are plain LEB128. A negative zero is representable and is used
by the run-length codecs as a flag.

# Strings and byte arrays

Both are length-prefixed with a varuint. Strings are UTF-8.

# Any values

A tagged value: one tag byte followed by the payload.

	127 undefined   126 null      125 varint    124 float32
	123 float64     122 int64     121 false     120 true
	119 string      118 object    117 array     116 bytes

Floats and int64 are big-endian.

# Column codecs

RleEncoder, UintOptRleEncoder, IntDiffOptRleEncoder and StringEncoder group
values of one kind into a separate stream so repeated or incrementing values
collapse into short runs.
*/
package protocol

import (
	"encoding/binary"
	"math"

	"golang.org/x/exp/constraints"
)

const (
	bit7  = 0x40
	bit8  = 0x80
	bits6 = 0x3f
	bits7 = 0x7f
)

// AppendVarUint appends v as a LEB128 varint.
func AppendVarUint[T constraints.Unsigned](buf []byte, v T) []byte {
	n := uint64(v)
	for n > bits7 {
		buf = append(buf, bit8|byte(n&bits7))
		n >>= 7
	}
	return append(buf, byte(n))
}

// AppendVarIntParts appends a signed varint given its sign and magnitude,
// so a negative zero can be written.
func AppendVarIntParts(buf []byte, negative bool, abs uint64) []byte {
	first := byte(abs & bits6)
	if abs > bits6 {
		first |= bit8
	}
	if negative {
		first |= bit7
	}
	buf = append(buf, first)
	abs >>= 6
	for abs > 0 {
		b := byte(abs & bits7)
		if abs > bits7 {
			b |= bit8
		}
		buf = append(buf, b)
		abs >>= 7
	}
	return buf
}

// AppendVarInt appends a signed varint.
func AppendVarInt[T constraints.Signed](buf []byte, v T) []byte {
	n := int64(v)
	if n < 0 {
		return AppendVarIntParts(buf, true, uint64(-n))
	}
	return AppendVarIntParts(buf, false, uint64(n))
}

// Encoder accumulates an encoded byte stream.
type Encoder struct {
	buf []byte
}

func NewEncoder() *Encoder {
	return &Encoder{}
}

func (e *Encoder) Len() int {
	return len(e.buf)
}

// Bytes returns the encoded stream. The slice aliases the encoder buffer.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

func (e *Encoder) WriteUint8(v uint8) {
	e.buf = append(e.buf, v)
}

func (e *Encoder) WriteVarUint(v uint64) {
	e.buf = AppendVarUint(e.buf, v)
}

func (e *Encoder) WriteVarInt(v int64) {
	e.buf = AppendVarInt(e.buf, v)
}

func (e *Encoder) WriteVarIntParts(negative bool, abs uint64) {
	e.buf = AppendVarIntParts(e.buf, negative, abs)
}

func (e *Encoder) WriteVarString(s string) {
	e.buf = AppendVarUint(e.buf, uint(len(s)))
	e.buf = append(e.buf, s...)
}

// WriteBytes appends raw bytes without a length prefix.
func (e *Encoder) WriteBytes(b []byte) {
	e.buf = append(e.buf, b...)
}

func (e *Encoder) WriteVarBytes(b []byte) {
	e.buf = AppendVarUint(e.buf, uint(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *Encoder) WriteFloat32(f float32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, math.Float32bits(f))
}

func (e *Encoder) WriteFloat64(f float64) {
	e.buf = binary.BigEndian.AppendUint64(e.buf, math.Float64bits(f))
}

func (e *Encoder) WriteInt64(v int64) {
	e.buf = binary.BigEndian.AppendUint64(e.buf, uint64(v))
}

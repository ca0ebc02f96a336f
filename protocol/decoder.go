package protocol

import (
	"encoding/binary"
	"errors"
	"math"
)

var (
	ErrIncomplete   = errors.New("unexpected end of data")
	ErrBadVarint    = errors.New("varint overflows 64 bits")
	ErrUnknownTag   = errors.New("unknown value tag")
	ErrBadRecord    = errors.New("malformed record")
	ErrBadStringLen = errors.New("string length mismatch")
)

// Decoder reads primitives from a byte slice. Errors stick: once a read
// fails every subsequent read returns zero values and Err reports the cause.
type Decoder struct {
	data []byte
	pos  int
	err  error
}

func NewDecoder(data []byte) *Decoder {
	return &Decoder{data: data}
}

func (d *Decoder) Err() error {
	return d.err
}

func (d *Decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

// Fail records an error raised by a caller interpreting the stream.
func (d *Decoder) Fail(err error) {
	d.fail(err)
}

func (d *Decoder) HasContent() bool {
	return d.err == nil && d.pos < len(d.data)
}

func (d *Decoder) Pos() int {
	return d.pos
}

// Rest returns the unread tail without consuming it.
func (d *Decoder) Rest() []byte {
	return d.data[d.pos:]
}

func (d *Decoder) ReadUint8() uint8 {
	if d.err != nil {
		return 0
	}
	if d.pos >= len(d.data) {
		d.fail(ErrIncomplete)
		return 0
	}
	b := d.data[d.pos]
	d.pos++
	return b
}

func (d *Decoder) ReadVarUint() uint64 {
	var n uint64
	var shift uint
	for {
		if d.err != nil {
			return 0
		}
		if d.pos >= len(d.data) {
			d.fail(ErrIncomplete)
			return 0
		}
		b := d.data[d.pos]
		d.pos++
		if shift >= 64 || (shift == 63 && b > 1) {
			d.fail(ErrBadVarint)
			return 0
		}
		n |= uint64(b&bits7) << shift
		shift += 7
		if b < bit8 {
			return n
		}
	}
}

// ReadVarIntParts reads a signed varint keeping the sign separate, so a
// negative zero can be told apart from zero.
func (d *Decoder) ReadVarIntParts() (negative bool, abs uint64) {
	first := d.ReadUint8()
	if d.err != nil {
		return false, 0
	}
	abs = uint64(first & bits6)
	negative = first&bit7 != 0
	shift := uint(6)
	more := first&bit8 != 0
	for more {
		if d.pos >= len(d.data) {
			d.fail(ErrIncomplete)
			return false, 0
		}
		b := d.data[d.pos]
		d.pos++
		if shift >= 64 {
			d.fail(ErrBadVarint)
			return false, 0
		}
		abs |= uint64(b&bits7) << shift
		shift += 7
		more = b&bit8 != 0
	}
	return negative, abs
}

func (d *Decoder) ReadVarInt() int64 {
	neg, abs := d.ReadVarIntParts()
	if neg {
		return -int64(abs)
	}
	return int64(abs)
}

func (d *Decoder) ReadBytes(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || d.pos+n > len(d.data) {
		d.fail(ErrIncomplete)
		return nil
	}
	b := d.data[d.pos : d.pos+n]
	d.pos += n
	return b
}

// ReadVarBytes reads a length-prefixed byte array. The result aliases the input.
func (d *Decoder) ReadVarBytes() []byte {
	n := d.ReadVarUint()
	if n > uint64(len(d.data)) {
		d.fail(ErrIncomplete)
		return nil
	}
	return d.ReadBytes(int(n))
}

func (d *Decoder) ReadVarString() string {
	return string(d.ReadVarBytes())
}

func (d *Decoder) ReadFloat32() float32 {
	b := d.ReadBytes(4)
	if b == nil {
		return 0
	}
	return math.Float32frombits(binary.BigEndian.Uint32(b))
}

func (d *Decoder) ReadFloat64() float64 {
	b := d.ReadBytes(8)
	if b == nil {
		return 0
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b))
}

func (d *Decoder) ReadInt64() int64 {
	b := d.ReadBytes(8)
	if b == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

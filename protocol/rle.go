package protocol

import (
	"strings"
	"unicode/utf16"
)

// RleEncoder run-length encodes bytes. The length of the final run is never
// written: the decoder repeats the last value once the stream ends.
type RleEncoder struct {
	enc   Encoder
	s     uint8
	count uint64
}

func (r *RleEncoder) Write(v uint8) {
	if r.count > 0 && r.s == v {
		r.count++
		return
	}
	if r.count > 0 {
		r.enc.WriteVarUint(r.count - 1)
	}
	r.count = 1
	r.enc.WriteUint8(v)
	r.s = v
}

func (r *RleEncoder) Bytes() []byte {
	return r.enc.Bytes()
}

type RleDecoder struct {
	dec     *Decoder
	s       uint8
	count   uint64
	forever bool
}

func NewRleDecoder(data []byte) *RleDecoder {
	return &RleDecoder{dec: NewDecoder(data)}
}

func (r *RleDecoder) Read() uint8 {
	if r.count == 0 && !r.forever {
		r.s = r.dec.ReadUint8()
		if r.dec.HasContent() {
			r.count = r.dec.ReadVarUint() + 1
		} else {
			r.forever = true
		}
	}
	if !r.forever {
		r.count--
	}
	return r.s
}

func (r *RleDecoder) Err() error {
	return r.dec.Err()
}

// UintOptRleEncoder writes a single value as a plain varint and a run as a
// negated varint followed by the run length minus two.
type UintOptRleEncoder struct {
	enc   Encoder
	s     uint64
	count uint64
}

func (r *UintOptRleEncoder) Write(v uint64) {
	if r.count > 0 && r.s == v {
		r.count++
		return
	}
	r.flush()
	r.count = 1
	r.s = v
}

func (r *UintOptRleEncoder) flush() {
	if r.count == 0 {
		return
	}
	r.enc.WriteVarIntParts(r.count > 1, r.s)
	if r.count > 1 {
		r.enc.WriteVarUint(r.count - 2)
	}
	r.count = 0
}

func (r *UintOptRleEncoder) Bytes() []byte {
	r.flush()
	return r.enc.Bytes()
}

type UintOptRleDecoder struct {
	dec   *Decoder
	s     uint64
	count uint64
}

func NewUintOptRleDecoder(data []byte) *UintOptRleDecoder {
	return &UintOptRleDecoder{dec: NewDecoder(data)}
}

func (r *UintOptRleDecoder) Read() uint64 {
	if r.count == 0 {
		neg, abs := r.dec.ReadVarIntParts()
		r.s = abs
		r.count = 1
		if neg {
			r.count = r.dec.ReadVarUint() + 2
		}
	}
	r.count--
	return r.s
}

func (r *UintOptRleDecoder) Err() error {
	return r.dec.Err()
}

// IntDiffOptRleEncoder encodes the differences between consecutive values,
// collapsing runs of equal differences. The lowest bit of each written diff
// flags whether a run length follows.
type IntDiffOptRleEncoder struct {
	enc   Encoder
	s     int64
	diff  int64
	count uint64
}

func (r *IntDiffOptRleEncoder) Write(v int64) {
	if r.count > 0 && r.diff == v-r.s {
		r.s = v
		r.count++
		return
	}
	r.flush()
	r.count = 1
	r.diff = v - r.s
	r.s = v
}

func (r *IntDiffOptRleEncoder) flush() {
	if r.count == 0 {
		return
	}
	encoded := r.diff * 2
	if r.count > 1 {
		encoded |= 1
	}
	r.enc.WriteVarInt(encoded)
	if r.count > 1 {
		r.enc.WriteVarUint(r.count - 2)
	}
	r.count = 0
}

func (r *IntDiffOptRleEncoder) Bytes() []byte {
	r.flush()
	return r.enc.Bytes()
}

type IntDiffOptRleDecoder struct {
	dec   *Decoder
	s     int64
	diff  int64
	count uint64
}

func NewIntDiffOptRleDecoder(data []byte) *IntDiffOptRleDecoder {
	return &IntDiffOptRleDecoder{dec: NewDecoder(data)}
}

func (r *IntDiffOptRleDecoder) Read() int64 {
	if r.count == 0 {
		d := r.dec.ReadVarInt()
		r.count = 1
		if d&1 != 0 {
			r.count = r.dec.ReadVarUint() + 2
		}
		r.diff = d >> 1
	}
	r.s += r.diff
	r.count--
	return r.s
}

func (r *IntDiffOptRleDecoder) Err() error {
	return r.dec.Err()
}

// UTF16Len is the length of s in UTF-16 code units.
func UTF16Len(s string) int {
	n := 0
	for _, r := range s {
		if r >= 0x10000 {
			n += 2
		} else {
			n++
		}
	}
	return n
}

// StringEncoder concatenates strings into one varString followed by their
// UTF-16 lengths in a UintOptRle stream.
type StringEncoder struct {
	sb   strings.Builder
	lens UintOptRleEncoder
}

func (s *StringEncoder) Write(str string) {
	s.sb.WriteString(str)
	s.lens.Write(uint64(UTF16Len(str)))
}

func (s *StringEncoder) Bytes() []byte {
	enc := NewEncoder()
	enc.WriteVarString(s.sb.String())
	enc.WriteBytes(s.lens.Bytes())
	return enc.Bytes()
}

type StringDecoder struct {
	units []uint16
	pos   int
	lens  *UintOptRleDecoder
	err   error
}

func NewStringDecoder(data []byte) *StringDecoder {
	dec := NewDecoder(data)
	str := dec.ReadVarString()
	return &StringDecoder{
		units: utf16.Encode([]rune(str)),
		lens:  NewUintOptRleDecoder(dec.Rest()),
		err:   dec.Err(),
	}
}

func (s *StringDecoder) Read() string {
	n := s.lens.Read()
	if s.err != nil {
		return ""
	}
	if err := s.lens.Err(); err != nil {
		s.err = err
		return ""
	}
	end := s.pos + int(n)
	if n > uint64(len(s.units)) || end > len(s.units) {
		s.err = ErrBadStringLen
		return ""
	}
	res := string(utf16.Decode(s.units[s.pos:end]))
	s.pos = end
	return res
}

func (s *StringDecoder) Err() error {
	return s.err
}

package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRle(t *testing.T) {
	in := []uint8{1, 1, 1, 2, 3, 3}
	var enc RleEncoder
	for _, v := range in {
		enc.Write(v)
	}
	dec := NewRleDecoder(enc.Bytes())
	for _, v := range in {
		assert.Equal(t, v, dec.Read())
	}
	// the last value repeats
	assert.Equal(t, uint8(3), dec.Read())
	assert.Equal(t, uint8(3), dec.Read())
	assert.NoError(t, dec.Err())
}

func TestUintOptRle(t *testing.T) {
	in := []uint64{0, 0, 0, 5, 7, 7, 1, 0}
	var enc UintOptRleEncoder
	for _, v := range in {
		enc.Write(v)
	}
	dec := NewUintOptRleDecoder(enc.Bytes())
	for _, v := range in {
		assert.Equal(t, v, dec.Read())
	}
	assert.NoError(t, dec.Err())
}

func TestUintOptRleRunOfZeros(t *testing.T) {
	var enc UintOptRleEncoder
	enc.Write(0)
	enc.Write(0)
	// negative zero, then count-2
	assert.Equal(t, []byte{0x40, 0x00}, enc.Bytes())
}

func TestIntDiffOptRle(t *testing.T) {
	in := []int64{0, 1, 2, 3, 10, 10, 10, 4, -2, 100}
	var enc IntDiffOptRleEncoder
	for _, v := range in {
		enc.Write(v)
	}
	dec := NewIntDiffOptRleDecoder(enc.Bytes())
	for _, v := range in {
		assert.Equal(t, v, dec.Read())
	}
	assert.NoError(t, dec.Err())
}

func TestStringCodec(t *testing.T) {
	in := []string{"a", "", "hello world, this is long", "😀x", "héllo", "a"}
	var enc StringEncoder
	for _, s := range in {
		enc.Write(s)
	}
	dec := NewStringDecoder(enc.Bytes())
	for _, s := range in {
		assert.Equal(t, s, dec.Read())
	}
	assert.NoError(t, dec.Err())
}

func TestUTF16Len(t *testing.T) {
	assert.Equal(t, 0, UTF16Len(""))
	assert.Equal(t, 3, UTF16Len("abc"))
	assert.Equal(t, 2, UTF16Len("😀"))
	assert.Equal(t, 1, UTF16Len("é"))
}

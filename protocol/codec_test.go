package protocol

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVarUint(t *testing.T) {
	for _, v := range []uint64{0, 1, 127, 128, 300, 1 << 32, math.MaxUint64} {
		enc := NewEncoder()
		enc.WriteVarUint(v)
		dec := NewDecoder(enc.Bytes())
		assert.Equal(t, v, dec.ReadVarUint())
		assert.NoError(t, dec.Err())
		assert.False(t, dec.HasContent())
	}
	assert.Equal(t, []byte{0xac, 0x02}, AppendVarUint([]byte{}, uint(300)))
}

func TestVarInt(t *testing.T) {
	for _, v := range []int64{0, 1, -1, 63, 64, -64, -65, 1 << 40, -(1 << 40), math.MaxInt64 - 1} {
		enc := NewEncoder()
		enc.WriteVarInt(v)
		dec := NewDecoder(enc.Bytes())
		assert.Equal(t, v, dec.ReadVarInt())
		assert.NoError(t, dec.Err())
	}
	// single byte: sign bit and six value bits
	assert.Equal(t, []byte{0x41}, AppendVarInt([]byte{}, -1))
}

func TestNegativeZero(t *testing.T) {
	enc := NewEncoder()
	enc.WriteVarIntParts(true, 0)
	dec := NewDecoder(enc.Bytes())
	neg, abs := dec.ReadVarIntParts()
	assert.True(t, neg)
	assert.Equal(t, uint64(0), abs)
}

func TestTruncated(t *testing.T) {
	dec := NewDecoder([]byte{0x80, 0x80})
	dec.ReadVarUint()
	assert.ErrorIs(t, dec.Err(), ErrIncomplete)

	dec = NewDecoder([]byte{5, 'a', 'b'})
	assert.Equal(t, "", dec.ReadVarString())
	assert.ErrorIs(t, dec.Err(), ErrIncomplete)
	// errors stick
	assert.Equal(t, uint8(0), dec.ReadUint8())
	assert.ErrorIs(t, dec.Err(), ErrIncomplete)
}

func TestAnyRoundTrip(t *testing.T) {
	values := []any{
		nil,
		Undefined,
		true,
		false,
		"hello",
		int64(42),
		int64(-7),
		1.5,
		0.1,
		BigInt(1 << 60),
		[]byte{1, 2, 3},
		[]any{int64(1), "two", nil},
		map[string]any{"a": int64(1), "b": []any{true}},
	}
	for _, v := range values {
		enc := NewEncoder()
		require.NoError(t, enc.WriteAny(v))
		dec := NewDecoder(enc.Bytes())
		assert.Equal(t, v, dec.ReadAny())
		assert.NoError(t, dec.Err())
	}
}

func TestAnyNumbers(t *testing.T) {
	enc := NewEncoder()
	require.NoError(t, enc.WriteAny(3))
	require.NoError(t, enc.WriteAny(2.0))
	require.NoError(t, enc.WriteAny(int64(1)<<40))
	dec := NewDecoder(enc.Bytes())
	assert.Equal(t, int64(3), dec.ReadAny())
	assert.Equal(t, int64(2), dec.ReadAny())
	assert.Equal(t, float64(1<<40), dec.ReadAny())

	assert.Equal(t, uint8(TagInteger), enc.Bytes()[0])
	enc = NewEncoder()
	require.NoError(t, enc.WriteAny(0.1))
	assert.Equal(t, uint8(TagFloat64), enc.Bytes()[0])
	enc = NewEncoder()
	require.NoError(t, enc.WriteAny(float32(0.5)))
	assert.Equal(t, uint8(TagFloat32), enc.Bytes()[0])
}

func TestAnyObjectKeysSorted(t *testing.T) {
	a, b := NewEncoder(), NewEncoder()
	require.NoError(t, a.WriteAny(map[string]any{"x": 1, "y": 2, "z": 3}))
	require.NoError(t, b.WriteAny(map[string]any{"z": 3, "y": 2, "x": 1}))
	assert.Equal(t, a.Bytes(), b.Bytes())
}

func TestAnyBadInput(t *testing.T) {
	dec := NewDecoder([]byte{3})
	dec.ReadAny()
	assert.ErrorIs(t, dec.Err(), ErrUnknownTag)

	enc := NewEncoder()
	assert.Error(t, enc.WriteAny(struct{}{}))
}

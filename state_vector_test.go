package ycrdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateVector_Codec(t *testing.T) {
	sv := StateVector{1: 5, 300: 1, 1 << 40: 77}
	back, err := DecodeStateVector(EncodeStateVector(sv))
	require.NoError(t, err)
	assert.True(t, sv.Equal(back))
	assert.Equal(t, []uint64{1 << 40, 300, 1}, sv.Clients())

	empty, err := DecodeStateVector(EncodeStateVector(StateVector{}))
	require.NoError(t, err)
	assert.Empty(t, empty)

	data := EncodeStateVector(sv)
	_, err = DecodeStateVector(data[:len(data)-1])
	assert.Error(t, err)
}

func TestStateVector_Covers(t *testing.T) {
	a := StateVector{1: 5, 2: 3}
	assert.True(t, a.Covers(StateVector{1: 5}))
	assert.True(t, a.Covers(StateVector{}))
	assert.False(t, a.Covers(StateVector{1: 6}))
	assert.False(t, a.Covers(StateVector{3: 1}))

	assert.True(t, a.Put(1, 7))
	assert.False(t, a.Put(1, 6))
	assert.Equal(t, uint64(7), a.Get(1))
	assert.Equal(t, uint64(0), a.Get(9))

	c := a.Clone()
	c.Set(2, 10)
	assert.Equal(t, uint64(3), a.Get(2))
	assert.False(t, a.Equal(c))
}

func TestStateVector_FromDoc(t *testing.T) {
	doc := newTestDoc(7)
	transact(t, doc, func(tr *Transaction) {
		require.NoError(t, doc.Text("t").InsertString(tr, 0, "abc"))
	})
	assert.True(t, StateVector{7: 3}.Equal(doc.StateVector()))
	back, err := DecodeStateVector(EncodeDocStateVector(doc))
	require.NoError(t, err)
	assert.True(t, doc.StateVector().Equal(back))
}

package ycrdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransaction_CleanupAfterPanic(t *testing.T) {
	failing := true
	doc := NewDoc(Options{ClientID: 1, GCFilter: func(*Item) bool {
		if failing {
			failing = false
			panic("gc filter failed")
		}
		return true
	}})
	ups := recordUpdates(doc)
	list := doc.Array("list")
	observed := 0
	list.Observe(func(*Event) { observed++ })

	transact(t, doc, func(tr *Transaction) {
		require.NoError(t, list.Push(tr, 1, 2))
	})
	require.Len(t, *ups, 1)

	assert.Panics(t, func() {
		_ = doc.Transact(func(tr *Transaction) {
			require.NoError(t, list.Delete(tr, 0, 1))
		}, nil)
	})
	// observers ran before the failing gc step, the update was not emitted
	assert.Equal(t, 2, observed)
	assert.Len(t, *ups, 1)

	transact(t, doc, func(tr *Transaction) {
		require.NoError(t, list.Push(tr, 3))
	})
	assert.Equal(t, 3, observed)
	require.Len(t, *ups, 2)
	assert.Equal(t, []any{int64(2), int64(3)}, list.Values())
	assert.NoError(t, doc.Store().IntegrityCheck())

	// the later update still carries everything a peer needs
	peer := newTestDoc(2)
	require.NoError(t, ApplyUpdate(peer, EncodeStateAsUpdate(doc, nil), nil))
	assert.Equal(t, list.Values(), peer.Array("list").Values())
}

func TestTransaction_PanicInEdit(t *testing.T) {
	doc := newTestDoc(1)
	ups := recordUpdates(doc)
	text := doc.Text("text")

	assert.Panics(t, func() {
		_ = doc.Transact(func(tr *Transaction) {
			require.NoError(t, text.InsertString(tr, 0, "ab"))
			panic("edit failed")
		}, nil)
	})
	// the partial edit is committed like any other
	require.Len(t, *ups, 1)
	assert.Equal(t, "ab", text.String())

	transact(t, doc, func(tr *Transaction) {
		require.NoError(t, text.InsertString(tr, 2, "c"))
	})
	assert.Len(t, *ups, 2)
	assert.Equal(t, "abc", text.String())
}

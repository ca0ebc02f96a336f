package ycrdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubdocs_Lifecycle(t *testing.T) {
	parent := newTestDoc(1)
	var events []SubdocsEvent
	parent.Events.Subdocs.On(func(ev SubdocsEvent) { events = append(events, ev) })

	sub := NewDoc(Options{GUID: "sub-a"})
	m := parent.Map("docs")
	transact(t, parent, func(tr *Transaction) {
		require.NoError(t, m.Set(tr, "a", sub))
	})
	require.Len(t, events, 1)
	assert.Equal(t, []*Doc{sub}, events[0].Added)
	assert.Equal(t, []*Doc{sub}, events[0].Loaded)
	assert.Equal(t, []string{"sub-a"}, parent.SubdocGUIDs())
	assert.Equal(t, parent.ClientID(), sub.ClientID())
	assert.NotNil(t, sub.Item())

	// an embedded document cannot be embedded twice
	transact(t, parent, func(tr *Transaction) {
		assert.Error(t, m.Set(tr, "again", sub))
	})

	transact(t, sub, func(tr *Transaction) {
		require.NoError(t, sub.Text("body").InsertString(tr, 0, "inner"))
	})

	transact(t, parent, func(tr *Transaction) {
		require.NoError(t, m.DeleteKey(tr, "a"))
	})
	require.Len(t, events, 2)
	assert.Equal(t, []*Doc{sub}, events[1].Removed)
	assert.True(t, sub.Destroyed())
	assert.Empty(t, parent.Subdocs())
}

func TestSubdocs_RemoteLoad(t *testing.T) {
	parent := newTestDoc(1)
	transact(t, parent, func(tr *Transaction) {
		require.NoError(t, parent.Array("docs").Push(tr, NewDoc(Options{GUID: "remote-sub", Meta: "m"})))
	})

	remote := newTestDoc(2)
	var events []SubdocsEvent
	remote.Events.Subdocs.On(func(ev SubdocsEvent) { events = append(events, ev) })
	require.NoError(t, ApplyUpdate(remote, EncodeStateAsUpdate(parent, nil), nil))

	require.Len(t, events, 1)
	require.Len(t, events[0].Added, 1)
	assert.Empty(t, events[0].Loaded)
	rsub := events[0].Added[0]
	assert.Equal(t, "remote-sub", rsub.GUID())
	assert.Equal(t, "m", rsub.Meta())
	assert.False(t, rsub.ShouldLoad())

	rsub.Load()
	assert.True(t, rsub.ShouldLoad())
	require.Len(t, events, 2)
	assert.Equal(t, []*Doc{rsub}, events[1].Loaded)

	loaded := 0
	rsub.Events.Load.On(func(*Doc) { loaded++ })
	rsub.MarkLoaded()
	rsub.MarkLoaded()
	assert.Equal(t, 1, loaded)
	assert.True(t, rsub.Loaded())

	v, ok := remote.Array("docs").Get(0)
	require.True(t, ok)
	assert.Same(t, rsub, v)
}

func TestSubdocs_DestroyReplaces(t *testing.T) {
	parent := newTestDoc(1)
	sub := NewDoc(Options{GUID: "replaced"})
	m := parent.Map("docs")
	transact(t, parent, func(tr *Transaction) {
		require.NoError(t, m.Set(tr, "a", sub))
	})

	var ev SubdocsEvent
	parent.Events.Subdocs.On(func(e SubdocsEvent) { ev = e })
	sub.Destroy()

	require.Len(t, ev.Added, 1)
	fresh := ev.Added[0]
	assert.NotSame(t, sub, fresh)
	assert.Equal(t, "replaced", fresh.GUID())
	assert.False(t, fresh.ShouldLoad())
	assert.Equal(t, []*Doc{sub}, ev.Removed)

	v, ok := m.GetKey("a")
	require.True(t, ok)
	assert.Same(t, fresh, v)
	assert.Equal(t, []*Doc{fresh}, parent.Subdocs())
}

func TestSubdocs_RemoveCollected(t *testing.T) {
	for _, gc := range []bool{true, false} {
		parent := NewDoc(Options{ClientID: 1, DisableGC: !gc})
		ups := recordUpdates(parent)
		list := parent.Array("docs")
		first, second := NewDoc(Options{GUID: "first"}), NewDoc(Options{GUID: "second"})
		transact(t, parent, func(tr *Transaction) {
			require.NoError(t, list.Push(tr, first, second))
		})

		var removed []*Doc
		parent.Events.Subdocs.On(func(ev SubdocsEvent) { removed = append(removed, ev.Removed...) })
		destroyed := 0
		first.Events.Destroy.On(func(*Doc) { destroyed++ })
		transact(t, parent, func(tr *Transaction) {
			require.NoError(t, list.Delete(tr, 0, 1))
		})
		assert.Equal(t, []*Doc{first}, removed, "gc %v", gc)
		assert.True(t, first.Destroyed())
		assert.Equal(t, 1, destroyed)
		assert.Nil(t, first.Item())
		assert.Equal(t, []*Doc{second}, parent.Subdocs())
		_, isDeleted := parent.Store().Find(NewID(1, 0)).(*Item).Content().(*ContentDeleted)
		assert.Equal(t, gc, isDeleted)

		// the parent keeps working after the removal
		transact(t, parent, func(tr *Transaction) {
			require.NoError(t, parent.Map("m").Set(tr, "b", 1))
		})
		assert.Len(t, *ups, 3)
		assert.NoError(t, parent.Store().IntegrityCheck())
	}
}

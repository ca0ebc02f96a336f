package ycrdt

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func TestObserve_ArrayDelta(t *testing.T) {
	doc := newTestDoc(1)
	list := doc.Array("list")
	transact(t, doc, func(tr *Transaction) {
		require.NoError(t, list.Push(tr, 1, 2, 3))
	})

	var deltas [][]Delta
	unsubscribe := list.Observe(func(ev *Event) {
		assert.Same(t, list, ev.Target)
		assert.True(t, ev.ListChanged())
		deltas = append(deltas, ev.Delta())
	})
	transact(t, doc, func(tr *Transaction) {
		require.NoError(t, list.Insert(tr, 1, "x"))
		require.NoError(t, list.Delete(tr, 3, 1))
	})
	require.Len(t, deltas, 1)
	assert.Equal(t, []Delta{
		{Retain: 1},
		{Insert: []any{"x"}},
		{Retain: 1},
		{Delete: 1},
	}, deltas[0])

	unsubscribe()
	transact(t, doc, func(tr *Transaction) {
		require.NoError(t, list.Push(tr, 4))
	})
	assert.Len(t, deltas, 1)
}

func TestObserve_TextDelta(t *testing.T) {
	doc := newTestDoc(1)
	txt := doc.Text("text")
	transact(t, doc, func(tr *Transaction) {
		require.NoError(t, txt.InsertString(tr, 0, "hello"))
	})

	var delta []Delta
	txt.Observe(func(ev *Event) { delta = ev.Delta() })
	transact(t, doc, func(tr *Transaction) {
		require.NoError(t, txt.Delete(tr, 0, 1))
		require.NoError(t, txt.InsertString(tr, 4, "!"))
	})
	assert.Equal(t, []Delta{{Delete: 1}, {Retain: 4}, {Insert: "!"}}, delta)

	// a remote replica sees the same change
	other := newTestDoc(2)
	require.NoError(t, ApplyUpdate(other, EncodeStateAsUpdate(doc, nil), nil))
	var remote []Delta
	other.Text("text").Observe(func(ev *Event) {
		assert.False(t, ev.Transaction.Local())
		assert.Equal(t, "peer", ev.Transaction.Origin())
		remote = ev.Delta()
	})
	transact(t, doc, func(tr *Transaction) {
		require.NoError(t, txt.InsertString(tr, 0, ">"))
	})
	require.NoError(t, ApplyUpdate(other, EncodeStateAsUpdate(doc, other.StateVector()), "peer"))
	assert.Equal(t, []Delta{{Insert: ">"}}, remote)
}

func TestObserve_MapKeys(t *testing.T) {
	doc := newTestDoc(1)
	m := doc.Map("map")
	transact(t, doc, func(tr *Transaction) {
		require.NoError(t, m.Set(tr, "a", 1))
	})

	var changes []map[string]KeyChange
	m.Observe(func(ev *Event) {
		changes = append(changes, ev.Keys())
	})
	transact(t, doc, func(tr *Transaction) {
		require.NoError(t, m.Set(tr, "a", 2))
		require.NoError(t, m.Set(tr, "b", "x"))
		require.NoError(t, m.Set(tr, "tmp", true))
		require.NoError(t, m.DeleteKey(tr, "tmp"))
	})
	transact(t, doc, func(tr *Transaction) {
		require.NoError(t, m.DeleteKey(tr, "a"))
	})

	require.Len(t, changes, 2)
	assert.Equal(t, map[string]KeyChange{
		"a": {Action: KeyUpdate, OldValue: int64(1)},
		"b": {Action: KeyAdd, OldValue: Undefined},
	}, changes[0])
	assert.Equal(t, map[string]KeyChange{
		"a": {Action: KeyDelete, OldValue: int64(2)},
	}, changes[1])
}

func TestObserve_Deep(t *testing.T) {
	doc := newTestDoc(1)
	root := doc.Map("root")
	list := NewBranch(KindArray)
	transact(t, doc, func(tr *Transaction) {
		require.NoError(t, root.Set(tr, "list", list))
	})

	var batches [][]*Event
	root.ObserveDeep(func(evs []*Event) { batches = append(batches, evs) })
	shallow := 0
	root.Observe(func(*Event) { shallow++ })

	transact(t, doc, func(tr *Transaction) {
		require.NoError(t, list.Push(tr, 1))
	})
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	ev := batches[0][0]
	assert.Same(t, list, ev.Target)
	assert.Same(t, root, ev.CurrentTarget)
	assert.Equal(t, []any{"list"}, ev.Path())
	assert.Equal(t, 0, shallow)

	transact(t, doc, func(tr *Transaction) {
		require.NoError(t, root.Set(tr, "n", 1))
		require.NoError(t, list.Push(tr, 2))
	})
	require.Len(t, batches, 2)
	require.Len(t, batches[1], 2)
	// shorter paths first
	assert.Same(t, root, batches[1][0].Target)
	assert.Empty(t, batches[1][0].Path())
	assert.Equal(t, []string{"n"}, batches[1][0].KeysChanged())
	assert.Equal(t, 1, shallow)
}

func TestObserve_NestedTransact(t *testing.T) {
	doc := newTestDoc(1)
	src := doc.Array("src")
	mirror := doc.Array("mirror")
	src.Observe(func(ev *Event) {
		require.NoError(t, doc.Transact(func(tr *Transaction) {
			require.NoError(t, mirror.Push(tr, src.Len()))
		}, "mirror"))
	})
	var mirrored []any
	mirror.Observe(func(ev *Event) {
		assert.Equal(t, "mirror", ev.Transaction.Origin())
		mirrored = mirror.Values()
	})
	var all [][]*Transaction
	doc.Events.AfterAllTransactions.On(func(trs []*Transaction) { all = append(all, trs) })

	transact(t, doc, func(tr *Transaction) {
		require.NoError(t, src.Push(tr, "a", "b"))
	})
	assert.Equal(t, []any{int64(2)}, mirror.Values())
	assert.Equal(t, []any{int64(2)}, mirrored)
	require.Len(t, all, 1)
	assert.Len(t, all[0], 2)
}

func TestObserve_DocEventOrder(t *testing.T) {
	doc := newTestDoc(1)
	var order []string
	doc.Events.BeforeAllTransactions.On(func(*Doc) { order = append(order, "beforeAll") })
	doc.Events.BeforeTransaction.On(func(*Transaction) { order = append(order, "before") })
	doc.Events.BeforeObserverCalls.On(func(*Transaction) { order = append(order, "beforeObservers") })
	doc.Events.AfterTransaction.On(func(*Transaction) { order = append(order, "after") })
	doc.Events.AfterTransactionCleanup.On(func(*Transaction) { order = append(order, "cleanup") })
	doc.Events.Update.On(func(UpdateEvent) { order = append(order, "update") })
	doc.Events.UpdateV2.On(func(UpdateEvent) { order = append(order, "updateV2") })
	doc.Events.AfterAllTransactions.On(func([]*Transaction) { order = append(order, "afterAll") })
	doc.Array("a").Observe(func(*Event) { order = append(order, "observe") })

	transact(t, doc, func(tr *Transaction) {
		require.NoError(t, doc.Array("a").Push(tr, 1))
	})
	assert.Equal(t, []string{
		"beforeAll", "before", "beforeObservers", "observe", "after",
		"cleanup", "update", "updateV2", "afterAll",
	}, order)

	// empty transactions emit no update
	order = nil
	transact(t, doc, func(*Transaction) {})
	assert.NotContains(t, order, "update")
}

func TestObserve_ListenerPanic(t *testing.T) {
	doc := newTestDoc(1)
	list := doc.Array("list")
	before := counterValue(t, ListenerPanics.WithLabelValues("observe"))

	list.Observe(func(*Event) { panic("boom") })
	calls := 0
	list.Observe(func(*Event) { calls++ })

	transact(t, doc, func(tr *Transaction) {
		require.NoError(t, list.Push(tr, 1))
	})
	assert.Equal(t, 1, calls)
	assert.Equal(t, before+1, counterValue(t, ListenerPanics.WithLabelValues("observe")))
	assert.Equal(t, []any{int64(1)}, list.Values())
}

func TestObserve_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterMetrics(reg))

	merged := counterValue(t, MergedStructs)
	doc := newTestDoc(1)
	txt := doc.Text("text")
	for _, s := range []string{"a", "b"} {
		transact(t, doc, func(tr *Transaction) {
			require.NoError(t, txt.InsertString(tr, txt.Len(), s))
		})
	}
	assert.Greater(t, counterValue(t, MergedStructs), merged)
	assert.Len(t, doc.Store().Structs(1), 1)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

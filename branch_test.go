package ycrdt

import (
	"testing"

	"github.com/drpcorg/ycrdt/ycrdt_errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBranch_ArrayInsertDelete(t *testing.T) {
	doc := newTestDoc(1)
	arr := doc.Array("a")

	transact(t, doc, func(tr *Transaction) {
		require.NoError(t, arr.Insert(tr, 0, 1, 2, 3))
		require.NoError(t, arr.Insert(tr, 1, "x"))
	})
	assert.Equal(t, []any{int64(1), "x", int64(2), int64(3)}, arr.Values())
	assert.Equal(t, 4, arr.Len())

	transact(t, doc, func(tr *Transaction) {
		require.NoError(t, arr.Delete(tr, 0, 2))
	})
	assert.Equal(t, []any{int64(2), int64(3)}, arr.Values())

	v, ok := arr.Get(1)
	assert.True(t, ok)
	assert.Equal(t, int64(3), v)
	_, ok = arr.Get(2)
	assert.False(t, ok)

	transact(t, doc, func(tr *Transaction) {
		assert.ErrorIs(t, arr.Insert(tr, 10, 1), ycrdt_errors.ErrLengthExceeded)
		assert.ErrorIs(t, arr.Delete(tr, 1, 5), ycrdt_errors.ErrLengthExceeded)
		require.NoError(t, arr.Push(tr, true, nil, 1.5))
	})
	assert.Equal(t, []any{int64(2), int64(3), true, nil, 1.5}, arr.Values())
	assert.NoError(t, doc.Store().IntegrityCheck())
}

func TestBranch_ManyPositionalEdits(t *testing.T) {
	doc := newTestDoc(1)
	arr := doc.Array("a")
	var want []any
	transact(t, doc, func(tr *Transaction) {
		for i := 0; i < 200; i++ {
			pos := (i * 7) % (len(want) + 1)
			require.NoError(t, arr.Insert(tr, pos, int64(i)))
			want = append(want[:pos], append([]any{int64(i)}, want[pos:]...)...)
		}
	})
	assert.Equal(t, want, arr.Values())

	transact(t, doc, func(tr *Transaction) {
		for i := 0; i < 50; i++ {
			pos := (i * 13) % len(want)
			require.NoError(t, arr.Delete(tr, pos, 1))
			want = append(want[:pos], want[pos+1:]...)
		}
	})
	assert.Equal(t, want, arr.Values())
	for i, w := range want {
		v, ok := arr.Get(i)
		require.True(t, ok)
		assert.Equal(t, w, v)
	}
	assert.LessOrEqual(t, arr.markers.Len(), maxSearchMarkers)
}

func TestBranch_Text(t *testing.T) {
	doc := newTestDoc(1)
	txt := doc.Text("t")
	transact(t, doc, func(tr *Transaction) {
		require.NoError(t, txt.InsertString(tr, 0, "hello"))
		require.NoError(t, txt.InsertString(tr, 5, " world"))
		require.NoError(t, txt.Delete(tr, 0, 1))
	})
	assert.Equal(t, "ello world", txt.String())
	assert.Equal(t, 10, txt.Len())

	// lengths count UTF-16 units
	transact(t, doc, func(tr *Transaction) {
		require.NoError(t, txt.InsertString(tr, 0, "😀"))
	})
	assert.Equal(t, 12, txt.Len())
	assert.Equal(t, "😀ello world", txt.String())

	transact(t, doc, func(tr *Transaction) {
		require.NoError(t, txt.Delete(tr, 0, 2))
	})
	assert.Equal(t, "ello world", txt.String())
}

func TestBranch_Map(t *testing.T) {
	doc := newTestDoc(1)
	m := doc.Map("m")
	transact(t, doc, func(tr *Transaction) {
		require.NoError(t, m.Set(tr, "a", 1))
		require.NoError(t, m.Set(tr, "b", "x"))
		require.NoError(t, m.Set(tr, "a", 2))
	})
	v, ok := m.GetKey("a")
	assert.True(t, ok)
	assert.Equal(t, int64(2), v)
	assert.Equal(t, []string{"a", "b"}, m.Keys())

	transact(t, doc, func(tr *Transaction) {
		require.NoError(t, m.DeleteKey(tr, "b"))
	})
	assert.False(t, m.HasKey("b"))
	assert.Equal(t, map[string]any{"a": int64(2)}, m.ToMap())
}

func TestBranch_Nested(t *testing.T) {
	doc := newTestDoc(1)
	root := doc.Map("root")
	list := NewBranch(KindArray)
	transact(t, doc, func(tr *Transaction) {
		require.NoError(t, root.Set(tr, "list", list))
		require.NoError(t, list.Push(tr, 1, 2))
		require.NoError(t, root.Set(tr, "name", "n"))
	})
	assert.Equal(t, root, list.Parent())
	assert.Equal(t, map[string]any{
		"list": []any{int64(1), int64(2)},
		"name": "n",
	}, root.ToJSON())

	other := newTestDoc(2)
	syncDocs(t, doc, other)
	assert.Equal(t, root.ToJSON(), other.Map("root").ToJSON())
	nested, ok := other.Map("root").GetKey("list")
	require.True(t, ok)
	assert.Equal(t, KindArray, nested.(*Branch).Kind())
}

func TestBranch_Xml(t *testing.T) {
	doc := newTestDoc(1)
	frag := doc.XmlFragment("x")
	el := NewXmlElement("p")
	text := NewBranch(KindXmlText)
	transact(t, doc, func(tr *Transaction) {
		require.NoError(t, frag.Push(tr, el))
		require.NoError(t, el.Set(tr, "class", "lead"))
		require.NoError(t, el.Push(tr, text))
		require.NoError(t, text.InsertString(tr, 0, "hi"))
	})
	assert.Equal(t, `<p class="lead">hi</p>`, frag.String())

	other := newTestDoc(2)
	syncDocs(t, doc, other)
	assert.Equal(t, frag.String(), other.XmlFragment("x").String())
}

func TestBranch_InvalidUse(t *testing.T) {
	doc := newTestDoc(1)
	other := newTestDoc(2)
	arr := doc.Array("a")
	detached := NewBranch(KindArray)

	transact(t, other, func(tr *Transaction) {
		assert.ErrorIs(t, arr.Insert(tr, 0, 1), ycrdt_errors.ErrNotSameDoc)
		assert.ErrorIs(t, detached.Insert(tr, 0, 1), ycrdt_errors.ErrTypeNotIntegrated)
	})
	transact(t, doc, func(tr *Transaction) {
		assert.ErrorIs(t, arr.Insert(tr, 0, make(chan int)), ycrdt_errors.ErrUnsupportedValue)
	})
	assert.Equal(t, 0, arr.Len())
	assert.Equal(t, uint64(0), doc.Store().State(1))
}

func TestDoc_RootKinds(t *testing.T) {
	doc := newTestDoc(1)
	doc.Array("x")
	_, err := doc.Get("x", KindMap)
	assert.ErrorIs(t, err, ycrdt_errors.ErrTypeMismatch)
	assert.Panics(t, func() { doc.Map("x") })

	// a root first seen remotely takes the kind of the first typed request
	src := newTestDoc(2)
	transact(t, src, func(tr *Transaction) {
		require.NoError(t, src.Text("r").InsertString(tr, 0, "remote"))
	})
	require.NoError(t, ApplyUpdate(doc, EncodeStateAsUpdate(src, nil), nil))
	r, err := doc.Get("r", KindAbstract)
	require.NoError(t, err)
	assert.Equal(t, KindAbstract, r.Kind())
	assert.Equal(t, "remote", doc.Text("r").String())
	assert.Equal(t, []string{"r", "x"}, doc.RootNames())
}

func TestDoc_Destroyed(t *testing.T) {
	doc := newTestDoc(1)
	destroyed := 0
	doc.Events.Destroy.On(func(*Doc) { destroyed++ })
	doc.Destroy()
	doc.Destroy()
	assert.Equal(t, 1, destroyed)
	assert.ErrorIs(t, doc.Transact(func(*Transaction) {}, nil), ycrdt_errors.ErrDocDestroyed)
	assert.ErrorIs(t, ApplyUpdate(doc, []byte{0, 0}, nil), ycrdt_errors.ErrDocDestroyed)
}

func TestBranch_RemoteRootKind(t *testing.T) {
	src := newTestDoc(1)
	transact(t, src, func(tr *Transaction) {
		require.NoError(t, src.Text("text").InsertString(tr, 0, "hello"))
		require.NoError(t, src.Array("list").Push(tr, 1, "x"))
		require.NoError(t, src.Map("map").Set(tr, "k", "v"))
		require.NoError(t, src.XmlFragment("xml").Push(tr, NewXmlElement("p")))
	})

	dst := newTestDoc(2)
	require.NoError(t, ApplyUpdate(dst, EncodeStateAsUpdate(src, nil), nil))

	kinds := map[string]TypeKind{
		"text": KindText,
		"list": KindArray,
		"map":  KindMap,
		"xml":  KindXmlFragment,
	}
	for name, kind := range kinds {
		b, err := dst.Get(name, KindAbstract)
		require.NoError(t, err)
		assert.Equal(t, KindAbstract, b.Kind(), name)
		assert.Equal(t, kind, b.InferredKind(), name)
	}

	text, _ := dst.Get("text", KindAbstract)
	assert.Equal(t, "hello", text.String())
	assert.Equal(t, "hello", text.ToJSON())
	m, _ := dst.Get("map", KindAbstract)
	assert.Equal(t, map[string]any{"k": "v"}, m.ToJSON())
	xml, _ := dst.Get("xml", KindAbstract)
	assert.Equal(t, "<p></p>", xml.String())

	// a typed accessor still adopts the root
	assert.Equal(t, KindText, dst.Text("text").Kind())

	empty, _ := dst.Get("empty", KindAbstract)
	assert.Equal(t, KindAbstract, empty.InferredKind())
}

func TestBranch_DeleteKeepsFormats(t *testing.T) {
	doc := newTestDoc(1)
	text := doc.Text("text")
	transact(t, doc, func(tr *Transaction) {
		require.NoError(t, text.InsertString(tr, 0, "abc"))
		require.NoError(t, text.InsertFormat(tr, 1, "bold", true))
		require.NoError(t, text.InsertFormat(tr, 2, "bold", nil))
	})
	require.Equal(t, 3, text.Len())

	transact(t, doc, func(tr *Transaction) {
		require.NoError(t, text.Delete(tr, 0, 3))
	})
	assert.Equal(t, "", text.String())
	assert.Equal(t, 0, text.Len())

	formats := 0
	for n := text.First(); n != nil; n = n.Right() {
		if _, ok := n.Content().(*ContentFormat); ok {
			assert.False(t, n.Deleted())
			formats++
		} else {
			assert.True(t, n.Deleted())
		}
	}
	assert.Equal(t, 2, formats)

	transact(t, doc, func(tr *Transaction) {
		require.NoError(t, text.InsertString(tr, 0, "x"))
	})
	peer := newTestDoc(2)
	syncDocs(t, doc, peer)
	assert.Equal(t, "x", peer.Text("text").String())
	assert.NoError(t, doc.Store().IntegrityCheck())
}

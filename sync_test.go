package ycrdt

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// localUpdates collects the updates of local transactions only.
func localUpdates(doc *Doc) *[][]byte {
	var updates [][]byte
	doc.Events.Update.On(func(ev UpdateEvent) {
		if ev.Transaction.Local() {
			updates = append(updates, ev.Update)
		}
	})
	return &updates
}

func assertConverged(t *testing.T, want, got *Doc) {
	t.Helper()
	assert.Equal(t, want.Text("text").String(), got.Text("text").String())
	assert.Equal(t, want.Array("list").Values(), got.Array("list").Values())
	assert.Equal(t, want.Map("map").ToMap(), got.Map("map").ToMap())
	assert.True(t, want.StateVector().Equal(got.StateVector()))
	assert.True(t, NewDeleteSetFromStore(want.Store()).Equal(NewDeleteSetFromStore(got.Store())))
	assert.False(t, got.Store().HasPending())
	assert.NoError(t, got.Store().IntegrityCheck())
}

func TestSync_ConcurrentInsert(t *testing.T) {
	d1, d2 := newTestDoc(1), newTestDoc(2)
	transact(t, d1, func(tr *Transaction) {
		require.NoError(t, d1.Text("text").InsertString(tr, 0, "ab"))
	})
	syncDocs(t, d1, d2)
	assert.Equal(t, "ab", d2.Text("text").String())

	transact(t, d1, func(tr *Transaction) {
		require.NoError(t, d1.Text("text").InsertString(tr, 1, "X"))
	})
	transact(t, d2, func(tr *Transaction) {
		require.NoError(t, d2.Text("text").InsertString(tr, 1, "Y"))
	})
	syncDocs(t, d1, d2)

	assert.Equal(t, "aXYb", d1.Text("text").String())
	assert.Equal(t, "aXYb", d2.Text("text").String())
}

func TestSync_DeleteRange(t *testing.T) {
	src := newTestDoc(1)
	list := src.Array("list")
	transact(t, src, func(tr *Transaction) {
		for i := 0; i < 10; i++ {
			require.NoError(t, list.Push(tr, i))
		}
	})
	transact(t, src, func(tr *Transaction) {
		require.NoError(t, list.Delete(tr, 3, 4))
	})

	fresh := newTestDoc(2)
	require.NoError(t, ApplyUpdate(fresh, EncodeStateAsUpdate(src, nil), nil))
	want := []any{int64(0), int64(1), int64(2), int64(7), int64(8), int64(9)}
	assert.Equal(t, want, fresh.Array("list").Values())
	assert.Equal(t, want, list.Values())
}

func TestSync_DiffUpdate(t *testing.T) {
	full := newTestDoc(1)
	txt := full.Text("text")
	transact(t, full, func(tr *Transaction) {
		require.NoError(t, txt.InsertString(tr, 0, "hello"))
	})
	partial := newTestDoc(2)
	require.NoError(t, ApplyUpdate(partial, EncodeStateAsUpdate(full, nil), nil))
	copied := newTestDoc(3)
	require.NoError(t, ApplyUpdate(copied, EncodeStateAsUpdate(partial, nil), nil))

	transact(t, full, func(tr *Transaction) {
		require.NoError(t, txt.InsertString(tr, 5, " world"))
		require.NoError(t, txt.Delete(tr, 0, 1))
	})
	fullUpdate := EncodeStateAsUpdate(full, nil)

	diff, err := DiffUpdate(fullUpdate, partial.StateVector())
	require.NoError(t, err)
	assert.Less(t, len(diff), len(fullUpdate))
	require.NoError(t, ApplyUpdate(partial, diff, nil))
	require.NoError(t, ApplyUpdate(copied, fullUpdate, nil))

	assert.Equal(t, "ello world", partial.Text("text").String())
	assertConverged(t, copied, partial)

	// the diff against an empty state vector is the whole update
	whole, err := DiffUpdate(fullUpdate, StateVector{})
	require.NoError(t, err)
	other := newTestDoc(4)
	require.NoError(t, ApplyUpdate(other, whole, nil))
	assertConverged(t, full, other)
}

func TestSync_GCKeepsOrder(t *testing.T) {
	doc := newTestDoc(1)
	txt := doc.Text("text")
	transact(t, doc, func(tr *Transaction) {
		require.NoError(t, txt.InsertString(tr, 0, "abc"))
	})
	transact(t, doc, func(tr *Transaction) {
		require.NoError(t, txt.InsertString(tr, 3, "def"))
	})
	transact(t, doc, func(tr *Transaction) {
		require.NoError(t, txt.Delete(tr, 1, 3))
	})
	assert.Equal(t, "aef", txt.String())

	var deleted int
	for _, s := range doc.Store().Structs(1) {
		item, ok := s.(*Item)
		if !ok || !item.Deleted() {
			continue
		}
		deleted++
		_, gcd := item.Content().(*ContentDeleted)
		assert.True(t, gcd, "deleted content is collected")
	}
	assert.Positive(t, deleted)
	assert.NoError(t, doc.Store().IntegrityCheck())

	// the collected replica still syncs the same visible order
	other := newTestDoc(2)
	require.NoError(t, ApplyUpdate(other, EncodeStateAsUpdate(doc, nil), nil))
	transact(t, other, func(tr *Transaction) {
		require.NoError(t, other.Text("text").InsertString(tr, 1, "Z"))
	})
	syncDocs(t, doc, other)
	assert.Equal(t, "aZef", txt.String())
	assert.Equal(t, "aZef", other.Text("text").String())
}

func TestSync_NoGCKeepsContent(t *testing.T) {
	doc := newTestDocNoGC(1)
	txt := doc.Text("text")
	transact(t, doc, func(tr *Transaction) {
		require.NoError(t, txt.InsertString(tr, 0, "abc"))
	})
	transact(t, doc, func(tr *Transaction) {
		require.NoError(t, txt.Delete(tr, 0, 3))
	})
	var kept bool
	for _, s := range doc.Store().Structs(1) {
		if item, ok := s.(*Item); ok && item.Deleted() {
			_, kept = item.Content().(*ContentString)
		}
	}
	assert.True(t, kept)
}

// causalHistory produces four updates where later ones depend on earlier
// ones, so out of order delivery exercises both pending queues.
func causalHistory(t *testing.T) (*Doc, [][]byte) {
	d1, d2 := newTestDoc(1), newTestDoc(2)
	u1, u2 := localUpdates(d1), localUpdates(d2)

	transact(t, d1, func(tr *Transaction) {
		require.NoError(t, d1.Text("text").InsertString(tr, 0, "abc"))
		require.NoError(t, d1.Array("list").Push(tr, 1, 2, 3))
	})
	syncDocs(t, d1, d2)
	transact(t, d2, func(tr *Transaction) {
		require.NoError(t, d2.Text("text").InsertString(tr, 1, "X"))
		require.NoError(t, d2.Map("map").Set(tr, "k", "v"))
	})
	transact(t, d1, func(tr *Transaction) {
		require.NoError(t, d1.Text("text").Delete(tr, 2, 1))
		require.NoError(t, d1.Array("list").Delete(tr, 0, 1))
	})
	syncDocs(t, d1, d2)
	transact(t, d2, func(tr *Transaction) {
		require.NoError(t, d2.Map("map").Set(tr, "k", "w"))
		require.NoError(t, d2.Array("list").Push(tr, "tail"))
	})
	syncDocs(t, d1, d2)

	updates := append(append([][]byte{}, *u1...), *u2...)
	require.Len(t, updates, 4)
	return d1, updates
}

func TestSync_AnyDeliveryOrder(t *testing.T) {
	want, updates := causalHistory(t)
	assert.Equal(t, "aXb", want.Text("text").String())

	for _, perm := range permutations(len(updates)) {
		doc := newTestDoc(9)
		for _, i := range perm {
			require.NoError(t, ApplyUpdate(doc, updates[i], nil))
		}
		assertConverged(t, want, doc)
	}
}

func TestSync_Idempotent(t *testing.T) {
	want, updates := causalHistory(t)
	doc := newTestDoc(9)
	for round := 0; round < 2; round++ {
		for i := len(updates) - 1; i >= 0; i-- {
			require.NoError(t, ApplyUpdate(doc, updates[i], nil))
		}
	}
	require.NoError(t, ApplyUpdate(doc, EncodeStateAsUpdate(want, nil), nil))
	assertConverged(t, want, doc)
}

func TestSync_PendingThenFilled(t *testing.T) {
	_, updates := causalHistory(t)
	doc := newTestDoc(9)
	require.NoError(t, ApplyUpdate(doc, updates[1], nil))
	assert.True(t, doc.Store().HasPending())
	assert.Equal(t, "", doc.Text("text").String())

	// pending data is part of the encoded state
	relay := newTestDoc(10)
	require.NoError(t, ApplyUpdate(relay, EncodeStateAsUpdate(doc, nil), nil))
	assert.True(t, relay.Store().HasPending())

	require.NoError(t, ApplyUpdate(doc, updates[0], nil))
	require.NoError(t, ApplyUpdate(relay, updates[0], nil))
	assert.Equal(t, "ab", doc.Text("text").String())
	assert.Equal(t, "ab", relay.Text("text").String())
	assert.False(t, doc.Store().HasPending())

	// structs that reference unknown items wait for them
	blocked := newTestDoc(11)
	require.NoError(t, ApplyUpdate(blocked, updates[2], nil))
	assert.Equal(t, StateVector{1: 0}, blocked.Store().PendingMissing())
	require.NoError(t, ApplyUpdate(blocked, updates[0], nil))
	assert.Equal(t, "aXbc", blocked.Text("text").String())
	assert.False(t, blocked.Store().HasPending())
}

func TestSync_MalformedUpdate(t *testing.T) {
	doc := newTestDoc(1)
	assert.Error(t, ApplyUpdate(doc, []byte{1, 5, 1}, nil))
	assert.Error(t, ApplyUpdateV2(doc, []byte{0xff}, nil))
	assert.Empty(t, doc.StateVector())
}

func TestSync_V2Profile(t *testing.T) {
	want, _ := causalHistory(t)
	v2 := EncodeStateAsUpdateV2(want, nil)
	doc := newTestDoc(9)
	require.NoError(t, ApplyUpdateV2(doc, v2, nil))
	assertConverged(t, want, doc)

	var seen [][]byte
	doc.Events.UpdateV2.On(func(ev UpdateEvent) { seen = append(seen, ev.Update) })
	transact(t, doc, func(tr *Transaction) {
		require.NoError(t, doc.Map("map").Set(tr, "x", 1))
	})
	require.Len(t, seen, 1)
	require.NoError(t, ApplyUpdateV2(want, seen[0], nil))
	assertConverged(t, doc, want)
}

// TestSync_TransitiveOrigin inserts z at the start while x (client 3) and
// y (client 2, typed after x) are unknown; y sorts after x through its
// origin even though its own client is smaller than z's.
func TestSync_TransitiveOrigin(t *testing.T) {
	dx, dy, dz := newTestDoc(3), newTestDoc(2), newTestDoc(4)
	ux, uy, uz := localUpdates(dx), localUpdates(dy), localUpdates(dz)

	transact(t, dx, func(tr *Transaction) {
		require.NoError(t, dx.Text("text").InsertString(tr, 0, "x"))
	})
	require.NoError(t, ApplyUpdate(dy, (*ux)[0], nil))
	transact(t, dy, func(tr *Transaction) {
		require.NoError(t, dy.Text("text").InsertString(tr, 1, "y"))
	})
	transact(t, dz, func(tr *Transaction) {
		require.NoError(t, dz.Text("text").InsertString(tr, 0, "z"))
	})

	updates := [][]byte{(*ux)[0], (*uy)[0], (*uz)[0]}
	for _, perm := range permutations(len(updates)) {
		doc := newTestDoc(9)
		for _, i := range perm {
			require.NoError(t, ApplyUpdate(doc, updates[i], nil))
		}
		assert.Equal(t, "xyz", doc.Text("text").String(), "order %v", perm)
		assert.False(t, doc.Store().HasPending())
	}

	syncDocs(t, dx, dy, dz)
	assert.Equal(t, "xyz", dz.Text("text").String())
	assertConverged(t, dx, dy)
	assertConverged(t, dx, dz)
}

func randomEdit(t *testing.T, rng *rand.Rand, doc *Doc) {
	text, list, m := doc.Text("text"), doc.Array("list"), doc.Map("map")
	transact(t, doc, func(tr *Transaction) {
		switch op := rng.IntN(7); {
		case op < 3:
			// mostly at the start, so replicas collide on the same position
			pos := 0
			if rng.IntN(2) == 0 {
				pos = rng.IntN(text.Len() + 1)
			}
			chars := make([]byte, 1+rng.IntN(3))
			for i := range chars {
				chars[i] = byte('a' + rng.IntN(26))
			}
			require.NoError(t, text.InsertString(tr, pos, string(chars)))
		case op == 3:
			if n := text.Len(); n > 0 {
				pos := rng.IntN(n)
				require.NoError(t, text.Delete(tr, pos, 1+rng.IntN(min(3, n-pos))))
			}
		case op == 4:
			require.NoError(t, list.Insert(tr, rng.IntN(list.Len()+1), rng.IntN(100)))
		case op == 5:
			if n := list.Len(); n > 0 {
				require.NoError(t, list.Delete(tr, rng.IntN(n), 1))
			}
		default:
			key := string(rune('a' + rng.IntN(3)))
			if m.HasKey(key) && rng.IntN(3) == 0 {
				require.NoError(t, m.DeleteKey(tr, key))
			} else {
				require.NoError(t, m.Set(tr, key, rng.IntN(100)))
			}
		}
	})
}

func TestSync_RandomConvergence(t *testing.T) {
	for seed := uint64(1); seed <= 25; seed++ {
		rng := rand.New(rand.NewPCG(seed, seed))
		docs := []*Doc{newTestDoc(1), newTestDoc(2), newTestDoc(3)}
		var recorded []*[][]byte
		for _, doc := range docs {
			recorded = append(recorded, localUpdates(doc))
		}
		for round := 0; round < 8; round++ {
			for _, doc := range docs {
				for i := rng.IntN(4); i >= 0; i-- {
					randomEdit(t, rng, doc)
				}
			}
			// partial exchange, later edits then build on concurrent ones
			from, to := docs[rng.IntN(len(docs))], docs[rng.IntN(len(docs))]
			if from != to {
				require.NoError(t, ApplyUpdate(to, EncodeStateAsUpdate(from, to.StateVector()), "sync"))
			}
		}
		var all [][]byte
		for _, ups := range recorded {
			all = append(all, *ups...)
		}

		syncDocs(t, docs...)
		for _, doc := range docs[1:] {
			assertConverged(t, docs[0], doc)
		}

		shuffled := newTestDoc(10)
		for _, i := range rng.Perm(len(all)) {
			require.NoError(t, ApplyUpdate(shuffled, all[i], nil))
		}
		assertConverged(t, docs[0], shuffled)

		merged, err := MergeUpdates(all)
		require.NoError(t, err)
		fromMerged := newTestDoc(11)
		require.NoError(t, ApplyUpdate(fromMerged, merged, nil))
		assertConverged(t, docs[0], fromMerged)

		v2 := newTestDoc(12)
		for _, i := range rng.Perm(len(all)) {
			update, err := ConvertUpdateFormatV1ToV2(all[i])
			require.NoError(t, err)
			require.NoError(t, ApplyUpdateV2(v2, update, nil))
		}
		assertConverged(t, docs[0], v2)

		if t.Failed() {
			t.Fatalf("diverged with seed %d", seed)
		}
	}
}

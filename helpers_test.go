package ycrdt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestDoc(client uint64) *Doc {
	return NewDoc(Options{ClientID: client})
}

func newTestDocNoGC(client uint64) *Doc {
	return NewDoc(Options{ClientID: client, DisableGC: true})
}

func transact(t *testing.T, doc *Doc, fn func(tr *Transaction)) {
	t.Helper()
	require.NoError(t, doc.Transact(fn, nil))
}

// syncDocs exchanges the missing state between every pair of docs.
func syncDocs(t *testing.T, docs ...*Doc) {
	t.Helper()
	for _, a := range docs {
		for _, b := range docs {
			if a == b {
				continue
			}
			update := EncodeStateAsUpdate(a, b.StateVector())
			require.NoError(t, ApplyUpdate(b, update, "sync"))
		}
	}
}

// recordUpdates collects the profile 1 updates a document emits.
func recordUpdates(doc *Doc) *[][]byte {
	var updates [][]byte
	doc.Events.Update.On(func(ev UpdateEvent) {
		updates = append(updates, ev.Update)
	})
	return &updates
}

func permutations(n int) [][]int {
	if n == 0 {
		return [][]int{{}}
	}
	var out [][]int
	for _, p := range permutations(n - 1) {
		for i := 0; i <= len(p); i++ {
			q := make([]int, 0, n)
			q = append(q, p[:i]...)
			q = append(q, n-1)
			q = append(q, p[i:]...)
			out = append(out, q)
		}
	}
	return out
}

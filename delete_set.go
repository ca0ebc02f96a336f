package ycrdt

import (
	"slices"
	"sort"
)

// DeleteItem is a deleted clock range of one client.
type DeleteItem struct {
	Clock uint64
	Len   uint64
}

// DeleteSet holds deleted ranges per client. Ranges are sorted and
// coalesced after SortAndMerge; Add appends without ordering.
type DeleteSet struct {
	Clients map[uint64][]DeleteItem
}

func NewDeleteSet() *DeleteSet {
	return &DeleteSet{Clients: make(map[uint64][]DeleteItem)}
}

func (ds *DeleteSet) Add(client, clock, length uint64) {
	ds.Clients[client] = append(ds.Clients[client], DeleteItem{clock, length})
}

func (ds *DeleteSet) IsEmpty() bool {
	return len(ds.Clients) == 0
}

func findIndexDS(dis []DeleteItem, clock uint64) (int, bool) {
	left, right := 0, len(dis)-1
	for left <= right {
		mid := (left + right) / 2
		d := dis[mid]
		if d.Clock <= clock {
			if clock < d.Clock+d.Len {
				return mid, true
			}
			left = mid + 1
		} else {
			right = mid - 1
		}
	}
	return 0, false
}

// IsDeleted requires a sorted delete set.
func (ds *DeleteSet) IsDeleted(id ID) bool {
	dis, ok := ds.Clients[id.Client]
	if !ok {
		return false
	}
	_, found := findIndexDS(dis, id.Clock)
	return found
}

func (ds *DeleteSet) SortAndMerge() {
	for client, dels := range ds.Clients {
		sort.Slice(dels, func(a, b int) bool { return dels[a].Clock < dels[b].Clock })
		j := 1
		for i := 1; i < len(dels); i++ {
			left := &dels[j-1]
			right := dels[i]
			if left.Clock+left.Len >= right.Clock {
				left.Len = max(left.Len, right.Clock+right.Len-left.Clock)
			} else {
				if j < i {
					dels[j] = right
				}
				j++
			}
		}
		if len(dels) > 0 {
			ds.Clients[client] = dels[:j]
		}
	}
}

// MergeDeleteSets unions the sets into a new sorted one.
func MergeDeleteSets(dss ...*DeleteSet) *DeleteSet {
	merged := NewDeleteSet()
	for _, ds := range dss {
		for client, dels := range ds.Clients {
			merged.Clients[client] = append(merged.Clients[client], dels...)
		}
	}
	merged.SortAndMerge()
	return merged
}

func (ds *DeleteSet) Clone() *DeleteSet {
	c := NewDeleteSet()
	for client, dels := range ds.Clients {
		c.Clients[client] = slices.Clone(dels)
	}
	return c
}

func (ds *DeleteSet) Equal(b *DeleteSet) bool {
	if len(ds.Clients) != len(b.Clients) {
		return false
	}
	for client, dels := range ds.Clients {
		if !slices.Equal(dels, b.Clients[client]) {
			return false
		}
	}
	return true
}

// NewDeleteSetFromStore collects the deleted ranges of the store.
func NewDeleteSetFromStore(ss *StructStore) *DeleteSet {
	ds := NewDeleteSet()
	for client, structs := range ss.clients {
		var items []DeleteItem
		for i := 0; i < len(structs); i++ {
			s := structs[i]
			if !s.Deleted() {
				continue
			}
			clock := s.ID().Clock
			length := s.Len()
			for i+1 < len(structs) && structs[i+1].Deleted() {
				i++
				length += structs[i].Len()
			}
			items = append(items, DeleteItem{clock, length})
		}
		if len(items) > 0 {
			ds.Clients[client] = items
		}
	}
	return ds
}

// iterateDeletedStructs splits structs at the range boundaries and calls f
// for every struct inside a deleted range.
func iterateDeletedStructs(tr *Transaction, ds *DeleteSet, f func(Struct)) {
	for client, dels := range ds.Clients {
		if _, ok := tr.doc.store.clients[client]; !ok {
			continue
		}
		for _, del := range dels {
			tr.doc.store.iterateStructs(tr, client, del.Clock, del.Len, f)
		}
	}
}

func writeDeleteSet(enc dsEncoder, ds *DeleteSet) {
	rest := enc.rest()
	clients := make([]uint64, 0, len(ds.Clients))
	for client := range ds.Clients {
		clients = append(clients, client)
	}
	slices.Sort(clients)
	slices.Reverse(clients)
	rest.WriteVarUint(uint64(len(clients)))
	for _, client := range clients {
		enc.resetDsCurVal()
		dels := ds.Clients[client]
		rest.WriteVarUint(client)
		rest.WriteVarUint(uint64(len(dels)))
		for _, d := range dels {
			enc.writeDsClock(d.Clock)
			enc.writeDsLen(d.Len)
		}
	}
}

func readDeleteSet(dec dsDecoder) *DeleteSet {
	ds := NewDeleteSet()
	rest := dec.rest()
	numClients := rest.ReadVarUint()
	for i := uint64(0); i < numClients && dec.Err() == nil; i++ {
		dec.resetDsCurVal()
		client := rest.ReadVarUint()
		numDeletes := rest.ReadVarUint()
		for j := uint64(0); j < numDeletes && dec.Err() == nil; j++ {
			clock := dec.readDsClock()
			length := dec.readDsLen()
			if dec.Err() == nil {
				ds.Add(client, clock, length)
			}
		}
	}
	return ds
}

// applyDeleteSet deletes every known struct in ds and returns the ranges
// that are beyond the local state.
func applyDeleteSet(tr *Transaction, ds *DeleteSet) *DeleteSet {
	unapplied := NewDeleteSet()
	store := tr.doc.store
	for _, client := range sortedClients(ds.Clients) {
		state := store.State(client)
		for _, del := range ds.Clients[client] {
			clock, clockEnd := del.Clock, del.Clock+del.Len
			if clock >= state {
				unapplied.Add(client, clock, clockEnd-clock)
				continue
			}
			if state < clockEnd {
				unapplied.Add(client, state, clockEnd-state)
			}
			structs := store.clients[client]
			index := findIndexSS(structs, clock)
			s := structs[index]
			if item, ok := s.(*Item); ok && !item.Deleted() && item.id.Clock < clock {
				right := splitItem(tr, item, clock-item.id.Clock)
				structs = slices.Insert(structs, index+1, Struct(right))
				index++
			}
			for index < len(structs) {
				s = structs[index]
				index++
				if s.ID().Clock >= clockEnd {
					break
				}
				item, ok := s.(*Item)
				if !ok || item.Deleted() {
					continue
				}
				if clockEnd < item.id.Clock+item.length {
					right := splitItem(tr, item, clockEnd-item.id.Clock)
					structs = slices.Insert(structs, index, Struct(right))
				}
				item.Delete(tr)
			}
			store.clients[client] = structs
		}
	}
	return unapplied
}

func sortedClients[V any](m map[uint64]V) []uint64 {
	clients := make([]uint64, 0, len(m))
	for client := range m {
		clients = append(clients, client)
	}
	slices.Sort(clients)
	return clients
}

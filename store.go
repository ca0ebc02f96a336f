package ycrdt

import (
	"fmt"
	"slices"

	"github.com/drpcorg/ycrdt/ycrdt_errors"
)

// pendingStructs is remote data that waits for causal dependencies.
type pendingStructs struct {
	missing StateVector
	update  []byte // profile 2 update
}

// StructStore keeps the structs of every client, clock-ordered and gap-free.
type StructStore struct {
	clients   map[uint64][]Struct
	pending   *pendingStructs
	pendingDs *DeleteSet
}

func NewStructStore() *StructStore {
	return &StructStore{clients: make(map[uint64][]Struct)}
}

// State is the next clock expected from the client.
func (ss *StructStore) State(client uint64) uint64 {
	structs := ss.clients[client]
	if len(structs) == 0 {
		return 0
	}
	last := structs[len(structs)-1]
	return last.ID().Clock + last.Len()
}

func (ss *StructStore) StateVector() StateVector {
	sv := make(StateVector, len(ss.clients))
	for client := range ss.clients {
		sv[client] = ss.State(client)
	}
	return sv
}

// HasPending reports buffered structs or deletions waiting for dependencies.
func (ss *StructStore) HasPending() bool {
	return ss.pending != nil || ss.pendingDs != nil
}

// PendingMissing returns the lowest missing clock per client blocking the pending structs.
func (ss *StructStore) PendingMissing() StateVector {
	if ss.pending == nil {
		return StateVector{}
	}
	return ss.pending.missing.Clone()
}

// Structs returns the structs of a client. The slice must not be modified.
func (ss *StructStore) Structs(client uint64) []Struct {
	return ss.clients[client]
}

func (ss *StructStore) addStruct(s Struct) {
	id := s.ID()
	structs := ss.clients[id.Client]
	if len(structs) > 0 {
		last := structs[len(structs)-1]
		if last.ID().Clock+last.Len() != id.Clock {
			panic(fmt.Errorf("%w: gap before %s", ycrdt_errors.ErrUnexpectedCase, id))
		}
	}
	ss.clients[id.Client] = append(structs, s)
}

// findIndexSS locates the struct containing clock. The caller checks the
// state first; a miss is an invariant violation.
func findIndexSS(structs []Struct, clock uint64) int {
	left, right := 0, len(structs)-1
	if right >= 0 {
		last := structs[right]
		if last.ID().Clock <= clock && clock < last.ID().Clock+last.Len() {
			return right
		}
	}
	for left <= right {
		mid := (left + right) / 2
		s := structs[mid]
		midClock := s.ID().Clock
		if midClock <= clock {
			if clock < midClock+s.Len() {
				return mid
			}
			left = mid + 1
		} else {
			right = mid - 1
		}
	}
	panic(fmt.Errorf("%w: clock %d not found", ycrdt_errors.ErrUnexpectedCase, clock))
}

func (ss *StructStore) find(id ID) Struct {
	structs := ss.clients[id.Client]
	return structs[findIndexSS(structs, id.Clock)]
}

// Find returns the struct containing id, or nil when id is unknown.
func (ss *StructStore) Find(id ID) Struct {
	if id.Clock >= ss.State(id.Client) {
		return nil
	}
	return ss.find(id)
}

func (ss *StructStore) getItem(id ID) *Item {
	item, _ := ss.find(id).(*Item)
	return item
}

func (ss *StructStore) findIndexCleanStart(tr *Transaction, client uint64, clock uint64) int {
	structs := ss.clients[client]
	index := findIndexSS(structs, clock)
	if item, ok := structs[index].(*Item); ok && item.id.Clock < clock {
		right := splitItem(tr, item, clock-item.id.Clock)
		ss.clients[client] = slices.Insert(structs, index+1, Struct(right))
		return index + 1
	}
	return index
}

// getItemCleanStart returns the struct starting exactly at id, splitting an item if needed.
func (ss *StructStore) getItemCleanStart(tr *Transaction, id ID) Struct {
	index := ss.findIndexCleanStart(tr, id.Client, id.Clock)
	return ss.clients[id.Client][index]
}

// getItemCleanEnd returns the struct ending exactly at id, splitting an item if needed.
func (ss *StructStore) getItemCleanEnd(tr *Transaction, id ID) Struct {
	structs := ss.clients[id.Client]
	index := findIndexSS(structs, id.Clock)
	s := structs[index]
	if item, ok := s.(*Item); ok && id.Clock != item.id.Clock+item.length-1 {
		right := splitItem(tr, item, id.Clock-item.id.Clock+1)
		ss.clients[id.Client] = slices.Insert(structs, index+1, Struct(right))
	}
	return s
}

func (ss *StructStore) replaceStruct(old, repl Struct) {
	structs := ss.clients[old.ID().Client]
	structs[findIndexSS(structs, old.ID().Clock)] = repl
}

// iterateStructs calls f for every struct in [clockStart, clockStart+length),
// splitting the boundary structs.
func (ss *StructStore) iterateStructs(tr *Transaction, client, clockStart, length uint64, f func(Struct)) {
	if length == 0 {
		return
	}
	clockEnd := clockStart + length
	index := ss.findIndexCleanStart(tr, client, clockStart)
	for {
		structs := ss.clients[client]
		s := structs[index]
		index++
		if clockEnd < s.ID().Clock+s.Len() {
			ss.findIndexCleanStart(tr, client, clockEnd)
		}
		f(s)
		structs = ss.clients[client]
		if index >= len(structs) || structs[index].ID().Clock >= clockEnd {
			return
		}
	}
}

// IntegrityCheck verifies that every client's structs are contiguous.
func (ss *StructStore) IntegrityCheck() error {
	for client, structs := range ss.clients {
		for i := 1; i < len(structs); i++ {
			l, r := structs[i-1], structs[i]
			if l.ID().Clock+l.Len() != r.ID().Clock {
				return fmt.Errorf("%w: client %d has a gap at clock %d", ycrdt_errors.ErrUnexpectedCase, client, r.ID().Clock)
			}
		}
	}
	return nil
}

// tryToMergeWithLefts merges the struct at pos into its left neighbours
// as far as possible and returns the number of structs removed.
func (ss *StructStore) tryToMergeWithLefts(client uint64, pos int) int {
	structs := ss.clients[client]
	right := structs[pos]
	i := pos
	for ; i > 0; i-- {
		left := structs[i-1]
		if left.Deleted() != right.Deleted() || !left.mergeWith(right) {
			break
		}
		if item, ok := right.(*Item); ok && item.parentSub != nil && item.parent != nil && item.parent.itemMap[*item.parentSub] == item {
			item.parent.itemMap[*item.parentSub] = left.(*Item)
		}
		right = left
	}
	merged := pos - i
	if merged > 0 {
		ss.clients[client] = slices.Delete(structs, pos+1-merged, pos+1)
		MergedStructs.Add(float64(merged))
	}
	return merged
}

// tryGCDeleteSet collects the content of deleted items in ds.
func (ss *StructStore) tryGCDeleteSet(ds *DeleteSet, filter func(*Item) bool) {
	for client, dels := range ds.Clients {
		for di := len(dels) - 1; di >= 0; di-- {
			del := dels[di]
			end := del.Clock + del.Len
			structs := ss.clients[client]
			for si := findIndexSS(structs, del.Clock); si < len(structs); si++ {
				s := structs[si]
				if s.ID().Clock >= end {
					break
				}
				if item, ok := s.(*Item); ok && item.Deleted() && !item.Keep() && filter(item) {
					item.gc(ss, false)
				}
			}
		}
	}
}

// tryMergeDeleteSet merges neighbouring structs touched by ds.
func (ss *StructStore) tryMergeDeleteSet(ds *DeleteSet) {
	for client, dels := range ds.Clients {
		for di := len(dels) - 1; di >= 0; di-- {
			del := dels[di]
			structs := ss.clients[client]
			si := min(len(structs)-1, 1+findIndexSS(structs, del.Clock+del.Len-1))
			for si > 0 && ss.clients[client][si].ID().Clock >= del.Clock {
				si -= 1 + ss.tryToMergeWithLefts(client, si)
			}
		}
	}
}

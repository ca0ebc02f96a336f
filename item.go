package ycrdt

import (
	"fmt"

	"github.com/drpcorg/ycrdt/ycrdt_errors"
)

const (
	infoKeep      = 1 << 0
	infoCountable = 1 << 1
	infoDeleted   = 1 << 2
	infoMarker    = 1 << 3
)

// Wire info byte flags.
const (
	hasParentSub   = 0x20
	hasRightOrigin = 0x40
	hasOrigin      = 0x80
	contentRefMask = 0x1f
)

/*
Item is a piece of content inserted into a Branch. Items of a branch
form a doubly linked list through left and right. origin and rightOrigin
record the neighbours at insertion time and decide the position of
concurrent inserts; they never change after integration.

Before integration the parent may be known only by id (parentID) or, for
root branches, by name (parentKey).
*/
type Item struct {
	id          ID
	length      uint64
	origin      *ID
	left        *Item
	right       *Item
	rightOrigin *ID
	parent      *Branch
	parentID    *ID
	parentKey   *string
	parentSub   *string
	redone      *ID
	content     Content
	info        uint8
}

func newItem(id ID, left *Item, origin *ID, right *Item, rightOrigin *ID, parent *Branch, parentSub *string, content Content) *Item {
	item := &Item{
		id:          id,
		length:      content.Len(),
		origin:      origin,
		left:        left,
		right:       right,
		rightOrigin: rightOrigin,
		parent:      parent,
		parentSub:   parentSub,
		content:     content,
	}
	if content.Countable() {
		item.info |= infoCountable
	}
	return item
}

func (item *Item) ID() ID               { return item.id }
func (item *Item) Len() uint64          { return item.length }
func (item *Item) isStruct()            {}
func (item *Item) setLen(length uint64) { item.length = length }

func (item *Item) Left() *Item        { return item.left }
func (item *Item) Right() *Item       { return item.right }
func (item *Item) Origin() *ID        { return item.origin }
func (item *Item) RightOrigin() *ID   { return item.rightOrigin }
func (item *Item) Parent() *Branch    { return item.parent }
func (item *Item) ParentSub() *string { return item.parentSub }
func (item *Item) Content() Content   { return item.content }

func (item *Item) Deleted() bool   { return item.info&infoDeleted != 0 }
func (item *Item) Countable() bool { return item.info&infoCountable != 0 }
func (item *Item) Keep() bool      { return item.info&infoKeep != 0 }
func (item *Item) marker() bool    { return item.info&infoMarker != 0 }

func (item *Item) setFlag(flag uint8, on bool) {
	if on {
		item.info |= flag
	} else {
		item.info &^= flag
	}
}

func (item *Item) markDeleted() {
	item.info |= infoDeleted
}

// LastID is the id of the last clock the item covers.
func (item *Item) LastID() ID {
	if item.length == 1 {
		return item.id
	}
	return ID{item.id.Client, item.id.Clock + item.length - 1}
}

// Next returns the closest right neighbour that is not deleted.
func (item *Item) Next() *Item {
	n := item.right
	for n != nil && n.Deleted() {
		n = n.right
	}
	return n
}

// Prev returns the closest left neighbour that is not deleted.
func (item *Item) Prev() *Item {
	n := item.left
	for n != nil && n.Deleted() {
		n = n.left
	}
	return n
}

// KeepItem protects the item and its ancestors from garbage collection.
func KeepItem(item *Item, keep bool) {
	for item != nil && item.Keep() != keep {
		item.setFlag(infoKeep, keep)
		if item.parent == nil {
			return
		}
		item = item.parent.item
	}
}

func (item *Item) String() string {
	return fmt.Sprintf("Item(%s, %d, %T)", item.id, item.length, item.content)
}

func lastIDOf(s Struct) ID {
	return ID{s.ID().Client, s.ID().Clock + s.Len() - 1}
}

// splitItem cuts left at diff and returns the right part, already linked
// but not yet placed into the struct store.
func splitItem(tr *Transaction, left *Item, diff uint64) *Item {
	client, clock := left.id.Client, left.id.Clock
	origin := ID{client, clock + diff - 1}
	right := newItem(ID{client, clock + diff}, left, &origin, left.right, left.rightOrigin, left.parent, left.parentSub, left.content.splice(diff))
	right.parentID = left.parentID
	right.parentKey = left.parentKey
	if left.Deleted() {
		right.markDeleted()
	}
	if left.Keep() {
		right.info |= infoKeep
	}
	if left.redone != nil {
		redone := ID{left.redone.Client, left.redone.Clock + diff}
		right.redone = &redone
	}
	left.right = right
	if right.right != nil {
		right.right.left = right
	}
	tr.mergeStructs = append(tr.mergeStructs, right)
	if right.parentSub != nil && right.right == nil && right.parent != nil {
		right.parent.itemMap[*right.parentSub] = right
	}
	left.length = diff
	return right
}

// getMissing resolves the neighbours and parent of a remote item. It
// returns the client whose data is still missing, if any.
func (item *Item) getMissing(tr *Transaction, store *StructStore) (uint64, bool) {
	if o := item.origin; o != nil && o.Client != item.id.Client && o.Clock >= store.State(o.Client) {
		return o.Client, true
	}
	if o := item.rightOrigin; o != nil && o.Client != item.id.Client && o.Clock >= store.State(o.Client) {
		return o.Client, true
	}
	if p := item.parentID; p != nil && item.id.Client != p.Client && p.Clock >= store.State(p.Client) {
		return p.Client, true
	}

	gcNeighbour := false
	if item.origin != nil {
		left := store.getItemCleanEnd(tr, *item.origin)
		origin := lastIDOf(left)
		item.origin = &origin
		if l, ok := left.(*Item); ok {
			item.left = l
		} else {
			gcNeighbour = true
		}
	}
	if item.rightOrigin != nil {
		right := store.getItemCleanStart(tr, *item.rightOrigin)
		rightOrigin := right.ID()
		item.rightOrigin = &rightOrigin
		if r, ok := right.(*Item); ok {
			item.right = r
		} else {
			gcNeighbour = true
		}
	}

	switch {
	case gcNeighbour:
		item.parent = nil
		item.parentID = nil
		item.parentKey = nil
	case item.parentID != nil:
		if parentItem, ok := store.find(*item.parentID).(*Item); ok {
			if ct, ok := parentItem.content.(*ContentType); ok {
				item.parent = ct.typ
			}
		}
		item.parentID = nil
	case item.parentKey != nil:
		item.parent = tr.doc.getOrCreateRoot(*item.parentKey)
		item.parentKey = nil
	case item.parent == nil:
		if item.left != nil {
			item.parent = item.left.parent
			item.parentSub = item.left.parentSub
		} else if item.right != nil {
			item.parent = item.right.parent
			item.parentSub = item.right.parentSub
		}
	}
	return 0, false
}

func (item *Item) integrate(tr *Transaction, offset uint64) {
	store := tr.doc.store
	if offset > 0 {
		item.id.Clock += offset
		left := store.getItemCleanEnd(tr, ID{item.id.Client, item.id.Clock - 1})
		origin := lastIDOf(left)
		item.origin = &origin
		if l, ok := left.(*Item); ok {
			item.left = l
		} else {
			item.left = nil
			item.parent = nil
		}
		item.content = item.content.splice(offset)
		item.length -= offset
	}

	parent := item.parent
	if parent == nil {
		NewGC(item.id, item.length).integrate(tr, 0)
		return
	}

	if (item.left == nil && (item.right == nil || item.right.left != nil)) || (item.left != nil && item.left.right != item.right) {
		left := item.left
		var o *Item
		switch {
		case left != nil:
			o = left.right
		case item.parentSub != nil:
			o = parent.itemMap[*item.parentSub]
			for o != nil && o.left != nil {
				o = o.left
			}
		default:
			o = parent.start
		}
		conflicting := make(map[*Item]struct{})
		beforeOrigin := make(map[*Item]struct{})
		for o != nil && o != item.right {
			beforeOrigin[o] = struct{}{}
			conflicting[o] = struct{}{}
			if EqualIDs(item.origin, o.origin) {
				if o.id.Client < item.id.Client {
					left = o
					clear(conflicting)
				} else if EqualIDs(item.rightOrigin, o.rightOrigin) {
					break
				}
			} else if o.origin != nil {
				originItem := store.getItem(*o.origin)
				if _, ok := beforeOrigin[originItem]; !ok {
					break
				}
				if _, ok := conflicting[originItem]; !ok {
					left = o
					clear(conflicting)
				}
			} else {
				break
			}
			o = o.right
		}
		item.left = left
	}

	if item.left != nil {
		item.right = item.left.right
		item.left.right = item
	} else {
		var r *Item
		if item.parentSub != nil {
			r = parent.itemMap[*item.parentSub]
			for r != nil && r.left != nil {
				r = r.left
			}
		} else {
			r = parent.start
			parent.start = item
		}
		item.right = r
	}
	if item.right != nil {
		item.right.left = item
	} else if item.parentSub != nil {
		parent.itemMap[*item.parentSub] = item
		if item.left != nil {
			// the previous value of the key is superseded
			item.left.Delete(tr)
		}
	}
	if item.parentSub == nil && item.Countable() && !item.Deleted() {
		parent.length += item.length
	}
	store.addStruct(item)
	item.content.integrate(tr, item)
	tr.addChangedType(parent, item.parentSub)
	IntegratedStructs.Inc()
	if (parent.item != nil && parent.item.Deleted()) || (item.parentSub != nil && item.right != nil) {
		item.Delete(tr)
	}
}

// Delete tombstones the item. Deleting twice is a no-op.
func (item *Item) Delete(tr *Transaction) {
	if item.Deleted() {
		return
	}
	parent := item.parent
	if item.Countable() && item.parentSub == nil {
		parent.length -= item.length
	}
	item.markDeleted()
	tr.deleteSet.Add(item.id.Client, item.id.Clock, item.length)
	tr.addChangedType(parent, item.parentSub)
	item.content.delete(tr)
}

// gc forgets the content of a deleted item. When the parent is collected
// as well the item is replaced by a GC struct.
func (item *Item) gc(store *StructStore, parentGCd bool) {
	if !item.Deleted() {
		panic(fmt.Errorf("%w: gc of a live item %s", ycrdt_errors.ErrUnexpectedCase, item.id))
	}
	item.content.gc(store)
	if parentGCd {
		store.replaceStruct(item, NewGC(item.id, item.length))
	} else {
		item.content = NewContentDeleted(item.length)
	}
	CollectedStructs.Inc()
}

func (item *Item) mergeWith(s Struct) bool {
	right, ok := s.(*Item)
	if !ok {
		return false
	}
	if right.origin == nil || *right.origin != item.LastID() ||
		item.right != right ||
		!EqualIDs(item.rightOrigin, right.rightOrigin) ||
		item.id.Client != right.id.Client ||
		item.id.Clock+item.length != right.id.Clock ||
		item.Deleted() != right.Deleted() ||
		item.redone != nil || right.redone != nil ||
		!sameContentKind(item.content, right.content) ||
		!item.content.mergeWith(right.content) {
		return false
	}
	if right.marker() && item.parent != nil {
		item.parent.moveMarkers(right, item)
	}
	if right.Keep() {
		item.info |= infoKeep
	}
	item.right = right.right
	if item.right != nil {
		item.right.left = item
	}
	item.length += right.length
	return true
}

func (item *Item) write(enc updateEncoder, offset uint64) {
	origin := item.origin
	if offset > 0 {
		o := ID{item.id.Client, item.id.Clock + offset - 1}
		origin = &o
	}
	info := item.content.Ref() & contentRefMask
	if origin != nil {
		info |= hasOrigin
	}
	if item.rightOrigin != nil {
		info |= hasRightOrigin
	}
	if item.parentSub != nil {
		info |= hasParentSub
	}
	enc.writeInfo(info)
	if origin != nil {
		enc.writeLeftID(*origin)
	}
	if item.rightOrigin != nil {
		enc.writeRightID(*item.rightOrigin)
	}
	if origin == nil && item.rightOrigin == nil {
		switch {
		case item.parent != nil:
			if item.parent.item == nil {
				enc.writeParentInfo(true)
				enc.writeString(item.parent.rootKey)
			} else {
				enc.writeParentInfo(false)
				enc.writeLeftID(item.parent.item.id)
			}
		case item.parentKey != nil:
			enc.writeParentInfo(true)
			enc.writeString(*item.parentKey)
		case item.parentID != nil:
			enc.writeParentInfo(false)
			enc.writeLeftID(*item.parentID)
		default:
			panic(fmt.Errorf("%w: item %s has no parent", ycrdt_errors.ErrUnexpectedCase, item.id))
		}
		if item.parentSub != nil {
			enc.writeString(*item.parentSub)
		}
	}
	item.content.write(enc, offset)
}

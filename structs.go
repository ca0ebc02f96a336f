package ycrdt

import (
	"fmt"

	"github.com/drpcorg/ycrdt/ycrdt_errors"
)

const (
	structGCRef   = 0
	structSkipRef = 10
)

// Struct is an entry of the per-client log: *Item, *GC or *Skip.
type Struct interface {
	ID() ID
	Len() uint64
	Deleted() bool
	isStruct()
	setLen(length uint64)
	mergeWith(right Struct) bool
	write(enc updateEncoder, offset uint64)
	integrate(tr *Transaction, offset uint64)
	getMissing(tr *Transaction, store *StructStore) (client uint64, missing bool)
}

// GC is a deleted range whose content was collected.
type GC struct {
	id     ID
	length uint64
}

func NewGC(id ID, length uint64) *GC {
	return &GC{id: id, length: length}
}

func (gc *GC) ID() ID               { return gc.id }
func (gc *GC) Len() uint64          { return gc.length }
func (gc *GC) Deleted() bool        { return true }
func (gc *GC) isStruct()            {}
func (gc *GC) setLen(length uint64) { gc.length = length }

func (gc *GC) mergeWith(right Struct) bool {
	r, ok := right.(*GC)
	if !ok {
		return false
	}
	gc.length += r.length
	return true
}

func (gc *GC) integrate(tr *Transaction, offset uint64) {
	if offset > 0 {
		gc.id.Clock += offset
		gc.length -= offset
	}
	tr.doc.store.addStruct(gc)
}

func (gc *GC) write(enc updateEncoder, offset uint64) {
	enc.writeInfo(structGCRef)
	enc.writeLen(gc.length - offset)
}

func (gc *GC) getMissing(*Transaction, *StructStore) (uint64, bool) {
	return 0, false
}

func (gc *GC) String() string {
	return fmt.Sprintf("GC(%s, %d)", gc.id, gc.length)
}

// Skip marks an unknown clock range inside an update. It is never integrated.
type Skip struct {
	id     ID
	length uint64
}

func NewSkip(id ID, length uint64) *Skip {
	return &Skip{id: id, length: length}
}

func (s *Skip) ID() ID               { return s.id }
func (s *Skip) Len() uint64          { return s.length }
func (s *Skip) Deleted() bool        { return true }
func (s *Skip) isStruct()            {}
func (s *Skip) setLen(length uint64) { s.length = length }

func (s *Skip) mergeWith(right Struct) bool {
	r, ok := right.(*Skip)
	if !ok {
		return false
	}
	s.length += r.length
	return true
}

func (s *Skip) integrate(*Transaction, uint64) {
	panic(fmt.Errorf("%w: skip cannot be integrated", ycrdt_errors.ErrUnexpectedCase))
}

func (s *Skip) write(enc updateEncoder, offset uint64) {
	enc.writeInfo(structSkipRef)
	enc.rest().WriteVarUint(s.length - offset)
}

func (s *Skip) getMissing(*Transaction, *StructStore) (uint64, bool) {
	return 0, false
}

func (s *Skip) String() string {
	return fmt.Sprintf("Skip(%s, %d)", s.id, s.length)
}

// sliceStruct returns the part of s starting diff clocks in. Items are
// split through their content, so the original is truncated.
func sliceStruct(s Struct, diff uint64) Struct {
	id := s.ID()
	switch x := s.(type) {
	case *GC:
		return NewGC(ID{id.Client, id.Clock + diff}, x.length-diff)
	case *Skip:
		return NewSkip(ID{id.Client, id.Clock + diff}, x.length-diff)
	case *Item:
		origin := ID{id.Client, id.Clock + diff - 1}
		right := newItem(ID{id.Client, id.Clock + diff}, nil, &origin, nil, x.rightOrigin, nil, x.parentSub, x.content.splice(diff))
		right.parentID = x.parentID
		right.parentKey = x.parentKey
		right.parent = x.parent
		x.length = diff
		return right
	}
	panic(ycrdt_errors.ErrUnexpectedCase)
}

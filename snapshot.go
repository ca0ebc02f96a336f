package ycrdt

import (
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/drpcorg/ycrdt/ycrdt_errors"
	"github.com/pkg/errors"
)

// Snapshot is a document state: what was known (SV) and what of it was
// deleted (DS).
type Snapshot struct {
	DS *DeleteSet
	SV StateVector
}

func NewSnapshot(ds *DeleteSet, sv StateVector) *Snapshot {
	return &Snapshot{DS: ds, SV: sv}
}

func EmptySnapshot() *Snapshot {
	return NewSnapshot(NewDeleteSet(), StateVector{})
}

// CreateSnapshot captures the current state of doc.
func CreateSnapshot(doc *Doc) *Snapshot {
	return NewSnapshot(NewDeleteSetFromStore(doc.store), doc.store.StateVector())
}

func EqualSnapshots(a, b *Snapshot) bool {
	return a.DS.Equal(b.DS) && a.SV.Equal(b.SV)
}

func encodeSnapshot(enc dsEncoder, snap *Snapshot) []byte {
	writeDeleteSet(enc, snap.DS)
	writeStateVector(enc.rest(), snap.SV)
	return enc.Bytes()
}

func decodeSnapshot(dec dsDecoder) (*Snapshot, error) {
	ds := readDeleteSet(dec)
	sv := readStateVector(dec.rest())
	if err := dec.Err(); err != nil {
		return nil, errors.Wrap(err, "decode snapshot")
	}
	return NewSnapshot(ds, sv), nil
}

// EncodeSnapshot writes the delete set followed by the state vector.
func EncodeSnapshot(snap *Snapshot) []byte {
	return encodeSnapshot(NewDSEncoderV1(), snap)
}

func EncodeSnapshotV2(snap *Snapshot) []byte {
	return encodeSnapshot(NewDSEncoderV2(), snap)
}

func DecodeSnapshot(data []byte) (*Snapshot, error) {
	return decodeSnapshot(NewDSDecoderV1(data))
}

func DecodeSnapshotV2(data []byte) (*Snapshot, error) {
	return decodeSnapshot(NewDSDecoderV2(data))
}

// IsVisible reports whether item existed and was not deleted in snap. A
// nil snapshot means the current state.
func IsVisible(item *Item, snap *Snapshot) bool {
	if snap == nil {
		return !item.Deleted()
	}
	clock, ok := snap.SV[item.id.Client]
	return ok && clock > item.id.Clock && !snap.DS.IsDeleted(item.id)
}

const snapshotMetaKey = "splitSnapshotAffectedStructs"

// splitSnapshotAffectedStructs splits items at the boundaries of snap so
// visibility can be decided per item. Done once per transaction and snapshot.
func splitSnapshotAffectedStructs(tr *Transaction, snap *Snapshot) {
	done, ok := tr.meta[snapshotMetaKey].(mapset.Set[*Snapshot])
	if !ok {
		done = mapset.NewThreadUnsafeSet[*Snapshot]()
		tr.meta[snapshotMetaKey] = done
	}
	if done.Contains(snap) {
		return
	}
	store := tr.doc.store
	for client, clock := range snap.SV {
		if clock < store.State(client) {
			store.getItemCleanStart(tr, ID{client, clock})
		}
	}
	iterateDeletedStructs(tr, snap.DS, func(Struct) {})
	done.Add(snap)
}

// CreateDocFromSnapshot restores the state of origin at snap into a new
// document. origin must keep deleted content, so garbage collection has
// to be disabled.
func CreateDocFromSnapshot(origin *Doc, snap *Snapshot, opts Options) (*Doc, error) {
	if origin.gc {
		return nil, ycrdt_errors.ErrSnapshotGC
	}
	for client, clock := range snap.SV {
		if clock > origin.store.State(client) {
			return nil, fmt.Errorf("%w: snapshot is ahead of the document for client %d", ycrdt_errors.ErrMalformedUpdate, client)
		}
	}
	enc := NewUpdateEncoderV2()
	err := origin.Transact(func(tr *Transaction) {
		clients := make([]uint64, 0, len(snap.SV))
		for _, client := range snap.SV.Clients() {
			if snap.SV[client] > 0 {
				clients = append(clients, client)
			}
		}
		rest := enc.rest()
		rest.WriteVarUint(uint64(len(clients)))
		for _, client := range clients {
			clock := snap.SV[client]
			if clock < origin.store.State(client) {
				origin.store.getItemCleanStart(tr, ID{client, clock})
			}
			structs := origin.store.clients[client]
			last := findIndexSS(structs, clock-1)
			rest.WriteVarUint(uint64(last + 1))
			enc.writeClient(client)
			rest.WriteVarUint(0)
			for _, s := range structs[:last+1] {
				s.write(enc, 0)
			}
		}
		writeDeleteSet(enc, snap.DS)
	}, nil)
	if err != nil {
		return nil, err
	}
	doc := NewDoc(opts)
	if err := ApplyUpdateV2(doc, enc.Bytes(), "snapshot"); err != nil {
		return nil, err
	}
	return doc, nil
}

// SnapshotContainsUpdate reports whether everything in a profile 1
// update is already part of snap.
func SnapshotContainsUpdate(snap *Snapshot, update []byte) (bool, error) {
	return snapshotContainsUpdate(snap, update, formatV1)
}

func SnapshotContainsUpdateV2(snap *Snapshot, update []byte) (bool, error) {
	return snapshotContainsUpdate(snap, update, formatV2)
}

func snapshotContainsUpdate(snap *Snapshot, update []byte, f updateFormat) (bool, error) {
	dec := f.newDecoder(update)
	r, err := newLazyStructReader(dec, false)
	if err != nil {
		return false, err
	}
	for curr := r.curr; curr != nil; curr = r.next() {
		if snap.SV.Get(curr.ID().Client) < structEnd(curr) {
			return false, nil
		}
	}
	ds := readDeleteSet(dec)
	if err := dec.Err(); err != nil {
		return false, errors.Wrap(err, "decode delete set")
	}
	return MergeDeleteSets(snap.DS).Equal(MergeDeleteSets(snap.DS, ds)), nil
}

package ycrdt

import (
	"slices"

	"github.com/drpcorg/ycrdt/ycrdt_errors"
	"github.com/pkg/errors"
)

// writeStructs writes the structs of client starting at clock.
func writeStructs(enc updateEncoder, structs []Struct, client, clock uint64) {
	clock = max(clock, structs[0].ID().Clock)
	start := findIndexSS(structs, clock)
	rest := enc.rest()
	rest.WriteVarUint(uint64(len(structs) - start))
	enc.writeClient(client)
	rest.WriteVarUint(clock)
	first := structs[start]
	first.write(enc, clock-first.ID().Clock)
	for _, s := range structs[start+1:] {
		s.write(enc, 0)
	}
}

// writeClientsStructs writes everything the store holds beyond sv,
// clients in descending order.
func writeClientsStructs(enc updateEncoder, ss *StructStore, sv StateVector) {
	sm := make(map[uint64]uint64)
	for client, clock := range sv {
		if ss.State(client) > clock {
			sm[client] = clock
		}
	}
	for client := range ss.clients {
		if _, ok := sv[client]; !ok && len(ss.clients[client]) > 0 {
			sm[client] = 0
		}
	}
	enc.rest().WriteVarUint(uint64(len(sm)))
	clients := sortedClients(sm)
	slices.Reverse(clients)
	for _, client := range clients {
		writeStructs(enc, ss.clients[client], client, sm[client])
	}
}

// readStructList decodes the struct section of an update in stream
// order. Parents named by key or id stay unresolved until integration.
func readStructList(dec updateDecoder) []Struct {
	var list []Struct
	rest := dec.rest()
	numUpdates := rest.ReadVarUint()
	for i := uint64(0); i < numUpdates && dec.Err() == nil; i++ {
		numStructs := rest.ReadVarUint()
		client := dec.readClient()
		clock := rest.ReadVarUint()
		for j := uint64(0); j < numStructs && dec.Err() == nil; j++ {
			s := readStruct(dec, client, clock)
			if dec.Err() != nil {
				break
			}
			if s == nil || s.Len() == 0 {
				rest.Fail(ycrdt_errors.ErrMalformedUpdate)
				break
			}
			list = append(list, s)
			clock += s.Len()
		}
	}
	return list
}

// readStructs decodes the struct section grouped by client.
func readStructs(dec updateDecoder) map[uint64][]Struct {
	refs := make(map[uint64][]Struct)
	for _, s := range readStructList(dec) {
		client := s.ID().Client
		refs[client] = append(refs[client], s)
	}
	return refs
}

func readStruct(dec updateDecoder, client, clock uint64) Struct {
	id := ID{client, clock}
	info := dec.readInfo()
	switch info & contentRefMask {
	case structGCRef:
		return NewGC(id, dec.readLen())
	case structSkipRef:
		return NewSkip(id, dec.rest().ReadVarUint())
	}
	var origin, rightOrigin, parentID *ID
	var parentKey, parentSub *string
	if info&hasOrigin != 0 {
		o := dec.readLeftID()
		origin = &o
	}
	if info&hasRightOrigin != 0 {
		ro := dec.readRightID()
		rightOrigin = &ro
	}
	if info&(hasOrigin|hasRightOrigin) == 0 {
		if dec.readParentInfo() {
			key := dec.readString()
			parentKey = &key
		} else {
			pid := dec.readLeftID()
			parentID = &pid
		}
		if info&hasParentSub != 0 {
			sub := dec.readString()
			parentSub = &sub
		}
	}
	content := readContent(dec, info)
	if content == nil {
		return nil
	}
	item := newItem(id, nil, origin, nil, rightOrigin, nil, parentSub, content)
	item.parentID = parentID
	item.parentKey = parentKey
	return item
}

type structRefs struct {
	i    int
	refs []Struct
}

// integrateStructs integrates decoded structs in causal order. Structs
// whose dependencies are missing are returned as a profile 2 update
// together with the lowest missing clock per client.
func integrateStructs(tr *Transaction, ss *StructStore, clientRefs map[uint64][]Struct) *pendingStructs {
	targets := make(map[uint64]*structRefs, len(clientRefs))
	for client, refs := range clientRefs {
		targets[client] = &structRefs{refs: refs}
	}
	clientIDs := sortedClients(targets)
	nextTarget := func() *structRefs {
		for len(clientIDs) > 0 {
			t := targets[clientIDs[len(clientIDs)-1]]
			if t != nil && t.i < len(t.refs) {
				return t
			}
			clientIDs = clientIDs[:len(clientIDs)-1]
		}
		return nil
	}
	cur := nextTarget()
	if cur == nil {
		return nil
	}

	restStructs := NewStructStore()
	missingSV := StateVector{}
	updateMissing := func(client, clock uint64) {
		if m, ok := missingSV[client]; !ok || m > clock {
			missingSV[client] = clock
		}
	}
	var stack []Struct
	addStackToRest := func() {
		for _, s := range stack {
			client := s.ID().Client
			if t, ok := targets[client]; ok {
				t.i--
				restStructs.clients[client] = slices.Clone(t.refs[t.i:])
				t.i, t.refs = 0, nil
				delete(targets, client)
			} else {
				restStructs.clients[client] = []Struct{s}
			}
			clientIDs = slices.DeleteFunc(clientIDs, func(c uint64) bool { return c == client })
		}
		stack = stack[:0]
	}

	state := make(map[uint64]uint64)
	head := cur.refs[cur.i]
	cur.i++
	for {
		if _, skip := head.(*Skip); !skip {
			id := head.ID()
			localClock, ok := state[id.Client]
			if !ok {
				localClock = ss.State(id.Client)
				state[id.Client] = localClock
			}
			if localClock < id.Clock {
				stack = append(stack, head)
				updateMissing(id.Client, id.Clock-1)
				addStackToRest()
			} else if missing, isMissing := head.getMissing(tr, ss); isMissing {
				stack = append(stack, head)
				t := targets[missing]
				if t == nil || t.i == len(t.refs) {
					updateMissing(missing, ss.State(missing))
					addStackToRest()
				} else {
					head = t.refs[t.i]
					t.i++
					continue
				}
			} else if offset := localClock - id.Clock; offset < head.Len() {
				head.integrate(tr, offset)
				state[id.Client] = id.Clock + head.Len()
			}
		}
		if len(stack) > 0 {
			head = stack[len(stack)-1]
			stack = stack[:len(stack)-1]
		} else if cur != nil && cur.i < len(cur.refs) {
			head = cur.refs[cur.i]
			cur.i++
		} else {
			if cur = nextTarget(); cur == nil {
				break
			}
			head = cur.refs[cur.i]
			cur.i++
		}
	}

	if len(restStructs.clients) == 0 {
		return nil
	}
	deferred := 0
	for _, structs := range restStructs.clients {
		deferred += len(structs)
	}
	DeferredStructs.Add(float64(deferred))
	enc := NewUpdateEncoderV2()
	writeClientsStructs(enc, restStructs, StateVector{})
	enc.rest().WriteVarUint(0) // no deletions
	return &pendingStructs{missing: missingSV, update: enc.Bytes()}
}

// decodedUpdate is an update read completely before it touches a document.
type decodedUpdate struct {
	structs map[uint64][]Struct
	ds      *DeleteSet
}

func decodeUpdate(dec updateDecoder) (*decodedUpdate, error) {
	structs := readStructs(dec)
	ds := readDeleteSet(dec)
	if err := dec.Err(); err != nil {
		return nil, errors.Wrap(err, "decode update")
	}
	return &decodedUpdate{structs: structs, ds: ds}, nil
}

// ApplyUpdate integrates a profile 1 update. The update is decoded
// completely first; a malformed update leaves the document untouched.
// Structs and deletions with missing dependencies are kept pending and
// retried when later updates fill the gap.
func ApplyUpdate(doc *Doc, update []byte, origin any) error {
	UpdateSize.WithLabelValues("in", "v1").Observe(float64(len(update)))
	return applyUpdate(doc, NewUpdateDecoderV1(update), origin)
}

// ApplyUpdateV2 is ApplyUpdate for the profile 2 encoding.
func ApplyUpdateV2(doc *Doc, update []byte, origin any) error {
	UpdateSize.WithLabelValues("in", "v2").Observe(float64(len(update)))
	return applyUpdate(doc, NewUpdateDecoderV2(update), origin)
}

func applyUpdate(doc *Doc, dec updateDecoder, origin any) error {
	if doc.destroyed {
		return ycrdt_errors.ErrDocDestroyed
	}
	upd, err := decodeUpdate(dec)
	if err != nil {
		return err
	}
	doc.transact(func(tr *Transaction) {
		tr.local = false
		integrateDecoded(tr, upd)
	}, origin, false)
	return nil
}

func integrateDecoded(tr *Transaction, upd *decodedUpdate) {
	store := tr.doc.store
	retry := false
	rest := integrateStructs(tr, store, upd.structs)
	if pending := store.pending; pending != nil {
		for client, clock := range pending.missing {
			if clock < store.State(client) {
				retry = true
				break
			}
		}
		if rest != nil {
			for client, clock := range rest.missing {
				if m, ok := pending.missing[client]; !ok || m > clock {
					pending.missing[client] = clock
				}
			}
			merged, err := MergeUpdatesV2([][]byte{pending.update, rest.update})
			if err != nil {
				panic(errors.Wrap(err, "merge pending structs"))
			}
			pending.update = merged
		}
	} else {
		store.pending = rest
	}

	dsRest := applyDeleteSet(tr, upd.ds)
	if store.pendingDs != nil {
		dsRest = MergeDeleteSets(dsRest, applyDeleteSet(tr, store.pendingDs))
	}
	if dsRest.IsEmpty() {
		store.pendingDs = nil
	} else {
		store.pendingDs = dsRest
	}

	if retry {
		update := store.pending.update
		store.pending = nil
		again, err := decodeUpdate(NewUpdateDecoderV2(update))
		if err != nil {
			panic(errors.Wrap(err, "decode pending structs"))
		}
		integrateDecoded(tr, again)
	}
}

// writeStateAsUpdate writes all structs beyond sv and the complete delete set.
func writeStateAsUpdate(enc updateEncoder, doc *Doc, sv StateVector) {
	writeClientsStructs(enc, doc.store, sv)
	writeDeleteSet(enc, NewDeleteSetFromStore(doc.store))
}

// EncodeStateAsUpdate encodes everything doc knows beyond sv as a
// profile 1 update; a nil sv encodes the whole document. Pending data is
// included so it can be forwarded.
func EncodeStateAsUpdate(doc *Doc, sv StateVector) []byte {
	enc := NewUpdateEncoderV1()
	writeStateAsUpdate(enc, doc, sv)
	updates := [][]byte{enc.Bytes()}
	for _, u := range pendingUpdatesV2(doc, sv) {
		v1, err := ConvertUpdateFormatV2ToV1(u)
		if err != nil {
			panic(errors.Wrap(err, "convert pending data"))
		}
		updates = append(updates, v1)
	}
	if len(updates) == 1 {
		return updates[0]
	}
	merged, err := MergeUpdates(updates)
	if err != nil {
		panic(errors.Wrap(err, "merge pending data"))
	}
	return merged
}

// EncodeStateAsUpdateV2 is EncodeStateAsUpdate for the profile 2 encoding.
func EncodeStateAsUpdateV2(doc *Doc, sv StateVector) []byte {
	enc := NewUpdateEncoderV2()
	writeStateAsUpdate(enc, doc, sv)
	updates := append([][]byte{enc.Bytes()}, pendingUpdatesV2(doc, sv)...)
	if len(updates) == 1 {
		return updates[0]
	}
	merged, err := MergeUpdatesV2(updates)
	if err != nil {
		panic(errors.Wrap(err, "merge pending data"))
	}
	return merged
}

func pendingUpdatesV2(doc *Doc, sv StateVector) [][]byte {
	var updates [][]byte
	if ds := doc.store.pendingDs; ds != nil {
		enc := NewUpdateEncoderV2()
		enc.rest().WriteVarUint(0)
		writeDeleteSet(enc, ds)
		updates = append(updates, enc.Bytes())
	}
	if p := doc.store.pending; p != nil {
		diff, err := DiffUpdateV2(p.update, sv)
		if err != nil {
			panic(errors.Wrap(err, "diff pending structs"))
		}
		updates = append(updates, diff)
	}
	return updates
}

// writeUpdateMessageFromTransaction writes the changes of tr and reports
// whether there were any.
func writeUpdateMessageFromTransaction(enc updateEncoder, tr *Transaction) bool {
	if !tr.hasChanges() {
		return false
	}
	tr.deleteSet.SortAndMerge()
	writeClientsStructs(enc, tr.doc.store, tr.beforeState)
	writeDeleteSet(enc, tr.deleteSet)
	return true
}

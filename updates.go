package ycrdt

import (
	"fmt"
	"strings"

	"github.com/drpcorg/ycrdt/utils"
	"github.com/drpcorg/ycrdt/ycrdt_errors"
	"github.com/pkg/errors"
)

// updateFormat bundles the codecs of one wire profile.
type updateFormat struct {
	name       string
	newDecoder func(data []byte) updateDecoder
	newEncoder func() updateEncoder
}

var formatV1 = updateFormat{
	name:       "v1",
	newDecoder: func(data []byte) updateDecoder { return NewUpdateDecoderV1(data) },
	newEncoder: func() updateEncoder { return NewUpdateEncoderV1() },
}

var formatV2 = updateFormat{
	name:       "v2",
	newDecoder: func(data []byte) updateDecoder { return NewUpdateDecoderV2(data) },
	newEncoder: func() updateEncoder { return NewUpdateEncoderV2() },
}

// lazyStructReader walks the structs of an update in stream order. After
// the last struct the decoder is positioned at the delete set.
type lazyStructReader struct {
	structs     []Struct
	pos         int
	curr        Struct
	filterSkips bool
}

func newLazyStructReader(dec updateDecoder, filterSkips bool) (*lazyStructReader, error) {
	r := &lazyStructReader{structs: readStructList(dec), pos: -1, filterSkips: filterSkips}
	if err := dec.Err(); err != nil {
		return nil, errors.Wrap(err, "decode structs")
	}
	r.next()
	return r, nil
}

func (r *lazyStructReader) next() Struct {
	for {
		r.pos++
		if r.pos >= len(r.structs) {
			r.curr = nil
			return nil
		}
		r.curr = r.structs[r.pos]
		if _, skip := r.curr.(*Skip); !skip || !r.filterSkips {
			return r.curr
		}
	}
}

type clientStructs struct {
	written uint64
	rest    []byte
}

// lazyStructWriter writes structs client by client without knowing the
// number of clients in advance.
type lazyStructWriter struct {
	enc        updateEncoder
	currClient uint64
	written    uint64
	parts      []clientStructs
}

func newLazyStructWriter(enc updateEncoder) *lazyStructWriter {
	return &lazyStructWriter{enc: enc}
}

func (w *lazyStructWriter) flush() {
	if w.written > 0 {
		w.parts = append(w.parts, clientStructs{written: w.written, rest: w.enc.swapRest()})
		w.written = 0
	}
}

func (w *lazyStructWriter) write(s Struct, offset uint64) {
	id := s.ID()
	if w.written > 0 && w.currClient != id.Client {
		w.flush()
	}
	if w.written == 0 {
		w.currClient = id.Client
		w.enc.writeClient(id.Client)
		w.enc.rest().WriteVarUint(id.Clock + offset)
	}
	s.write(w.enc, offset)
	w.written++
}

func (w *lazyStructWriter) finish() {
	w.flush()
	rest := w.enc.rest()
	rest.WriteVarUint(uint64(len(w.parts)))
	for _, part := range w.parts {
		rest.WriteVarUint(part.written)
		rest.WriteBytes(part.rest)
	}
}

// MergeUpdates combines profile 1 updates into one. Overlapping ranges
// are written once; holes between known ranges become skips.
func MergeUpdates(updates [][]byte) ([]byte, error) {
	return mergeUpdates(updates, formatV1)
}

func MergeUpdatesV2(updates [][]byte) ([]byte, error) {
	return mergeUpdates(updates, formatV2)
}

type mergeSource struct {
	index  int
	reader *lazyStructReader
}

// mergeSourceLess orders readers by client descending, then clock, then
// real structs before skips. Exhausted readers come first so they can be
// dropped.
func mergeSourceLess(a, b *mergeSource) bool {
	x, y := a.reader.curr, b.reader.curr
	if x == nil || y == nil {
		return x == nil && y != nil
	}
	xid, yid := x.ID(), y.ID()
	if xid.Client != yid.Client {
		return xid.Client > yid.Client
	}
	if xid.Clock != yid.Clock {
		return xid.Clock < yid.Clock
	}
	_, xskip := x.(*Skip)
	_, yskip := y.(*Skip)
	if xskip != yskip {
		return !xskip
	}
	return a.index < b.index
}

type pendingWrite struct {
	s      Struct
	offset uint64
}

func structEnd(s Struct) uint64 {
	return s.ID().Clock + s.Len()
}

func mergeUpdates(updates [][]byte, f updateFormat) ([]byte, error) {
	if len(updates) == 1 {
		return updates[0], nil
	}
	decoders := make([]updateDecoder, len(updates))
	sources := make([]*mergeSource, len(updates))
	for i, u := range updates {
		decoders[i] = f.newDecoder(u)
		r, err := newLazyStructReader(decoders[i], true)
		if err != nil {
			return nil, err
		}
		sources[i] = &mergeSource{index: i, reader: r}
	}
	heap := utils.NewHeap(mergeSourceLess, sources...)
	enc := f.newEncoder()
	w := newLazyStructWriter(enc)
	var cw *pendingWrite
	for {
		heap.Fix(0)
		for heap.Len() > 0 && heap.Peek().reader.curr == nil {
			heap.Pop()
		}
		if heap.Len() == 0 {
			break
		}
		src := heap.Peek().reader
		firstClient := src.curr.ID().Client
		if cw != nil {
			curr := src.curr
			iterated := false
			for curr != nil && structEnd(curr) <= structEnd(cw.s) && curr.ID().Client >= cw.s.ID().Client {
				curr = src.next()
				iterated = true
			}
			if curr == nil || curr.ID().Client != firstClient || (iterated && curr.ID().Clock > structEnd(cw.s)) {
				continue
			}
			if firstClient != cw.s.ID().Client {
				w.write(cw.s, cw.offset)
				cw = &pendingWrite{s: curr}
				src.next()
			} else if structEnd(cw.s) < curr.ID().Clock {
				// a gap between the known ranges
				if skip, ok := cw.s.(*Skip); ok {
					skip.length = structEnd(curr) - skip.id.Clock
				} else {
					w.write(cw.s, cw.offset)
					gap := curr.ID().Clock - structEnd(cw.s)
					cw = &pendingWrite{s: NewSkip(ID{firstClient, structEnd(cw.s)}, gap)}
				}
			} else {
				if diff := structEnd(cw.s) - curr.ID().Clock; diff > 0 {
					if skip, ok := cw.s.(*Skip); ok {
						skip.length -= diff
					} else {
						curr = sliceStruct(curr, diff)
					}
				}
				if !cw.s.mergeWith(curr) {
					w.write(cw.s, cw.offset)
					cw = &pendingWrite{s: curr}
					src.next()
				}
			}
		} else {
			cw = &pendingWrite{s: src.curr}
			src.next()
		}
		for next := src.curr; next != nil && next.ID().Client == firstClient && next.ID().Clock == structEnd(cw.s); next = src.next() {
			if _, skip := next.(*Skip); skip {
				break
			}
			w.write(cw.s, cw.offset)
			cw = &pendingWrite{s: next}
		}
	}
	if cw != nil {
		w.write(cw.s, cw.offset)
	}
	w.finish()
	dss := make([]*DeleteSet, len(decoders))
	for i, dec := range decoders {
		dss[i] = readDeleteSet(dec)
		if err := dec.Err(); err != nil {
			return nil, errors.Wrap(err, "decode delete set")
		}
	}
	writeDeleteSet(enc, MergeDeleteSets(dss...))
	MergedUpdates.WithLabelValues(f.name).Inc()
	return enc.Bytes(), nil
}

// DiffUpdate returns the part of a profile 1 update that is not covered
// by sv. The delete set is kept whole.
func DiffUpdate(update []byte, sv StateVector) ([]byte, error) {
	return diffUpdate(update, sv, formatV1)
}

func DiffUpdateV2(update []byte, sv StateVector) ([]byte, error) {
	return diffUpdate(update, sv, formatV2)
}

func diffUpdate(update []byte, sv StateVector, f updateFormat) ([]byte, error) {
	enc := f.newEncoder()
	w := newLazyStructWriter(enc)
	dec := f.newDecoder(update)
	r, err := newLazyStructReader(dec, false)
	if err != nil {
		return nil, err
	}
	for r.curr != nil {
		curr := r.curr
		client := curr.ID().Client
		svClock := sv.Get(client)
		if _, skip := curr.(*Skip); skip {
			r.next()
			continue
		}
		if structEnd(curr) > svClock {
			offset := uint64(0)
			if svClock > curr.ID().Clock {
				offset = svClock - curr.ID().Clock
			}
			w.write(curr, offset)
			for r.next(); r.curr != nil && r.curr.ID().Client == client; r.next() {
				w.write(r.curr, 0)
			}
		} else {
			for r.curr != nil && r.curr.ID().Client == client && structEnd(r.curr) <= svClock {
				r.next()
			}
		}
	}
	w.finish()
	ds := readDeleteSet(dec)
	if err := dec.Err(); err != nil {
		return nil, errors.Wrap(err, "decode delete set")
	}
	writeDeleteSet(enc, ds)
	return enc.Bytes(), nil
}

// StateVectorFromUpdate computes the state an update advances a client
// to. Clients whose structs do not start at clock zero, and clocks after
// a skip, are not counted.
func StateVectorFromUpdate(update []byte) (StateVector, error) {
	return stateVectorFromUpdate(update, formatV1)
}

func StateVectorFromUpdateV2(update []byte) (StateVector, error) {
	return stateVectorFromUpdate(update, formatV2)
}

func stateVectorFromUpdate(update []byte, f updateFormat) (StateVector, error) {
	r, err := newLazyStructReader(f.newDecoder(update), false)
	if err != nil {
		return nil, err
	}
	sv := StateVector{}
	if r.curr == nil {
		return sv, nil
	}
	currClient := r.curr.ID().Client
	stopCounting := r.curr.ID().Clock != 0
	currClock := uint64(0)
	for curr := r.curr; curr != nil; curr = r.next() {
		id := curr.ID()
		if id.Client != currClient {
			if currClock != 0 {
				sv[currClient] = currClock
			}
			currClient, currClock = id.Client, 0
			stopCounting = id.Clock != 0
		}
		if _, skip := curr.(*Skip); skip {
			stopCounting = true
		}
		if !stopCounting {
			currClock = structEnd(curr)
		}
	}
	if currClock != 0 {
		sv[currClient] = currClock
	}
	return sv, nil
}

// EncodeStateVectorFromUpdate is StateVectorFromUpdate in wire form.
func EncodeStateVectorFromUpdate(update []byte) ([]byte, error) {
	sv, err := StateVectorFromUpdate(update)
	if err != nil {
		return nil, err
	}
	return EncodeStateVector(sv), nil
}

func EncodeStateVectorFromUpdateV2(update []byte) ([]byte, error) {
	sv, err := StateVectorFromUpdateV2(update)
	if err != nil {
		return nil, err
	}
	return EncodeStateVector(sv), nil
}

// UpdateMeta is the clock range an update covers per client.
type UpdateMeta struct {
	From StateVector
	To   StateVector
}

func ParseUpdateMeta(update []byte) (UpdateMeta, error) {
	return parseUpdateMeta(update, formatV1)
}

func ParseUpdateMetaV2(update []byte) (UpdateMeta, error) {
	return parseUpdateMeta(update, formatV2)
}

func parseUpdateMeta(update []byte, f updateFormat) (UpdateMeta, error) {
	meta := UpdateMeta{From: StateVector{}, To: StateVector{}}
	r, err := newLazyStructReader(f.newDecoder(update), false)
	if err != nil {
		return meta, err
	}
	curr := r.curr
	if curr == nil {
		return meta, nil
	}
	currClient, currClock := curr.ID().Client, curr.ID().Clock
	meta.From[currClient] = currClock
	for ; curr != nil; curr = r.next() {
		id := curr.ID()
		if id.Client != currClient {
			meta.To[currClient] = currClock
			meta.From[id.Client] = id.Clock
			currClient = id.Client
		}
		currClock = structEnd(curr)
	}
	meta.To[currClient] = currClock
	return meta, nil
}

func convertUpdateFormat(update []byte, transform func(Struct) Struct, from, to updateFormat) ([]byte, error) {
	dec := from.newDecoder(update)
	r, err := newLazyStructReader(dec, false)
	if err != nil {
		return nil, err
	}
	enc := to.newEncoder()
	w := newLazyStructWriter(enc)
	for curr := r.curr; curr != nil; curr = r.next() {
		w.write(transform(curr), 0)
	}
	w.finish()
	ds := readDeleteSet(dec)
	if err := dec.Err(); err != nil {
		return nil, errors.Wrap(err, "decode delete set")
	}
	writeDeleteSet(enc, ds)
	return enc.Bytes(), nil
}

func identityStruct(s Struct) Struct { return s }

func ConvertUpdateFormatV1ToV2(update []byte) ([]byte, error) {
	return convertUpdateFormat(update, identityStruct, formatV1, formatV2)
}

func ConvertUpdateFormatV2ToV1(update []byte) ([]byte, error) {
	return convertUpdateFormat(update, identityStruct, formatV2, formatV1)
}

// ObfuscatorOptions selects what ObfuscateUpdate scrambles besides
// content and map keys.
type ObfuscatorOptions struct {
	KeepFormatting bool
	KeepSubdocs    bool
	KeepXml        bool
}

// newObfuscator replaces user content by placeholders of the same shape
// so an update can be shared for debugging. Equal names map to equal
// placeholders within one update.
func newObfuscator(opts ObfuscatorOptions) func(Struct) Struct {
	i := 0
	mapKeys := make(map[string]string)
	nodeNames := make(map[string]string)
	formatKeys := make(map[string]string)
	formatValues := make(map[string]any)
	cached := func(cache map[string]string, key string, mk func() string) string {
		if v, ok := cache[key]; ok {
			return v
		}
		v := mk()
		cache[key] = v
		return v
	}
	return func(s Struct) Struct {
		item, ok := s.(*Item)
		if !ok {
			return s
		}
		switch c := item.content.(type) {
		case *ContentDeleted:
		case *ContentType:
			if !opts.KeepXml {
				switch c.typ.kind {
				case KindXmlElement:
					c.typ.name = cached(nodeNames, c.typ.name, func() string { return fmt.Sprintf("node-%d", i) })
				case KindXmlHook:
					c.typ.name = cached(nodeNames, c.typ.name, func() string { return fmt.Sprintf("hook-%d", i) })
				}
			}
		case *ContentAny:
			for j := range c.arr {
				c.arr[j] = int64(i)
			}
		case *ContentJSON:
			for j := range c.arr {
				c.arr[j] = int64(i)
			}
		case *ContentBinary:
			c.content = []byte{byte(i)}
		case *ContentDoc:
			if !opts.KeepSubdocs {
				c.opts = map[string]any{}
				c.doc.guid = fmt.Sprint(i)
			}
		case *ContentEmbed:
			c.embed = map[string]any{}
		case *ContentFormat:
			if !opts.KeepFormatting {
				c.key = cached(formatKeys, c.key, func() string { return fmt.Sprint(i) })
				if c.value != nil {
					vkey := marshalJSON(c.value)
					v, ok := formatValues[vkey]
					if !ok {
						v = map[string]any{"i": int64(i)}
						formatValues[vkey] = v
					}
					c.value = v
				}
			}
		case *ContentString:
			c.str = strings.Repeat(fmt.Sprint(i%10), int(c.ulen))
		default:
			panic(fmt.Errorf("%w: %T", ycrdt_errors.ErrUnknownContent, c))
		}
		if item.parentSub != nil {
			sub := cached(mapKeys, *item.parentSub, func() string { return fmt.Sprint(i) })
			item.parentSub = &sub
		}
		i++
		return s
	}
}

// ObfuscateUpdate rewrites a profile 1 update keeping its structure and
// dropping its content.
func ObfuscateUpdate(update []byte, opts ObfuscatorOptions) ([]byte, error) {
	return convertUpdateFormat(update, newObfuscator(opts), formatV1, formatV1)
}

func ObfuscateUpdateV2(update []byte, opts ObfuscatorOptions) ([]byte, error) {
	return convertUpdateFormat(update, newObfuscator(opts), formatV2, formatV2)
}

// DecodedUpdate is the readable form of an update.
type DecodedUpdate struct {
	Structs   []Struct
	DeleteSet *DeleteSet
}

func (u *DecodedUpdate) String() string {
	var sb strings.Builder
	for _, s := range u.Structs {
		sb.WriteString(describeStruct(s))
		sb.WriteByte('\n')
	}
	for _, client := range sortedClients(u.DeleteSet.Clients) {
		for _, d := range u.DeleteSet.Clients[client] {
			fmt.Fprintf(&sb, "delete %x [%d, %d)\n", client, d.Clock, d.Clock+d.Len)
		}
	}
	return sb.String()
}

func describeStruct(s Struct) string {
	item, ok := s.(*Item)
	if !ok {
		return fmt.Sprint(s)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "item %s len=%d", item.id, item.length)
	if item.origin != nil {
		fmt.Fprintf(&sb, " origin=%s", *item.origin)
	}
	if item.rightOrigin != nil {
		fmt.Fprintf(&sb, " right=%s", *item.rightOrigin)
	}
	switch {
	case item.parentKey != nil:
		fmt.Fprintf(&sb, " parent=%q", *item.parentKey)
	case item.parentID != nil:
		fmt.Fprintf(&sb, " parent=%s", *item.parentID)
	case item.parent != nil && item.parent.item == nil:
		fmt.Fprintf(&sb, " parent=%q", item.parent.rootKey)
	}
	if item.parentSub != nil {
		fmt.Fprintf(&sb, " key=%q", *item.parentSub)
	}
	if item.Deleted() {
		sb.WriteString(" deleted")
	}
	sb.WriteString(" " + describeContent(item.content))
	return sb.String()
}

// DecodeUpdate reads a profile 1 update for inspection.
func DecodeUpdate(update []byte) (*DecodedUpdate, error) {
	return decodeForInspection(update, formatV1)
}

func DecodeUpdateV2(update []byte) (*DecodedUpdate, error) {
	return decodeForInspection(update, formatV2)
}

func decodeForInspection(update []byte, f updateFormat) (*DecodedUpdate, error) {
	dec := f.newDecoder(update)
	structs := readStructList(dec)
	ds := readDeleteSet(dec)
	if err := dec.Err(); err != nil {
		return nil, errors.Wrap(err, "decode update")
	}
	return &DecodedUpdate{Structs: structs, DeleteSet: ds}, nil
}

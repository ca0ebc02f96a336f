package ycrdt

import (
	"fmt"
	"slices"
	"strings"

	"github.com/drpcorg/ycrdt/protocol"
	"github.com/drpcorg/ycrdt/ycrdt_errors"
)

// TypeKind selects the behaviour of a Branch; the value is its wire type reference.
type TypeKind uint8

const (
	KindArray       TypeKind = 0
	KindMap         TypeKind = 1
	KindText        TypeKind = 2
	KindXmlElement  TypeKind = 3
	KindXmlFragment TypeKind = 4
	KindXmlHook     TypeKind = 5
	KindXmlText     TypeKind = 6
	// KindAbstract is a root branch whose kind is not known yet.
	KindAbstract TypeKind = 0xff
)

func (k TypeKind) String() string {
	switch k {
	case KindArray:
		return "array"
	case KindMap:
		return "map"
	case KindText:
		return "text"
	case KindXmlElement:
		return "xml-element"
	case KindXmlFragment:
		return "xml-fragment"
	case KindXmlHook:
		return "xml-hook"
	case KindXmlText:
		return "xml-text"
	case KindAbstract:
		return "abstract"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func (k TypeKind) usesMarkers() bool {
	return k == KindArray || k == KindText || k == KindXmlText
}

func (k TypeKind) isText() bool {
	return k == KindText || k == KindXmlText
}

/*
Branch is a shared container: an ordered list of items starting at start
plus a map of keyed items. Each keyed slot is itself a list whose rightmost
item holds the current value.
*/
type Branch struct {
	kind    TypeKind
	name    string // node name of an xml element, hook name of an xml hook
	rootKey string
	item    *Item
	doc     *Doc
	start   *Item
	itemMap map[string]*Item
	length  uint64
	markers *markerCache

	observers     *Observers[*Event]
	deepObservers *Observers[[]*Event]
}

func newBranch(kind TypeKind, name string) *Branch {
	b := &Branch{
		kind:          kind,
		name:          name,
		itemMap:       make(map[string]*Item),
		observers:     NewObservers[*Event]("observe"),
		deepObservers: NewObservers[[]*Event]("observeDeep"),
	}
	if kind.usesMarkers() {
		b.markers = newMarkerCache()
	}
	return b
}

// NewBranch creates a detached container to be inserted as a nested value.
func NewBranch(kind TypeKind) *Branch {
	return newBranch(kind, "")
}

func NewXmlElement(nodeName string) *Branch {
	return newBranch(KindXmlElement, nodeName)
}

func NewXmlHook(hookName string) *Branch {
	return newBranch(KindXmlHook, hookName)
}

func (b *Branch) Kind() TypeKind { return b.kind }
func (b *Branch) Name() string   { return b.name }
func (b *Branch) Doc() *Doc      { return b.doc }
func (b *Branch) Item() *Item    { return b.item }
func (b *Branch) First() *Item   { return b.start }

// Len is the number of countable, non-deleted list units.
func (b *Branch) Len() int {
	return int(b.length)
}

// Parent returns the enclosing branch, nil for roots.
func (b *Branch) Parent() *Branch {
	if b.item == nil {
		return nil
	}
	return b.item.parent
}

func (b *Branch) integrate(doc *Doc, item *Item) {
	b.doc = doc
	b.item = item
}

func (b *Branch) copyEmpty() *Branch {
	return newBranch(b.kind, b.name)
}

func (b *Branch) write(enc updateEncoder) {
	if b.kind == KindAbstract {
		panic(fmt.Errorf("%w: abstract branch cannot be nested", ycrdt_errors.ErrUnexpectedCase))
	}
	enc.writeTypeRef(uint8(b.kind))
	if b.kind == KindXmlElement || b.kind == KindXmlHook {
		enc.writeKey(b.name)
	}
}

func (b *Branch) sortedMapKeys() []string {
	keys := make([]string, 0, len(b.itemMap))
	for k := range b.itemMap {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func (b *Branch) checkTx(tr *Transaction) error {
	if b.doc == nil {
		return ycrdt_errors.ErrTypeNotIntegrated
	}
	if tr == nil || tr.doc != b.doc {
		return ycrdt_errors.ErrNotSameDoc
	}
	return nil
}

// Undefined is the value of array slots and keys holding no value.
var Undefined = protocol.Undefined

// normalizeAny validates v and converts it to the form it takes after a
// round trip through the wire, so local and remote replicas hold equal values.
func normalizeAny(v any) (any, error) {
	enc := protocol.NewEncoder()
	if err := enc.WriteAny(v); err != nil {
		return nil, fmt.Errorf("%w: %v", ycrdt_errors.ErrUnsupportedValue, err)
	}
	dec := protocol.NewDecoder(enc.Bytes())
	return dec.ReadAny(), dec.Err()
}

// toContents groups values into contents: plain values share one
// ContentAny, byte slices, branches and documents get their own.
func toContents(values []any) ([]Content, error) {
	var out []Content
	var pack []any
	flush := func() {
		if len(pack) > 0 {
			out = append(out, &ContentAny{arr: pack})
			pack = nil
		}
	}
	for _, v := range values {
		switch x := v.(type) {
		case []byte:
			flush()
			out = append(out, &ContentBinary{content: slices.Clone(x)})
		case *Branch:
			if x.doc != nil || x.item != nil {
				return nil, fmt.Errorf("%w: branch is already integrated", ycrdt_errors.ErrUnsupportedValue)
			}
			flush()
			out = append(out, &ContentType{typ: x})
		case *Doc:
			if x.item != nil {
				return nil, fmt.Errorf("%w: document is already a subdocument", ycrdt_errors.ErrUnsupportedValue)
			}
			flush()
			out = append(out, newContentDoc(x))
		default:
			n, err := normalizeAny(v)
			if err != nil {
				return nil, err
			}
			pack = append(pack, n)
		}
	}
	flush()
	return out, nil
}

func (b *Branch) insertContentsAfter(tr *Transaction, left *Item, contents []Content) {
	doc := tr.doc
	var right *Item
	if left == nil {
		right = b.start
	} else {
		right = left.right
	}
	for _, c := range contents {
		var origin *ID
		if left != nil {
			o := left.LastID()
			origin = &o
		}
		var rightOrigin *ID
		if right != nil {
			ro := right.id
			rightOrigin = &ro
		}
		id := ID{doc.clientID, doc.store.State(doc.clientID)}
		item := newItem(id, left, origin, right, rightOrigin, b, nil, c)
		item.integrate(tr, 0)
		left = item
	}
}

// insertContents places contents so the first lands at list index.
func (b *Branch) insertContents(tr *Transaction, index int, contents []Content) error {
	if index < 0 || index > b.Len() {
		return ycrdt_errors.ErrLengthExceeded
	}
	length := 0
	for _, c := range contents {
		if c.Countable() {
			length += int(c.Len())
		}
	}
	if index == 0 {
		b.updateMarkerChanges(index, length)
		b.insertContentsAfter(tr, nil, contents)
		return nil
	}
	startIndex := index
	n := b.start
	if marker := b.findMarker(index); marker != nil {
		n = marker.p
		index -= marker.index
		if index == 0 {
			n = n.Prev()
			if n != nil && n.Countable() && !n.Deleted() {
				index += int(n.length)
			}
		}
	}
	for ; n != nil; n = n.right {
		if !n.Deleted() && n.Countable() {
			if index <= int(n.length) {
				if index < int(n.length) {
					tr.doc.store.getItemCleanStart(tr, ID{n.id.Client, n.id.Clock + uint64(index)})
				}
				break
			}
			index -= int(n.length)
		}
	}
	b.updateMarkerChanges(startIndex, length)
	b.insertContentsAfter(tr, n, contents)
	return nil
}

// Insert places values at index. Plain values must be encodable as tagged
// values; []byte, *Branch and *Doc become binary, nested and subdocument items.
func (b *Branch) Insert(tr *Transaction, index int, values ...any) error {
	if err := b.checkTx(tr); err != nil {
		return err
	}
	contents, err := toContents(values)
	if err != nil {
		return err
	}
	return b.insertContents(tr, index, contents)
}

func (b *Branch) Push(tr *Transaction, values ...any) error {
	return b.Insert(tr, b.Len(), values...)
}

// InsertString inserts text; index counts UTF-16 units.
func (b *Branch) InsertString(tr *Transaction, index int, s string) error {
	if err := b.checkTx(tr); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	return b.insertContents(tr, index, []Content{NewContentString(s)})
}

func (b *Branch) InsertEmbed(tr *Transaction, index int, embed any) error {
	if err := b.checkTx(tr); err != nil {
		return err
	}
	n, err := normalizeAny(embed)
	if err != nil {
		return err
	}
	return b.insertContents(tr, index, []Content{&ContentEmbed{embed: n}})
}

// InsertFormat places a formatting marker at index. A nil value ends a
// formatted range.
func (b *Branch) InsertFormat(tr *Transaction, index int, key string, value any) error {
	if err := b.checkTx(tr); err != nil {
		return err
	}
	n, err := normalizeAny(value)
	if err != nil {
		return err
	}
	return b.insertContents(tr, index, []Content{&ContentFormat{key: key, value: n}})
}

// Delete removes length list units starting at index. Only countable
// items are removed; formatting markers inside the range stay so the
// attributes around the gap keep their meaning.
func (b *Branch) Delete(tr *Transaction, index, length int) error {
	if err := b.checkTx(tr); err != nil {
		return err
	}
	if length == 0 {
		return nil
	}
	if index < 0 || length < 0 || index+length > b.Len() {
		return ycrdt_errors.ErrLengthExceeded
	}
	store := tr.doc.store
	startIndex, startLength := index, length
	n := b.start
	if marker := b.findMarker(index); marker != nil {
		n = marker.p
		index -= marker.index
	}
	for ; n != nil && index > 0; n = n.right {
		if !n.Deleted() && n.Countable() {
			if index < int(n.length) {
				store.getItemCleanStart(tr, ID{n.id.Client, n.id.Clock + uint64(index)})
			}
			index -= int(n.length)
		}
	}
	for length > 0 && n != nil {
		if !n.Deleted() && n.Countable() {
			if length < int(n.length) {
				store.getItemCleanStart(tr, ID{n.id.Client, n.id.Clock + uint64(length)})
			}
			n.Delete(tr)
			length -= int(n.length)
		}
		n = n.right
	}
	b.updateMarkerChanges(startIndex, -startLength+length)
	return nil
}

// Get returns the list value at index.
func (b *Branch) Get(index int) (any, bool) {
	if index < 0 {
		return nil, false
	}
	n := b.start
	if marker := b.findMarker(index); marker != nil {
		n = marker.p
		index -= marker.index
	}
	for ; n != nil; n = n.right {
		if !n.Deleted() && n.Countable() {
			if index < int(n.length) {
				return n.content.Values()[index], true
			}
			index -= int(n.length)
		}
	}
	return nil, false
}

// Values lists the visible list values in order.
func (b *Branch) Values() []any {
	vals := make([]any, 0, b.length)
	for n := b.start; n != nil; n = n.right {
		if n.Countable() && !n.Deleted() {
			vals = append(vals, n.content.Values()...)
		}
	}
	return vals
}

// ValuesAt lists the list values visible in a snapshot; a nil snapshot
// means the current state. Items are split at the snapshot boundaries
// first. The document must not collect garbage, otherwise content deleted
// after the snapshot is already gone.
func (b *Branch) ValuesAt(snap *Snapshot) ([]any, error) {
	if snap == nil {
		return b.Values(), nil
	}
	var vals []any
	collect := func() {
		for n := b.start; n != nil; n = n.right {
			if n.Countable() && IsVisible(n, snap) {
				vals = append(vals, n.content.Values()...)
			}
		}
	}
	if b.doc == nil {
		collect()
		return vals, nil
	}
	// split items are merged again on cleanup, so read inside the transaction
	err := b.doc.Transact(func(tr *Transaction) {
		splitSnapshotAffectedStructs(tr, snap)
		collect()
	}, nil)
	return vals, err
}

// Set writes value under key; the previous value is superseded.
func (b *Branch) Set(tr *Transaction, key string, value any) error {
	if err := b.checkTx(tr); err != nil {
		return err
	}
	contents, err := toContents([]any{value})
	if err != nil {
		return err
	}
	left := b.itemMap[key]
	var origin *ID
	if left != nil {
		o := left.LastID()
		origin = &o
	}
	doc := tr.doc
	sub := key
	id := ID{doc.clientID, doc.store.State(doc.clientID)}
	newItem(id, left, origin, nil, nil, b, &sub, contents[0]).integrate(tr, 0)
	return nil
}

// GetKey returns the current value of key.
func (b *Branch) GetKey(key string) (any, bool) {
	item, ok := b.itemMap[key]
	if !ok || item.Deleted() {
		return nil, false
	}
	vals := item.content.Values()
	return vals[item.length-1], true
}

func (b *Branch) HasKey(key string) bool {
	item, ok := b.itemMap[key]
	return ok && !item.Deleted()
}

func (b *Branch) DeleteKey(tr *Transaction, key string) error {
	if err := b.checkTx(tr); err != nil {
		return err
	}
	if item, ok := b.itemMap[key]; ok {
		item.Delete(tr)
	}
	return nil
}

// Keys returns the live keys in sorted order.
func (b *Branch) Keys() []string {
	var keys []string
	for _, k := range b.sortedMapKeys() {
		if !b.itemMap[k].Deleted() {
			keys = append(keys, k)
		}
	}
	return keys
}

func (b *Branch) ToMap() map[string]any {
	m := make(map[string]any)
	for _, k := range b.Keys() {
		m[k], _ = b.GetKey(k)
	}
	return m
}

// InferredKind reports the kind of b. A root that so far only arrived
// through updates has no kind of its own yet; its kind is guessed from
// the content, text winning over array when both could fit.
func (b *Branch) InferredKind() TypeKind {
	if b.kind != KindAbstract {
		return b.kind
	}
	for n := b.start; n != nil; n = n.right {
		switch c := n.content.(type) {
		case *ContentString, *ContentFormat, *ContentEmbed:
			return KindText
		case *ContentType:
			switch c.typ.kind {
			case KindXmlElement, KindXmlText, KindXmlHook:
				return KindXmlFragment
			}
		}
	}
	switch {
	case b.start != nil:
		return KindArray
	case len(b.itemMap) > 0:
		return KindMap
	}
	return KindAbstract
}

// ToJSON converts the branch and nested branches into plain values.
func (b *Branch) ToJSON() any {
	switch b.InferredKind() {
	case KindText, KindXmlText, KindXmlElement, KindXmlFragment, KindXmlHook:
		return b.String()
	case KindMap:
		m := b.ToMap()
		for k, v := range m {
			m[k] = toJSONValue(v)
		}
		return m
	}
	vals := b.Values()
	for i, v := range vals {
		vals[i] = toJSONValue(v)
	}
	return vals
}

func toJSONValue(v any) any {
	switch x := v.(type) {
	case *Branch:
		return x.ToJSON()
	case *Doc:
		return map[string]any{"guid": x.guid}
	}
	return v
}

// String renders text content as text and xml as markup.
func (b *Branch) String() string {
	var sb strings.Builder
	switch b.InferredKind() {
	case KindText, KindXmlText:
		for n := b.start; n != nil; n = n.right {
			if cs, ok := n.content.(*ContentString); ok && !n.Deleted() {
				sb.WriteString(cs.str)
			}
		}
	case KindXmlElement:
		sb.WriteString("<" + b.name)
		for _, k := range b.Keys() {
			v, _ := b.GetKey(k)
			fmt.Fprintf(&sb, " %s=%q", k, fmt.Sprint(v))
		}
		sb.WriteString(">")
		b.writeChildren(&sb)
		sb.WriteString("</" + b.name + ">")
	case KindXmlFragment:
		b.writeChildren(&sb)
	default:
		fmt.Fprint(&sb, b.ToJSON())
	}
	return sb.String()
}

func (b *Branch) writeChildren(sb *strings.Builder) {
	for _, v := range b.Values() {
		if child, ok := v.(*Branch); ok {
			sb.WriteString(child.String())
		} else {
			fmt.Fprint(sb, v)
		}
	}
}

// Observe registers a callback for changes of this branch.
func (b *Branch) Observe(fn func(*Event)) (unsubscribe func()) {
	return b.observers.On(fn)
}

// ObserveDeep registers a callback for changes of this branch or any
// nested branch; events arrive sorted by path length.
func (b *Branch) ObserveDeep(fn func([]*Event)) (unsubscribe func()) {
	return b.deepObservers.On(fn)
}

func (b *Branch) callObserver(tr *Transaction, cs *changeSet) {
	if !tr.local && b.markers != nil {
		b.markers.purge()
	}
	ev := newEvent(b, tr, cs)
	for t := b; ; {
		tr.changedParentTypes.add(t, ev)
		if t.item == nil || t.item.parent == nil {
			break
		}
		t = t.item.parent
	}
	b.observers.emit(tr.doc.log, ev)
}

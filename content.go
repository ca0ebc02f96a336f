package ycrdt

import (
	"fmt"
	"unicode/utf8"

	"github.com/drpcorg/ycrdt/protocol"
	"github.com/drpcorg/ycrdt/ycrdt_errors"
)

// Content reference numbers, the low five bits of the item info byte.
const (
	RefContentDeleted = 1
	RefContentJSON    = 2
	RefContentBinary  = 3
	RefContentString  = 4
	RefContentEmbed   = 5
	RefContentFormat  = 6
	RefContentType    = 7
	RefContentAny     = 8
	RefContentDoc     = 9
)

// Content is the payload of an Item.
type Content interface {
	// Len is the number of clocks the content occupies.
	Len() uint64
	Values() []any
	// Countable content contributes to the length of its branch.
	Countable() bool
	Copy() Content
	Ref() uint8
	// splice keeps [0, offset) and returns the rest.
	splice(offset uint64) Content
	mergeWith(right Content) bool
	integrate(tr *Transaction, item *Item)
	delete(tr *Transaction)
	gc(store *StructStore)
	write(enc updateEncoder, offset uint64)
}

func sameContentKind(a, b Content) bool {
	return a.Ref() == b.Ref()
}

func cannotSplit(c Content) Content {
	panic(fmt.Errorf("%w: %T cannot be split", ycrdt_errors.ErrUnexpectedCase, c))
}

func readContent(dec updateDecoder, info uint8) Content {
	switch info & contentRefMask {
	case RefContentDeleted:
		return NewContentDeleted(dec.readLen())
	case RefContentJSON:
		n := dec.readLen()
		arr := make([]any, 0, min(n, 1024))
		for i := uint64(0); i < n && dec.Err() == nil; i++ {
			arr = append(arr, unmarshalJSON(dec.rest(), dec.readString()))
		}
		return &ContentJSON{arr: arr}
	case RefContentBinary:
		return &ContentBinary{content: dec.readBuf()}
	case RefContentString:
		return NewContentString(dec.readString())
	case RefContentEmbed:
		return &ContentEmbed{embed: dec.readJSON()}
	case RefContentFormat:
		key := dec.readKey()
		return &ContentFormat{key: key, value: dec.readJSON()}
	case RefContentType:
		return readContentType(dec)
	case RefContentAny:
		n := dec.readLen()
		arr := make([]any, 0, min(n, 1024))
		for i := uint64(0); i < n && dec.Err() == nil; i++ {
			arr = append(arr, dec.readAny())
		}
		return &ContentAny{arr: arr}
	case RefContentDoc:
		guid := dec.readString()
		opts, _ := dec.readAny().(map[string]any)
		return newContentDoc(createDocFromOpts(guid, opts))
	}
	dec.rest().Fail(fmt.Errorf("%w: %d", ycrdt_errors.ErrUnknownContent, info&contentRefMask))
	return nil
}

// ContentDeleted stands in for content that was deleted and collected.
type ContentDeleted struct {
	length uint64
}

func NewContentDeleted(length uint64) *ContentDeleted {
	return &ContentDeleted{length: length}
}

func (c *ContentDeleted) Len() uint64     { return c.length }
func (c *ContentDeleted) Values() []any   { return nil }
func (c *ContentDeleted) Countable() bool { return false }
func (c *ContentDeleted) Copy() Content   { return NewContentDeleted(c.length) }
func (c *ContentDeleted) Ref() uint8      { return RefContentDeleted }

func (c *ContentDeleted) splice(offset uint64) Content {
	right := NewContentDeleted(c.length - offset)
	c.length = offset
	return right
}

func (c *ContentDeleted) mergeWith(right Content) bool {
	c.length += right.(*ContentDeleted).length
	return true
}

func (c *ContentDeleted) integrate(tr *Transaction, item *Item) {
	tr.deleteSet.Add(item.id.Client, item.id.Clock, c.length)
	item.markDeleted()
}

func (c *ContentDeleted) delete(*Transaction) {}
func (c *ContentDeleted) gc(*StructStore)     {}

func (c *ContentDeleted) write(enc updateEncoder, offset uint64) {
	enc.writeLen(c.length - offset)
}

// ContentJSON is a legacy list of JSON values, each encoded as a string.
type ContentJSON struct {
	arr []any
}

func (c *ContentJSON) Len() uint64     { return uint64(len(c.arr)) }
func (c *ContentJSON) Values() []any   { return c.arr }
func (c *ContentJSON) Countable() bool { return true }
func (c *ContentJSON) Copy() Content   { return &ContentJSON{arr: append([]any(nil), c.arr...)} }
func (c *ContentJSON) Ref() uint8      { return RefContentJSON }

func (c *ContentJSON) splice(offset uint64) Content {
	right := &ContentJSON{arr: append([]any(nil), c.arr[offset:]...)}
	c.arr = c.arr[:offset:offset]
	return right
}

func (c *ContentJSON) mergeWith(right Content) bool {
	c.arr = append(c.arr, right.(*ContentJSON).arr...)
	return true
}

func (c *ContentJSON) integrate(*Transaction, *Item) {}
func (c *ContentJSON) delete(*Transaction)           {}
func (c *ContentJSON) gc(*StructStore)               {}

func (c *ContentJSON) write(enc updateEncoder, offset uint64) {
	enc.writeLen(uint64(len(c.arr)) - offset)
	for _, v := range c.arr[offset:] {
		enc.writeString(marshalJSON(v))
	}
}

// ContentBinary is an opaque byte blob.
type ContentBinary struct {
	content []byte
}

func (c *ContentBinary) Len() uint64     { return 1 }
func (c *ContentBinary) Values() []any   { return []any{c.content} }
func (c *ContentBinary) Countable() bool { return true }
func (c *ContentBinary) Copy() Content   { return &ContentBinary{content: append([]byte(nil), c.content...)} }
func (c *ContentBinary) Ref() uint8      { return RefContentBinary }

func (c *ContentBinary) splice(uint64) Content         { return cannotSplit(c) }
func (c *ContentBinary) mergeWith(Content) bool        { return false }
func (c *ContentBinary) integrate(*Transaction, *Item) {}
func (c *ContentBinary) delete(*Transaction)           {}
func (c *ContentBinary) gc(*StructStore)               {}

func (c *ContentBinary) write(enc updateEncoder, _ uint64) {
	enc.writeBuf(c.content)
}

// ContentString is text; its length is counted in UTF-16 code units.
type ContentString struct {
	str  string
	ulen uint64
}

func NewContentString(s string) *ContentString {
	return &ContentString{str: s, ulen: uint64(protocol.UTF16Len(s))}
}

func (c *ContentString) Len() uint64     { return c.ulen }
func (c *ContentString) Countable() bool { return true }
func (c *ContentString) Copy() Content   { return &ContentString{str: c.str, ulen: c.ulen} }
func (c *ContentString) Ref() uint8      { return RefContentString }
func (c *ContentString) String() string  { return c.str }

// Values yields one entry per UTF-16 unit; the second unit of a surrogate
// pair is an empty string.
func (c *ContentString) Values() []any {
	vals := make([]any, 0, c.ulen)
	for _, r := range c.str {
		vals = append(vals, string(r))
		if r >= 0x10000 {
			vals = append(vals, "")
		}
	}
	return vals
}

// splice cuts at a UTF-16 offset. A surrogate pair cut in half becomes
// two replacement characters so both halves stay valid text.
func (c *ContentString) splice(offset uint64) Content {
	var units uint64
	for i := 0; i < len(c.str); {
		if units == offset {
			right := &ContentString{str: c.str[i:], ulen: c.ulen - offset}
			c.str, c.ulen = c.str[:i], offset
			return right
		}
		r, size := utf8.DecodeRuneInString(c.str[i:])
		w := uint64(1)
		if r >= 0x10000 {
			w = 2
		}
		if units+w > offset {
			right := &ContentString{str: string(utf8.RuneError) + c.str[i+size:], ulen: c.ulen - offset}
			c.str, c.ulen = c.str[:i]+string(utf8.RuneError), offset
			return right
		}
		units += w
		i += size
	}
	return NewContentString("")
}

func (c *ContentString) mergeWith(right Content) bool {
	r := right.(*ContentString)
	c.str += r.str
	c.ulen += r.ulen
	return true
}

func (c *ContentString) integrate(*Transaction, *Item) {}
func (c *ContentString) delete(*Transaction)           {}
func (c *ContentString) gc(*StructStore)               {}

func (c *ContentString) write(enc updateEncoder, offset uint64) {
	if offset == 0 {
		enc.writeString(c.str)
		return
	}
	tail := c.Copy().(*ContentString).splice(offset).(*ContentString)
	enc.writeString(tail.str)
}

// ContentEmbed is an opaque embedded value.
type ContentEmbed struct {
	embed any
}

func (c *ContentEmbed) Len() uint64     { return 1 }
func (c *ContentEmbed) Values() []any   { return []any{c.embed} }
func (c *ContentEmbed) Countable() bool { return true }
func (c *ContentEmbed) Copy() Content   { return &ContentEmbed{embed: c.embed} }
func (c *ContentEmbed) Ref() uint8      { return RefContentEmbed }

func (c *ContentEmbed) splice(uint64) Content         { return cannotSplit(c) }
func (c *ContentEmbed) mergeWith(Content) bool        { return false }
func (c *ContentEmbed) integrate(*Transaction, *Item) {}
func (c *ContentEmbed) delete(*Transaction)           {}
func (c *ContentEmbed) gc(*StructStore)               {}

func (c *ContentEmbed) write(enc updateEncoder, _ uint64) {
	enc.writeJSON(c.embed)
}

// ContentFormat toggles a text attribute. It takes one clock but no index.
type ContentFormat struct {
	key   string
	value any
}

func (c *ContentFormat) Len() uint64     { return 1 }
func (c *ContentFormat) Values() []any   { return nil }
func (c *ContentFormat) Countable() bool { return false }
func (c *ContentFormat) Copy() Content   { return &ContentFormat{key: c.key, value: c.value} }
func (c *ContentFormat) Ref() uint8      { return RefContentFormat }
func (c *ContentFormat) Key() string     { return c.key }
func (c *ContentFormat) Value() any      { return c.value }

func (c *ContentFormat) splice(uint64) Content  { return cannotSplit(c) }
func (c *ContentFormat) mergeWith(Content) bool { return false }

func (c *ContentFormat) integrate(_ *Transaction, item *Item) {
	// positions cached by index are unreliable once formatting interleaves
	item.parent.disableMarkers()
}

func (c *ContentFormat) delete(*Transaction) {}
func (c *ContentFormat) gc(*StructStore)     {}

func (c *ContentFormat) write(enc updateEncoder, _ uint64) {
	enc.writeKey(c.key)
	enc.writeJSON(c.value)
}

// ContentType nests a Branch.
type ContentType struct {
	typ *Branch
}

func (c *ContentType) Len() uint64     { return 1 }
func (c *ContentType) Values() []any   { return []any{c.typ} }
func (c *ContentType) Countable() bool { return true }
func (c *ContentType) Copy() Content   { return &ContentType{typ: c.typ.copyEmpty()} }
func (c *ContentType) Ref() uint8      { return RefContentType }
func (c *ContentType) Branch() *Branch { return c.typ }

func (c *ContentType) splice(uint64) Content  { return cannotSplit(c) }
func (c *ContentType) mergeWith(Content) bool { return false }

func (c *ContentType) integrate(tr *Transaction, item *Item) {
	c.typ.integrate(tr.doc, item)
}

func (c *ContentType) delete(tr *Transaction) {
	before := func(it *Item) bool {
		return it.id.Clock < tr.beforeState.Get(it.id.Client)
	}
	for item := c.typ.start; item != nil; item = item.right {
		if !item.Deleted() {
			item.Delete(tr)
		} else if before(item) {
			tr.mergeStructs = append(tr.mergeStructs, item)
		}
	}
	for _, key := range c.typ.sortedMapKeys() {
		item := c.typ.itemMap[key]
		if !item.Deleted() {
			item.Delete(tr)
		} else if before(item) {
			tr.mergeStructs = append(tr.mergeStructs, item)
		}
	}
	tr.changed.remove(c.typ)
}

func (c *ContentType) gc(store *StructStore) {
	for item := c.typ.start; item != nil; item = item.right {
		item.gc(store, true)
	}
	c.typ.start = nil
	for _, item := range c.typ.itemMap {
		for ; item != nil; item = item.left {
			item.gc(store, true)
		}
	}
	c.typ.itemMap = make(map[string]*Item)
}

func (c *ContentType) write(enc updateEncoder, _ uint64) {
	c.typ.write(enc)
}

func readContentType(dec updateDecoder) Content {
	ref := dec.readTypeRef()
	kind := TypeKind(ref)
	switch kind {
	case KindArray, KindMap, KindText, KindXmlFragment, KindXmlText:
		return &ContentType{typ: newBranch(kind, "")}
	case KindXmlElement, KindXmlHook:
		return &ContentType{typ: newBranch(kind, dec.readKey())}
	}
	dec.rest().Fail(fmt.Errorf("%w: %d", ycrdt_errors.ErrUnknownTypeRef, ref))
	return &ContentType{typ: newBranch(KindArray, "")}
}

// ContentAny is a list of values in the tagged binary encoding.
type ContentAny struct {
	arr []any
}

func (c *ContentAny) Len() uint64     { return uint64(len(c.arr)) }
func (c *ContentAny) Values() []any   { return c.arr }
func (c *ContentAny) Countable() bool { return true }
func (c *ContentAny) Copy() Content   { return &ContentAny{arr: append([]any(nil), c.arr...)} }
func (c *ContentAny) Ref() uint8      { return RefContentAny }

func (c *ContentAny) splice(offset uint64) Content {
	right := &ContentAny{arr: append([]any(nil), c.arr[offset:]...)}
	c.arr = c.arr[:offset:offset]
	return right
}

func (c *ContentAny) mergeWith(right Content) bool {
	c.arr = append(c.arr, right.(*ContentAny).arr...)
	return true
}

func (c *ContentAny) integrate(*Transaction, *Item) {}
func (c *ContentAny) delete(*Transaction)           {}
func (c *ContentAny) gc(*StructStore)               {}

func (c *ContentAny) write(enc updateEncoder, offset uint64) {
	enc.writeLen(uint64(len(c.arr)) - offset)
	for _, v := range c.arr[offset:] {
		enc.writeAny(v)
	}
}

// ContentDoc embeds a subdocument.
type ContentDoc struct {
	doc  *Doc
	opts map[string]any
}

func newContentDoc(doc *Doc) *ContentDoc {
	opts := make(map[string]any)
	if !doc.gc {
		opts["gc"] = false
	}
	if doc.autoLoad {
		opts["autoLoad"] = true
	}
	if doc.meta != nil {
		opts["meta"] = doc.meta
	}
	return &ContentDoc{doc: doc, opts: opts}
}

func (c *ContentDoc) Len() uint64     { return 1 }
func (c *ContentDoc) Values() []any   { return []any{c.doc} }
func (c *ContentDoc) Countable() bool { return true }
func (c *ContentDoc) Ref() uint8      { return RefContentDoc }
func (c *ContentDoc) Doc() *Doc       { return c.doc }

func (c *ContentDoc) Copy() Content {
	return newContentDoc(createDocFromOpts(c.doc.guid, c.opts))
}

func (c *ContentDoc) splice(uint64) Content  { return cannotSplit(c) }
func (c *ContentDoc) mergeWith(Content) bool { return false }

func (c *ContentDoc) integrate(tr *Transaction, item *Item) {
	c.doc.item = item
	tr.subdocsAdded.Add(c.doc)
	if c.doc.shouldLoad {
		tr.subdocsLoaded.Add(c.doc)
	}
}

func (c *ContentDoc) delete(tr *Transaction) {
	if tr.subdocsAdded.Contains(c.doc) {
		tr.subdocsAdded.Remove(c.doc)
	} else {
		tr.subdocsRemoved.Add(c.doc)
	}
}

func (c *ContentDoc) gc(*StructStore) {}

func (c *ContentDoc) write(enc updateEncoder, _ uint64) {
	enc.writeString(c.doc.guid)
	enc.writeAny(c.opts)
}

func describeContent(c Content) string {
	switch x := c.(type) {
	case *ContentString:
		return fmt.Sprintf("%q", x.str)
	case *ContentType:
		return x.typ.kind.String()
	case *ContentDoc:
		return "doc:" + x.doc.guid
	case *ContentFormat:
		return fmt.Sprintf("format %s=%v", x.key, x.value)
	case *ContentDeleted:
		return fmt.Sprintf("deleted(%d)", x.length)
	}
	return fmt.Sprintf("%v", c.Values())
}

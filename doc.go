package ycrdt

import (
	"slices"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/drpcorg/ycrdt/utils"
	"github.com/drpcorg/ycrdt/ycrdt_errors"
)

type Options struct {
	// ClientID identifies this replica; zero picks a random one.
	ClientID uint64
	// GUID names the document; empty generates a uuid.
	GUID         string
	CollectionID string
	// DisableGC keeps deleted content, required for snapshots.
	DisableGC bool
	// GCFilter vetoes collection of individual items.
	GCFilter func(item *Item) bool
	Meta     any
	AutoLoad bool
	// DeferLoad marks the document as not yet requested by the application.
	DeferLoad bool
	Logger    utils.Logger
}

func (o *Options) SetDefaults() {
	if o.ClientID == 0 {
		o.ClientID = generateClientID()
	}
	if o.GUID == "" {
		o.GUID = generateGUID()
	}
	if o.GCFilter == nil {
		o.GCFilter = func(*Item) bool { return true }
	}
	if o.Logger == nil {
		o.Logger = utils.NewDiscardLogger()
	}
}

// UpdateEvent carries the encoded changes of one transaction.
type UpdateEvent struct {
	Update      []byte
	Origin      any
	Transaction *Transaction
}

type SubdocsEvent struct {
	Added   []*Doc
	Removed []*Doc
	Loaded  []*Doc
}

// DocEvents are the document level hooks, in the order they fire
// around a transaction.
type DocEvents struct {
	BeforeAllTransactions   *Observers[*Doc]
	BeforeTransaction       *Observers[*Transaction]
	BeforeObserverCalls     *Observers[*Transaction]
	AfterTransaction        *Observers[*Transaction]
	AfterTransactionCleanup *Observers[*Transaction]
	Update                  *Observers[UpdateEvent]
	UpdateV2                *Observers[UpdateEvent]
	Subdocs                 *Observers[SubdocsEvent]
	AfterAllTransactions    *Observers[[]*Transaction]
	Load                    *Observers[*Doc]
	Destroy                 *Observers[*Doc]
}

func newDocEvents() *DocEvents {
	return &DocEvents{
		BeforeAllTransactions:   NewObservers[*Doc]("beforeAllTransactions"),
		BeforeTransaction:       NewObservers[*Transaction]("beforeTransaction"),
		BeforeObserverCalls:     NewObservers[*Transaction]("beforeObserverCalls"),
		AfterTransaction:        NewObservers[*Transaction]("afterTransaction"),
		AfterTransactionCleanup: NewObservers[*Transaction]("afterTransactionCleanup"),
		Update:                  NewObservers[UpdateEvent]("update"),
		UpdateV2:                NewObservers[UpdateEvent]("updateV2"),
		Subdocs:                 NewObservers[SubdocsEvent]("subdocs"),
		AfterAllTransactions:    NewObservers[[]*Transaction]("afterAllTransactions"),
		Load:                    NewObservers[*Doc]("load"),
		Destroy:                 NewObservers[*Doc]("destroy"),
	}
}

/*
Doc is a replica: a struct store plus the named root branches built on
it. All changes happen inside transactions. A Doc is not safe for
concurrent use; callers serialize access.
*/
type Doc struct {
	Events *DocEvents

	clientID     uint64
	guid         string
	collectionID string
	gc           bool
	gcFilter     func(*Item) bool
	meta         any
	autoLoad     bool
	shouldLoad   bool
	isLoaded     bool
	destroyed    bool

	store    *StructStore
	share    map[string]*Branch
	subdocs  mapset.Set[*Doc]
	item     *Item // the embedding item of a subdocument
	tr       *Transaction
	cleanups []*Transaction

	log utils.Logger
}

func NewDoc(opts Options) *Doc {
	opts.SetDefaults()
	return &Doc{
		Events:       newDocEvents(),
		clientID:     opts.ClientID,
		guid:         opts.GUID,
		collectionID: opts.CollectionID,
		gc:           !opts.DisableGC,
		gcFilter:     opts.GCFilter,
		meta:         opts.Meta,
		autoLoad:     opts.AutoLoad,
		shouldLoad:   !opts.DeferLoad,
		store:        NewStructStore(),
		share:        make(map[string]*Branch),
		subdocs:      mapset.NewThreadUnsafeSet[*Doc](),
		log:          opts.Logger,
	}
}

// createDocFromOpts rebuilds a subdocument from its embedded options.
func createDocFromOpts(guid string, opts map[string]any) *Doc {
	o := Options{GUID: guid}
	if gc, ok := opts["gc"].(bool); ok && !gc {
		o.DisableGC = true
	}
	if autoLoad, ok := opts["autoLoad"].(bool); ok {
		o.AutoLoad = autoLoad
	}
	shouldLoad, _ := opts["shouldLoad"].(bool)
	o.DeferLoad = !shouldLoad && !o.AutoLoad
	if meta, ok := opts["meta"]; ok {
		o.Meta = meta
	}
	return NewDoc(o)
}

func (d *Doc) ClientID() uint64         { return d.clientID }
func (d *Doc) GUID() string             { return d.guid }
func (d *Doc) CollectionID() string     { return d.collectionID }
func (d *Doc) Meta() any                { return d.meta }
func (d *Doc) Store() *StructStore      { return d.store }
func (d *Doc) GCEnabled() bool          { return d.gc }
func (d *Doc) ShouldLoad() bool         { return d.shouldLoad }
func (d *Doc) Destroyed() bool          { return d.destroyed }
func (d *Doc) Logger() utils.Logger     { return d.log }
func (d *Doc) StateVector() StateVector { return d.store.StateVector() }

// Item returns the embedding item of a subdocument.
func (d *Doc) Item() *Item { return d.item }

// Get returns the root branch called name, creating it on first use.
// A root first seen in a remote update has KindAbstract and takes the
// kind of the first typed request.
func (d *Doc) Get(name string, kind TypeKind) (*Branch, error) {
	b, ok := d.share[name]
	if !ok {
		b = newBranch(kind, "")
		b.rootKey = name
		b.integrate(d, nil)
		d.share[name] = b
		return b, nil
	}
	switch {
	case kind == KindAbstract || b.kind == kind:
		return b, nil
	case b.kind == KindAbstract:
		b.kind = kind
		if kind.usesMarkers() && b.markers == nil {
			b.markers = newMarkerCache()
		}
		return b, nil
	}
	return nil, ycrdt_errors.ErrTypeMismatch
}

func (d *Doc) getOrCreateRoot(name string) *Branch {
	b, _ := d.Get(name, KindAbstract)
	return b
}

func (d *Doc) mustGet(name string, kind TypeKind) *Branch {
	b, err := d.Get(name, kind)
	if err != nil {
		panic(err)
	}
	return b
}

// Array, Text, Map and XmlFragment are shorthands for Get; they panic
// when the root already has another kind.
func (d *Doc) Array(name string) *Branch       { return d.mustGet(name, KindArray) }
func (d *Doc) Text(name string) *Branch        { return d.mustGet(name, KindText) }
func (d *Doc) Map(name string) *Branch         { return d.mustGet(name, KindMap) }
func (d *Doc) XmlFragment(name string) *Branch { return d.mustGet(name, KindXmlFragment) }

// RootNames lists the root branches in sorted order.
func (d *Doc) RootNames() []string {
	names := make([]string, 0, len(d.share))
	for name := range d.share {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Transact runs fn inside a transaction. Calls nested in fn or in
// observers share or queue transactions; observers and update events
// fire when the outermost call returns.
func (d *Doc) Transact(fn func(tr *Transaction), origin any) error {
	if d.destroyed {
		return ycrdt_errors.ErrDocDestroyed
	}
	d.transact(fn, origin, true)
	return nil
}

// Subdocs returns the embedded documents sorted by guid.
func (d *Doc) Subdocs() []*Doc {
	return sortDocs(d.subdocs)
}

func (d *Doc) SubdocGUIDs() []string {
	guids := make([]string, 0, d.subdocs.Cardinality())
	for _, sub := range d.Subdocs() {
		guids = append(guids, sub.guid)
	}
	return guids
}

func sortDocs(set mapset.Set[*Doc]) []*Doc {
	docs := set.ToSlice()
	slices.SortFunc(docs, func(a, b *Doc) int {
		switch {
		case a.guid < b.guid:
			return -1
		case a.guid > b.guid:
			return 1
		}
		return 0
	})
	return docs
}

// Load requests the content of a subdocument; the parent reports it in
// its next Subdocs event.
func (d *Doc) Load() {
	if d.item != nil && !d.shouldLoad {
		parent := d.item.parent.doc
		parent.transact(func(tr *Transaction) {
			tr.subdocsLoaded.Add(d)
		}, nil, true)
	}
	d.shouldLoad = true
}

// replaceEmbedded puts an unloaded copy of d where d was embedded.
func (d *Doc) replaceEmbedded(item *Item, content *ContentDoc) {
	opts := make(map[string]any, len(content.opts)+1)
	for k, v := range content.opts {
		opts[k] = v
	}
	opts["shouldLoad"] = false
	fresh := createDocFromOpts(d.guid, opts)
	fresh.item = item
	content.doc = fresh
	// a deleted item already reported the removal
	if !item.Deleted() {
		item.parent.doc.transact(func(tr *Transaction) {
			tr.subdocsAdded.Add(fresh)
			tr.subdocsRemoved.Add(d)
		}, nil, true)
	}
}

// MarkLoaded records that the document content has arrived.
func (d *Doc) MarkLoaded() {
	if !d.isLoaded {
		d.isLoaded = true
		d.Events.Load.emit(d.log, d)
	}
}

func (d *Doc) Loaded() bool { return d.isLoaded }

// Destroy releases the document. A destroyed subdocument is replaced in
// its parent by a fresh, unloaded instance with the same guid.
func (d *Doc) Destroy() {
	if d.destroyed {
		return
	}
	d.destroyed = true
	for _, sub := range d.Subdocs() {
		sub.Destroy()
	}
	if item := d.item; item != nil {
		d.item = nil
		// a collected item holds ContentDeleted, there is nothing to re-embed
		if content, ok := item.content.(*ContentDoc); ok {
			d.replaceEmbedded(item, content)
		}
	}
	d.Events.Destroy.emit(d.log, d)
}

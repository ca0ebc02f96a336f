package ycrdt

import (
	"slices"

	mapset "github.com/deckarep/golang-set/v2"
)

// changeSet records what changed in a branch: map keys and whether the
// list part changed.
type changeSet struct {
	keys mapset.Set[string]
	list bool
}

// changedTypes keeps changed branches in the order they were first touched.
type changedTypes struct {
	order []*Branch
	sets  map[*Branch]*changeSet
}

func (c *changedTypes) get(b *Branch) *changeSet {
	if c.sets == nil {
		c.sets = make(map[*Branch]*changeSet)
	}
	cs, ok := c.sets[b]
	if !ok {
		cs = &changeSet{keys: mapset.NewThreadUnsafeSet[string]()}
		c.sets[b] = cs
		c.order = append(c.order, b)
	}
	return cs
}

func (c *changedTypes) remove(b *Branch) {
	if _, ok := c.sets[b]; !ok {
		return
	}
	delete(c.sets, b)
	c.order = slices.DeleteFunc(c.order, func(x *Branch) bool { return x == b })
}

type changedParents struct {
	order  []*Branch
	events map[*Branch][]*Event
}

func (c *changedParents) add(b *Branch, ev *Event) {
	if c.events == nil {
		c.events = make(map[*Branch][]*Event)
	}
	if _, ok := c.events[b]; !ok {
		c.order = append(c.order, b)
	}
	c.events[b] = append(c.events[b], ev)
}

/*
Transaction groups changes to a document. Deletions and the state before
and after are recorded so observers and update listeners can see what
the transaction did.
*/
type Transaction struct {
	doc         *Doc
	deleteSet   *DeleteSet
	beforeState StateVector
	afterState  StateVector
	changed     changedTypes
	// changedParentTypes collects events per ancestor for deep observers
	changedParentTypes changedParents
	mergeStructs       []Struct
	origin             any
	local              bool
	meta               map[string]any

	subdocsAdded   mapset.Set[*Doc]
	subdocsRemoved mapset.Set[*Doc]
	subdocsLoaded  mapset.Set[*Doc]
}

func newTransaction(doc *Doc, origin any, local bool) *Transaction {
	return &Transaction{
		doc:            doc,
		deleteSet:      NewDeleteSet(),
		beforeState:    doc.store.StateVector(),
		afterState:     StateVector{},
		origin:         origin,
		local:          local,
		meta:           make(map[string]any),
		subdocsAdded:   mapset.NewThreadUnsafeSet[*Doc](),
		subdocsRemoved: mapset.NewThreadUnsafeSet[*Doc](),
		subdocsLoaded:  mapset.NewThreadUnsafeSet[*Doc](),
	}
}

func (tr *Transaction) Doc() *Doc   { return tr.doc }
func (tr *Transaction) Origin() any { return tr.origin }

// Local is false for transactions applying remote updates.
func (tr *Transaction) Local() bool { return tr.local }

// Meta is scratch space for transaction listeners.
func (tr *Transaction) Meta() map[string]any { return tr.meta }

// DeleteSet returns the ranges deleted so far. It must not be modified.
func (tr *Transaction) DeleteSet() *DeleteSet { return tr.deleteSet }

func (tr *Transaction) BeforeState() StateVector { return tr.beforeState.Clone() }

// AfterState is populated once the transaction is closed.
func (tr *Transaction) AfterState() StateVector { return tr.afterState.Clone() }

// ChangedTypes lists the branches with observable changes.
func (tr *Transaction) ChangedTypes() []*Branch {
	return slices.Clone(tr.changed.order)
}

// addChangedType records a change of branch b. Branches created in this
// transaction are not reported.
func (tr *Transaction) addChangedType(b *Branch, parentSub *string) {
	item := b.item
	if item == nil || (item.id.Clock < tr.beforeState.Get(item.id.Client) && !item.Deleted()) {
		cs := tr.changed.get(b)
		if parentSub == nil {
			cs.list = true
		} else {
			cs.keys.Add(*parentSub)
		}
	}
}

func (tr *Transaction) hasChanges() bool {
	if !tr.deleteSet.IsEmpty() {
		return true
	}
	for client, clock := range tr.afterState {
		if tr.beforeState.Get(client) != clock {
			return true
		}
	}
	return false
}

func originLabel(local bool) string {
	if local {
		return "local"
	}
	return "remote"
}

func (d *Doc) transact(fn func(*Transaction), origin any, local bool) {
	initial := false
	if d.tr == nil {
		initial = true
		d.tr = newTransaction(d, origin, local)
		d.cleanups = append(d.cleanups, d.tr)
		TransactionCount.WithLabelValues(originLabel(local)).Inc()
		if len(d.cleanups) == 1 {
			d.Events.BeforeAllTransactions.emit(d.log, d)
		}
		d.Events.BeforeTransaction.emit(d.log, d.tr)
	}
	defer func() {
		if !initial {
			return
		}
		outermost := d.tr == d.cleanups[0]
		d.tr = nil
		if outermost {
			d.cleanupTransactions()
		}
	}()
	fn(d.tr)
}

// cleanupTransactions closes the queued transactions in order.
// Observers may open new transactions, which are appended and closed in
// the same loop.
func (d *Doc) cleanupTransactions() {
	// a panic in cleanup must not leave the queue blocking later transactions
	defer func() { d.cleanups = nil }()
	for i := 0; i < len(d.cleanups); i++ {
		d.cleanupTransaction(d.cleanups[i])
	}
	done := d.cleanups
	d.cleanups = nil
	d.Events.AfterAllTransactions.emit(d.log, done)
}

func (d *Doc) cleanupTransaction(tr *Transaction) {
	store := d.store
	ds := tr.deleteSet
	ds.SortAndMerge()
	tr.afterState = store.StateVector()
	d.Events.BeforeObserverCalls.emit(d.log, tr)

	for _, b := range slices.Clone(tr.changed.order) {
		cs, ok := tr.changed.sets[b]
		if !ok {
			continue
		}
		if b.item == nil || !b.item.Deleted() {
			b.callObserver(tr, cs)
		}
	}
	for _, b := range tr.changedParentTypes.order {
		if b.deepObservers.Len() == 0 || (b.item != nil && b.item.Deleted()) {
			continue
		}
		events := slices.DeleteFunc(slices.Clone(tr.changedParentTypes.events[b]), func(ev *Event) bool {
			return ev.Target.item != nil && ev.Target.item.Deleted()
		})
		if len(events) == 0 {
			continue
		}
		for _, ev := range events {
			ev.CurrentTarget = b
		}
		slices.SortStableFunc(events, func(x, y *Event) int {
			return len(x.Path()) - len(y.Path())
		})
		b.deepObservers.emit(d.log, events)
	}
	d.Events.AfterTransaction.emit(d.log, tr)

	if d.gc {
		store.tryGCDeleteSet(ds, d.gcFilter)
	}
	store.tryMergeDeleteSet(ds)
	for client, clock := range tr.afterState {
		before := tr.beforeState.Get(client)
		if before == clock {
			continue
		}
		structs := store.clients[client]
		first := max(findIndexSS(structs, before), 1)
		for i := len(store.clients[client]) - 1; i >= first; {
			i -= 1 + store.tryToMergeWithLefts(client, i)
		}
	}
	for i := len(tr.mergeStructs) - 1; i >= 0; i-- {
		id := tr.mergeStructs[i].ID()
		pos := findIndexSS(store.clients[id.Client], id.Clock)
		if pos+1 < len(store.clients[id.Client]) {
			if store.tryToMergeWithLefts(id.Client, pos+1) > 1 {
				continue
			}
		}
		if pos > 0 {
			store.tryToMergeWithLefts(id.Client, pos)
		}
	}

	if !tr.local && tr.afterState.Get(d.clientID) != tr.beforeState.Get(d.clientID) {
		old := d.clientID
		d.clientID = generateClientID()
		ClientIDRegenerations.Inc()
		d.log.Warn("client id is used by another replica, regenerated", "old", old, "new", d.clientID)
	}
	d.Events.AfterTransactionCleanup.emit(d.log, tr)

	if d.Events.Update.Len() > 0 {
		enc := NewUpdateEncoderV1()
		if writeUpdateMessageFromTransaction(enc, tr) {
			update := enc.Bytes()
			UpdateSize.WithLabelValues("out", "v1").Observe(float64(len(update)))
			d.Events.Update.emit(d.log, UpdateEvent{Update: update, Origin: tr.origin, Transaction: tr})
		}
	}
	if d.Events.UpdateV2.Len() > 0 {
		enc := NewUpdateEncoderV2()
		if writeUpdateMessageFromTransaction(enc, tr) {
			update := enc.Bytes()
			UpdateSize.WithLabelValues("out", "v2").Observe(float64(len(update)))
			d.Events.UpdateV2.emit(d.log, UpdateEvent{Update: update, Origin: tr.origin, Transaction: tr})
		}
	}

	if tr.subdocsAdded.Cardinality() > 0 || tr.subdocsRemoved.Cardinality() > 0 || tr.subdocsLoaded.Cardinality() > 0 {
		for sub := range tr.subdocsAdded.Iter() {
			sub.clientID = d.clientID
			if sub.collectionID == "" {
				sub.collectionID = d.collectionID
			}
			d.subdocs.Add(sub)
		}
		removed := sortDocs(tr.subdocsRemoved)
		for _, sub := range removed {
			d.subdocs.Remove(sub)
		}
		d.Events.Subdocs.emit(d.log, SubdocsEvent{
			Added:   sortDocs(tr.subdocsAdded),
			Removed: removed,
			Loaded:  sortDocs(tr.subdocsLoaded),
		})
		for _, sub := range removed {
			sub.Destroy()
		}
	}
}

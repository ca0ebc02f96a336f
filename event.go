package ycrdt

import (
	"maps"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"
)

type KeyAction uint8

const (
	KeyAdd KeyAction = iota + 1
	KeyUpdate
	KeyDelete
)

func (a KeyAction) String() string {
	switch a {
	case KeyAdd:
		return "add"
	case KeyUpdate:
		return "update"
	case KeyDelete:
		return "delete"
	}
	return "unknown"
}

// KeyChange describes what happened to a map key during a transaction.
// OldValue is Undefined for added keys.
type KeyChange struct {
	Action   KeyAction
	OldValue any
}

// Delta is one operation of a list diff; exactly one of Insert, Retain
// and Delete is set. Text inserts are strings and carry the active
// formatting attributes.
type Delta struct {
	Insert     any
	Retain     int
	Delete     int
	Attributes map[string]any
}

// Event reports the changes a transaction made to one branch.
type Event struct {
	Target        *Branch
	CurrentTarget *Branch
	Transaction   *Transaction

	keysChanged mapset.Set[string]
	listChanged bool
	keys        map[string]KeyChange
	delta       []Delta
}

func newEvent(target *Branch, tr *Transaction, cs *changeSet) *Event {
	ev := &Event{
		Target:        target,
		CurrentTarget: target,
		Transaction:   tr,
		keysChanged:   mapset.NewThreadUnsafeSet[string](),
	}
	if cs != nil {
		ev.keysChanged = cs.keys.Clone()
		ev.listChanged = cs.list
	}
	return ev
}

// KeysChanged lists the changed map keys in sorted order.
func (ev *Event) KeysChanged() []string {
	keys := ev.keysChanged.ToSlice()
	slices.Sort(keys)
	return keys
}

// ListChanged reports whether the list part of the target changed.
func (ev *Event) ListChanged() bool {
	return ev.listChanged
}

// Path is the sequence of keys and indices from CurrentTarget to Target.
func (ev *Event) Path() []any {
	return getPathTo(ev.CurrentTarget, ev.Target)
}

// Deletes reports whether item was deleted by the transaction.
func (ev *Event) Deletes(item *Item) bool {
	return ev.Transaction.deleteSet.IsDeleted(item.id)
}

// Adds reports whether item was created by the transaction.
func (ev *Event) Adds(item *Item) bool {
	return item.id.Clock >= ev.Transaction.beforeState.Get(item.id.Client)
}

func lastValue(item *Item) any {
	vals := item.content.Values()
	if len(vals) == 0 {
		return Undefined
	}
	return vals[len(vals)-1]
}

// Keys describes the map changes. It must be called from within the
// observer callback, while the transaction state is still available.
func (ev *Event) Keys() map[string]KeyChange {
	if ev.keys != nil {
		return maps.Clone(ev.keys)
	}
	ev.keys = make(map[string]KeyChange)
	for _, key := range ev.keysChanged.ToSlice() {
		item := ev.Target.itemMap[key]
		if item == nil {
			continue
		}
		if ev.Adds(item) {
			prev := item.left
			for prev != nil && ev.Adds(prev) {
				prev = prev.left
			}
			prevDeleted := prev != nil && ev.Deletes(prev)
			switch {
			case ev.Deletes(item) && prevDeleted:
				ev.keys[key] = KeyChange{Action: KeyDelete, OldValue: lastValue(prev)}
			case ev.Deletes(item):
				// added and removed again
			case prevDeleted:
				ev.keys[key] = KeyChange{Action: KeyUpdate, OldValue: lastValue(prev)}
			default:
				ev.keys[key] = KeyChange{Action: KeyAdd, OldValue: Undefined}
			}
		} else if ev.Deletes(item) {
			ev.keys[key] = KeyChange{Action: KeyDelete, OldValue: lastValue(item)}
		}
	}
	return maps.Clone(ev.keys)
}

// Delta describes the list changes as retain, insert and delete runs.
func (ev *Event) Delta() []Delta {
	if ev.delta != nil || !ev.listChanged {
		return ev.delta
	}
	text := ev.Target.kind.isText()
	var ops []Delta
	var cur *Delta
	attrs := make(map[string]any)
	flush := func() {
		if cur != nil {
			ops = append(ops, *cur)
			cur = nil
		}
	}
	for item := ev.Target.start; item != nil; item = item.right {
		if f, ok := item.content.(*ContentFormat); ok {
			if !item.Deleted() {
				if f.value == nil {
					delete(attrs, f.key)
				} else {
					attrs[f.key] = f.value
				}
				flush()
			}
			continue
		}
		if !item.Countable() {
			continue
		}
		switch {
		case item.Deleted():
			if !ev.Deletes(item) || ev.Adds(item) {
				continue
			}
			if cur == nil || cur.Delete == 0 {
				flush()
				cur = &Delta{}
			}
			cur.Delete += int(item.length)
		case ev.Adds(item):
			if cs, ok := item.content.(*ContentString); ok && text {
				if s, ok := cur.insertedString(); ok {
					cur.Insert = s + cs.str
					continue
				}
				flush()
				cur = &Delta{Insert: cs.str, Attributes: cloneAttrs(attrs)}
				continue
			}
			if text {
				flush()
				ops = append(ops, Delta{Insert: item.content.Values()[0], Attributes: cloneAttrs(attrs)})
				continue
			}
			vals, ok := cur.insertedValues()
			if !ok {
				flush()
				cur = &Delta{}
			}
			cur.Insert = append(vals, item.content.Values()...)
		default:
			if cur == nil || cur.Retain == 0 {
				flush()
				cur = &Delta{}
			}
			cur.Retain += int(item.length)
		}
	}
	if cur != nil && cur.Retain == 0 {
		flush()
	}
	if ops == nil {
		ops = []Delta{}
	}
	ev.delta = ops
	return ops
}

func (d *Delta) insertedString() (string, bool) {
	if d == nil {
		return "", false
	}
	s, ok := d.Insert.(string)
	return s, ok
}

func (d *Delta) insertedValues() ([]any, bool) {
	if d == nil {
		return nil, false
	}
	vals, ok := d.Insert.([]any)
	return vals, ok
}

func cloneAttrs(attrs map[string]any) map[string]any {
	if len(attrs) == 0 {
		return nil
	}
	return maps.Clone(attrs)
}

// getPathTo walks from child up to parent collecting map keys and list
// indices.
func getPathTo(parent, child *Branch) []any {
	var path []any
	for child != nil && child.item != nil && child != parent {
		item := child.item
		if item.parentSub != nil {
			path = append(path, *item.parentSub)
		} else {
			i := 0
			for c := item.parent.start; c != nil && c != item; c = c.right {
				if !c.Deleted() && c.Countable() {
					i += int(c.length)
				}
			}
			path = append(path, i)
		}
		child = item.parent
	}
	slices.Reverse(path)
	if path == nil {
		path = []any{}
	}
	return path
}

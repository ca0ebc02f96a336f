package ycrdt

import (
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/drpcorg/ycrdt/utils"
	"github.com/puzpuzpuz/xsync/v3"
)

// Observers is a set of callbacks for one kind of event. Callbacks run
// in registration order; a panicking callback is logged and skipped.
type Observers[T any] struct {
	name     string
	seq      atomic.Uint64
	handlers *xsync.MapOf[uint64, func(T)]
}

func NewObservers[T any](name string) *Observers[T] {
	return &Observers[T]{
		name:     name,
		handlers: xsync.NewMapOf[uint64, func(T)](),
	}
}

// On adds fn and returns the function removing it again.
func (o *Observers[T]) On(fn func(T)) (unsubscribe func()) {
	id := o.seq.Add(1)
	o.handlers.Store(id, fn)
	return func() { o.handlers.Delete(id) }
}

func (o *Observers[T]) Len() int {
	return o.handlers.Size()
}

func (o *Observers[T]) Clear() {
	o.handlers.Clear()
}

func (o *Observers[T]) emit(log utils.Logger, arg T) {
	if o.handlers.Size() == 0 {
		return
	}
	ids := make([]uint64, 0, o.handlers.Size())
	o.handlers.Range(func(id uint64, _ func(T)) bool {
		ids = append(ids, id)
		return true
	})
	slices.Sort(ids)
	for _, id := range ids {
		// handlers removed by an earlier callback are skipped
		if fn, ok := o.handlers.Load(id); ok {
			o.call(log, fn, arg)
		}
	}
}

func (o *Observers[T]) call(log utils.Logger, fn func(T), arg T) {
	defer func() {
		if r := recover(); r != nil {
			ListenerPanics.WithLabelValues(o.name).Inc()
			if log != nil {
				log.Error("listener panicked", "event", o.name, "panic", fmt.Sprint(r))
			}
		}
	}()
	fn(arg)
}

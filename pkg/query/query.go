// Package query exposes derived views over a store: values computed from
// store contents, recomputed lazily and only when a mutation touches their
// declared dependencies. Unrelated mutations never invalidate a view.
package query

import (
	"sync"

	"github.com/astromechza/hindsight/pkg/store"
)

// Derived is one reactive view. Get returns the current value, recomputing
// it at most once per relevant mutation; OnChange subscribers are invoked
// after every relevant mutation with the fresh value.
type Derived[T any] struct {
	compute func() T

	mu        sync.Mutex
	value     T
	dirty     bool
	computed  bool
	subs      map[int]func(T)
	subID     int
	unlisten  func()
	recompute int
}

// NewDerived registers a view over s. deps names the tables and values the
// computation reads; a mutation outside deps leaves the cached value alone.
func NewDerived[T any](s *store.Store, deps store.Selector, compute func() T) *Derived[T] {
	d := &Derived[T]{compute: compute, dirty: true, subs: map[int]func(T){}}
	d.unlisten = s.Listen(deps, func(store.ChangeSet) {
		d.mu.Lock()
		d.dirty = true
		hasSubs := len(d.subs) > 0
		d.mu.Unlock()
		if hasSubs {
			d.notify()
		}
	})
	return d
}

// Get returns the view's current value, recomputing only if a relevant
// mutation happened since the last call.
func (d *Derived[T]) Get() T {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.getLocked()
}

func (d *Derived[T]) getLocked() T {
	if d.dirty || !d.computed {
		d.value = d.compute()
		d.dirty = false
		d.computed = true
		d.recompute++
	}
	return d.value
}

// Recomputes reports how many times the view has actually been recomputed;
// used to assert laziness in tests.
func (d *Derived[T]) Recomputes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.recompute
}

// OnChange subscribes fn to fresh values after every relevant mutation. The
// returned function cancels the subscription.
func (d *Derived[T]) OnChange(fn func(T)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subID++
	id := d.subID
	d.subs[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.subs, id)
	}
}

func (d *Derived[T]) notify() {
	d.mu.Lock()
	v := d.getLocked()
	fns := make([]func(T), 0, len(d.subs))
	for _, fn := range d.subs {
		fns = append(fns, fn)
	}
	d.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

// Close detaches the view from the store.
func (d *Derived[T]) Close() {
	if d.unlisten != nil {
		d.unlisten()
		d.unlisten = nil
	}
}

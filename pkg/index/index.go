// Package index maintains derived groupings over a store: index slices
// (grouping key -> row ids) and relationships (foreign key -> linked row
// ids, and the inverse). Both are caches: they hold no authoritative data
// and are rebuilt from the store alone, never persisted.
package index

import (
	"sort"
	"sync"

	"github.com/astromechza/hindsight/pkg/store"
)

type indexDef struct {
	table string
	cell  string
}

type relationshipDef struct {
	localTable  string
	remoteTable string
	cell        string
}

// Indexes groups the rows of a table by the value of one cell, kept
// incrementally consistent with the store via its listener API.
type Indexes struct {
	s *store.Store

	mu   sync.Mutex
	defs map[string]indexDef
	// definition -> key -> set of row ids
	slices map[string]map[string]map[string]struct{}
	// definition -> row id -> current key (for incremental moves)
	keys map[string]map[string]string

	unlisten func()
}

// NewIndexes attaches an index set to a store.
func NewIndexes(s *store.Store) *Indexes {
	ix := &Indexes{
		s:      s,
		defs:   map[string]indexDef{},
		slices: map[string]map[string]map[string]struct{}{},
		keys:   map[string]map[string]string{},
	}
	ix.unlisten = s.Listen(store.Selector{}, ix.onChange)
	return ix
}

// Close detaches the index set from the store.
func (ix *Indexes) Close() {
	if ix.unlisten != nil {
		ix.unlisten()
		ix.unlisten = nil
	}
}

// DefineIndex declares that rows of table are grouped by the value of cell.
// Existing rows are indexed immediately.
func (ix *Indexes) DefineIndex(name, table, cell string) {
	ix.mu.Lock()
	ix.defs[name] = indexDef{table: table, cell: cell}
	ix.slices[name] = map[string]map[string]struct{}{}
	ix.keys[name] = map[string]string{}
	ix.mu.Unlock()
	for _, rowID := range ix.s.RowIDs(table) {
		ix.reindex(name, table, cell, rowID)
	}
}

// SliceRowIDs returns the sorted ids of all rows whose indexed cell equals
// key. Row ids are time-ordered, so the slice is in creation order.
func (ix *Indexes) SliceRowIDs(name, key string) []string {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	set := ix.slices[name][key]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// onChange rebuilds the affected slice entries. The store is never read
// while ix.mu is held: the two locks must not nest, because SliceRowIDs is
// callable from inside a store transaction, which nests them the other way
// round. Reading the store's current state (rather than the ChangeSet's)
// keeps this correct under concurrent notifications: the read always
// reflects at least the state that triggered it, and any later change
// re-fires the listener.
func (ix *Indexes) onChange(cs store.ChangeSet) {
	type target struct {
		name, table, cell, rowID string
	}
	ix.mu.Lock()
	var targets []target
	for name, def := range ix.defs {
		rows, ok := cs.Tables[def.table]
		if !ok {
			continue
		}
		for rowID := range rows {
			targets = append(targets, target{name: name, table: def.table, cell: def.cell, rowID: rowID})
		}
	}
	ix.mu.Unlock()
	for _, t := range targets {
		ix.reindex(t.name, t.table, t.cell, t.rowID)
	}
}

// reindex re-derives one row's slice membership from the store. A dead row
// or an unset cell reads as no key, which removes the row from its slice.
func (ix *Indexes) reindex(name, table, cell, rowID string) {
	key, hasKey := "", false
	if v, ok := ix.s.GetCell(table, rowID, cell); ok {
		key, hasKey = v.(string)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if _, ok := ix.defs[name]; !ok {
		return
	}
	if prev, ok := ix.keys[name][rowID]; ok {
		if hasKey && prev == key {
			return
		}
		delete(ix.slices[name][prev], rowID)
		if len(ix.slices[name][prev]) == 0 {
			delete(ix.slices[name], prev)
		}
		delete(ix.keys[name], rowID)
	}
	if !hasKey {
		return
	}
	set := ix.slices[name][key]
	if set == nil {
		set = map[string]struct{}{}
		ix.slices[name][key] = set
	}
	set[rowID] = struct{}{}
	ix.keys[name][rowID] = key
}

// Relationships maintains foreign-key link tables: each local row points at
// one remote row through a cell, and the reverse lookup (remote row -> local
// rows) is what cascade deletes and vote counts are built on.
//
// Structurally a relationship is an index whose keys are remote row ids, so
// it shares the incremental maintenance machinery.
type Relationships struct {
	ix *Indexes

	mu   sync.Mutex
	defs map[string]relationshipDef
}

// NewRelationships attaches a relationship set to a store.
func NewRelationships(s *store.Store) *Relationships {
	return &Relationships{ix: NewIndexes(s), defs: map[string]relationshipDef{}}
}

// Close detaches the relationship set from the store.
func (r *Relationships) Close() { r.ix.Close() }

// DefineRelationship declares that rows of localTable reference rows of
// remoteTable through cell.
func (r *Relationships) DefineRelationship(name, localTable, remoteTable, cell string) {
	r.mu.Lock()
	r.defs[name] = relationshipDef{localTable: localTable, remoteTable: remoteTable, cell: cell}
	r.mu.Unlock()
	r.ix.DefineIndex(name, localTable, cell)
}

// LocalRowIDs returns the ids of the local rows referencing remoteRowID.
func (r *Relationships) LocalRowIDs(name, remoteRowID string) []string {
	return r.ix.SliceRowIDs(name, remoteRowID)
}

// RemoteRowID returns the id of the remote row that localRowID references,
// or "" when it references nothing.
func (r *Relationships) RemoteRowID(name, localRowID string) string {
	r.mu.Lock()
	def, ok := r.defs[name]
	r.mu.Unlock()
	if !ok {
		return ""
	}
	v, ok := r.ix.s.GetCell(def.localTable, localRowID, def.cell)
	if !ok {
		return ""
	}
	id, _ := v.(string)
	return id
}

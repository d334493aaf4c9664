// Package store implements the replicated board store: a schema-validated,
// transactional table-and-value engine whose every slot carries a logical
// stamp, so that two divergent replicas of the same logical dataset can be
// merged deterministically (see merge.go).
package store

import (
	"sort"
	"sync"
)

type slot struct {
	value any
	del   bool
	stamp Stamp
}

type rowState struct {
	exist slot
	cells map[string]*slot
}

func (r *rowState) live() bool {
	return !r.exist.stamp.IsZero() && !r.exist.del
}

func (r *rowState) clone() *rowState {
	out := &rowState{exist: r.exist, cells: make(map[string]*slot, len(r.cells))}
	for name, c := range r.cells {
		cc := *c
		out.cells[name] = &cc
	}
	return out
}

// Store is one replica of a board's dataset. It is the single shared mutable
// resource per client: indexes, queries, the persister and the synchronizer
// all hold a reference to it and observe it through Listen.
//
// Reads and writes never block on I/O or the network; the mutex only guards
// the in-memory maps against the synchronizer goroutine applying remote
// changes concurrently with local mutations.
type Store struct {
	schema Schema
	actor  string

	mu     sync.Mutex
	clock  int64
	vv     VersionVector
	values map[string]*slot
	tables map[string]map[string]*rowState

	inTxn     bool
	txnStamp  Stamp
	net       ChangeSet
	undoVals  map[string]*slot
	undoRows  map[string]map[string]*rowState
	undoClock int64

	listeners  map[int]listenerEntry
	listenerID int
}

type listenerEntry struct {
	sel Selector
	fn  func(ChangeSet)
}

// Selector names the tables and values a listener cares about. The zero
// Selector matches every change.
type Selector struct {
	Tables []string
	Values []string
}

func (sel Selector) matches(cs ChangeSet) bool {
	if len(sel.Tables) == 0 && len(sel.Values) == 0 {
		return true
	}
	for _, t := range sel.Tables {
		if cs.Touches(t) {
			return true
		}
	}
	for _, v := range sel.Values {
		if cs.TouchesValue(v) {
			return true
		}
	}
	return false
}

// New creates an empty replica for the given schema. The actor id must be
// stable for the life of the replica and unique among all replicas of the
// same board; it tie-breaks equal logical timestamps.
func New(schema Schema, actor string) *Store {
	s := &Store{
		schema:    schema,
		actor:     actor,
		vv:        VersionVector{},
		values:    map[string]*slot{},
		tables:    map[string]map[string]*rowState{},
		listeners: map[int]listenerEntry{},
	}
	for name := range schema.Tables {
		s.tables[name] = map[string]*rowState{}
	}
	return s
}

// Actor returns the replica's stable identifier.
func (s *Store) Actor() string { return s.actor }

// Schema returns the schema the store validates against.
func (s *Store) Schema() Schema { return s.schema }

// Tx is a handle to an open transaction. All mutations go through it; they
// are applied immediately (so later statements in the same transaction see
// them) but listeners are only notified once, after commit, with the net
// change. If the transaction function returns an error every contained
// mutation is rolled back.
type Tx struct {
	s *Store
}

// Transaction runs fn with the store locked. Mutations made through the Tx
// are atomic: observers see either the pre- or the fully-post-transaction
// state, never an intermediate one. Transactions must not be nested.
func (s *Store) Transaction(fn func(tx *Tx) error) error {
	s.mu.Lock()
	s.begin()
	if err := fn(&Tx{s: s}); err != nil {
		s.rollback()
		s.mu.Unlock()
		return err
	}
	cs := s.commit()
	s.mu.Unlock()
	s.notify(cs)
	return nil
}

func (s *Store) begin() {
	s.inTxn = true
	s.txnStamp = Stamp{Time: s.clock + 1, Actor: s.actor}
	s.net = ChangeSet{}
	s.undoVals = map[string]*slot{}
	s.undoRows = map[string]map[string]*rowState{}
	s.undoClock = s.clock
}

func (s *Store) rollback() {
	for name, prior := range s.undoVals {
		if prior == nil {
			delete(s.values, name)
		} else {
			s.values[name] = prior
		}
	}
	for table, rows := range s.undoRows {
		for rowID, prior := range rows {
			if prior == nil {
				delete(s.tables[table], rowID)
			} else {
				s.tables[table][rowID] = prior
			}
		}
	}
	s.clock = s.undoClock
	s.endTxn()
}

func (s *Store) commit() ChangeSet {
	cs := s.net
	if !cs.IsEmpty() {
		s.clock = s.txnStamp.Time
		s.vv.observe(s.txnStamp)
	}
	s.endTxn()
	return cs
}

func (s *Store) endTxn() {
	s.inTxn = false
	s.net = ChangeSet{}
	s.undoVals = nil
	s.undoRows = nil
}

func (s *Store) notify(cs ChangeSet) {
	if cs.IsEmpty() {
		return
	}
	s.mu.Lock()
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	entries := make([]listenerEntry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, s.listeners[id])
	}
	s.mu.Unlock()
	for _, e := range entries {
		if e.sel.matches(cs) {
			e.fn(cs)
		}
	}
}

// Listen registers fn to be called after every committed transaction or
// merged remote delta whose net change overlaps sel. The returned function
// removes the listener.
func (s *Store) Listen(sel Selector, fn func(ChangeSet)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listenerID++
	id := s.listenerID
	s.listeners[id] = listenerEntry{sel: sel, fn: fn}
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// ---- transactional mutations ----

func (s *Store) saveValueUndo(name string) {
	if _, done := s.undoVals[name]; done {
		return
	}
	if prior, ok := s.values[name]; ok {
		cp := *prior
		s.undoVals[name] = &cp
	} else {
		s.undoVals[name] = nil
	}
}

func (s *Store) saveRowUndo(table, rowID string) {
	rows := s.undoRows[table]
	if rows == nil {
		rows = map[string]*rowState{}
		s.undoRows[table] = rows
	}
	if _, done := rows[rowID]; done {
		return
	}
	if prior, ok := s.tables[table][rowID]; ok {
		rows[rowID] = prior.clone()
	} else {
		rows[rowID] = nil
	}
}

func (s *Store) rowState(table, rowID string) *rowState {
	r, ok := s.tables[table][rowID]
	if !ok {
		r = &rowState{cells: map[string]*slot{}}
		s.tables[table][rowID] = r
	}
	return r
}

// SetRow inserts or fully replaces a row. Cells missing from the input fall
// back to their schema defaults; a cell outside the schema or of the wrong
// type fails the transaction with a ValidationError.
func (tx *Tx) SetRow(table, rowID string, cells map[string]any) error {
	s := tx.s
	ts, ok := s.schema.Tables[table]
	if !ok {
		return &ValidationError{Table: table, Msg: "table not in schema"}
	}
	normalized := make(map[string]any, len(ts))
	for name, v := range cells {
		cs, err := s.schema.tableCell(table, name)
		if err != nil {
			return err
		}
		nv, err := cs.normalize(v)
		if err != nil {
			return &ValidationError{Table: table, Cell: name, Msg: err.Error()}
		}
		normalized[name] = nv
	}
	s.saveRowUndo(table, rowID)
	r := s.rowState(table, rowID)
	r.exist = slot{stamp: s.txnStamp}
	s.net.putExist(table, rowID, ExistChange{Stamp: s.txnStamp})
	for name, cs := range ts {
		v, provided := normalized[name]
		if !provided {
			if cs.Default == nil {
				if prior := r.cells[name]; prior != nil && !prior.del {
					r.cells[name] = &slot{del: true, stamp: s.txnStamp}
					s.net.putCell(table, rowID, name, CellChange{Del: true, Stamp: s.txnStamp})
				}
				continue
			}
			v, _ = cs.normalize(cs.Default)
		}
		r.cells[name] = &slot{value: v, stamp: s.txnStamp}
		s.net.putCell(table, rowID, name, CellChange{Value: v, Stamp: s.txnStamp})
	}
	return nil
}

// DelRow removes a row by writing a tombstone over its existence fact and
// every live cell. It never touches other tables: cascades are the caller's
// responsibility.
func (tx *Tx) DelRow(table, rowID string) error {
	s := tx.s
	if _, ok := s.schema.Tables[table]; !ok {
		return &ValidationError{Table: table, Msg: "table not in schema"}
	}
	r, ok := s.tables[table][rowID]
	if !ok || !r.live() {
		return nil
	}
	s.saveRowUndo(table, rowID)
	r.exist = slot{del: true, stamp: s.txnStamp}
	s.net.putExist(table, rowID, ExistChange{Del: true, Stamp: s.txnStamp})
	for name, c := range r.cells {
		if !c.del {
			r.cells[name] = &slot{del: true, stamp: s.txnStamp}
			s.net.putCell(table, rowID, name, CellChange{Del: true, Stamp: s.txnStamp})
		}
	}
	return nil
}

// SetCell writes a single cell, bringing the row into existence if needed.
func (tx *Tx) SetCell(table, rowID, cell string, v any) error {
	s := tx.s
	cs, err := s.schema.tableCell(table, cell)
	if err != nil {
		return err
	}
	nv, err := cs.normalize(v)
	if err != nil {
		return &ValidationError{Table: table, Cell: cell, Msg: err.Error()}
	}
	s.saveRowUndo(table, rowID)
	r := s.rowState(table, rowID)
	r.exist = slot{stamp: s.txnStamp}
	s.net.putExist(table, rowID, ExistChange{Stamp: s.txnStamp})
	r.cells[cell] = &slot{value: nv, stamp: s.txnStamp}
	s.net.putCell(table, rowID, cell, CellChange{Value: nv, Stamp: s.txnStamp})
	return nil
}

// SetValue writes a board-wide value.
func (tx *Tx) SetValue(name string, v any) error {
	s := tx.s
	cs, err := s.schema.value(name)
	if err != nil {
		return err
	}
	nv, err := cs.normalize(v)
	if err != nil {
		return &ValidationError{Cell: name, Msg: err.Error()}
	}
	s.saveValueUndo(name)
	s.values[name] = &slot{value: nv, stamp: s.txnStamp}
	s.net.putValue(name, CellChange{Value: nv, Stamp: s.txnStamp})
	return nil
}

// GetCell reads a cell through the open transaction, seeing the
// transaction's own uncommitted writes.
func (tx *Tx) GetCell(table, rowID, cell string) (any, bool) {
	return tx.s.getCellLocked(table, rowID, cell)
}

// HasRow reports row liveness through the open transaction.
func (tx *Tx) HasRow(table, rowID string) bool {
	r, ok := tx.s.tables[table][rowID]
	return ok && r.live()
}

// RowIDs lists live rows through the open transaction, the transaction's
// own writes included.
func (tx *Tx) RowIDs(table string) []string {
	return tx.s.rowIDsLocked(table)
}

// ---- one-shot convenience mutators ----

// SetRow runs a single-mutation transaction.
func (s *Store) SetRow(table, rowID string, cells map[string]any) error {
	return s.Transaction(func(tx *Tx) error { return tx.SetRow(table, rowID, cells) })
}

// DelRow runs a single-mutation transaction.
func (s *Store) DelRow(table, rowID string) error {
	return s.Transaction(func(tx *Tx) error { return tx.DelRow(table, rowID) })
}

// SetCell runs a single-mutation transaction.
func (s *Store) SetCell(table, rowID, cell string, v any) error {
	return s.Transaction(func(tx *Tx) error { return tx.SetCell(table, rowID, cell, v) })
}

// SetValue runs a single-mutation transaction.
func (s *Store) SetValue(name string, v any) error {
	return s.Transaction(func(tx *Tx) error { return tx.SetValue(name, v) })
}

// ---- reads ----

func (s *Store) getCellLocked(table, rowID, cell string) (any, bool) {
	cs, err := s.schema.tableCell(table, cell)
	if err != nil {
		return nil, false
	}
	r, ok := s.tables[table][rowID]
	if !ok || !r.live() {
		return nil, false
	}
	if c := r.cells[cell]; c != nil && !c.del {
		return c.value, true
	}
	if cs.Default != nil {
		v, _ := cs.normalize(cs.Default)
		return v, true
	}
	return nil, false
}

// GetCell returns a cell's value, falling back to the schema default when
// the row is live but the cell was never written. The second result is false
// when the row does not exist or the cell has no value.
func (s *Store) GetCell(table, rowID, cell string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getCellLocked(table, rowID, cell)
}

// GetRow returns all cells of a live row, defaults filled in.
func (s *Store) GetRow(table, rowID string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.schema.Tables[table]
	if !ok {
		return nil, false
	}
	r, ok := s.tables[table][rowID]
	if !ok || !r.live() {
		return nil, false
	}
	out := make(map[string]any, len(ts))
	for name := range ts {
		if v, ok := s.getCellLocked(table, rowID, name); ok {
			out[name] = v
		}
	}
	return out, true
}

// HasRow reports whether the row exists and is not tombstoned.
func (s *Store) HasRow(table, rowID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.tables[table][rowID]
	return ok && r.live()
}

// RowIDs returns the ids of all live rows in a table, sorted. Row ids are
// time-ordered UUIDs, so the sorted order is creation order.
func (s *Store) RowIDs(table string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rowIDsLocked(table)
}

func (s *Store) rowIDsLocked(table string) []string {
	ids := make([]string, 0, len(s.tables[table]))
	for id, r := range s.tables[table] {
		if r.live() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// GetValue returns a board-wide value or its schema default.
func (s *Store) GetValue(name string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, err := s.schema.value(name)
	if err != nil {
		return nil, false
	}
	if v, ok := s.values[name]; ok && !v.del {
		return v.value, true
	}
	if cs.Default != nil {
		v, _ := cs.normalize(cs.Default)
		return v, true
	}
	return nil, false
}

// Content returns a plain, stamp-free copy of the visible state of the
// store. Two replicas that have converged have equal Content.
type Content struct {
	Values map[string]any
	Tables map[string]map[string]map[string]any
}

// Content materializes the visible state; intended for tests and debugging.
func (s *Store) Content() Content {
	out := Content{
		Values: map[string]any{},
		Tables: map[string]map[string]map[string]any{},
	}
	for name := range s.schema.Values {
		if v, ok := s.GetValue(name); ok {
			out.Values[name] = v
		}
	}
	for table := range s.schema.Tables {
		rows := map[string]map[string]any{}
		for _, id := range s.RowIDs(table) {
			if r, ok := s.GetRow(table, id); ok {
				rows[id] = r
			}
		}
		out.Tables[table] = rows
	}
	return out
}

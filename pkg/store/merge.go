package store

// MergeResult summarizes what happened to an incoming ChangeSet. Malformed
// facts (outside the schema, or with an ill-typed value) are ignored rather
// than failing the merge; stale facts are those that lost the
// last-writer-wins comparison.
type MergeResult struct {
	Applied   int
	Stale     int
	Malformed int
}

// ApplyChanges merges a remote ChangeSet into the replica. For every slot
// the fact with the greater stamp wins; equal-stamp facts are already
// ordered by the actor tie-break inside Stamp.After. The operation is
// commutative, associative and idempotent: applying the same sets in any
// order or any number of times converges on the same state.
//
// Listeners are notified once with the net set of accepted facts.
func (s *Store) ApplyChanges(cs ChangeSet) MergeResult {
	s.mu.Lock()
	var res MergeResult
	net := ChangeSet{}

	for name, ch := range cs.Values {
		vs, err := s.schema.value(name)
		if err != nil {
			res.Malformed++
			continue
		}
		nv := any(nil)
		if !ch.Del {
			if nv, err = vs.normalize(ch.Value); err != nil {
				res.Malformed++
				continue
			}
		}
		s.observeStamp(ch.Stamp)
		cur, ok := s.values[name]
		if ok && !ch.Stamp.After(cur.stamp) {
			res.Stale++
			continue
		}
		s.values[name] = &slot{value: nv, del: ch.Del, stamp: ch.Stamp}
		net.putValue(name, CellChange{Value: nv, Del: ch.Del, Stamp: ch.Stamp})
		res.Applied++
	}

	for table, rows := range cs.Tables {
		ts, ok := s.schema.Tables[table]
		if !ok {
			res.Malformed++
			continue
		}
		for rowID, rc := range rows {
			if rc.Exist != nil {
				s.observeStamp(rc.Exist.Stamp)
				r := s.rowState(table, rowID)
				if r.exist.stamp.IsZero() || rc.Exist.Stamp.After(r.exist.stamp) {
					r.exist = slot{del: rc.Exist.Del, stamp: rc.Exist.Stamp}
					net.putExist(table, rowID, *rc.Exist)
					res.Applied++
				} else {
					res.Stale++
				}
			}
			for cell, ch := range rc.Cells {
				cellSchema, ok := ts[cell]
				if !ok {
					res.Malformed++
					continue
				}
				nv := any(nil)
				if !ch.Del {
					var err error
					if nv, err = cellSchema.normalize(ch.Value); err != nil {
						res.Malformed++
						continue
					}
				}
				s.observeStamp(ch.Stamp)
				r := s.rowState(table, rowID)
				if cur := r.cells[cell]; cur != nil && !ch.Stamp.After(cur.stamp) {
					res.Stale++
					continue
				}
				r.cells[cell] = &slot{value: nv, del: ch.Del, stamp: ch.Stamp}
				net.putCell(table, rowID, cell, CellChange{Value: nv, Del: ch.Del, Stamp: ch.Stamp})
				res.Applied++
			}
		}
	}

	s.mu.Unlock()
	s.notify(net)
	return res
}

// observeStamp advances the Lamport clock and the version vector past a
// stamp seen from the network, whether or not it wins its slot.
func (s *Store) observeStamp(st Stamp) {
	if st.Time > s.clock {
		s.clock = st.Time
	}
	s.vv.observe(st)
}

// VersionVector returns the greatest stamp time seen per actor.
func (s *Store) VersionVector() VersionVector {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vv.Clone()
}

// Clock returns the replica's Lamport clock position.
func (s *Store) Clock() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock
}

// Changes exports the full stamped state of the replica, tombstones
// included: enough for a peer to reconcile complete divergence.
func (s *Store) Changes() ChangeSet {
	return s.DeltaSince(nil)
}

// DeltaSince computes the minimal ChangeSet a peer with the given version
// vector is missing: every slot whose stamp the vector does not cover.
func (s *Store) DeltaSince(vv VersionVector) ChangeSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := ChangeSet{}
	for name, v := range s.values {
		if !vv.Covers(v.stamp) {
			cs.putValue(name, CellChange{Value: v.value, Del: v.del, Stamp: v.stamp})
		}
	}
	for table, rows := range s.tables {
		for rowID, r := range rows {
			if !r.exist.stamp.IsZero() && !vv.Covers(r.exist.stamp) {
				cs.putExist(table, rowID, ExistChange{Del: r.exist.del, Stamp: r.exist.stamp})
			}
			for cell, c := range r.cells {
				if !vv.Covers(c.stamp) {
					cs.putCell(table, rowID, cell, CellChange{Value: c.value, Del: c.del, Stamp: c.stamp})
				}
			}
		}
	}
	return cs
}

// Snapshot captures the full replica state for durable storage.
func (s *Store) Snapshot() Snapshot {
	cs := s.Changes()
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{Clock: s.clock, Changes: cs}
}

// ApplySnapshot merges a previously saved snapshot into the replica. Loading
// into an empty store reproduces the saved state exactly; loading into a
// store that has already been written to merges the two histories.
func (s *Store) ApplySnapshot(snap Snapshot) MergeResult {
	res := s.ApplyChanges(snap.Changes)
	s.mu.Lock()
	if snap.Clock > s.clock {
		s.clock = snap.Clock
	}
	s.mu.Unlock()
	return res
}

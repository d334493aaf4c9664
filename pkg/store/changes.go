package store

// CellChange is one stamped fact about a cell or value slot: either a write
// of Value or, when Del is set, a tombstone. Tombstones are retained rather
// than physically removing the slot so that a late-arriving older write
// cannot resurrect deleted data.
type CellChange struct {
	Value any   `json:"v,omitempty"`
	Del   bool  `json:"d,omitempty"`
	Stamp Stamp `json:"s"`
}

// ExistChange is the row-existence fact. Row presence carries its own stamp
// so a delete can deterministically beat a concurrent cell update.
type ExistChange struct {
	Del   bool  `json:"d,omitempty"`
	Stamp Stamp `json:"s"`
}

// RowChange carries the stamped facts about one row.
type RowChange struct {
	Exist *ExistChange          `json:"e,omitempty"`
	Cells map[string]CellChange `json:"c,omitempty"`
}

// ChangeSet is the unit of replication: the stamped cell-level facts needed
// to advance one replica toward another. It is also what listeners receive
// after a transaction commits, restricted to the net change.
type ChangeSet struct {
	Values map[string]CellChange           `json:"values,omitempty"`
	Tables map[string]map[string]RowChange `json:"tables,omitempty"`
}

// IsEmpty reports whether the set carries no facts at all.
func (c ChangeSet) IsEmpty() bool {
	return len(c.Values) == 0 && len(c.Tables) == 0
}

// Touches reports whether the set contains a fact about the named table.
func (c ChangeSet) Touches(table string) bool {
	rows, ok := c.Tables[table]
	return ok && len(rows) > 0
}

// TouchesValue reports whether the set contains a fact about the named value.
func (c ChangeSet) TouchesValue(name string) bool {
	_, ok := c.Values[name]
	return ok
}

func (c *ChangeSet) putValue(name string, ch CellChange) {
	if c.Values == nil {
		c.Values = map[string]CellChange{}
	}
	c.Values[name] = ch
}

func (c *ChangeSet) rowChange(table, rowID string) *RowChange {
	if c.Tables == nil {
		c.Tables = map[string]map[string]RowChange{}
	}
	rows := c.Tables[table]
	if rows == nil {
		rows = map[string]RowChange{}
		c.Tables[table] = rows
	}
	rc := rows[rowID]
	return &rc
}

func (c *ChangeSet) putRow(table, rowID string, rc RowChange) {
	c.Tables[table][rowID] = rc
}

func (c *ChangeSet) putCell(table, rowID, cell string, ch CellChange) {
	rc := c.rowChange(table, rowID)
	if rc.Cells == nil {
		rc.Cells = map[string]CellChange{}
	}
	rc.Cells[cell] = ch
	c.putRow(table, rowID, *rc)
}

func (c *ChangeSet) putExist(table, rowID string, ch ExistChange) {
	rc := c.rowChange(table, rowID)
	rc.Exist = &ch
	c.putRow(table, rowID, *rc)
}

// ObserveInto advances vv past every stamp carried by the set. A peer that
// has been sent (or has sent) these facts is known to have them, so they
// need not be shipped to it again.
func (c ChangeSet) ObserveInto(vv VersionVector) {
	for _, ch := range c.Values {
		vv.observe(ch.Stamp)
	}
	for _, rows := range c.Tables {
		for _, rc := range rows {
			if rc.Exist != nil {
				vv.observe(rc.Exist.Stamp)
			}
			for _, ch := range rc.Cells {
				vv.observe(ch.Stamp)
			}
		}
	}
}

// Snapshot is the durable form of a replica: its full stamped state,
// tombstones included, plus the Lamport clock position. Loading a snapshot
// into an empty store reproduces the saved replica exactly; loading it into
// a store that already has writes merges the two.
type Snapshot struct {
	Clock   int64     `json:"clock"`
	Changes ChangeSet `json:"changes"`
}

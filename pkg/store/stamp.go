package store

// Stamp is a logical timestamp: a Lamport counter scoped to the originating
// replica, tie-broken by the replica's stable actor id. Wall clocks are never
// consulted, so two replicas can never produce an ambiguous ordering.
type Stamp struct {
	Time  int64  `json:"t"`
	Actor string `json:"a"`
}

// After reports whether s wins a last-writer-wins comparison against o.
// Equal time falls back to the lexicographically greater actor, which keeps
// the comparison total and order-independent.
func (s Stamp) After(o Stamp) bool {
	if s.Time != o.Time {
		return s.Time > o.Time
	}
	return s.Actor > o.Actor
}

// IsZero reports whether the slot has never been written.
func (s Stamp) IsZero() bool {
	return s.Time == 0 && s.Actor == ""
}

// VersionVector summarizes how much of each replica's history a store has
// seen: the greatest stamp time observed per actor. A peer can answer it
// with the minimal delta of everything newer.
type VersionVector map[string]int64

// Covers reports whether the vector already accounts for st.
func (v VersionVector) Covers(st Stamp) bool {
	return st.Time <= v[st.Actor]
}

func (v VersionVector) observe(st Stamp) {
	if st.Time > v[st.Actor] {
		v[st.Actor] = st.Time
	}
}

// Clone returns an independent copy, safe to hand to another goroutine.
func (v VersionVector) Clone() VersionVector {
	out := make(VersionVector, len(v))
	for a, t := range v {
		out[a] = t
	}
	return out
}

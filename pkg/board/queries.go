package board

import (
	"math"
	"sort"
	"time"

	"github.com/astromechza/hindsight/pkg/query"
	"github.com/astromechza/hindsight/pkg/store"
)

func (s *Session) defineQueries() {
	st := s.store

	s.voteCounts = query.NewDerived(st, store.Selector{Tables: []string{TableVotes}}, func() map[string]int {
		counts := map[string]int{}
		for _, voteID := range st.RowIDs(TableVotes) {
			if cardID, ok := st.GetCell(TableVotes, voteID, "cardId"); ok {
				counts[cardID.(string)]++
			}
		}
		return counts
	})

	s.ownVotes = query.NewDerived(st, store.Selector{Tables: []string{TableVotes}}, func() map[string]string {
		own := map[string]string{}
		for _, voteID := range st.RowIDs(TableVotes) {
			voterID, _ := st.GetCell(TableVotes, voteID, "voterId")
			if voterID != s.cfg.ParticipantID {
				continue
			}
			if cardID, ok := st.GetCell(TableVotes, voteID, "cardId"); ok {
				own[cardID.(string)] = voteID
			}
		}
		return own
	})

	s.sortedCards = query.NewDerived(st,
		store.Selector{Tables: []string{TableCards, TableVotes, TableColumns}},
		s.computeSortedCardIDs)

	s.participantCount = query.NewDerived(st, store.Selector{Tables: []string{TableParticipants}}, func() int {
		return len(st.RowIDs(TableParticipants))
	})

	s.timerDeadline = query.NewDerived(st, store.Selector{Values: []string{ValueTimer}}, func() float64 {
		v, ok := st.GetValue(ValueTimer)
		if !ok {
			return 0
		}
		return v.(float64)
	})
}

func (s *Session) closeQueries() {
	s.sortedCards.Close()
	s.voteCounts.Close()
	s.ownVotes.Close()
	s.participantCount.Close()
	s.timerDeadline.Close()
}

// computeSortedCardIDs produces the presentation order across all cards:
// column creation time ascending, then vote count descending, then card
// creation time ascending. The order is a pure function of current state
// and is never stored.
func (s *Session) computeSortedCardIDs() []string {
	st := s.store
	votes := s.voteCounts.Get()

	type sortKey struct {
		id         string
		colCreated float64
		colID      string
		votes      int
		created    float64
	}
	cardIDs := st.RowIDs(TableCards)
	keys := make([]sortKey, 0, len(cardIDs))
	for _, cardID := range cardIDs {
		k := sortKey{id: cardID, colCreated: math.Inf(1)}
		if v, ok := st.GetCell(TableCards, cardID, "createdAt"); ok {
			k.created = v.(float64)
		}
		if v, ok := st.GetCell(TableCards, cardID, "columnId"); ok {
			k.colID = v.(string)
			if c, ok := st.GetCell(TableColumns, k.colID, "createdAt"); ok {
				k.colCreated = c.(float64)
			}
		}
		k.votes = votes[cardID]
		keys = append(keys, k)
	}
	sort.SliceStable(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.colID != b.colID {
			if a.colCreated != b.colCreated {
				return a.colCreated < b.colCreated
			}
			return a.colID < b.colID
		}
		if a.votes != b.votes {
			return a.votes > b.votes
		}
		if a.created != b.created {
			return a.created < b.created
		}
		return a.id < b.id
	})
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.id
	}
	return out
}

// SortedCardIDs returns all card ids in presentation order.
func (s *Session) SortedCardIDs() []string {
	return s.sortedCards.Get()
}

// OnSortedCardIDs subscribes to presentation-order changes; fn fires only
// on mutations to cards, votes or columns, never on unrelated changes.
func (s *Session) OnSortedCardIDs(fn func([]string)) func() {
	return s.sortedCards.OnChange(fn)
}

// CardIDsByColumn returns the ids of a column's cards in creation order.
func (s *Session) CardIDsByColumn(columnID string) []string {
	return s.ix.SliceRowIDs(IndexCardsByColumn, columnID)
}

// ColumnIDs returns all column ids ordered by creation time.
func (s *Session) ColumnIDs() []string {
	st := s.store
	ids := st.RowIDs(TableColumns)
	created := make(map[string]float64, len(ids))
	for _, id := range ids {
		if v, ok := st.GetCell(TableColumns, id, "createdAt"); ok {
			created[id] = v.(float64)
		}
	}
	sort.SliceStable(ids, func(i, j int) bool {
		if created[ids[i]] != created[ids[j]] {
			return created[ids[i]] < created[ids[j]]
		}
		return ids[i] < ids[j]
	})
	return ids
}

// VoteCount returns the number of votes on a card.
func (s *Session) VoteCount(cardID string) int {
	return s.voteCounts.Get()[cardID]
}

// ParticipantVoteID returns the id of this participant's vote on a card, or
// "" if they have not voted on it.
func (s *Session) ParticipantVoteID(cardID string) string {
	return s.ownVotes.Get()[cardID]
}

// HasVoted reports whether this participant has voted on a card.
func (s *Session) HasVoted(cardID string) bool {
	return s.ParticipantVoteID(cardID) != ""
}

// ParticipantCount returns the number of participants currently attached.
func (s *Session) ParticipantCount() int {
	return s.participantCount.Get()
}

// TimerDeadline returns the shared countdown deadline; ok is false when no
// timer is running.
func (s *Session) TimerDeadline() (deadline time.Time, ok bool) {
	ms := s.timerDeadline.Get()
	if ms == 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(int64(ms)), true
}

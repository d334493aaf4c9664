// Package board is the retrospective-board domain layer: the schema, the
// per-board session that wires a replica to its indexes, persister and
// synchronizer, the transactional mutations the UI calls, and the reactive
// queries it reads.
package board

import "github.com/astromechza/hindsight/pkg/store"

// Table and value names.
const (
	TableParticipants = "participants"
	TableColumns      = "columns"
	TableCards        = "cards"
	TableVotes        = "votes"

	ValueTimer             = "timer"
	ValueParticipantsCount = "participants_count"
)

// Derived-structure names.
const (
	IndexCardsByColumn = "cardsByColumnId"
	IndexVotesByCard   = "votesByCardId"

	RelCardsColumn = "cardsColumn"
	RelVotesCard   = "votesCard"
)

// Schema declares the board dataset: a shared countdown timer and presence
// count, plus participants, columns, cards and votes.
func Schema() store.Schema {
	return store.Schema{
		Values: map[string]store.CellSchema{
			// absolute epoch-millisecond deadline; 0 means no timer running
			ValueTimer:             {Type: store.TypeNumber},
			ValueParticipantsCount: {Type: store.TypeNumber, Default: 0},
		},
		Tables: map[string]store.TableSchema{
			TableParticipants: {
				"name": {Type: store.TypeString, Default: "Anonymous"},
			},
			TableColumns: {
				"createdAt":   {Type: store.TypeNumber, Default: 0},
				"description": {Type: store.TypeString, Default: ""},
			},
			TableCards: {
				"columnId":    {Type: store.TypeString, Default: ""},
				"authorId":    {Type: store.TypeString, Default: ""},
				"createdAt":   {Type: store.TypeNumber, Default: 0},
				"description": {Type: store.TypeString, Default: ""},
			},
			TableVotes: {
				"cardId":  {Type: store.TypeString, Default: ""},
				"voterId": {Type: store.TypeString, Default: ""},
			},
		},
	}
}

package board

import (
	"fmt"
	"time"

	"github.com/astromechza/hindsight/pkg/store"
)

func (s *Session) nowMillis() float64 {
	return float64(s.cfg.Now().UnixMilli())
}

// CreateColumn adds a column; columns order among themselves by creation
// time.
func (s *Session) CreateColumn(description string) (string, error) {
	columnID := s.cfg.NewID()
	err := s.store.Transaction(func(tx *store.Tx) error {
		return tx.SetRow(TableColumns, columnID, map[string]any{
			"createdAt":   s.nowMillis(),
			"description": description,
		})
	})
	if err != nil {
		return "", err
	}
	return columnID, nil
}

// CreateCard adds a card to a column, co-created with one implicit vote
// from its author, atomically.
func (s *Session) CreateCard(columnID, description string) (string, error) {
	cardID := s.cfg.NewID()
	err := s.store.Transaction(func(tx *store.Tx) error {
		if err := tx.SetRow(TableCards, cardID, map[string]any{
			"columnId":    columnID,
			"authorId":    s.cfg.ParticipantID,
			"createdAt":   s.nowMillis(),
			"description": description,
		}); err != nil {
			return err
		}
		return tx.SetRow(TableVotes, s.cfg.NewID(), map[string]any{
			"cardId":  cardID,
			"voterId": s.cfg.ParticipantID,
		})
	})
	if err != nil {
		return "", err
	}
	return cardID, nil
}

// DeleteCard removes a card and every vote referencing it in one
// transaction: the votes go first, so no observer ever sees a vote pointing
// at a missing card.
func (s *Session) DeleteCard(cardID string) error {
	return s.store.Transaction(func(tx *store.Tx) error {
		return s.deleteCardTx(tx, cardID)
	})
}

func (s *Session) deleteCardTx(tx *store.Tx, cardID string) error {
	for _, voteID := range s.rel.LocalRowIDs(RelVotesCard, cardID) {
		if err := tx.DelRow(TableVotes, voteID); err != nil {
			return err
		}
	}
	return tx.DelRow(TableCards, cardID)
}

// DeleteColumn removes a column, cascading through its cards and their
// votes, all in one transaction.
func (s *Session) DeleteColumn(columnID string) error {
	return s.store.Transaction(func(tx *store.Tx) error {
		for _, cardID := range s.ix.SliceRowIDs(IndexCardsByColumn, columnID) {
			if err := s.deleteCardTx(tx, cardID); err != nil {
				return err
			}
		}
		return tx.DelRow(TableColumns, columnID)
	})
}

// Vote records this participant's vote on a card. At most one vote per
// participant per card: a second Vote is a no-op, enforced here rather than
// by a store constraint.
func (s *Session) Vote(cardID string) error {
	if s.ParticipantVoteID(cardID) != "" {
		return nil
	}
	return s.store.Transaction(func(tx *store.Tx) error {
		if !tx.HasRow(TableCards, cardID) {
			return fmt.Errorf("card %s does not exist", cardID)
		}
		return tx.SetRow(TableVotes, s.cfg.NewID(), map[string]any{
			"cardId":  cardID,
			"voterId": s.cfg.ParticipantID,
		})
	})
}

// Unvote withdraws this participant's vote from a card; a no-op when no
// such vote exists.
func (s *Session) Unvote(cardID string) error {
	voteID := s.ParticipantVoteID(cardID)
	if voteID == "" {
		return nil
	}
	return s.store.DelRow(TableVotes, voteID)
}

// SetTimer starts the shared countdown, as an absolute deadline so every
// replica renders the same remaining time regardless of when the write
// reaches it.
func (s *Session) SetTimer(deadline time.Time) error {
	return s.store.SetValue(ValueTimer, float64(deadline.UnixMilli()))
}

// ClearTimer stops the shared countdown.
func (s *Session) ClearTimer() error {
	return s.store.SetValue(ValueTimer, 0)
}

// SetParticipantName renames this participant.
func (s *Session) SetParticipantName(name string) error {
	return s.store.SetCell(TableParticipants, s.cfg.ParticipantID, "name", name)
}

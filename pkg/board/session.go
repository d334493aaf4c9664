package board

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/astromechza/hindsight/pkg/backoff"
	"github.com/astromechza/hindsight/pkg/ids"
	"github.com/astromechza/hindsight/pkg/index"
	"github.com/astromechza/hindsight/pkg/persist"
	"github.com/astromechza/hindsight/pkg/query"
	"github.com/astromechza/hindsight/pkg/store"
	"github.com/astromechza/hindsight/pkg/syncer"
)

// SessionConfig configures one board session.
type SessionConfig struct {
	// BoardID identifies the shared board.
	BoardID string `yaml:"board_id"`
	// ParticipantID is the stable per-client id; see ids.Participant.
	ParticipantID string `yaml:"participant_id"`
	// ParticipantName defaults to the schema's "Anonymous".
	ParticipantName string `yaml:"participant_name"`
	// RelayURL is the websocket base, e.g. ws://localhost:5000. Empty
	// runs the session offline: fully functional, local-only.
	RelayURL string `yaml:"relay_url"`
	// Backoff governs the synchronizer's reconnects.
	Backoff backoff.Policy `yaml:"backoff"`

	// DB, when set, enables durable snapshots of the board. Nil runs the
	// session in memory only.
	DB *sql.DB `yaml:"-"`
	// OnStatus observes synchronizer state transitions.
	OnStatus func(syncer.Status) `yaml:"-"`
	// NewID and Now exist for tests; they default to ids.New and time.Now.
	NewID func() string    `yaml:"-"`
	Now   func() time.Time `yaml:"-"`
}

// Session is one open board: exactly one authoritative in-memory replica,
// with its derived structures, persister and synchronizer all holding a
// reference to the same store handle. Nothing is reachable through globals.
type Session struct {
	cfg SessionConfig

	store *store.Store
	ix    *index.Indexes
	rel   *index.Relationships
	pers  *persist.Persister
	sync  *syncer.Synchronizer

	unlistenCount func()

	sortedCards      *query.Derived[[]string]
	voteCounts       *query.Derived[map[string]int]
	ownVotes         *query.Derived[map[string]string]
	participantCount *query.Derived[int]
	timerDeadline    *query.Derived[float64]
}

// NewSession opens a board. The order matters and is deliberate: the
// persisted snapshot is loaded and applied before the participant row is
// written, so the bootstrap write can never be clobbered by a late-applying
// load. Only then do auto-save and the synchronizer start.
func NewSession(ctx context.Context, cfg SessionConfig) (*Session, error) {
	if cfg.BoardID == "" {
		return nil, fmt.Errorf("board id is required")
	}
	if cfg.ParticipantID == "" {
		return nil, fmt.Errorf("participant id is required")
	}
	if cfg.NewID == nil {
		cfg.NewID = ids.New
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Session{cfg: cfg, store: store.New(Schema(), cfg.NewID())}

	s.ix = index.NewIndexes(s.store)
	s.ix.DefineIndex(IndexCardsByColumn, TableCards, "columnId")
	s.ix.DefineIndex(IndexVotesByCard, TableVotes, "cardId")

	s.rel = index.NewRelationships(s.store)
	s.rel.DefineRelationship(RelCardsColumn, TableCards, TableColumns, "columnId")
	s.rel.DefineRelationship(RelVotesCard, TableVotes, TableCards, "cardId")

	s.defineQueries()

	// participantsCount is stored for peers that only read values, so it
	// has to track remote presence changes too, not just this client's own
	// enter and leave. Equal recounts are skipped rather than rewritten,
	// which keeps replicas from ping-ponging stamps over the same number.
	s.unlistenCount = s.store.Listen(store.Selector{Tables: []string{TableParticipants}}, func(store.ChangeSet) {
		count := float64(len(s.store.RowIDs(TableParticipants)))
		if v, ok := s.store.GetValue(ValueParticipantsCount); ok && v == count {
			return
		}
		_ = s.store.SetValue(ValueParticipantsCount, count)
	})

	if cfg.DB != nil {
		if err := persist.Init(cfg.DB); err != nil {
			return nil, err
		}
		s.pers = persist.New(cfg.DB, s.store, cfg.BoardID)
		if err := s.pers.Load(ctx); err != nil {
			return nil, fmt.Errorf("failed to load board snapshot: %w", err)
		}
	}

	if err := s.enter(); err != nil {
		return nil, err
	}

	if s.pers != nil {
		s.pers.StartAutoSave(ctx)
	}
	if cfg.RelayURL != "" {
		s.sync = syncer.New(s.store, syncer.Config{
			URL:      cfg.RelayURL + "/" + cfg.BoardID,
			Backoff:  cfg.Backoff,
			OnStatus: cfg.OnStatus,
		})
		s.sync.Start(ctx)
	}
	return s, nil
}

// enter registers this client's participant row and refreshes the presence
// count, in one transaction.
func (s *Session) enter() error {
	return s.store.Transaction(func(tx *store.Tx) error {
		cells := map[string]any{}
		if s.cfg.ParticipantName != "" {
			cells["name"] = s.cfg.ParticipantName
		}
		if err := tx.SetRow(TableParticipants, s.cfg.ParticipantID, cells); err != nil {
			return err
		}
		return tx.SetValue(ValueParticipantsCount, len(tx.RowIDs(TableParticipants)))
	})
}

// leave removes the participant row again; participants are presence, not
// history, so detaching deletes rather than tombstoning a profile.
func (s *Session) leave() error {
	return s.store.Transaction(func(tx *store.Tx) error {
		if err := tx.DelRow(TableParticipants, s.cfg.ParticipantID); err != nil {
			return err
		}
		return tx.SetValue(ValueParticipantsCount, len(tx.RowIDs(TableParticipants)))
	})
}

// Store returns the session's replica handle, for debug tooling.
func (s *Session) Store() *store.Store { return s.store }

// ParticipantID returns the id this session writes as.
func (s *Session) ParticipantID() string { return s.cfg.ParticipantID }

// SyncStatus returns the synchronizer state, or StatusIdle for an offline
// session.
func (s *Session) SyncStatus() syncer.Status {
	if s.sync == nil {
		return syncer.StatusIdle
	}
	return s.sync.Status()
}

// Close detaches from the board: deregisters the participant, releases the
// channel and takes a final snapshot.
func (s *Session) Close() error {
	err := s.leave()
	s.unlistenCount()
	if s.sync != nil {
		s.sync.Stop()
	}
	if s.pers != nil {
		s.pers.Stop()
	}
	s.closeQueries()
	s.rel.Close()
	s.ix.Close()
	return err
}

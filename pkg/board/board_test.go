package board

import (
	"context"
	"database/sql"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/hindsight/pkg/relay"
	"github.com/astromechza/hindsight/pkg/store"
)

// testSession opens an offline, in-memory session with deterministic ids
// and a millisecond-stepping clock.
func testSession(t *testing.T, participantID string) *Session {
	t.Helper()
	var idSeq, tick int
	s, err := NewSession(context.Background(), SessionConfig{
		BoardID:       "test-board",
		ParticipantID: participantID,
		NewID: func() string {
			idSeq++
			return fmt.Sprintf("id-%04d", idSeq)
		},
		Now: func() time.Time {
			tick++
			return time.UnixMilli(int64(1_700_000_000_000 + tick))
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSession_EnterAndLeave(t *testing.T) {
	s := testSession(t, "part-1")

	require.True(t, s.Store().HasRow(TableParticipants, "part-1"))
	assert.Equal(t, 1, s.ParticipantCount())

	name, _ := s.Store().GetCell(TableParticipants, "part-1", "name")
	assert.Equal(t, "Anonymous", name, "participant name defaults")

	require.NoError(t, s.Close())
	assert.False(t, s.Store().HasRow(TableParticipants, "part-1"))
	v, _ := s.Store().GetValue(ValueParticipantsCount)
	assert.Equal(t, float64(0), v)
}

func TestSession_ParticipantsCountTracksRemotePresence(t *testing.T) {
	s := testSession(t, "part-1")

	remote := store.New(Schema(), "remote")
	require.NoError(t, remote.SetRow(TableParticipants, "part-2", map[string]any{"name": "Pat"}))
	s.Store().ApplyChanges(remote.Changes())

	assert.Equal(t, 2, s.ParticipantCount())
	v, _ := s.Store().GetValue(ValueParticipantsCount)
	assert.Equal(t, float64(2), v, "stored count follows merged-in participants")

	require.NoError(t, remote.DelRow(TableParticipants, "part-2"))
	s.Store().ApplyChanges(remote.Changes())

	v, _ = s.Store().GetValue(ValueParticipantsCount)
	assert.Equal(t, float64(1), v, "stored count follows merged-out participants")
}

func TestSession_SetParticipantName(t *testing.T) {
	s := testSession(t, "part-1")
	require.NoError(t, s.SetParticipantName("Sam"))
	name, _ := s.Store().GetCell(TableParticipants, "part-1", "name")
	assert.Equal(t, "Sam", name)
}

func TestCreateCard_AutoVotesForAuthor(t *testing.T) {
	s := testSession(t, "part-1")
	col, err := s.CreateColumn("Start")
	require.NoError(t, err)

	card, err := s.CreateCard(col, "more tests")
	require.NoError(t, err)

	assert.Equal(t, 1, s.VoteCount(card))
	assert.True(t, s.HasVoted(card))
	author, _ := s.Store().GetCell(TableCards, card, "authorId")
	assert.Equal(t, "part-1", author)
}

func TestVote_AtMostOncePerParticipant(t *testing.T) {
	s := testSession(t, "part-1")
	col, _ := s.CreateColumn("Start")
	card, _ := s.CreateCard(col, "idea")

	require.NoError(t, s.Vote(card), "repeat vote is a no-op")
	assert.Equal(t, 1, s.VoteCount(card))
}

func TestVote_OnMissingCardFails(t *testing.T) {
	s := testSession(t, "part-1")
	require.Error(t, s.Vote("no-such-card"))
}

func TestUnvote_ThenRepeatIsNoop(t *testing.T) {
	s := testSession(t, "part-1")
	col, _ := s.CreateColumn("Start")
	card, _ := s.CreateCard(col, "idea")

	require.NoError(t, s.Unvote(card))
	assert.Equal(t, 0, s.VoteCount(card))
	assert.False(t, s.HasVoted(card))

	require.NoError(t, s.Unvote(card), "second unvote must not fail")
	assert.Equal(t, 0, s.VoteCount(card))
}

func TestDeleteCard_CascadesVotesAtomically(t *testing.T) {
	s := testSession(t, "part-1")
	col, _ := s.CreateColumn("Start")
	card, _ := s.CreateCard(col, "idea")
	// two more voters
	require.NoError(t, s.Store().SetRow(TableVotes, "vote-x", map[string]any{"cardId": card, "voterId": "part-2"}))
	require.NoError(t, s.Store().SetRow(TableVotes, "vote-y", map[string]any{"cardId": card, "voterId": "part-3"}))

	// every committed state must be internally consistent: no vote may
	// reference a missing card, even transiently
	st := s.Store()
	unlisten := st.Listen(store.Selector{}, func(store.ChangeSet) {
		for _, voteID := range st.RowIDs(TableVotes) {
			cardID, _ := st.GetCell(TableVotes, voteID, "cardId")
			assert.True(t, st.HasRow(TableCards, cardID.(string)),
				"vote %s references missing card %v", voteID, cardID)
		}
	})
	defer unlisten()

	require.NoError(t, s.DeleteCard(card))
	assert.Empty(t, st.RowIDs(TableVotes))
	assert.False(t, st.HasRow(TableCards, card))
}

func TestDeleteColumn_CascadesCardsAndVotes(t *testing.T) {
	s := testSession(t, "part-1")
	col, _ := s.CreateColumn("Start")
	keep, _ := s.CreateColumn("Stop")
	c1, _ := s.CreateCard(col, "one")
	c2, _ := s.CreateCard(col, "two")
	c3, _ := s.CreateCard(keep, "three")

	require.NoError(t, s.DeleteColumn(col))

	st := s.Store()
	assert.False(t, st.HasRow(TableColumns, col))
	assert.False(t, st.HasRow(TableCards, c1))
	assert.False(t, st.HasRow(TableCards, c2))
	assert.True(t, st.HasRow(TableCards, c3))
	assert.Equal(t, 1, s.VoteCount(c3))
	assert.Len(t, st.RowIDs(TableVotes), 1, "only the surviving card's vote remains")
}

func TestSortedCardIDs_Scenario(t *testing.T) {
	s := testSession(t, "part-1")
	start, _ := s.CreateColumn("Start")
	stop, _ := s.CreateColumn("Stop")

	x, err := s.CreateCard(start, "X")
	require.NoError(t, err)
	assert.Equal(t, []string{x}, s.SortedCardIDs())

	// Y enters with zero votes: its author withdraws the implicit vote
	y, err := s.CreateCard(start, "Y")
	require.NoError(t, err)
	require.NoError(t, s.Unvote(y))
	assert.Equal(t, []string{x, y}, s.SortedCardIDs(), "X outranks Y on votes")

	// a second participant votes on Y: tie on votes, X still first by age
	require.NoError(t, s.Store().SetRow(TableVotes, "vote-p2", map[string]any{"cardId": y, "voterId": "part-2"}))
	assert.Equal(t, []string{x, y}, s.SortedCardIDs())

	// the Stop column sorts after Start regardless of votes
	z, err := s.CreateCard(stop, "Z")
	require.NoError(t, err)
	require.NoError(t, s.Store().SetRow(TableVotes, "vote-p3", map[string]any{"cardId": z, "voterId": "part-2"}))
	assert.Equal(t, []string{x, y, z}, s.SortedCardIDs())

	// deleting X removes its vote too and promotes Y
	require.NoError(t, s.DeleteCard(x))
	assert.Equal(t, []string{y, z}, s.SortedCardIDs())
}

func TestSortedCardIDs_TieBreaksByCreationTime(t *testing.T) {
	s := testSession(t, "part-1")
	col, _ := s.CreateColumn("Start")
	a, _ := s.CreateCard(col, "a")
	b, _ := s.CreateCard(col, "b")

	// equal votes in the same column: creation order decides, regardless
	// of the order votes arrived in
	require.NoError(t, s.Store().SetRow(TableVotes, "vote-x", map[string]any{"cardId": b, "voterId": "part-2"}))
	require.NoError(t, s.Store().SetRow(TableVotes, "vote-y", map[string]any{"cardId": a, "voterId": "part-2"}))
	require.Equal(t, s.VoteCount(a), s.VoteCount(b))
	assert.Equal(t, []string{a, b}, s.SortedCardIDs())
}

func TestColumnIDs_OrderedByCreation(t *testing.T) {
	s := testSession(t, "part-1")
	c1, _ := s.CreateColumn("first")
	c2, _ := s.CreateColumn("second")
	c3, _ := s.CreateColumn("third")
	assert.Equal(t, []string{c1, c2, c3}, s.ColumnIDs())
}

func TestTimer(t *testing.T) {
	s := testSession(t, "part-1")
	_, running := s.TimerDeadline()
	assert.False(t, running)

	deadline := time.Now().Add(5 * time.Minute).Truncate(time.Millisecond)
	require.NoError(t, s.SetTimer(deadline))
	got, running := s.TimerDeadline()
	require.True(t, running)
	assert.Equal(t, deadline.UnixMilli(), got.UnixMilli())

	require.NoError(t, s.ClearTimer())
	_, running = s.TimerDeadline()
	assert.False(t, running)
}

func TestSession_PersistsAcrossReopen(t *testing.T) {
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "boards.sqlite3"))
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	first, err := NewSession(ctx, SessionConfig{BoardID: "b1", ParticipantID: "part-1", DB: db})
	require.NoError(t, err)
	col, err := first.CreateColumn("Start")
	require.NoError(t, err)
	card, err := first.CreateCard(col, "persisted idea")
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := NewSession(ctx, SessionConfig{BoardID: "b1", ParticipantID: "part-1", DB: db})
	require.NoError(t, err)
	defer second.Close()

	desc, ok := second.Store().GetCell(TableCards, card, "description")
	require.True(t, ok, "the card must survive the reopen")
	assert.Equal(t, "persisted idea", desc)
	assert.Equal(t, 1, second.VoteCount(card))
	// the bootstrap write happened after the load, so it is present too
	assert.True(t, second.Store().HasRow(TableParticipants, "part-1"))
	assert.Equal(t, 1, second.ParticipantCount())
}

func TestSession_LeaveVisibleToPeer(t *testing.T) {
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "relay.sqlite3"))
	require.NoError(t, err)
	defer db.Close()

	r, err := relay.New(db, Schema())
	require.NoError(t, err)
	defer r.Close()
	srv := httptest.NewServer(r.Handler())
	defer srv.Close()
	relayURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx := context.Background()
	a, err := NewSession(ctx, SessionConfig{BoardID: "b1", ParticipantID: "pa", RelayURL: relayURL})
	require.NoError(t, err)
	b, err := NewSession(ctx, SessionConfig{BoardID: "b1", ParticipantID: "pb", RelayURL: relayURL})
	require.NoError(t, err)
	defer b.Close()

	require.Eventually(t, func() bool {
		return a.ParticipantCount() == 2 && b.ParticipantCount() == 2
	}, 10*time.Second, 10*time.Millisecond, "both sessions must see each other first")

	// closing stops the synchronizer right after the leaving commit; the
	// departure must still reach the peer rather than leave a ghost row
	require.NoError(t, a.Close())

	require.Eventually(t, func() bool {
		return !b.Store().HasRow(TableParticipants, "pa")
	}, 10*time.Second, 10*time.Millisecond, "the peer must see the departed participant go")
	assert.Equal(t, 1, b.ParticipantCount())
}

func TestSession_RequiresIdentity(t *testing.T) {
	_, err := NewSession(context.Background(), SessionConfig{ParticipantID: "p"})
	require.Error(t, err)
	_, err = NewSession(context.Background(), SessionConfig{BoardID: "b"})
	require.Error(t, err)
}

package persist

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/hindsight/pkg/store"
)

func testSchema() store.Schema {
	return store.Schema{
		Values: map[string]store.CellSchema{
			"timer": {Type: store.TypeNumber},
		},
		Tables: map[string]store.TableSchema{
			"cards": {
				"description": {Type: store.TypeString, Default: ""},
				"createdAt":   {Type: store.TypeNumber, Default: 0},
			},
			"votes": {
				"cardId": {Type: store.TypeString, Default: ""},
			},
		},
	}
}

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "test.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, Init(db))
	return db
}

func TestPersister_RoundTrip(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	a := store.New(testSchema(), "a1")
	require.NoError(t, a.SetRow("cards", "c1", map[string]any{"description": "hello", "createdAt": 5}))
	require.NoError(t, a.SetRow("votes", "v1", map[string]any{"cardId": "c1"}))
	require.NoError(t, a.SetValue("timer", 1234))
	require.NoError(t, a.DelRow("votes", "v1"))
	require.NoError(t, New(db, a, "board1").Save(ctx))

	b := store.New(testSchema(), "b1")
	require.NoError(t, New(db, b, "board1").Load(ctx))

	assert.Equal(t, a.Content(), b.Content())
	assert.False(t, b.HasRow("votes", "v1"), "the vote tombstone must survive persistence")
}

func TestPersister_LoadMissingBoardIsNoop(t *testing.T) {
	db := testDB(t)
	s := store.New(testSchema(), "a1")
	require.NoError(t, New(db, s, "never-saved").Load(context.Background()))
	assert.Empty(t, s.RowIDs("cards"))
}

func TestPersister_BoardsIsolatedByID(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	a := store.New(testSchema(), "a1")
	require.NoError(t, a.SetRow("cards", "c1", map[string]any{"description": "board one"}))
	require.NoError(t, New(db, a, "board1").Save(ctx))

	b := store.New(testSchema(), "b1")
	require.NoError(t, b.SetRow("cards", "c2", map[string]any{"description": "board two"}))
	require.NoError(t, New(db, b, "board2").Save(ctx))

	check := store.New(testSchema(), "c1")
	require.NoError(t, New(db, check, "board1").Load(ctx))
	assert.Equal(t, []string{"c1"}, check.RowIDs("cards"))
}

func TestPersister_LoadMergesWithEarlyWrites(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	saved := store.New(testSchema(), "a1")
	require.NoError(t, saved.SetRow("cards", "c1", map[string]any{"description": "stored"}))
	require.NoError(t, New(db, saved, "board1").Save(ctx))

	// A bootstrap write that slipped in before Load must be merged with the
	// stored snapshot, not overwritten by it.
	s := store.New(testSchema(), "b1")
	require.NoError(t, s.SetRow("cards", "c2", map[string]any{"description": "early"}))
	require.NoError(t, New(db, s, "board1").Load(ctx))

	assert.ElementsMatch(t, []string{"c1", "c2"}, s.RowIDs("cards"))
}

func TestPersister_AutoSave(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	s := store.New(testSchema(), "a1")
	p := New(db, s, "board1")
	p.StartAutoSave(ctx)

	require.NoError(t, s.SetRow("cards", "c1", map[string]any{"description": "auto"}))

	check := store.New(testSchema(), "check")
	require.Eventually(t, func() bool {
		if err := New(db, check, "board1").Load(ctx); err != nil {
			return false
		}
		return check.HasRow("cards", "c1")
	}, 2*time.Second, 10*time.Millisecond)

	p.Stop()
}

func TestPersister_StopSavesFinalState(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	s := store.New(testSchema(), "a1")
	p := New(db, s, "board1")
	p.StartAutoSave(ctx)
	require.NoError(t, s.SetRow("cards", "c1", map[string]any{"description": "final"}))
	p.Stop()

	check := store.New(testSchema(), "check")
	require.NoError(t, New(db, check, "board1").Load(ctx))
	assert.True(t, check.HasRow("cards", "c1"))
}

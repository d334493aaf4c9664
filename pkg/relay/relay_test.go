package relay_test

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/hindsight/pkg/board"
	"github.com/astromechza/hindsight/pkg/relay"
	"github.com/astromechza/hindsight/pkg/store"
	"github.com/astromechza/hindsight/pkg/syncer"
)

func openDB(t *testing.T, path string) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+path, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestWakeUpEndpoint(t *testing.T) {
	db := openDB(t, filepath.Join(t.TempDir(), "relay.sqlite3"))
	r, err := relay.New(db, board.Schema())
	require.NoError(t, err)
	defer r.Close()
	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/wake-up")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestBoardChannel_AnswersHello(t *testing.T) {
	db := openDB(t, filepath.Join(t.TempDir(), "relay.sqlite3"))
	r, err := relay.New(db, board.Schema())
	require.NoError(t, err)
	defer r.Close()
	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	for _, path := range []string{"/board1", "/room/board1"} {
		conn := dial(t, srv, path)

		var hello syncer.Message
		require.NoError(t, conn.ReadJSON(&hello))
		assert.Equal(t, syncer.MessageHello, hello.Type)
		assert.Equal(t, "relay:board1", hello.Actor)

		// answering the hello with an empty replica must yield the relay's
		// full state as a delta, even when that state is empty
		require.NoError(t, conn.WriteJSON(syncer.Message{
			Type:   syncer.MessageHello,
			Actor:  "probe",
			Vector: store.VersionVector{},
		}))
		var delta syncer.Message
		require.NoError(t, conn.ReadJSON(&delta))
		assert.Equal(t, syncer.MessageDelta, delta.Type)
	}
}

func TestRelay_PersistsRoomsAcrossRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "relay.sqlite3")

	db := openDB(t, dbPath)
	r, err := relay.New(db, board.Schema())
	require.NoError(t, err)
	srv := httptest.NewServer(r.Handler())

	s := store.New(board.Schema(), "clientA")
	require.NoError(t, s.SetRow(board.TableCards, "c1", map[string]any{"description": "survives restarts"}))
	sy := syncer.New(s, syncer.Config{URL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/board1"})
	sy.Start(context.Background())

	// a second replica observing the card proves the room merged it
	probe := store.New(board.Schema(), "probe")
	syProbe := syncer.New(probe, syncer.Config{URL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/board1"})
	syProbe.Start(context.Background())
	require.Eventually(t, func() bool { return probe.HasRow(board.TableCards, "c1") },
		5*time.Second, 20*time.Millisecond)

	syProbe.Stop()
	sy.Stop()
	srv.Close()
	r.Close() // takes the final room snapshot

	db2 := openDB(t, dbPath)
	r2, err := relay.New(db2, board.Schema())
	require.NoError(t, err)
	defer r2.Close()
	srv2 := httptest.NewServer(r2.Handler())
	defer srv2.Close()

	late := store.New(board.Schema(), "clientB")
	sy2 := syncer.New(late, syncer.Config{URL: "ws" + strings.TrimPrefix(srv2.URL, "http") + "/board1"})
	sy2.Start(context.Background())
	defer sy2.Stop()
	require.Eventually(t, func() bool { return late.HasRow(board.TableCards, "c1") },
		5*time.Second, 20*time.Millisecond)
	v, ok := late.GetCell(board.TableCards, "c1", "description")
	require.True(t, ok)
	assert.Equal(t, "survives restarts", v)
}

func TestLoadConfig(t *testing.T) {
	cfg, err := relay.LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, relay.DefaultConfig(), cfg)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: \"0.0.0.0:9999\"\n"), 0o644))
	cfg, err = relay.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9999", cfg.Listen)
	assert.Equal(t, relay.DefaultConfig().Database, cfg.Database)

	_, err = relay.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("{not yaml"), 0o644))
	_, err = relay.LoadConfig(path)
	assert.Error(t, err)
}

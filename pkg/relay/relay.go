// Package relay implements the board relay server: one websocket channel
// per board id, fanned out to every connected replica. The relay is not an
// arbiter. It holds an ordinary replica per board and merges inbound deltas
// like any other peer, which is what lets a late joiner receive the full
// board history from it. Room replicas are backed up to sqlite so a relay
// restart does not lose boards with no client online.
package relay

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/astromechza/hindsight/pkg/persist"
	"github.com/astromechza/hindsight/pkg/store"
	"github.com/astromechza/hindsight/pkg/syncer"
)

// Relay serves board channels for one schema.
type Relay struct {
	schema   store.Schema
	db       *sql.DB
	ctx      context.Context
	cancel   context.CancelFunc
	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]*room
}

type room struct {
	boardID   string
	store     *store.Store
	persister *persist.Persister
}

// New creates a relay persisting room replicas into db.
func New(db *sql.DB, schema store.Schema) (*Relay, error) {
	if err := persist.Init(db); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		schema:   schema,
		db:       db,
		ctx:      ctx,
		cancel:   cancel,
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		rooms:    map[string]*room{},
	}, nil
}

// Close stops the room persisters, taking a final snapshot of each board.
func (r *Relay) Close() {
	r.cancel()
	r.mu.Lock()
	rooms := make([]*room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		rooms = append(rooms, rm)
	}
	r.mu.Unlock()
	for _, rm := range rooms {
		rm.persister.Stop()
		slog.Info("room closed", "board", rm.boardID)
	}
}

// Handler returns the relay's routes: the liveness probe and the board
// channel endpoints (both the bare /{boardId} form and the /room/{boardId}
// variant).
func (r *Relay) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			slog.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})
	router.Methods(http.MethodGet).Path("/wake-up").HandlerFunc(r.wakeUp)
	router.Methods(http.MethodGet).Path("/room/{board}").HandlerFunc(r.syncBoard)
	router.Methods(http.MethodGet).Path("/{board}").HandlerFunc(r.syncBoard)
	return router
}

// wakeUp exists so a cold-started server has something trivial to answer;
// clients fire it once on start and ignore the outcome.
func (r *Relay) wakeUp(writer http.ResponseWriter, _ *http.Request) {
	writer.WriteHeader(http.StatusNoContent)
}

func (r *Relay) syncBoard(writer http.ResponseWriter, request *http.Request) {
	boardID := mux.Vars(request)["board"]
	rm, err := r.room(boardID)
	if err != nil {
		slog.Error("failed to open room", "board", boardID, "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}

	conn, err := r.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		slog.Error("failed to upgrade", "board", boardID, "err", err)
		return
	}
	defer conn.Close()

	if err := rm.join(request.Context(), conn); err != nil {
		slog.Info("member left room", "board", boardID, "err", err)
	}
}

// room returns the live room for a board, creating it (and loading its
// backed-up replica) on first use.
func (r *Relay) room(boardID string) (*room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rm, ok := r.rooms[boardID]; ok {
		return rm, nil
	}
	s := store.New(r.schema, "relay:"+boardID)
	p := persist.New(r.db, s, boardID)
	if err := p.Load(r.ctx); err != nil {
		return nil, fmt.Errorf("failed to load room backup: %w", err)
	}
	p.StartAutoSave(r.ctx)
	rm := &room{boardID: boardID, store: s, persister: p}
	r.rooms[boardID] = rm
	slog.Info("room opened", "board", boardID, "actors", len(s.VersionVector()))
	return rm, nil
}

// join services one member connection until it drops. Fan-out needs no
// extra machinery: a delta merged into the room replica notifies every
// other member's link, each of which ships the peer exactly what its
// version vector is missing.
func (rm *room) join(ctx context.Context, conn *websocket.Conn) error {
	return syncer.RunLink(ctx, rm.store, conn, nil)
}

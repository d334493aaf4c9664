// Package persist saves a board replica to a local sqlite database and
// loads it back on startup, so a client reopening a board resumes exactly
// where it left off even with no network.
package persist

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/astromechza/hindsight/pkg/store"
)

// Init ensures the snapshot table exists. Call once per database.
func Init(db *sql.DB) error {
	if _, err := db.Exec(
		`CREATE TABLE IF NOT EXISTS boards (
		id text not null primary key,
		content text not null
		)`,
	); err != nil {
		return fmt.Errorf("failed to create boards table: %w", err)
	}
	return nil
}

// Persister binds one store to one durable snapshot row, keyed by board id.
// Exactly one Persister is bound to a store per board session.
type Persister struct {
	db      *sql.DB
	s       *store.Store
	boardID string

	mu       sync.Mutex
	dirty    chan struct{}
	stop     context.CancelFunc
	done     chan struct{}
	unlisten func()
}

// New binds a persister to a store. Nothing is read or written until Load
// or StartAutoSave.
func New(db *sql.DB, s *store.Store, boardID string) *Persister {
	return &Persister{db: db, s: s, boardID: boardID, dirty: make(chan struct{}, 1)}
}

// Load reads the board's snapshot, if any, and merges it into the store.
// It must complete before any local bootstrap writes happen: a write made
// before Load could otherwise race the stored state. Loading merges rather
// than overwrites, so even a misordered write is reconciled, not lost.
func (p *Persister) Load(ctx context.Context) error {
	var encoded string
	err := p.db.QueryRowContext(ctx, `SELECT content FROM boards WHERE id = ?`, p.boardID).Scan(&encoded)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to query snapshot: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}
	var snap store.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	res := p.s.ApplySnapshot(snap)
	slog.Debug("loaded board snapshot",
		"board", p.boardID, "size", humanize.Bytes(uint64(len(raw))), "applied", res.Applied)
	return nil
}

// Save writes the current store state. Saves are whole-row sqlite writes, so
// a torn snapshot is never observable; the write is suppressed when the
// content has not changed, as in the relay's backup loop.
func (p *Persister) Save(ctx context.Context) error {
	raw, err := json.Marshal(p.s.Snapshot())
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(raw)
	if _, err := p.db.ExecContext(ctx,
		`INSERT INTO boards (id, content) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET content = excluded.content
		WHERE content != excluded.content`,
		p.boardID, encoded,
	); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

// StartAutoSave saves after every store mutation until Stop or context
// cancellation. Saves run on one goroutine, serialized and coalesced:
// mutations arriving mid-save fold into a single follow-up save. A failed
// save is logged and the session degrades to in-memory operation rather
// than surfacing the failure to the mutation path.
func (p *Persister) StartAutoSave(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop != nil {
		return
	}
	ctx, p.stop = context.WithCancel(ctx)
	p.done = make(chan struct{})
	p.unlisten = p.s.Listen(store.Selector{}, func(store.ChangeSet) {
		select {
		case p.dirty <- struct{}{}:
		default:
		}
	})
	go p.saveLoop(ctx)
}

func (p *Persister) saveLoop(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case <-p.dirty:
			if err := p.Save(ctx); err != nil && ctx.Err() == nil {
				slog.Error("auto-save failed, continuing in memory", "board", p.boardID, "err", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Stop halts auto-saving and performs a final synchronous save.
func (p *Persister) Stop() {
	p.mu.Lock()
	stop, done, unlisten := p.stop, p.done, p.unlisten
	p.stop, p.done, p.unlisten = nil, nil, nil
	p.mu.Unlock()
	if stop == nil {
		return
	}
	unlisten()
	stop()
	<-done
	if err := p.Save(context.Background()); err != nil {
		slog.Error("final save failed", "board", p.boardID, "err", err)
	}
}

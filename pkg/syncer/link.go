package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/astromechza/hindsight/pkg/store"
)

// link pumps one websocket connection for one store replica: a reader
// goroutine merging inbound deltas, and a writer goroutine draining local
// changes the peer has not seen. Either loop failing closes the connection
// and ends the link; both the client synchronizer and the relay room run
// their connections through this.
type link struct {
	s    *store.Store
	conn *websocket.Conn

	// peerVV tracks the facts the peer is known to hold: everything it
	// announced in its hello, sent us, or we sent it. Deltas are computed
	// against it so nothing is shipped twice.
	mu     sync.Mutex
	peerVV store.VersionVector

	writeMu sync.Mutex
	dirty   chan struct{}
	onLive  func()
}

// RunLink services the connection until the context is canceled or the
// connection fails. onLive is invoked once the initial exchange completes.
func RunLink(ctx context.Context, s *store.Store, conn *websocket.Conn, onLive func()) error {
	l := &link{s: s, conn: conn, dirty: make(chan struct{}, 1), onLive: onLive}

	unlisten := s.Listen(store.Selector{}, func(store.ChangeSet) {
		select {
		case l.dirty <- struct{}{}:
		default:
		}
	})
	defer unlisten()

	if err := l.writeMessage(Message{Type: MessageHello, Actor: s.Actor(), Vector: s.VersionVector()}); err != nil {
		return fmt.Errorf("failed to send hello: %w", err)
	}

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg := new(sync.WaitGroup)
	var readErr, writeErr error

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		defer l.conn.Close()
		readErr = l.readLoop()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		defer l.conn.Close()
		writeErr = l.writeLoop(ctx)
	}()

	wg.Wait()
	if parent.Err() != nil {
		return nil
	}
	if readErr != nil {
		return readErr
	}
	return writeErr
}

func (l *link) writeMessage(m Message) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.conn.WriteJSON(m)
}

func (l *link) readLoop() error {
	for {
		_, raw, err := l.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("failed to read message: %w", err)
		}
		var m Message
		if err := json.Unmarshal(raw, &m); err != nil {
			// a single bad frame is not fatal to the connection
			slog.Warn("ignoring unparseable sync frame", "err", err)
			continue
		}
		switch m.Type {
		case MessageHello:
			l.mu.Lock()
			l.peerVV = m.Vector.Clone()
			if l.peerVV == nil {
				l.peerVV = store.VersionVector{}
			}
			l.mu.Unlock()
			// answer with everything the peer's vector does not cover;
			// an empty delta still tells it the exchange is complete
			if err := l.sendDelta(true); err != nil {
				return err
			}
		case MessageDelta:
			if m.Changes != nil {
				res := l.s.ApplyChanges(*m.Changes)
				if res.Malformed > 0 {
					slog.Warn("ignored malformed facts in delta", "count", res.Malformed)
				}
				l.mu.Lock()
				m.Changes.ObserveInto(l.peerVV)
				l.mu.Unlock()
			}
			if l.onLive != nil {
				l.onLive()
				l.onLive = nil
			}
		default:
			slog.Warn("ignoring unknown sync frame", "type", m.Type)
		}
	}
}

func (l *link) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-l.dirty:
			if err := l.sendDelta(false); err != nil {
				return err
			}
		case <-ctx.Done():
			// drain before the channel closes: a clean Stop right after a
			// commit (e.g. a participant leaving the board) must still ship
			// that last delta to the peer
			_ = l.sendDelta(false)
			return nil
		}
	}
}

// sendDelta ships everything the peer's vector does not cover. Empty deltas
// are suppressed except when answering a hello.
func (l *link) sendDelta(always bool) error {
	l.mu.Lock()
	if l.peerVV == nil {
		// no hello from the peer yet; nothing to compute a delta against
		l.mu.Unlock()
		return nil
	}
	delta := l.s.DeltaSince(l.peerVV)
	delta.ObserveInto(l.peerVV)
	l.mu.Unlock()
	if delta.IsEmpty() && !always {
		return nil
	}
	if err := l.writeMessage(Message{Type: MessageDelta, Changes: &delta}); err != nil {
		return fmt.Errorf("failed to write delta: %w", err)
	}
	return nil
}

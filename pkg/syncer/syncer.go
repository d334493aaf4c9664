// Package syncer keeps a board replica convergent with its peers through a
// relay server: a bidirectional websocket channel per board id, an initial
// full reconciliation on connect, then incremental deltas both ways. All
// synchronization is background work; local reads and writes never wait on
// it.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/astromechza/hindsight/pkg/backoff"
	"github.com/astromechza/hindsight/pkg/store"
)

// Status is the synchronizer's connection state. The happy path runs
// Connecting -> Syncing -> Live; a transport drop goes back to Connecting
// and is retried, and only an exhausted retry budget lands in Failed. Failed
// is an explicit connection error, distinct from a client merely inferring
// that a cold server is slow to start.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusSyncing    Status = "syncing"
	StatusLive       Status = "live"
	StatusFailed     Status = "failed"
	StatusStopped    Status = "stopped"
)

// Config configures a Synchronizer.
type Config struct {
	// URL is the board channel endpoint, e.g. ws://host/boardId.
	URL string
	// Backoff governs reconnect attempts. The zero value is replaced by
	// backoff.DefaultReconnect, which retries forever.
	Backoff backoff.Policy
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
	// OnStatus, when set, observes every state transition.
	OnStatus func(Status)
}

// Synchronizer bridges one store to one board channel. Exactly one is bound
// to a store per board session; starting a new one for a different board
// requires stopping the old one first, which cleanly releases its channel.
type Synchronizer struct {
	s   *store.Store
	cfg Config

	mu      sync.Mutex
	status  Status
	lastErr error
	cancel  context.CancelFunc
	done    chan struct{}
}

// New binds a synchronizer to a store. Nothing connects until Start.
func New(s *store.Store, cfg Config) *Synchronizer {
	if cfg.Backoff == (backoff.Policy{}) {
		cfg.Backoff = backoff.DefaultReconnect()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Synchronizer{s: s, cfg: cfg, status: StatusIdle}
}

// Start launches the connect/sync loop in the background.
func (s *Synchronizer) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
}

// Stop releases the channel and waits for the loop to exit. A superseded
// connect attempt (e.g. on board change) goes through here before a new
// synchronizer starts.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.setStatus(StatusStopped)
}

// Status returns the current connection state.
func (s *Synchronizer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Err returns the most recent transport error, if any.
func (s *Synchronizer) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Synchronizer) setStatus(st Status) {
	s.mu.Lock()
	changed := s.status != st
	s.status = st
	cb := s.cfg.OnStatus
	s.mu.Unlock()
	if changed && cb != nil {
		cb(st)
	}
}

func (s *Synchronizer) setErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

func (s *Synchronizer) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		s.setStatus(StatusConnecting)
		conn, resp, err := s.cfg.Dialer.DialContext(ctx, s.cfg.URL, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.setErr(fmt.Errorf("failed to dial %s: %w", s.cfg.URL, err))
			if s.cfg.Backoff.Exhausted(attempt) {
				slog.Error("giving up on board channel", "url", s.cfg.URL, "attempts", attempt)
				s.setStatus(StatusFailed)
				return
			}
			slog.Info("board channel unavailable, backing off",
				"url", s.cfg.URL, "attempt", attempt, "wait", s.cfg.Backoff.Interval(attempt))
			if err := s.cfg.Backoff.Wait(ctx, attempt); err != nil {
				return
			}
			attempt++
			continue
		}

		attempt = 0
		s.setStatus(StatusSyncing)
		err = RunLink(ctx, s.s, conn, func() { s.setStatus(StatusLive) })
		if ctx.Err() != nil {
			return
		}
		// a dropped channel is not terminal; go back to connecting
		s.setErr(err)
		slog.Info("board channel dropped, reconnecting", "url", s.cfg.URL, "err", err)
	}
}

// WakeUp fires the one-shot liveness probe against the relay's /wake-up
// endpoint, purely to start a cold server warming. Its outcome does not
// gate the synchronizer's own connect and retry logic.
func WakeUp(ctx context.Context, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/wake-up", nil)
	if err != nil {
		return fmt.Errorf("failed to build wake-up request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to wake server: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("unexpected wake-up status code: %d", resp.StatusCode)
	}
	return nil
}
